package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrDuplicate is returned when an insert hits a uniqueness guard that the
// caller is expected to treat as "already done", such as a repeated client
// order id.
var ErrDuplicate = errors.New("duplicate record")

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// GetDB returns the underlying DB instance
func (r *Repository) GetDB() *DB {
	return r.db
}

// ============================================================================
// TRADES
// ============================================================================

// CreateTrade inserts a new trade. A repeated client order id returns
// ErrDuplicate without touching the existing row.
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	query := `
		INSERT INTO trades (client_order_id, venue_order_id, venue, pair, side, order_type, status,
		                    requested_qty, limit_price, ref_mid, tick_id, strategy, reason, dry_run, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (client_order_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		trade.ClientOrderID, trade.VenueOrderID, trade.Venue, trade.Pair, trade.Side,
		trade.OrderType, trade.Status, trade.RequestedQty, trade.LimitPrice, trade.RefMid,
		trade.TickID, trade.Strategy, trade.Reason, trade.DryRun, trade.SubmittedAt,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	return err
}

// UpdateTradeStatus records order progress reported by the venue.
func (r *Repository) UpdateTradeStatus(ctx context.Context, clientOrderID, status string, filledQty float64, avgFillPrice *float64, feePaid float64) error {
	query := `
		UPDATE trades
		SET status = $2, filled_qty = $3, avg_fill_price = $4, fee_paid = $5,
		    closed_at = CASE WHEN $2 IN ('filled', 'canceled', 'rejected') THEN NOW() ELSE closed_at END
		WHERE client_order_id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, clientOrderID, status, filledQty, avgFillPrice, feePaid)
	return err
}

// SetTradeVenueOrderID stores the venue-assigned order id after submission.
func (r *Repository) SetTradeVenueOrderID(ctx context.Context, clientOrderID, venueOrderID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trades SET venue_order_id = $2 WHERE client_order_id = $1`,
		clientOrderID, venueOrderID,
	)
	return err
}

// GetTradeByClientOrderID retrieves a trade by its client order id.
func (r *Repository) GetTradeByClientOrderID(ctx context.Context, clientOrderID string) (*Trade, error) {
	query := tradeColumns + ` WHERE client_order_id = $1`
	return r.scanTrade(r.db.Pool.QueryRow(ctx, query, clientOrderID))
}

// GetOpenOrders retrieves orders that have not reached a terminal state.
// The reconciliation sweep walks these against venue state.
func (r *Repository) GetOpenOrders(ctx context.Context, venue string) ([]*Trade, error) {
	query := tradeColumns + `
		WHERE venue = $1 AND status IN ('open', 'partial')
		ORDER BY submitted_at ASC
	`
	return r.queryTrades(ctx, query, venue)
}

// HasPendingBuy reports whether an unterminated BUY exists for the pair on
// the venue. The engine refuses a second entry while one is pending.
func (r *Repository) HasPendingBuy(ctx context.Context, pair, venue string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM trades
			WHERE pair = $1 AND venue = $2 AND side = 'BUY' AND status IN ('open', 'partial')
		)`,
		pair, venue,
	).Scan(&exists)
	return exists, err
}

// GetLastTerminalOrderTime returns when the pair last had an order fill or
// get rejected on the venue. Cooldown counts from this moment.
func (r *Repository) GetLastTerminalOrderTime(ctx context.Context, pair, venue string) (*time.Time, error) {
	var t *time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT MAX(closed_at) FROM trades
		 WHERE pair = $1 AND venue = $2 AND status IN ('filled', 'rejected')`,
		pair, venue,
	).Scan(&t)
	return t, err
}

// GetTradeHistory retrieves recent trades, newest first.
func (r *Repository) GetTradeHistory(ctx context.Context, limit int) ([]*Trade, error) {
	query := tradeColumns + ` ORDER BY submitted_at DESC LIMIT $1`
	return r.queryTrades(ctx, query, limit)
}

const tradeColumns = `
	SELECT id, client_order_id, venue_order_id, venue, pair, side, order_type, status,
	       requested_qty, limit_price, filled_qty, avg_fill_price, fee_paid, fee_currency,
	       ref_mid, tick_id, strategy, reason, dry_run, submitted_at, closed_at, created_at, updated_at
	FROM trades`

func (r *Repository) scanTrade(row pgx.Row) (*Trade, error) {
	trade := &Trade{}
	err := row.Scan(
		&trade.ID, &trade.ClientOrderID, &trade.VenueOrderID, &trade.Venue, &trade.Pair,
		&trade.Side, &trade.OrderType, &trade.Status, &trade.RequestedQty, &trade.LimitPrice,
		&trade.FilledQty, &trade.AvgFillPrice, &trade.FeePaid, &trade.FeeCurrency,
		&trade.RefMid, &trade.TickID, &trade.Strategy, &trade.Reason, &trade.DryRun,
		&trade.SubmittedAt, &trade.ClosedAt, &trade.CreatedAt, &trade.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return trade, nil
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade, err := r.scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// ============================================================================
// FILLS
// ============================================================================

// RecordFill persists a fill, returning false when the venue fill id was
// already stored. Replays therefore never duplicate fiscal input.
func (r *Repository) RecordFill(ctx context.Context, fill *Fill) (bool, error) {
	query := `
		INSERT INTO fills (venue, venue_fill_id, venue_order_id, client_order_id, pair, side,
		                   price, quantity, fee, fee_currency, quote_currency, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (venue, venue_fill_id) DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		fill.Venue, fill.VenueFillID, fill.VenueOrderID, fill.ClientOrderID, fill.Pair,
		fill.Side, fill.Price, fill.Quantity, fill.Fee, fill.FeeCurrency, fill.QuoteCurrency,
		fill.ExecutedAt,
	).Scan(&fill.ID, &fill.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetFillsSince retrieves fills executed at or after the given time, in
// execution order. Insertion order breaks executed_at ties so FIFO replay
// is deterministic.
func (r *Repository) GetFillsSince(ctx context.Context, since time.Time) ([]*Fill, error) {
	query := fillColumns + `
		WHERE executed_at >= $1
		ORDER BY executed_at ASC, id ASC
	`
	return r.queryFills(ctx, query, since)
}

// GetFillsForOrder retrieves fills attributed to a client order id.
func (r *Repository) GetFillsForOrder(ctx context.Context, clientOrderID string) ([]*Fill, error) {
	query := fillColumns + `
		WHERE client_order_id = $1
		ORDER BY executed_at ASC, id ASC
	`
	return r.queryFills(ctx, query, clientOrderID)
}

const fillColumns = `
	SELECT id, venue, venue_fill_id, venue_order_id, client_order_id, pair, side,
	       price, quantity, fee, fee_currency, quote_currency, executed_at, created_at
	FROM fills`

func (r *Repository) queryFills(ctx context.Context, query string, args ...interface{}) ([]*Fill, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []*Fill
	for rows.Next() {
		fill := &Fill{}
		err := rows.Scan(
			&fill.ID, &fill.Venue, &fill.VenueFillID, &fill.VenueOrderID, &fill.ClientOrderID,
			&fill.Pair, &fill.Side, &fill.Price, &fill.Quantity, &fill.Fee, &fill.FeeCurrency,
			&fill.QuoteCurrency, &fill.ExecutedAt, &fill.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	return fills, rows.Err()
}

// ============================================================================
// POSITIONS
// ============================================================================

// CreatePosition inserts a new open position.
func (r *Repository) CreatePosition(ctx context.Context, pos *Position) error {
	query := `
		INSERT INTO positions (pair, venue, entry_price, quantity, state, stop_price, take_profit,
		                       high_water_mark, entry_order_id, strategy, dry_run, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		pos.Pair, pos.Venue, pos.EntryPrice, pos.Quantity, pos.State, pos.StopPrice,
		pos.TakeProfit, pos.HighWaterMark, pos.EntryOrderID, pos.Strategy, pos.DryRun,
		pos.OpenedAt,
	).Scan(&pos.ID, &pos.UpdatedAt)
}

// UpdatePositionExit persists exit-machine progress: state, stop and high
// water mark only ever move forward, which the engine enforces before
// calling here.
func (r *Repository) UpdatePositionExit(ctx context.Context, id int64, state string, stopPrice, highWaterMark float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET state = $2, stop_price = $3, high_water_mark = $4 WHERE id = $1`,
		id, state, stopPrice, highWaterMark,
	)
	return err
}

// AddToPosition averages a scale-in fill into the position.
func (r *Repository) AddToPosition(ctx context.Context, id int64, entryPrice, quantity float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET entry_price = $2, quantity = $3, scale_ins = scale_ins + 1 WHERE id = $1`,
		id, entryPrice, quantity,
	)
	return err
}

// ClosePosition marks the position closed with its realized result.
func (r *Repository) ClosePosition(ctx context.Context, id int64, closeReason string, realizedPnL float64, closedAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions
		 SET state = $2, close_reason = $3, realized_pnl = $4, closed_at = $5
		 WHERE id = $1 AND closed_at IS NULL`,
		id, PositionStateClosed, closeReason, realizedPnL, closedAt,
	)
	return err
}

// GetOpenPositions retrieves all open positions.
func (r *Repository) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	query := positionColumns + ` WHERE closed_at IS NULL ORDER BY opened_at ASC`
	return r.queryPositions(ctx, query)
}

// GetOpenPosition retrieves the open position for a pair on a venue, or nil.
func (r *Repository) GetOpenPosition(ctx context.Context, pair, venue string) (*Position, error) {
	query := positionColumns + ` WHERE pair = $1 AND venue = $2 AND closed_at IS NULL`
	pos, err := r.scanPosition(r.db.Pool.QueryRow(ctx, query, pair, venue))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return pos, err
}

// GetClosedPositionsSince retrieves non-dry-run positions closed at or after
// the given time, oldest close first. The daily report counts trades and wins
// from it.
func (r *Repository) GetClosedPositionsSince(ctx context.Context, since time.Time) ([]*Position, error) {
	query := positionColumns + ` WHERE closed_at IS NOT NULL AND closed_at >= $1 AND NOT dry_run ORDER BY closed_at ASC`
	return r.queryPositions(ctx, query, since)
}

// GetRealizedPnLSince sums realized results of positions closed at or after
// the given time. The daily loss guard calls this with the UTC midnight.
func (r *Repository) GetRealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var pnl float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		 WHERE closed_at IS NOT NULL AND closed_at >= $1 AND NOT dry_run`,
		since,
	).Scan(&pnl)
	return pnl, err
}

const positionColumns = `
	SELECT id, pair, venue, entry_price, quantity, state, stop_price, take_profit,
	       high_water_mark, entry_order_id, strategy, scale_ins, dry_run, opened_at,
	       updated_at, closed_at, close_reason, realized_pnl
	FROM positions`

func (r *Repository) scanPosition(row pgx.Row) (*Position, error) {
	pos := &Position{}
	err := row.Scan(
		&pos.ID, &pos.Pair, &pos.Venue, &pos.EntryPrice, &pos.Quantity, &pos.State,
		&pos.StopPrice, &pos.TakeProfit, &pos.HighWaterMark, &pos.EntryOrderID,
		&pos.Strategy, &pos.ScaleIns, &pos.DryRun, &pos.OpenedAt, &pos.UpdatedAt,
		&pos.ClosedAt, &pos.CloseReason, &pos.RealizedPnL,
	)
	if err != nil {
		return nil, err
	}
	return pos, nil
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		pos, err := r.scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// ============================================================================
// BOT EVENTS
// ============================================================================

// RecordEvent inserts an operator-visible event.
func (r *Repository) RecordEvent(ctx context.Context, event *BotEvent) error {
	query := `
		INSERT INTO bot_events (event_type, severity, pair, message, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		event.EventType, event.Severity, event.Pair, event.Message, event.Data,
	).Scan(&event.ID, &event.CreatedAt)
}

// GetRecentEvents retrieves recent events, newest first.
func (r *Repository) GetRecentEvents(ctx context.Context, limit int) ([]*BotEvent, error) {
	query := eventColumns + ` ORDER BY created_at DESC LIMIT $1`
	return r.queryEvents(ctx, query, limit)
}

// GetEventByID retrieves a single event.
func (r *Repository) GetEventByID(ctx context.Context, id int64) (*BotEvent, error) {
	event := &BotEvent{}
	err := r.db.Pool.QueryRow(ctx, eventColumns+` WHERE id = $1`, id).Scan(
		&event.ID, &event.EventType, &event.Severity, &event.Pair, &event.Message,
		&event.Data, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return event, nil
}

// PruneEvents deletes events older than the cutoff and reports how many went.
func (r *Repository) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM bot_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const eventColumns = `
	SELECT id, event_type, severity, pair, message, data, created_at
	FROM bot_events`

func (r *Repository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*BotEvent, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*BotEvent
	for rows.Next() {
		event := &BotEvent{}
		err := rows.Scan(
			&event.ID, &event.EventType, &event.Severity, &event.Pair, &event.Message,
			&event.Data, &event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ============================================================================
// BOT CONFIG
// ============================================================================

// GetBotConfig retrieves the runtime-state row, creating defaults on first
// call.
func (r *Repository) GetBotConfig(ctx context.Context) (*BotConfig, error) {
	cfg := &BotConfig{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT trading_venue, paused, kill_switch_day, last_report_date, overrides, updated_at
		 FROM bot_config WHERE id = 1`,
	).Scan(&cfg.TradingVenue, &cfg.Paused, &cfg.KillSwitchDay, &cfg.LastReportDate, &cfg.Overrides, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cfg = &BotConfig{TradingVenue: "kraken", UpdatedAt: time.Now().UTC()}
		return cfg, r.SaveBotConfig(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveBotConfig upserts the runtime-state row.
func (r *Repository) SaveBotConfig(ctx context.Context, cfg *BotConfig) error {
	query := `
		INSERT INTO bot_config (id, trading_venue, paused, kill_switch_day, last_report_date, overrides, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET trading_venue = EXCLUDED.trading_venue,
		    paused = EXCLUDED.paused,
		    kill_switch_day = EXCLUDED.kill_switch_day,
		    last_report_date = EXCLUDED.last_report_date,
		    overrides = EXCLUDED.overrides,
		    updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query,
		cfg.TradingVenue, cfg.Paused, cfg.KillSwitchDay, cfg.LastReportDate, cfg.Overrides,
	)
	return err
}

// ============================================================================
// TELEGRAM CHATS
// ============================================================================

// UpsertTelegramChat records a chat the bot has seen, preserving its
// authorization on repeat visits.
func (r *Repository) UpsertTelegramChat(ctx context.Context, chat *TelegramChat) error {
	query := `
		INSERT INTO telegram_chats (chat_id, username, authorized, is_operator, last_seen_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chat_id) DO UPDATE
		SET username = EXCLUDED.username, last_seen_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query, chat.ChatID, chat.Username, chat.Authorized, chat.IsOperator)
	return err
}

// GetTelegramChat retrieves one chat, or nil when unknown.
func (r *Repository) GetTelegramChat(ctx context.Context, chatID int64) (*TelegramChat, error) {
	chat := &TelegramChat{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT chat_id, username, authorized, is_operator, added_at, last_seen_at
		 FROM telegram_chats WHERE chat_id = $1`,
		chatID,
	).Scan(&chat.ChatID, &chat.Username, &chat.Authorized, &chat.IsOperator, &chat.AddedAt, &chat.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// SetChatAuthorized flips authorization for a chat.
func (r *Repository) SetChatAuthorized(ctx context.Context, chatID int64, authorized bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE telegram_chats SET authorized = $2 WHERE chat_id = $1`,
		chatID, authorized,
	)
	return err
}

// ListAuthorizedChats retrieves every chat allowed to receive notifications.
func (r *Repository) ListAuthorizedChats(ctx context.Context) ([]*TelegramChat, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT chat_id, username, authorized, is_operator, added_at, last_seen_at
		 FROM telegram_chats WHERE authorized ORDER BY added_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*TelegramChat
	for rows.Next() {
		chat := &TelegramChat{}
		err := rows.Scan(&chat.ChatID, &chat.Username, &chat.Authorized, &chat.IsOperator, &chat.AddedAt, &chat.LastSeenAt)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}
