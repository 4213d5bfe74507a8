package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockExchange is a scripted in-memory venue used by tests and by the factory
// in dev mode. Behavior worth relying on: SubmitOrder is idempotent per
// ClientOrderID, balances move when orders fill, and errors can be queued per
// method to exercise the retry paths.
type MockExchange struct {
	mu sync.Mutex

	name     string
	tickers  map[string]*Ticker
	candles  map[string][]Candle // keyed pair|interval
	balances map[string]*Balance
	orders   map[string]*Order
	byClient map[string]*Order
	fills    []Fill
	ledger   []LedgerEntry
	seq      int

	calls    []string
	errQueue map[string][]error

	// FillOnSubmit fills market orders immediately at the scripted ticker
	// price (or the limit price). Disable it to drive the watcher poll path.
	FillOnSubmit bool

	takerFee float64
	makerFee float64
	specs    map[string]PairSpec
	now      func() time.Time
}

func NewMockExchange(name string) *MockExchange {
	if name == "" {
		name = "mock"
	}
	return &MockExchange{
		name:         name,
		tickers:      make(map[string]*Ticker),
		candles:      make(map[string][]Candle),
		balances:     make(map[string]*Balance),
		orders:       make(map[string]*Order),
		byClient:     make(map[string]*Order),
		errQueue:     make(map[string][]error),
		FillOnSubmit: true,
		takerFee:     0.26,
		makerFee:     0.16,
		specs:        make(map[string]PairSpec),
		now:          time.Now,
	}
}

func (m *MockExchange) Name() string { return m.name }

func (m *MockExchange) TakerFeePct() float64 { return m.takerFee }
func (m *MockExchange) MakerFeePct() float64 { return m.makerFee }

// SetNow injects a deterministic clock.
func (m *MockExchange) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MockExchange) SetTicker(pair string, bid, ask, last float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[pair] = &Ticker{Pair: pair, Bid: bid, Ask: ask, Last: last, Time: m.now()}
}

func (m *MockExchange) SetCandles(pair string, interval Interval, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[pair+"|"+string(interval)] = candles
}

func (m *MockExchange) SetBalance(asset string, free, locked float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = &Balance{Asset: asset, Free: free, Locked: locked}
}

func (m *MockExchange) SetPairSpec(spec PairSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.Pair] = spec
}

// QueueError arranges for the next call to method to fail with err. Multiple
// queued errors pop in order.
func (m *MockExchange) QueueError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errQueue[method] = append(m.errQueue[method], err)
}

// Calls returns the recorded method call names in order.
func (m *MockExchange) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (m *MockExchange) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *MockExchange) record(method string) error {
	m.calls = append(m.calls, method)
	if q := m.errQueue[method]; len(q) > 0 {
		err := q[0]
		m.errQueue[method] = q[1:]
		return err
	}
	return nil
}

func (m *MockExchange) GetTicker(ctx context.Context, pair string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetTicker"); err != nil {
		return nil, err
	}
	t, ok := m.tickers[pair]
	if !ok {
		return nil, &PermanentRejectError{Venue: m.name, Code: "UNKNOWN_PAIR", Reason: pair}
	}
	cp := *t
	return &cp, nil
}

func (m *MockExchange) GetOHLC(ctx context.Context, pair string, interval Interval, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetOHLC"); err != nil {
		return nil, err
	}
	rows := m.candles[pair+"|"+string(interval)]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]Candle, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *MockExchange) GetBalance(ctx context.Context) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetBalance"); err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, *b)
	}
	return out, nil
}

func (m *MockExchange) GetOrderBook(ctx context.Context, pair string, depth int) (*OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetOrderBook"); err != nil {
		return nil, err
	}
	t, ok := m.tickers[pair]
	if !ok {
		return nil, ErrNotSupported
	}
	return &OrderBook{
		Pair: pair,
		Bids: []BookLevel{{Price: t.Bid, Volume: 10}},
		Asks: []BookLevel{{Price: t.Ask, Volume: 10}},
		Time: m.now(),
	}, nil
}

func (m *MockExchange) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SubmitOrder"); err != nil {
		return nil, err
	}

	if req.ClientOrderID != "" {
		if existing, ok := m.byClient[req.ClientOrderID]; ok {
			cp := *existing
			return &cp, nil
		}
	}

	m.seq++
	order := &Order{
		ID:            fmt.Sprintf("%s-%d", m.name, m.seq),
		ClientOrderID: req.ClientOrderID,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Status:        StatusOpen,
		Amount:        req.Amount,
		FeeCurrency:   QuoteCurrency(req.Pair),
		CreatedAt:     m.now(),
		UpdatedAt:     m.now(),
	}

	if m.FillOnSubmit {
		m.fill(order, req)
	}

	m.orders[order.ID] = order
	if req.ClientOrderID != "" {
		m.byClient[req.ClientOrderID] = order
	}
	cp := *order
	return &cp, nil
}

// FillOrder fills a resting order at price, for tests that drive the watcher
// poll path.
func (m *MockExchange) FillOrder(orderID string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %s", orderID)
	}
	req := OrderRequest{Pair: order.Pair, Side: order.Side, Type: order.Type, Amount: order.Amount, Price: price}
	m.fill(order, req)
	return nil
}

func (m *MockExchange) fill(order *Order, req OrderRequest) {
	price := req.Price
	if price == 0 {
		if t, ok := m.tickers[req.Pair]; ok {
			if req.Side == SideBuy {
				price = t.Ask
			} else {
				price = t.Bid
			}
		}
	}

	base, quote := SplitPair(req.Pair)
	notional := price * order.Amount
	fee := notional * m.takerFee / 100

	order.Status = StatusFilled
	order.FilledAmount = order.Amount
	order.AvgFillPrice = price
	order.FeePaid = fee
	order.UpdatedAt = m.now()

	if req.Side == SideBuy {
		m.adjustBalance(quote, -(notional + fee))
		m.adjustBalance(base, order.Amount)
	} else {
		m.adjustBalance(base, -order.Amount)
		m.adjustBalance(quote, notional-fee)
	}

	m.seq++
	m.fills = append(m.fills, Fill{
		ID:            fmt.Sprintf("fill-%d", m.seq),
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Pair:          req.Pair,
		Side:          req.Side,
		Price:         price,
		Quantity:      order.Amount,
		Fee:           fee,
		FeeCurrency:   quote,
		QuoteCurrency: quote,
		Time:          m.now(),
	})
}

func (m *MockExchange) adjustBalance(asset string, delta float64) {
	b, ok := m.balances[asset]
	if !ok {
		b = &Balance{Asset: asset}
		m.balances[asset] = b
	}
	b.Free += delta
}

func (m *MockExchange) GetOrderStatus(ctx context.Context, orderID, pair string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetOrderStatus"); err != nil {
		return nil, err
	}
	order, ok := m.orders[orderID]
	if !ok {
		return nil, &PermanentRejectError{Venue: m.name, Code: "NOT_FOUND", Reason: orderID}
	}
	cp := *order
	return &cp, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, orderID, pair string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CancelOrder"); err != nil {
		return err
	}
	order, ok := m.orders[orderID]
	if !ok {
		return &PermanentRejectError{Venue: m.name, Code: "NOT_FOUND", Reason: orderID}
	}
	if !order.Status.Terminal() {
		order.Status = StatusCanceled
		order.UpdatedAt = m.now()
	}
	return nil
}

func (m *MockExchange) ListFills(ctx context.Context, since time.Time) ([]Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ListFills"); err != nil {
		return nil, err
	}
	out := make([]Fill, 0, len(m.fills))
	for _, f := range m.fills {
		if since.IsZero() || f.Time.After(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

// AddLedgerEntry scripts a ledger entry for GetLedger.
func (m *MockExchange) AddLedgerEntry(entry LedgerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, entry)
}

func (m *MockExchange) GetLedger(ctx context.Context, since time.Time) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetLedger"); err != nil {
		return nil, err
	}
	out := make([]LedgerEntry, 0, len(m.ledger))
	for _, e := range m.ledger {
		if since.IsZero() || e.Time.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockExchange) PairSpec(pair string) (PairSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec, ok := m.specs[pair]; ok {
		return spec, true
	}
	return PairSpec{Pair: pair, QtyStep: 0.00000001, MinQty: 0.00001, MinNotional: 1}, false
}
