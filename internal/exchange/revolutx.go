package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RevolutXClient talks to the Revolut X crypto exchange REST API. Requests are
// signed with HMAC-SHA256 over timestamp+method+path+body; the timestamp acts
// as the nonce and must be strictly increasing per key.
type RevolutXClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	nonce      *nonceSource
	budget     *RateBudget

	takerFee float64
	makerFee float64
}

func NewRevolutXClient(apiKey, secretKey, baseURL string) *RevolutXClient {
	if baseURL == "" {
		baseURL = "https://exchange.revolut.com/api/1.0"
	}
	return &RevolutXClient{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		nonce:      newNonceSource(),
		budget:     NewRateBudget("revolutx", 120, time.Minute, revolutxWeights),
		takerFee:   0.09,
		makerFee:   0.0,
	}
}

func (c *RevolutXClient) Name() string { return "revolutx" }

func (c *RevolutXClient) TakerFeePct() float64 { return c.takerFee }
func (c *RevolutXClient) MakerFeePct() float64 { return c.makerFee }

// revolutPairName converts "BTC/EUR" to "BTC-EUR".
func revolutPairName(pair string) string {
	return strings.ReplaceAll(pair, "/", "-")
}

func stdPairFromRevolut(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "/")
}

type revolutError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *RevolutXClient) request(ctx context.Context, method, path, budgetKey string, prio RequestPriority, query url.Values, body interface{}) ([]byte, error) {
	if res := c.budget.TryAcquire(budgetKey, prio); !res.Acquired {
		return nil, &RateLimitError{Venue: "revolutx", RetryAfter: res.WaitTime, Msg: res.Reason}
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
	}

	fullPath := path
	if len(query) > 0 {
		fullPath += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+fullPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	// Microsecond nonce doubles as the signed timestamp.
	ts := strconv.FormatInt(c.nonce.Next(), 10)
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(fullPath))
	mac.Write(payload)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Venue: "revolutx", Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Venue: "revolutx", Msg: "reading response", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	apiErr := revolutError{}
	_ = json.Unmarshal(raw, &apiErr)
	err = mapRevolutError(resp.StatusCode, resp.Header, apiErr)
	if IsNonce(err) {
		c.nonce.Bump()
	}
	return nil, err
}

func mapRevolutError(status int, header http.Header, apiErr revolutError) error {
	msg := apiErr.Message
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Venue: "revolutx", Msg: msg}
	case apiErr.Code == "INVALID_NONCE" || apiErr.Code == "STALE_TIMESTAMP":
		return &NonceError{Venue: "revolutx", Msg: msg}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Venue: "revolutx", RetryAfter: parseRetryAfter(header.Get("Retry-After")), Msg: msg}
	case apiErr.Code == "INSUFFICIENT_FUNDS":
		return &InsufficientFundsError{Venue: "revolutx", Msg: msg}
	case apiErr.Code == "MARKET_CLOSED" || status == http.StatusLocked:
		return &MarketClosedError{Venue: "revolutx"}
	case status >= 500:
		return &TransientError{Venue: "revolutx", Msg: msg}
	default:
		code := apiErr.Code
		if code == "" {
			code = strconv.Itoa(status)
		}
		return &PermanentRejectError{Venue: "revolutx", Code: code, Reason: msg}
	}
}

func (c *RevolutXClient) GetTicker(ctx context.Context, pair string) (*Ticker, error) {
	query := url.Values{}
	query.Set("symbol", revolutPairName(pair))

	raw, err := c.request(ctx, http.MethodGet, "/ticker", "ticker", PriorityLow, query, nil)
	if err != nil {
		return nil, fmt.Errorf("revolutx ticker %s: %w", pair, err)
	}

	var t struct {
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
		Last float64 `json:"last"`
		Ts   int64   `json:"ts"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &TransientError{Venue: "revolutx", Msg: "parsing ticker", Err: err}
	}
	return &Ticker{
		Pair: pair,
		Bid:  t.Bid,
		Ask:  t.Ask,
		Last: t.Last,
		Time: time.UnixMilli(t.Ts).UTC(),
	}, nil
}

func (c *RevolutXClient) GetOHLC(ctx context.Context, pair string, interval Interval, limit int) ([]Candle, error) {
	query := url.Values{}
	query.Set("symbol", revolutPairName(pair))
	query.Set("interval", string(interval))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	raw, err := c.request(ctx, http.MethodGet, "/candles", "candles", PriorityLow, query, nil)
	if err != nil {
		return nil, fmt.Errorf("revolutx candles %s %s: %w", pair, interval, err)
	}

	var rows []struct {
		T      int64   `json:"t"`
		O      float64 `json:"o"`
		H      float64 `json:"h"`
		L      float64 `json:"l"`
		C      float64 `json:"c"`
		V      float64 `json:"v"`
		Closed bool    `json:"closed"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &TransientError{Venue: "revolutx", Msg: "parsing candles", Err: err}
	}

	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(r.T).UTC(),
			Open:     r.O,
			High:     r.H,
			Low:      r.L,
			Close:    r.C,
			Volume:   r.V,
			Closed:   r.Closed,
		})
	}
	return candles, nil
}

// GetOrderBook is not offered by the Revolut X public API.
func (c *RevolutXClient) GetOrderBook(ctx context.Context, pair string, depth int) (*OrderBook, error) {
	return nil, ErrNotSupported
}

func (c *RevolutXClient) GetBalance(ctx context.Context) ([]Balance, error) {
	raw, err := c.request(ctx, http.MethodGet, "/balances", "balances", PriorityNormal, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("revolutx balances: %w", err)
	}

	var rows []struct {
		Currency  string  `json:"currency"`
		Available float64 `json:"available"`
		Reserved  float64 `json:"reserved"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &TransientError{Venue: "revolutx", Msg: "parsing balances", Err: err}
	}

	balances := make([]Balance, 0, len(rows))
	for _, r := range rows {
		balances = append(balances, Balance{Asset: r.Currency, Free: r.Available, Locked: r.Reserved})
	}
	return balances, nil
}

type revolutOrder struct {
	ID            string  `json:"id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Qty           float64 `json:"qty"`
	FilledQty     float64 `json:"filled_qty"`
	AvgPrice      float64 `json:"avg_price"`
	Fee           float64 `json:"fee"`
	CreatedAt     int64   `json:"created_at"`
}

func (o revolutOrder) toOrder() *Order {
	var status OrderStatus
	switch o.Status {
	case "new", "open":
		status = StatusOpen
		if o.FilledQty > 0 {
			status = StatusPartiallyFilled
		}
	case "partially_filled":
		status = StatusPartiallyFilled
	case "filled":
		status = StatusFilled
	case "cancelled", "canceled":
		status = StatusCanceled
	case "expired":
		status = StatusExpired
	default:
		status = StatusRejected
	}

	pair := stdPairFromRevolut(o.Symbol)
	return &Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Pair:          pair,
		Side:          Side(o.Side),
		Type:          OrderType(o.Type),
		Status:        status,
		Amount:        o.Qty,
		FilledAmount:  o.FilledQty,
		AvgFillPrice:  o.AvgPrice,
		FeePaid:       o.Fee,
		FeeCurrency:   QuoteCurrency(pair),
		CreatedAt:     time.UnixMilli(o.CreatedAt).UTC(),
		UpdatedAt:     time.Now(),
	}
}

func (c *RevolutXClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	body := map[string]interface{}{
		"symbol": revolutPairName(req.Pair),
		"side":   string(req.Side),
		"type":   string(req.Type),
		"qty":    req.Amount,
	}
	if req.Type == OrderTypeLimit {
		body["price"] = req.Price
	}
	if req.ClientOrderID != "" {
		body["client_order_id"] = req.ClientOrderID
	}

	raw, err := c.request(ctx, http.MethodPost, "/orders", "orders", PriorityHigh, nil, body)
	if err != nil {
		// Duplicate client order IDs resolve to the existing order.
		var reject *PermanentRejectError
		if req.ClientOrderID != "" && errors.As(err, &reject) && reject.Code == "DUPLICATE_CLIENT_ORDER_ID" {
			return c.getOrderByClientID(ctx, req.ClientOrderID)
		}
		return nil, fmt.Errorf("revolutx submit order %s %s: %w", req.Side, req.Pair, err)
	}

	var o revolutOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, &TransientError{Venue: "revolutx", Msg: "parsing order response", Err: err}
	}
	return o.toOrder(), nil
}

func (c *RevolutXClient) getOrderByClientID(ctx context.Context, clientID string) (*Order, error) {
	query := url.Values{}
	query.Set("client_order_id", clientID)

	raw, err := c.request(ctx, http.MethodGet, "/orders", "orders", PriorityCritical, query, nil)
	if err != nil {
		return nil, fmt.Errorf("revolutx query order by client id %s: %w", clientID, err)
	}

	var rows []revolutOrder
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &TransientError{Venue: "revolutx", Msg: "parsing orders", Err: err}
	}
	if len(rows) == 0 {
		return nil, &PermanentRejectError{Venue: "revolutx", Code: "NOT_FOUND", Reason: "order not found"}
	}
	return rows[0].toOrder(), nil
}

func (c *RevolutXClient) GetOrderStatus(ctx context.Context, orderID, pair string) (*Order, error) {
	raw, err := c.request(ctx, http.MethodGet, "/orders/"+orderID, "orders", PriorityCritical, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("revolutx order status %s: %w", orderID, err)
	}

	var o revolutOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, &TransientError{Venue: "revolutx", Msg: "parsing order", Err: err}
	}
	return o.toOrder(), nil
}

func (c *RevolutXClient) CancelOrder(ctx context.Context, orderID, pair string) error {
	if _, err := c.request(ctx, http.MethodDelete, "/orders/"+orderID, "orders", PriorityCritical, nil, nil); err != nil {
		return fmt.Errorf("revolutx cancel order %s: %w", orderID, err)
	}
	return nil
}

func (c *RevolutXClient) ListFills(ctx context.Context, since time.Time) ([]Fill, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}

	raw, err := c.request(ctx, http.MethodGet, "/fills", "fills", PriorityNormal, query, nil)
	if err != nil {
		return nil, fmt.Errorf("revolutx fills: %w", err)
	}

	var rows []struct {
		ID            string  `json:"id"`
		OrderID       string  `json:"order_id"`
		ClientOrderID string  `json:"client_order_id"`
		Symbol        string  `json:"symbol"`
		Side          string  `json:"side"`
		Price         float64 `json:"price"`
		Qty           float64 `json:"qty"`
		Fee           float64 `json:"fee"`
		FeeCurrency   string  `json:"fee_currency"`
		Ts            int64   `json:"ts"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &TransientError{Venue: "revolutx", Msg: "parsing fills", Err: err}
	}

	fills := make([]Fill, 0, len(rows))
	for _, r := range rows {
		pair := stdPairFromRevolut(r.Symbol)
		feeCur := r.FeeCurrency
		if feeCur == "" {
			feeCur = QuoteCurrency(pair)
		}
		fills = append(fills, Fill{
			ID:            r.ID,
			OrderID:       r.OrderID,
			ClientOrderID: r.ClientOrderID,
			Pair:          pair,
			Side:          Side(r.Side),
			Price:         r.Price,
			Quantity:      r.Qty,
			Fee:           r.Fee,
			FeeCurrency:   feeCur,
			QuoteCurrency: QuoteCurrency(pair),
			Time:          time.UnixMilli(r.Ts).UTC(),
		})
	}
	return fills, nil
}

var revolutSpecs = map[string]PairSpec{
	"BTC/EUR": {Pair: "BTC/EUR", PriceStep: 0.01, QtyStep: 0.00000001, MinQty: 0.00001, MinNotional: 1},
	"ETH/EUR": {Pair: "ETH/EUR", PriceStep: 0.01, QtyStep: 0.00000001, MinQty: 0.0001, MinNotional: 1},
	"SOL/EUR": {Pair: "SOL/EUR", PriceStep: 0.01, QtyStep: 0.00000001, MinQty: 0.001, MinNotional: 1},
	"XRP/EUR": {Pair: "XRP/EUR", PriceStep: 0.0001, QtyStep: 0.00000001, MinQty: 1, MinNotional: 1},
}

func (c *RevolutXClient) PairSpec(pair string) (PairSpec, bool) {
	spec, ok := revolutSpecs[pair]
	if !ok {
		return PairSpec{Pair: pair, QtyStep: 0.00000001, MinQty: 0.00001, MinNotional: 1}, false
	}
	return spec, true
}
