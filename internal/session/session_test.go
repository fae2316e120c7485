package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deribit-hedger/internal/account"
	"deribit-hedger/internal/config"
	"deribit-hedger/internal/deribit/rpc"
	"deribit-hedger/internal/market"
	"deribit-hedger/internal/metrics"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type inbound struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type fakeExchange struct {
	t           *testing.T
	rejectAuth  bool
	connections atomic.Int32

	mu       sync.Mutex
	requests []inbound
}

func (f *fakeExchange) recorded() []inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inbound(nil), f.requests...)
}

func (f *fakeExchange) methods(method string) []inbound {
	var out []inbound
	for _, req := range f.recorded() {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeExchange) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.t.Errorf("accept ws: %v", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	f.connections.Add(1)
	ctx := r.Context()
	write := func(v any) bool {
		data, _ := json.Marshal(v)
		return conn.Write(ctx, websocket.MessageText, data) == nil
	}
	reply := func(id uint64, result any) bool {
		return write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}
	push := func(channel string, data any) bool {
		return write(map[string]any{
			"jsonrpc": "2.0",
			"method":  "subscription",
			"params":  map[string]any{"channel": channel, "data": data},
		})
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req inbound
		if err := json.Unmarshal(data, &req); err != nil {
			f.t.Errorf("decode request: %v", err)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		var params struct {
			Kind     string   `json:"kind"`
			Channels []string `json:"channels"`
		}
		_ = json.Unmarshal(req.Params, &params)
		ok := true
		switch req.Method {
		case "public/auth":
			if f.rejectAuth {
				ok = write(map[string]any{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"error":   map[string]any{"code": 13004, "message": "invalid_credentials"},
				})
				break
			}
			ok = reply(req.ID, map[string]any{"access_token": "token", "token_type": "bearer", "expires_in": 900})
		case "public/get_instruments":
			ok = reply(req.ID, []map[string]any{
				{"instrument_name": "BTC-PERPETUAL", "kind": "future"},
				{"instrument_name": "BTC-25DEC30-50000-C", "kind": "option"},
				{"instrument_name": "BTC-25DEC30-60000-P", "kind": "option"},
				{"instrument_name": "BTC_USDC", "kind": "spot"},
			})
		case "private/get_positions":
			positions := []map[string]any{}
			if params.Kind == "option" {
				positions = append(positions, map[string]any{
					"instrument_name": "BTC-25DEC30-50000-C",
					"kind":            "option",
					"direction":       "buy",
					"size":            10,
					"average_price":   0.05,
				})
			}
			ok = reply(req.ID, positions)
		case "private/get_open_orders_by_currency":
			orders := []map[string]any{}
			if params.Kind == "future" {
				orders = append(orders, map[string]any{
					"order_id":        "o-1",
					"instrument_name": "BTC-PERPETUAL",
					"direction":       "buy",
					"amount":          100,
					"price":           59000,
					"order_type":      "limit",
					"label":           "manual_api_3",
					"order_state":     "open",
				})
			}
			ok = reply(req.ID, orders)
		case "public/subscribe":
			ok = reply(req.ID, params.Channels)
			for _, ch := range params.Channels {
				if ok && strings.HasSuffix(ch, ".none.1.100ms") {
					ok = push(ch, map[string]any{
						"instrument_name": "BTC-PERPETUAL",
						"bids":            [][]float64{{59990, 1000}},
						"asks":            [][]float64{{60010, 2000}},
					})
				}
			}
		case "private/subscribe":
			ok = reply(req.ID, params.Channels) && push("user.portfolio.btc", map[string]any{
				"balance":         1.5,
				"available_funds": 1.2,
				"delta_total":     0.3,
			})
		case "private/buy", "private/sell":
			ok = reply(req.ID, map[string]any{"order": map[string]any{"order_id": "h-1"}})
		}
		if !ok {
			return
		}
	}
}

func startExchange(t *testing.T, f *fakeExchange) string {
	t.Helper()
	f.t = t
	server := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig(url string) *config.Config {
	return &config.Config{
		WS: config.WSConfig{URL: url},
		Exchange: config.ExchangeConfig{
			Currency:     "BTC",
			Kinds:        []string{"future", "option"},
			ClientID:     "client",
			ClientSecret: "secret",
		},
		Session: config.SessionConfig{
			BootstrapTimeout:     2 * time.Second,
			SubscribePacing:      time.Millisecond,
			DailyReconnect:       "08:00",
			ForcedReconnectDelay: 10 * time.Millisecond,
			HealthyAfter:         60 * time.Second,
		},
	}
}

func runSession(t *testing.T, s *Session) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		s.Shutdown()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionBootstrapsToLive(t *testing.T) {
	exchange := &fakeExchange{}
	url := startExchange(t, exchange)
	md := market.New()
	acct := account.New()
	s := New(testConfig(url), md, acct, zap.NewNop(), metrics.NewNoop())
	var portfolioCalls atomic.Int32
	s.OnPortfolio(func(context.Context) { portfolioCalls.Add(1) })
	runSession(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitLive(ctx); err != nil {
		t.Fatalf("wait live: %v", err)
	}

	reqs := exchange.recorded()
	if reqs[0].Method != "public/auth" || reqs[0].ID != 1 {
		t.Fatalf("expected auth as request 1, got %+v", reqs[0])
	}
	for i, req := range reqs {
		if req.ID != uint64(i+1) {
			t.Fatalf("expected sequential ids, got %d at %d", req.ID, i)
		}
	}
	if got := len(exchange.methods("public/subscribe")); got != 5 {
		t.Fatalf("expected 5 public subscribe batches, got %d", got)
	}
	private := exchange.methods("private/subscribe")
	if len(private) != 1 {
		t.Fatalf("expected 1 private subscribe batch, got %d", len(private))
	}
	if !strings.Contains(string(private[0].Params), "user.portfolio.btc") {
		t.Fatalf("expected lowercase portfolio channel, got %s", private[0].Params)
	}

	if got := md.Options(); len(got) != 2 {
		t.Fatalf("expected 2 options, got %v", got)
	}
	if got := md.Futures(); len(got) != 1 || got[0] != "BTC-PERPETUAL" {
		t.Fatalf("expected perpetual future, got %v", got)
	}
	if pos, ok := acct.Position("BTC-25DEC30-50000-C"); !ok || pos.Size != 10 || pos.Direction != account.Long {
		t.Fatalf("unexpected option position: %+v ok=%v", pos, ok)
	}
	if orders := acct.OpenOrders(); len(orders) != 1 || orders[0].OrderID != "o-1" {
		t.Fatalf("unexpected open orders: %+v", orders)
	}
	waitFor(t, "futures quote", func() bool {
		q, ok := md.FuturesQuote("BTC-PERPETUAL")
		return ok && q.Bid == 59990 && q.Ask == 60010
	})
	waitFor(t, "portfolio hook", func() bool { return portfolioCalls.Load() == 1 })
	if m, ok := acct.Metrics(); !ok || m.Balance != 1.5 {
		t.Fatalf("unexpected account metrics: %+v ok=%v", m, ok)
	}

	id, err := s.Send(ctx, rpc.MethodBuy, map[string]any{"instrument_name": "BTC-PERPETUAL", "amount": 10})
	if err != nil {
		t.Fatalf("send buy: %v", err)
	}
	if id != uint64(len(reqs)+1) {
		t.Fatalf("expected next id %d, got %d", len(reqs)+1, id)
	}
	waitFor(t, "buy request", func() bool { return len(exchange.methods("private/buy")) == 1 })
	if s.ErrorCount() != 0 {
		t.Fatalf("expected no errors, got %d", s.ErrorCount())
	}
}

func TestBootstrapReplacesAccountButKeepsMarketData(t *testing.T) {
	exchange := &fakeExchange{}
	url := startExchange(t, exchange)
	md := market.New()
	acct := account.New()
	md.ApplyFuturesBBO(market.Quote{Instrument: "BTC-25DEC30", Bid: 61000, Ask: 61010})
	acct.ApplyOpenOrdersSnapshot([]account.Order{{
		OrderID: "stale", Instrument: "BTC-PERPETUAL", Direction: account.SideSell,
		Amount: 10, Price: 65000, OrderType: "limit", State: account.OrderOpen,
	}})
	acct.ApplyPositionsSnapshot([]account.Position{{Instrument: "BTC-25DEC30-70000-C", Kind: "option", Size: 5}})

	s := New(testConfig(url), md, acct, zap.NewNop(), metrics.NewNoop())
	runSession(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitLive(ctx); err != nil {
		t.Fatalf("wait live: %v", err)
	}

	if q, ok := md.FuturesQuote("BTC-25DEC30"); !ok || q.Bid != 61000 {
		t.Fatalf("expected futures quote to survive bootstrap, got %+v ok=%v", q, ok)
	}
	orders := acct.OpenOrders()
	if len(orders) != 1 || orders[0].OrderID != "o-1" {
		t.Fatalf("expected open orders replaced by snapshot, got %+v", orders)
	}
	if _, ok := acct.Position("BTC-25DEC30-70000-C"); ok {
		t.Fatalf("expected stale position dropped")
	}
	if _, ok := acct.Position("BTC-25DEC30-50000-C"); !ok {
		t.Fatalf("expected snapshot position loaded")
	}
}

func TestSessionAuthFailureReconnectsWithBackoff(t *testing.T) {
	exchange := &fakeExchange{rejectAuth: true}
	url := startExchange(t, exchange)
	var delays []int
	var mu sync.Mutex
	s := New(testConfig(url), market.New(), account.New(), zap.NewNop(), metrics.NewNoop(),
		WithBackoff(func(count int) time.Duration {
			mu.Lock()
			delays = append(delays, count)
			mu.Unlock()
			return 5 * time.Millisecond
		}),
	)
	runSession(t, s)

	waitFor(t, "repeated auth failures", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delays) >= 3
	})
	if exchange.connections.Load() < 3 {
		t.Fatalf("expected a connection per attempt, got %d", exchange.connections.Load())
	}
	if s.State() == StateLive {
		t.Fatalf("session must not go live after auth rejection")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 3; i++ {
		if delays[i] != i+1 {
			t.Fatalf("expected backoff called with counts 1,2,3, got %v", delays)
		}
	}
}

func TestForceReconnectDoesNotCountAsError(t *testing.T) {
	exchange := &fakeExchange{}
	url := startExchange(t, exchange)
	s := New(testConfig(url), market.New(), account.New(), zap.NewNop(), metrics.NewNoop())
	runSession(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitLive(ctx); err != nil {
		t.Fatalf("wait live: %v", err)
	}
	s.ForceReconnect()
	waitFor(t, "second connection", func() bool { return exchange.connections.Load() == 2 })
	if err := s.WaitLive(ctx); err != nil {
		t.Fatalf("wait live after reconnect: %v", err)
	}
	if s.ErrorCount() != 0 {
		t.Fatalf("forced reconnect must not count as error, got %d", s.ErrorCount())
	}
	auths := exchange.methods("public/auth")
	if len(auths) != 2 || auths[1].ID != 1 {
		t.Fatalf("expected ids to restart at 1 on the new connection, got %+v", auths)
	}
}

func TestShutdownStopsRun(t *testing.T) {
	exchange := &fakeExchange{}
	url := startExchange(t, exchange)
	s := New(testConfig(url), market.New(), account.New(), zap.NewNop(), metrics.NewNoop())
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitLive(ctx); err != nil {
		t.Fatalf("wait live: %v", err)
	}
	s.Shutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after shutdown")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", s.State())
	}
}

func TestSendRequiresAuthenticatedConnection(t *testing.T) {
	s := New(testConfig("ws://unused"), market.New(), account.New(), zap.NewNop(), metrics.NewNoop())
	if _, err := s.Send(context.Background(), rpc.MethodBuy, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPongResetsErrorCountAfterHealthyWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	s := New(testConfig("ws://unused"), market.New(), account.New(), zap.NewNop(), metrics.NewNoop(),
		WithClock(func() time.Time { return now }),
	)
	seg := newSegment(nil, start)
	s.errorCount.Store(4)

	now = start.Add(30 * time.Second)
	s.onPong(seg)
	if s.ErrorCount() != 4 {
		t.Fatalf("expected counter kept inside healthy window, got %d", s.ErrorCount())
	}
	now = start.Add(61 * time.Second)
	s.onPong(seg)
	if s.ErrorCount() != 0 {
		t.Fatalf("expected counter reset, got %d", s.ErrorCount())
	}
}
