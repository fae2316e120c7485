package exec

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"deribit-hedger/internal/deribit/rpc"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type sentRequest struct {
	method rpc.Method
	params any
	at     time.Time
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentRequest
	err  error
}

func (m *mockSender) Send(ctx context.Context, method rpc.Method, params any) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.sent = append(m.sent, sentRequest{method: method, params: params, at: time.Now()})
	return uint64(len(m.sent)), nil
}

func TestSubmitBuildsBuyRequest(t *testing.T) {
	sender := &mockSender{}
	store := newMemoryStore()
	exec := New(sender, store, 0, zap.NewNop(), nil)
	intent := Intent{
		Instrument: "BTC-PERPETUAL",
		Side:       Buy,
		Amount:     3000,
		Type:       Market,
		Label:      "delta_hedge",
		Price:      Float(60010),
	}
	id, err := exec.Submit(context.Background(), intent)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != 1 || len(sender.sent) != 1 || sender.sent[0].method != rpc.MethodBuy {
		t.Fatalf("unexpected send: %+v", sender.sent)
	}
	data, err := json.Marshal(sender.sent[0].params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	var wire map[string]any
	_ = json.Unmarshal(data, &wire)
	if wire["instrument_name"] != "BTC-PERPETUAL" || wire["type"] != "market" || wire["amount"].(float64) != 3000 {
		t.Fatalf("unexpected wire params: %s", data)
	}
	if _, ok := wire["post_only"]; ok {
		t.Fatalf("expected unset optional fields to be omitted: %s", data)
	}
	rec, ok, err := exec.LastSent(context.Background(), "delta_hedge")
	if err != nil || !ok {
		t.Fatalf("expected sent record, ok=%v err=%v", ok, err)
	}
	if rec.RequestID != 1 || rec.Method != "private/buy" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSubmitSellUsesSellMethod(t *testing.T) {
	sender := &mockSender{}
	exec := New(sender, nil, 0, zap.NewNop(), nil)
	_, err := exec.Submit(context.Background(), Intent{
		Instrument: "BTC-PERPETUAL",
		Side:       Sell,
		Amount:     10,
		Type:       Limit,
		Price:      Float(61000),
		PostOnly:   Bool(true),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sender.sent[0].method != rpc.MethodSell {
		t.Fatalf("expected sell method, got %s", sender.sent[0].method)
	}
	params := sender.sent[0].params.(Params)
	if params.PostOnly == nil || !*params.PostOnly {
		t.Fatalf("expected post_only set: %+v", params)
	}
}

func TestSubmitValidates(t *testing.T) {
	sender := &mockSender{}
	exec := New(sender, nil, 0, zap.NewNop(), nil)
	cases := []Intent{
		{Side: Buy, Amount: 10, Type: Market},
		{Instrument: "X", Side: "hold", Amount: 10, Type: Market},
		{Instrument: "X", Side: Buy, Amount: 0, Type: Market},
		{Instrument: "X", Side: Buy, Amount: 10, Type: Limit},
		{Instrument: "X", Side: Buy, Amount: 10, Type: StopMarket, TriggerPrice: Float(1)},
		{Instrument: "X", Side: Buy, Amount: 10, Type: "iceberg"},
	}
	for _, intent := range cases {
		if _, err := exec.Submit(context.Background(), intent); !errors.Is(err, ErrInvalidIntent) {
			t.Fatalf("expected invalid intent for %+v, got %v", intent, err)
		}
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected nothing sent, got %d", len(sender.sent))
	}
}

func TestSubmitSendFailureNotRetried(t *testing.T) {
	sender := &mockSender{err: errors.New("not connected")}
	exec := New(sender, nil, 0, zap.NewNop(), nil)
	_, err := exec.Submit(context.Background(), Intent{Instrument: "X", Side: Buy, Amount: 10, Type: Market})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSubmitAllPacesRequests(t *testing.T) {
	sender := &mockSender{}
	exec := New(sender, nil, 20*time.Millisecond, zap.NewNop(), nil)
	intents := []Intent{
		{Instrument: "X", Side: Buy, Amount: 10, Type: Limit, Price: Float(100)},
		{Instrument: "X", Side: Buy, Amount: 10, Type: Limit, Price: Float(101)},
		{Instrument: "X", Side: Buy, Amount: 10, Type: Limit, Price: Float(102)},
	}
	ids, err := exec.SubmitAll(context.Background(), intents)
	if err != nil {
		t.Fatalf("submit all: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %v", ids)
	}
	if gap := sender.sent[2].at.Sub(sender.sent[0].at); gap < 30*time.Millisecond {
		t.Fatalf("expected paced sends, total gap %v", gap)
	}
}

func TestCancelRequests(t *testing.T) {
	sender := &mockSender{}
	exec := New(sender, nil, 0, zap.NewNop(), nil)
	if _, err := exec.CancelAll(context.Background()); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if _, err := exec.CancelByLabel(context.Background(), "manual_api_3", "BTC"); err != nil {
		t.Fatalf("cancel by label: %v", err)
	}
	if _, err := exec.CancelByLabel(context.Background(), "", "BTC"); !errors.Is(err, ErrInvalidIntent) {
		t.Fatalf("expected label validation, got %v", err)
	}
	if sender.sent[0].method != rpc.MethodCancelAll || sender.sent[1].method != rpc.MethodCancelByLabel {
		t.Fatalf("unexpected methods: %+v", sender.sent)
	}
	params := sender.sent[1].params.(CancelByLabelParams)
	if params.Label != "manual_api_3" || params.Currency != "BTC" {
		t.Fatalf("unexpected params: %+v", params)
	}
}
