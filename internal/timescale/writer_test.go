package timescale

import (
	"context"
	"testing"
	"time"

	"deribit-hedger/internal/config"

	"go.uber.org/zap"
)

func TestDisabledWriterIsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v err=%v", w, err)
	}
	w.EnqueueBBO([]OptionBBO{{Instrument: "BTC-25DEC30-50000-C"}})
	w.EnqueueDecision(HedgeDecision{Action: "rehedge"})
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run nil writer: %v", err)
	}
}

func TestEnabledWriterRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := &Writer{
		log:       zap.NewNop(),
		schema:    "obot",
		bbo:       make(chan []OptionBBO, 1),
		decisions: make(chan HedgeDecision, 1),
	}
	w.EnqueueBBO([]OptionBBO{{Instrument: "a"}})
	w.EnqueueBBO([]OptionBBO{{Instrument: "b"}})
	w.EnqueueBBO(nil)
	if got := w.dropBBO.Load(); got != 1 {
		t.Fatalf("expected one dropped batch, got %d", got)
	}
	w.EnqueueDecision(HedgeDecision{Action: "rehedge"})
	w.EnqueueDecision(HedgeDecision{Action: "rehedge"})
	if got := w.dropHedge.Load(); got != 1 {
		t.Fatalf("expected one dropped decision, got %d", got)
	}
	if w.table("option_bbo") != "obot.option_bbo" {
		t.Fatalf("unexpected table name %s", w.table("option_bbo"))
	}
}
