package state

import (
	"context"
	"encoding/json"
	"strings"
)

const HedgeSnapshotKey = "hedge:last_snapshot"

// HedgeSnapshot records the outcome of the most recent hedge evaluation that
// changed something: an activation toggle or a rehedge order.
type HedgeSnapshot struct {
	Action          string  `json:"action"`
	Active          bool    `json:"active"`
	HedgeInstrument string  `json:"hedge_instrument"`
	OptionsDelta    float64 `json:"options_delta"`
	HedgePosition   float64 `json:"hedge_position"`
	Mismatch        float64 `json:"mismatch"`
	Band            float64 `json:"band"`
	OrderSide       string  `json:"order_side,omitempty"`
	OrderAmount     float64 `json:"order_amount,omitempty"`
	OrderPrice      float64 `json:"order_price,omitempty"`
	UpdatedAtMS     int64   `json:"updated_at_ms"`
}

func LoadHedgeSnapshot(ctx context.Context, store Store) (HedgeSnapshot, bool, error) {
	if store == nil {
		return HedgeSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, HedgeSnapshotKey)
	if err != nil {
		return HedgeSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return HedgeSnapshot{}, false, nil
	}
	var snapshot HedgeSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return HedgeSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveHedgeSnapshot(ctx context.Context, store Store, snapshot HedgeSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, HedgeSnapshotKey, string(payload))
}
