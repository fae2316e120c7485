package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deribit-hedger/internal/deribit/rpc"
	"deribit-hedger/internal/metrics"
	"deribit-hedger/internal/state"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const lastSentKeyPrefix = "exec:last_sent:"

// Sender writes one request on the live session and returns its id.
type Sender interface {
	Send(ctx context.Context, method rpc.Method, params any) (uint64, error)
}

// SentRecord is what the executor remembers about the last request per label.
type SentRecord struct {
	RequestID uint64    `json:"request_id"`
	Method    string    `json:"method"`
	Params    Params    `json:"params"`
	SentAt    time.Time `json:"sent_at"`
}

// Executor turns intents into exchange requests. Requests are sent once;
// failures surface to the caller and are never retried here.
type Executor struct {
	sender  Sender
	store   state.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

func New(sender Sender, store state.Store, pacing time.Duration, log *zap.Logger, m *metrics.Metrics) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	limit := rate.Inf
	if pacing > 0 {
		limit = rate.Every(pacing)
	}
	return &Executor{
		sender:  sender,
		store:   store,
		log:     log,
		metrics: m,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (e *Executor) Submit(ctx context.Context, intent Intent) (uint64, error) {
	if err := intent.Validate(); err != nil {
		return 0, err
	}
	params := intent.Params()
	id, err := e.sender.Send(ctx, intent.Method(), params)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return 0, fmt.Errorf("send %s: %w", intent.Method(), err)
	}
	e.metrics.OrdersSent.Inc()
	e.log.Info("order sent",
		zap.Uint64("request_id", id),
		zap.String("instrument", intent.Instrument),
		zap.String("side", string(intent.Side)),
		zap.Float64("amount", intent.Amount),
		zap.String("type", string(intent.Type)),
		zap.String("label", intent.Label),
	)
	e.recordSent(ctx, intent, id, params)
	return id, nil
}

// SubmitAll sends intents in order, pacing consecutive requests.
func (e *Executor) SubmitAll(ctx context.Context, intents []Intent) ([]uint64, error) {
	for _, intent := range intents {
		if err := intent.Validate(); err != nil {
			return nil, err
		}
	}
	ids := make([]uint64, 0, len(intents))
	for _, intent := range intents {
		if err := e.limiter.Wait(ctx); err != nil {
			return ids, err
		}
		id, err := e.Submit(ctx, intent)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Executor) CancelAll(ctx context.Context) (uint64, error) {
	id, err := e.sender.Send(ctx, rpc.MethodCancelAll, struct{}{})
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", rpc.MethodCancelAll, err)
	}
	e.log.Info("cancel all sent", zap.Uint64("request_id", id))
	return id, nil
}

func (e *Executor) CancelByLabel(ctx context.Context, label, currency string) (uint64, error) {
	if label == "" {
		return 0, fmt.Errorf("%w: label is required", ErrInvalidIntent)
	}
	id, err := e.sender.Send(ctx, rpc.MethodCancelByLabel, CancelByLabelParams{Label: label, Currency: currency})
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", rpc.MethodCancelByLabel, err)
	}
	e.log.Info("cancel by label sent", zap.Uint64("request_id", id), zap.String("label", label))
	return id, nil
}

// LastSent returns the persisted record of the last request for label.
func (e *Executor) LastSent(ctx context.Context, label string) (SentRecord, bool, error) {
	if e.store == nil || label == "" {
		return SentRecord{}, false, nil
	}
	raw, ok, err := e.store.Get(ctx, lastSentKeyPrefix+label)
	if err != nil || !ok {
		return SentRecord{}, false, err
	}
	var rec SentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return SentRecord{}, false, err
	}
	return rec, true, nil
}

func (e *Executor) recordSent(ctx context.Context, intent Intent, id uint64, params Params) {
	if e.store == nil || intent.Label == "" {
		return
	}
	payload, err := json.Marshal(SentRecord{
		RequestID: id,
		Method:    string(intent.Method()),
		Params:    params,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, lastSentKeyPrefix+intent.Label, string(payload)); err != nil {
		e.log.Warn("failed to persist sent order", zap.Error(err))
	}
}
