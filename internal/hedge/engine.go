// Package hedge keeps the hedge instrument position delta-neutral against the
// aggregate delta of the option book.
package hedge

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"deribit-hedger/internal/account"
	"deribit-hedger/internal/config"
	"deribit-hedger/internal/exec"
	"deribit-hedger/internal/market"
	"deribit-hedger/internal/metrics"
	"deribit-hedger/internal/pricing"
	"deribit-hedger/internal/state"

	"go.uber.org/zap"
)

type PositionSource interface {
	Positions() map[string]account.Position
	Position(instrument string) (account.Position, bool)
}

type QuoteSource interface {
	FuturesQuote(instrument string) (market.Quote, bool)
}

type OrderSender interface {
	Submit(ctx context.Context, intent exec.Intent) (uint64, error)
}

type Reporter interface {
	Report(ctx context.Context, message string)
}

type Action string

const (
	ActionInactive   Action = "inactive"
	ActionZeroDelta  Action = "zero_delta"
	ActionInsideBand Action = "inside_band"
	ActionBelowLot   Action = "below_lot"
	ActionRehedge    Action = "rehedge"
	ActionActivate   Action = "activate"
	ActionDeactivate Action = "deactivate"
)

// Decision is the outcome of one CheckDeltas pass.
type Decision struct {
	Action        Action
	OptionsDelta  float64
	HedgePosition float64
	Mismatch      float64
	Band          float64
	Intent        *exec.Intent
	RequestID     uint64
	// Pending is the signed size of a rehedge sent earlier whose fill has
	// not yet shown up in the hedge position.
	Pending float64
}

type Status struct {
	Active       bool
	Instrument   string
	LastDecision Decision
	LastCheck    time.Time
}

type Option func(*Engine)

func WithImpliedVol(fn pricing.ImpliedVolFunc) Option {
	return func(e *Engine) { e.impliedVol = fn }
}

// WithDelta replaces the closed-form delta, mainly for tests.
func WithDelta(fn func(pricing.Inputs, float64) float64) Option {
	return func(e *Engine) { e.delta = fn }
}

func WithStore(store state.Store) Option {
	return func(e *Engine) { e.store = store }
}

func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	cfg        config.HedgeConfig
	positions  PositionSource
	quotes     QuoteSource
	sender     OrderSender
	log        *zap.Logger
	metrics    *metrics.Metrics
	store      state.Store
	reporter   Reporter
	impliedVol pricing.ImpliedVolFunc
	delta      func(pricing.Inputs, float64) float64
	now        func() time.Time

	active atomic.Bool

	// checkMu serializes CheckDeltas between the portfolio hook and the console.
	checkMu sync.Mutex
	pending *pendingHedge

	mu        sync.Mutex
	last      Decision
	lastCheck time.Time
}

// pendingHedge is a rehedge sent against a hedge position of base. It counts
// toward the hedge until the position moves away from base or ttl passes.
type pendingHedge struct {
	base   float64
	amount float64
	sentAt time.Time
}

const pendingHedgeTTL = 10 * time.Second

func New(cfg config.HedgeConfig, positions PositionSource, quotes QuoteSource, sender OrderSender, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:        cfg,
		positions:  positions,
		quotes:     quotes,
		sender:     sender,
		log:        log,
		metrics:    metrics.NewNoop(),
		impliedVol: pricing.ImpliedVol,
		delta:      pricing.Delta,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.active.Store(cfg.Active)
	return e
}

func (e *Engine) Active() bool { return e.active.Load() }

// SetActive toggles hedging and records the change in the store.
func (e *Engine) SetActive(ctx context.Context, active bool) {
	if e.active.Swap(active) == active {
		return
	}
	action := ActionDeactivate
	if active {
		action = ActionActivate
	}
	e.log.Info("delta hedging toggled", zap.Bool("active", active))
	e.persist(ctx, Decision{Action: action})
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Active:       e.active.Load(),
		Instrument:   e.cfg.Instrument,
		LastDecision: e.last,
		LastCheck:    e.lastCheck,
	}
}

// CheckDeltas evaluates the options delta against the hedge position and
// sends at most one market order when the mismatch leaves the band. A rehedge
// that has not filled yet counts toward the hedge position.
func (e *Engine) CheckDeltas(ctx context.Context) (Decision, error) {
	if !e.active.Load() {
		return Decision{Action: ActionInactive}, nil
	}
	e.checkMu.Lock()
	defer e.checkMu.Unlock()
	now := e.now()
	optionsDelta, _, err := e.OptionsDelta(now)
	if err != nil {
		return Decision{}, err
	}
	quote, _ := e.quotes.FuturesQuote(e.cfg.Instrument)
	var hedge float64
	if pos, ok := e.positions.Position(e.cfg.Instrument); ok {
		hedge = float64(pos.Size)
	}
	d := Decision{
		OptionsDelta:  optionsDelta,
		HedgePosition: hedge,
		Pending:       e.pendingAmount(hedge, now),
		Band:          e.cfg.BandPct * quote.Bid,
	}
	effective := hedge + d.Pending
	d.Mismatch = -effective - optionsDelta
	defer func() { e.remember(d, now) }()

	if optionsDelta == 0 {
		d.Action = ActionZeroDelta
		return d, nil
	}
	if d.Mismatch > -d.Band && d.Mismatch < d.Band {
		d.Action = ActionInsideBand
		return d, nil
	}

	target := -optionsDelta
	diff := effective - target
	intent := exec.Intent{
		Instrument: e.cfg.Instrument,
		Type:       exec.Market,
		Label:      e.cfg.Label,
		Amount:     math.Floor(math.Abs(diff)/e.cfg.LotSize) * e.cfg.LotSize,
	}
	if diff > 0 {
		intent.Side = exec.Sell
		intent.Price = exec.Float(quote.Bid)
	} else {
		intent.Side = exec.Buy
		intent.Price = exec.Float(quote.Ask)
	}
	d.Intent = &intent
	if intent.Amount <= 0 {
		d.Action = ActionBelowLot
		return d, nil
	}
	d.Action = ActionRehedge
	id, err := e.sender.Submit(ctx, intent)
	if err != nil {
		e.log.Error("rehedge order failed", zap.Error(err), zap.String("intent", intent.String()))
		return d, fmt.Errorf("rehedge: %w", err)
	}
	d.RequestID = id
	signed := intent.Amount
	if intent.Side == exec.Sell {
		signed = -signed
	}
	e.pending = &pendingHedge{base: hedge, amount: d.Pending + signed, sentAt: now}
	e.metrics.HedgesPlaced.Inc()
	e.log.Info("rehedge sent",
		zap.Float64("options_delta", optionsDelta),
		zap.Float64("hedge_position", hedge),
		zap.Float64("pending", d.Pending),
		zap.Float64("band", d.Band),
		zap.String("intent", intent.String()),
	)
	e.report(ctx, fmt.Sprintf("rehedge: %s (options delta %.2f, hedge %.2f, band %.2f)",
		intent.String(), optionsDelta, hedge, d.Band))
	e.persist(ctx, d)
	return d, nil
}

// pendingAmount returns the unfilled rehedge size and forgets it once the
// hedge position has moved or it has gone stale. Callers hold checkMu.
func (e *Engine) pendingAmount(hedge float64, now time.Time) float64 {
	p := e.pending
	if p == nil {
		return 0
	}
	if hedge != p.base || now.Sub(p.sentAt) > pendingHedgeTTL {
		e.pending = nil
		return 0
	}
	return p.amount
}

func (e *Engine) remember(d Decision, now time.Time) {
	e.mu.Lock()
	e.last = d
	e.lastCheck = now
	e.mu.Unlock()
}

func (e *Engine) report(ctx context.Context, message string) {
	if e.reporter != nil {
		e.reporter.Report(ctx, message)
	}
}

func (e *Engine) persist(ctx context.Context, d Decision) {
	if e.store == nil {
		return
	}
	snap := state.HedgeSnapshot{
		Action:          string(d.Action),
		Active:          e.active.Load(),
		HedgeInstrument: e.cfg.Instrument,
		OptionsDelta:    d.OptionsDelta,
		HedgePosition:   d.HedgePosition,
		Mismatch:        d.Mismatch,
		Band:            d.Band,
		UpdatedAtMS:     e.now().UnixMilli(),
	}
	if d.Intent != nil {
		snap.OrderSide = string(d.Intent.Side)
		snap.OrderAmount = d.Intent.Amount
		if d.Intent.Price != nil {
			snap.OrderPrice = *d.Intent.Price
		}
	}
	if err := state.SaveHedgeSnapshot(ctx, e.store, snap); err != nil {
		e.log.Warn("failed to persist hedge snapshot", zap.Error(err))
	}
}
