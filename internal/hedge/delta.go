package hedge

import (
	"errors"
	"fmt"
	"math"
	"time"

	"deribit-hedger/internal/account"
	"deribit-hedger/internal/instrument"
	"deribit-hedger/internal/pricing"

	"go.uber.org/zap"
)

var ErrNoHedgeQuote = errors.New("no quote for hedge instrument")

// Contribution is one option position's share of the aggregate delta.
type Contribution struct {
	Instrument string
	Size       float64
	Delta      float64
	Vol        float64
	Value      float64
	Err        error
}

// optionContribution prices one option position against the underlying mid.
// A pricing failure yields zero value together with the error.
func (e *Engine) optionContribution(pos account.Position, inst instrument.Instrument, mid float64, now time.Time) Contribution {
	c := Contribution{Instrument: pos.Instrument, Size: float64(pos.Size)}
	expiry, err := inst.Expiration(e.cfg.SettlementHourValue(), now)
	if err != nil {
		c.Err = err
		return c
	}
	in := pricing.Inputs{
		Price:      float64(pos.MarkPrice) * mid,
		Underlying: mid,
		Strike:     float64(inst.Strike),
		TTM:        pricing.YearFraction(expiry, now),
		Rate:       e.cfg.RiskFreeRate,
		Dividend:   e.cfg.DividendYield,
		Type:       inst.OptionType,
	}
	vol, err := e.impliedVol(in)
	if err != nil {
		c.Err = fmt.Errorf("implied vol %s: %w", pos.Instrument, err)
		return c
	}
	delta := e.delta(in, vol)
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		c.Err = fmt.Errorf("delta %s: not finite", pos.Instrument)
		return c
	}
	c.Vol = vol
	c.Delta = delta
	c.Value = c.Size * delta * mid
	return c
}

// OptionsDelta sums size x delta x underlying mid over nonzero option positions.
func (e *Engine) OptionsDelta(now time.Time) (float64, []Contribution, error) {
	quote, ok := e.quotes.FuturesQuote(e.cfg.Instrument)
	if !ok || quote.Bid <= 0 || quote.Ask <= 0 {
		return 0, nil, fmt.Errorf("%w: %s", ErrNoHedgeQuote, e.cfg.Instrument)
	}
	mid := quote.Mid()
	var total float64
	var parts []Contribution
	for name, pos := range e.positions.Positions() {
		if pos.Size == 0 {
			continue
		}
		inst, err := instrument.Parse(name)
		if err != nil || !inst.IsOption() {
			continue
		}
		c := e.optionContribution(pos, inst, mid, now)
		if c.Err != nil {
			e.metrics.PricingFailures.Inc()
			e.log.Warn("option pricing failed, contribution zeroed", zap.Error(c.Err))
		}
		total += c.Value
		parts = append(parts, c)
	}
	return total, parts, nil
}
