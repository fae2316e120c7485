package app

import (
	"context"
	"sort"
	"time"

	"deribit-hedger/internal/config"
	"deribit-hedger/internal/instrument"
	"deribit-hedger/internal/market"
	"deribit-hedger/internal/pricing"
	"deribit-hedger/internal/session"
	"deribit-hedger/internal/timescale"

	"go.uber.org/zap"
)

// snapshotLoop records option top-of-book once per interval while the
// session is live.
func (a *App) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Timescale.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.session.State() != session.StateLive {
			continue
		}
		q, ok := a.market.FuturesQuote(a.cfg.Hedge.Instrument)
		if !ok || q.Mid() <= 0 {
			a.log.Debug("snapshot skipped, no underlying quote", zap.String("instrument", a.cfg.Hedge.Instrument))
			continue
		}
		rows := buildOptionRows(time.Now().UTC(), a.market, q.Mid(), a.cfg.Hedge, a.pricer)
		a.timescale.EnqueueBBO(rows)
	}
}

func buildOptionRows(now time.Time, md *market.MarketData, underlying float64, hedgeCfg config.HedgeConfig, iv pricing.ImpliedVolFunc) []timescale.OptionBBO {
	books := md.Books()
	names := make([]string, 0, len(books))
	for name := range books {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]timescale.OptionBBO, 0, len(names))
	for _, name := range names {
		inst, err := instrument.Parse(name)
		if err != nil || !inst.IsOption() {
			continue
		}
		expiry, err := inst.Expiration(hedgeCfg.SettlementHourValue(), now)
		if err != nil {
			continue
		}
		top := books[name].Best()
		if !top.HasBid && !top.HasAsk {
			continue
		}
		oi, _ := md.OpenInterest(name)
		row := timescale.OptionBBO{
			Time:         now,
			Instrument:   name,
			Underlying:   underlying,
			Expiration:   expiry,
			TTMYears:     pricing.YearFraction(expiry, now),
			Strike:       float64(inst.Strike),
			Type:         string(inst.OptionType),
			OpenInterest: oi,
			HasBid:       top.HasBid,
			HasAsk:       top.HasAsk,
		}
		in := pricing.Inputs{
			Underlying: underlying,
			Strike:     row.Strike,
			TTM:        row.TTMYears,
			Rate:       hedgeCfg.RiskFreeRate,
			Dividend:   hedgeCfg.DividendYield,
			Type:       inst.OptionType,
		}
		if top.HasBid {
			row.Bid, row.BidSize = top.Bid, top.BidSize
			row.BidUSD = top.Bid * underlying
			in.Price = row.BidUSD
			row.BidIV, _ = iv(in)
		}
		if top.HasAsk {
			row.Ask, row.AskSize = top.Ask, top.AskSize
			row.AskUSD = top.Ask * underlying
			in.Price = row.AskUSD
			row.AskIV, _ = iv(in)
		}
		rows = append(rows, row)
	}
	return rows
}
