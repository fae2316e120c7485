package account

import (
	"sort"
	"strings"
	"sync"

	"deribit-hedger/internal/deribit/rpc"

	"github.com/shopspring/decimal"
)

const avgPriceDecimals = 2

type OrderOutcome int

const (
	OrderIgnored OrderOutcome = iota
	OrderStored
	OrderRemoved
	OrderRejectedOutcome
)

func (o OrderOutcome) String() string {
	switch o {
	case OrderStored:
		return "stored"
	case OrderRemoved:
		return "removed"
	case OrderRejectedOutcome:
		return "rejected"
	default:
		return "ignored"
	}
}

// Account mirrors private state: open orders, positions and the account
// summary. The session receive loop is the only writer; readers get copies.
type Account struct {
	mu         sync.RWMutex
	openOrders map[string]Order
	positions  map[string]Position
	metrics    Metrics
	hasMetrics bool
}

func New() *Account {
	return &Account{
		openOrders: make(map[string]Order),
		positions:  make(map[string]Position),
	}
}

// Reset drops orders and positions ahead of a fresh bulk load.
func (a *Account) Reset() {
	a.mu.Lock()
	a.openOrders = make(map[string]Order)
	a.positions = make(map[string]Position)
	a.mu.Unlock()
}

// ApplyOpenOrdersSnapshot bulk loads open orders. Each reply covers one
// instrument kind, so entries are merged rather than replaced.
func (a *Account) ApplyOpenOrdersSnapshot(orders []Order) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, o := range orders {
		if o.OrderID == "" {
			continue
		}
		a.openOrders[o.OrderID] = o
	}
}

// ApplyOrderEvent applies one order update:
// rejected orders are reported and not stored, market and market_limit
// orders are never stored, cancelled or fully shown fills are removed,
// everything else is upserted.
func (a *Account) ApplyOrderEvent(o Order) OrderOutcome {
	if o.State == OrderRejected {
		return OrderRejectedOutcome
	}
	if o.OrderType == OrderTypeMarket || o.OrderType == OrderTypeMarketLimit {
		return OrderIgnored
	}
	if o.OrderID == "" {
		return OrderIgnored
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if o.State == OrderCancelled || (o.State == OrderFilled && o.FilledAmount == o.MaxShow) {
		delete(a.openOrders, o.OrderID)
		return OrderRemoved
	}
	a.openOrders[o.OrderID] = o
	return OrderStored
}

// ClearOpenOrders drops every locally tracked order.
func (a *Account) ClearOpenOrders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.openOrders)
	a.openOrders = make(map[string]Order)
	return n
}

// ApplyPositionsSnapshot loads authoritative positions. Nonzero sizes are
// kept; a zero size removes any local entry for that instrument.
func (a *Account) ApplyPositionsSnapshot(positions []Position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range positions {
		if p.Instrument == "" {
			continue
		}
		if p.Size == 0 {
			delete(a.positions, p.Instrument)
			continue
		}
		if p.Direction == "" {
			p.Direction = directionOf(float64(p.Size))
		}
		a.positions[p.Instrument] = p
	}
}

// ApplyTradeConfirmations projects positions forward from fills. It returns
// the instruments that had no local position before their first trade.
func (a *Account) ApplyTradeConfirmations(trades []Trade) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var unseen []string
	seen := make(map[string]struct{})
	for _, t := range trades {
		if t.Instrument == "" || t.Amount <= 0 {
			continue
		}
		prev, ok := a.positions[t.Instrument]
		if !ok {
			if _, dup := seen[t.Instrument]; !dup {
				unseen = append(unseen, t.Instrument)
				seen[t.Instrument] = struct{}{}
			}
			prev = Position{Instrument: t.Instrument, Direction: Flat}
		}
		next, keep := applyTrade(prev, t)
		if keep {
			a.positions[t.Instrument] = next
		} else {
			delete(a.positions, t.Instrument)
		}
	}
	return unseen
}

// applyTrade returns the projected position and whether it is still open.
func applyTrade(prev Position, t Trade) (Position, bool) {
	prevSize := decimal.NewFromFloat(float64(prev.Size))
	amount := decimal.NewFromFloat(float64(t.Amount))
	price := decimal.NewFromFloat(float64(t.Price))
	signed := amount
	tradeDir := Long
	if t.Direction == SideSell {
		signed = amount.Neg()
		tradeDir = Short
	}
	prevDir := prev.Direction
	if prevSize.IsZero() {
		prevDir = Flat
	}
	next := prev
	newSize := prevSize.Add(signed)
	if prevDir == Flat || prevDir == tradeDir {
		prevAbs := prevSize.Abs()
		avg := prevAbs.Mul(decimal.NewFromFloat(float64(prev.AveragePrice))).
			Add(amount.Mul(price)).
			Div(prevAbs.Add(amount)).
			Round(avgPriceDecimals)
		next.Size = floatOf(newSize)
		next.AveragePrice = floatOf(avg)
		next.Direction = tradeDir
		return next, true
	}
	switch amount.Cmp(prevSize.Abs()) {
	case -1:
		next.Size = floatOf(newSize)
		return next, true
	case 0:
		return Position{}, false
	default:
		next.Size = floatOf(newSize)
		next.AveragePrice = floatOf(price.Round(avgPriceDecimals))
		next.Direction = tradeDir
		return next, true
	}
}

func (a *Account) ApplyAccountMetrics(m Metrics) {
	a.mu.Lock()
	a.metrics = m
	a.hasMetrics = true
	a.mu.Unlock()
}

func (a *Account) Metrics() (Metrics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics, a.hasMetrics
}

// OpenOrders returns a copy sorted by instrument then order id.
func (a *Account) OpenOrders() []Order {
	a.mu.RLock()
	out := make([]Order, 0, len(a.openOrders))
	for _, o := range a.openOrders {
		out = append(out, o)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// OpenOrderLabels returns the labels of open orders starting with prefix.
func (a *Account) OpenOrderLabels(prefix string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var labels []string
	for _, o := range a.openOrders {
		if o.Label != "" && strings.HasPrefix(o.Label, prefix) {
			labels = append(labels, o.Label)
		}
	}
	sort.Strings(labels)
	return labels
}

func (a *Account) Positions() map[string]Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Position, len(a.positions))
	for k, v := range a.positions {
		out[k] = v
	}
	return out
}

func (a *Account) Position(instrument string) (Position, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.positions[instrument]
	return p, ok
}

func directionOf(size float64) Direction {
	switch {
	case size > 0:
		return Long
	case size < 0:
		return Short
	default:
		return Flat
	}
}

func floatOf(d decimal.Decimal) rpc.Float {
	f, _ := d.Float64()
	return rpc.Float(f)
}
