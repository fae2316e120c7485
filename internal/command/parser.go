// Package command parses the manual trading grammar into order intents.
//
//	a200              market_limit buy 200 capped 0.1% through the ask
//	dw200             post-only limit sell 200 at the ask
//	as100 16000       post-only limit buy 100 at 16000
//	dw200 18000s      reduce-only stop_market sell 200 triggered at 18000
//	a100 16000 18000 10  ten post-only limit buys between the bounds
//	ca / cc           cancel all / cancel the most recent manual label
//
// Amounts are multiplied by the configured size multiplier.
package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"deribit-hedger/internal/exec"
	"deribit-hedger/internal/market"
)

const (
	maxAmount       = 10_000
	marketLimitSlip = 0.001
)

var (
	ErrInvalidInput     = errors.New("invalid input, type 'help' for supported syntax")
	ErrNotExecuted      = errors.New("command not executed, last letter is 'c'")
	ErrNoQuote          = errors.New("no quote for instrument")
	ErrNothingToCancel  = errors.New("no manual label to cancel")
	ErrImmediateTrigger = errors.New("stop price would trigger immediately")
)

type Kind string

const (
	KindOrders      Kind = "orders"
	KindCancelAll   Kind = "cancel_all"
	KindCancelLabel Kind = "cancel_label"
)

// Action is the result of parsing one line.
type Action struct {
	Kind    Kind
	Intents []exec.Intent
	Label   string
}

type QuoteSource interface {
	FuturesQuote(instrument string) (market.Quote, bool)
}

type Parser struct {
	quotes QuoteSource
	labels *Labeler

	mu         sync.RWMutex
	instrument string
	multiplier float64
}

func NewParser(instrument string, multiplier float64, quotes QuoteSource, labels *Labeler) *Parser {
	if labels == nil {
		labels = NewLabeler(nil)
	}
	return &Parser{quotes: quotes, labels: labels, instrument: instrument, multiplier: multiplier}
}

func (p *Parser) Instrument() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.instrument
}

func (p *Parser) SetInstrument(name string) {
	p.mu.Lock()
	p.instrument = name
	p.mu.Unlock()
}

func (p *Parser) Multiplier() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.multiplier
}

func (p *Parser) SetMultiplier(m float64) error {
	if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return fmt.Errorf("%w: multiplier must be > 0", ErrInvalidInput)
	}
	p.mu.Lock()
	p.multiplier = m
	p.mu.Unlock()
	return nil
}

func (p *Parser) Labels() *Labeler { return p.labels }

// orderSpec is a parsed trading line before labels are attached.
type orderSpec struct {
	side       exec.Side
	amount     float64
	orderType  exec.OrderType
	prices     []float64
	postOnly   bool
	reduceOnly bool
	trigger    string
	isStop     bool
}

// Parse turns one line into an Action. Labels are only consumed when the
// line parses successfully.
func (p *Parser) Parse(ctx context.Context, line string) (Action, error) {
	x := strings.TrimSpace(line)
	if len(x) < 2 {
		return Action{}, ErrInvalidInput
	}
	if x[0] == 'c' {
		switch x {
		case "ca":
			return Action{Kind: KindCancelAll}, nil
		case "cc":
			label, ok := p.labels.PopLast()
			if !ok {
				return Action{}, ErrNothingToCancel
			}
			return Action{Kind: KindCancelLabel, Label: label}, nil
		}
		return Action{}, ErrInvalidInput
	}
	if x[len(x)-1] == 'c' {
		return Action{}, ErrNotExecuted
	}
	spec, err := p.parseOrder(x)
	if err != nil {
		return Action{}, err
	}
	instrument := p.Instrument()
	labels := p.labels.reserve(ctx, len(spec.prices))
	intents := make([]exec.Intent, 0, len(spec.prices))
	for i, price := range spec.prices {
		intent := exec.Intent{
			Instrument: instrument,
			Side:       spec.side,
			Amount:     spec.amount,
			Type:       spec.orderType,
			Label:      labels[i],
		}
		if spec.isStop {
			intent.TriggerPrice = exec.Float(price)
			intent.Trigger = spec.trigger
		} else {
			intent.Price = exec.Float(price)
		}
		if spec.postOnly {
			intent.PostOnly = exec.Bool(true)
		}
		if spec.reduceOnly {
			intent.ReduceOnly = exec.Bool(true)
		}
		intents = append(intents, intent)
	}
	return Action{Kind: KindOrders, Intents: intents}, nil
}

func (p *Parser) parseOrder(x string) (orderSpec, error) {
	fields := strings.Fields(x)
	if !isAlnum(strings.Join(fields, "")) {
		return orderSpec{}, ErrInvalidInput
	}
	var spec orderSpec
	switch x[0] {
	case 'a':
		spec.side = exec.Buy
	case 'd':
		spec.side = exec.Sell
	default:
		return orderSpec{}, ErrInvalidInput
	}

	head := fields[0]
	if len(head) < 2 {
		return orderSpec{}, ErrInvalidInput
	}
	priceFlag := head[1]
	amountText := head[1:]
	if priceFlag == 'w' || priceFlag == 's' {
		amountText = head[2:]
	}
	amount, err := p.amount(amountText)
	if err != nil {
		return orderSpec{}, err
	}
	spec.amount = amount

	switch len(fields) {
	case 1:
		return p.parseQuoteOrder(spec, priceFlag)
	case 2:
		return p.parsePricedOrder(spec, fields[1])
	case 4:
		return parseLadder(spec, fields[1], fields[2], fields[3])
	}
	return orderSpec{}, ErrInvalidInput
}

// parseQuoteOrder handles a200, aw200 and as200 forms.
func (p *Parser) parseQuoteOrder(spec orderSpec, flag byte) (orderSpec, error) {
	quote, err := p.quote()
	if err != nil {
		return orderSpec{}, err
	}
	switch flag {
	case 'w':
		spec.prices = []float64{quote.Ask}
	case 's':
		spec.prices = []float64{quote.Bid}
	default:
		price := quote.Ask * (1 + marketLimitSlip)
		if spec.side == exec.Sell {
			price = quote.Bid * (1 - marketLimitSlip)
		}
		spec.orderType = exec.MarketLimit
		spec.prices = []float64{math.Trunc(price)}
		return spec, nil
	}
	passive := (spec.side == exec.Buy && flag == 's') || (spec.side == exec.Sell && flag == 'w')
	if passive {
		spec.orderType = exec.Limit
		spec.postOnly = true
	} else {
		spec.orderType = exec.MarketLimit
	}
	return spec, nil
}

// parsePricedOrder handles "as100 16000" and the stop form "dw200 18000s".
func (p *Parser) parsePricedOrder(spec orderSpec, priceText string) (orderSpec, error) {
	if strings.HasSuffix(priceText, "s") {
		price, err := parsePrice(strings.TrimSuffix(priceText, "s"))
		if err != nil {
			return orderSpec{}, err
		}
		quote, err := p.quote()
		if err != nil {
			return orderSpec{}, err
		}
		if (spec.side == exec.Buy && price <= quote.Ask) || (spec.side == exec.Sell && price >= quote.Bid) {
			return orderSpec{}, fmt.Errorf("%w: %g", ErrImmediateTrigger, price)
		}
		spec.orderType = exec.StopMarket
		spec.isStop = true
		spec.trigger = exec.TriggerMarkPrice
		spec.reduceOnly = true
		spec.prices = []float64{price}
		return spec, nil
	}
	price, err := parsePrice(priceText)
	if err != nil {
		return orderSpec{}, err
	}
	spec.orderType = exec.Limit
	spec.postOnly = true
	spec.prices = []float64{price}
	return spec, nil
}

// parseLadder spreads count post-only limits evenly from the near bound:
// buys climb from the lower bound, sells descend from the upper.
func parseLadder(spec orderSpec, first, second, countText string) (orderSpec, error) {
	b1, err := parsePrice(first)
	if err != nil {
		return orderSpec{}, err
	}
	b2, err := parsePrice(second)
	if err != nil {
		return orderSpec{}, err
	}
	count, err := strconv.Atoi(countText)
	if err != nil || count < 2 {
		return orderSpec{}, ErrInvalidInput
	}
	step := math.Abs(b1-b2) / float64(count)
	spec.orderType = exec.Limit
	spec.postOnly = true
	spec.prices = make([]float64, 0, count)
	for i := 0; i < count; i++ {
		price := math.Min(b1, b2) + step*float64(i)
		if spec.side == exec.Sell {
			price = math.Max(b1, b2) - step*float64(i)
		}
		spec.prices = append(spec.prices, math.Trunc(price))
	}
	return spec, nil
}

func (p *Parser) amount(text string) (float64, error) {
	n, err := strconv.Atoi(text)
	if err != nil || n <= 0 || n > maxAmount || !isDigits(text) {
		return 0, ErrInvalidInput
	}
	return float64(n) * p.Multiplier(), nil
}

func (p *Parser) quote() (market.Quote, error) {
	name := p.Instrument()
	if p.quotes == nil {
		return market.Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, name)
	}
	q, ok := p.quotes.FuturesQuote(name)
	if !ok || q.Bid <= 0 || q.Ask <= 0 {
		return market.Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, name)
	}
	return q, nil
}

func parsePrice(text string) (float64, error) {
	if !isDigits(text) {
		return 0, ErrInvalidInput
	}
	n, err := strconv.Atoi(text)
	if err != nil || n <= 0 {
		return 0, ErrInvalidInput
	}
	return float64(n), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
