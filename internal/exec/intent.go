package exec

import (
	"errors"
	"fmt"
	"strings"

	"deribit-hedger/internal/deribit/rpc"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Limit       OrderType = "limit"
	Market      OrderType = "market"
	MarketLimit OrderType = "market_limit"
	StopMarket  OrderType = "stop_market"
	StopLimit   OrderType = "stop_limit"
)

const (
	TriggerMarkPrice  = "mark_price"
	TriggerIndexPrice = "index_price"
	TriggerLastPrice  = "last_price"
)

var ErrInvalidIntent = errors.New("invalid order intent")

// Intent is a venue-agnostic order request. Optional fields stay nil or
// empty when not set and are then omitted from the request.
type Intent struct {
	Instrument   string
	Side         Side
	Amount       float64
	Type         OrderType
	Label        string
	Price        *float64
	TimeInForce  string
	PostOnly     *bool
	ReduceOnly   *bool
	Trigger      string
	TriggerPrice *float64
}

// Params is the wire form of an order request.
type Params struct {
	Instrument   string   `json:"instrument_name"`
	Amount       float64  `json:"amount"`
	Type         string   `json:"type"`
	Label        string   `json:"label,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	TimeInForce  string   `json:"time_in_force,omitempty"`
	PostOnly     *bool    `json:"post_only,omitempty"`
	ReduceOnly   *bool    `json:"reduce_only,omitempty"`
	Trigger      string   `json:"trigger,omitempty"`
	TriggerPrice *float64 `json:"trigger_price,omitempty"`
}

func Float(v float64) *float64 { return &v }

func Bool(v bool) *bool { return &v }

func (i Intent) Validate() error {
	if strings.TrimSpace(i.Instrument) == "" {
		return fmt.Errorf("%w: instrument is required", ErrInvalidIntent)
	}
	if i.Side != Buy && i.Side != Sell {
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, i.Side)
	}
	if i.Amount <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidIntent)
	}
	switch i.Type {
	case Market:
	case Limit, MarketLimit:
		if i.Price == nil || *i.Price <= 0 {
			return fmt.Errorf("%w: %s order requires a price", ErrInvalidIntent, i.Type)
		}
	case StopMarket, StopLimit:
		if i.TriggerPrice == nil || *i.TriggerPrice <= 0 {
			return fmt.Errorf("%w: %s order requires a trigger price", ErrInvalidIntent, i.Type)
		}
		if i.Trigger == "" {
			return fmt.Errorf("%w: %s order requires a trigger", ErrInvalidIntent, i.Type)
		}
	default:
		return fmt.Errorf("%w: order type %q", ErrInvalidIntent, i.Type)
	}
	return nil
}

func (i Intent) Method() rpc.Method {
	if i.Side == Sell {
		return rpc.MethodSell
	}
	return rpc.MethodBuy
}

func (i Intent) Params() Params {
	return Params{
		Instrument:   i.Instrument,
		Amount:       i.Amount,
		Type:         string(i.Type),
		Label:        i.Label,
		Price:        i.Price,
		TimeInForce:  i.TimeInForce,
		PostOnly:     i.PostOnly,
		ReduceOnly:   i.ReduceOnly,
		Trigger:      i.Trigger,
		TriggerPrice: i.TriggerPrice,
	}
}

func (i Intent) String() string {
	s := fmt.Sprintf("%s %s %g %s", i.Type, i.Side, i.Amount, i.Instrument)
	if i.Price != nil {
		s += fmt.Sprintf(" @ %g", *i.Price)
	}
	if i.TriggerPrice != nil {
		s += fmt.Sprintf(" trigger %s %g", i.Trigger, *i.TriggerPrice)
	}
	if i.Label != "" {
		s += " [" + i.Label + "]"
	}
	return s
}

type CancelByLabelParams struct {
	Label    string `json:"label"`
	Currency string `json:"currency,omitempty"`
}
