package account

import (
	"encoding/json"
	"strings"

	"deribit-hedger/internal/deribit/rpc"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderState string

const (
	OrderOpen        OrderState = "open"
	OrderFilled      OrderState = "filled"
	OrderRejected    OrderState = "rejected"
	OrderCancelled   OrderState = "cancelled"
	OrderUntriggered OrderState = "untriggered"
)

const (
	OrderTypeLimit       = "limit"
	OrderTypeMarket      = "market"
	OrderTypeMarketLimit = "market_limit"
	OrderTypeStopMarket  = "stop_market"
	OrderTypeStopLimit   = "stop_limit"
)

type Order struct {
	OrderID      string     `json:"order_id"`
	Instrument   string     `json:"instrument_name"`
	Direction    Side       `json:"direction"`
	Amount       rpc.Float  `json:"amount"`
	Price        rpc.Float  `json:"price"`
	OrderType    string     `json:"order_type"`
	Label        string     `json:"label"`
	State        OrderState `json:"order_state"`
	FilledAmount rpc.Float  `json:"filled_amount"`
	MaxShow      rpc.Float  `json:"max_show"`
	PostOnly     bool       `json:"post_only"`
	ReduceOnly   bool       `json:"reduce_only"`
	RejectReason string     `json:"reject_reason,omitempty"`
	LastUpdateMS int64      `json:"last_update_timestamp"`
}

// PartiallyFilled reports an open order with some quantity executed.
func (o Order) PartiallyFilled() bool {
	return o.State == OrderOpen && o.FilledAmount > 0
}

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// UnmarshalJSON maps the exchange's buy/sell/zero onto long/short/flat.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "buy", "long":
		*d = Long
	case "sell", "short":
		*d = Short
	default:
		*d = Flat
	}
	return nil
}

// Position size is signed: negative when short.
type Position struct {
	Instrument   string    `json:"instrument_name"`
	Kind         string    `json:"kind"`
	Direction    Direction `json:"direction"`
	Size         rpc.Float `json:"size"`
	AveragePrice rpc.Float `json:"average_price"`
	MarkPrice    rpc.Float `json:"mark_price"`
	IndexPrice   rpc.Float `json:"index_price"`
	FloatingPnL  rpc.Float `json:"floating_profit_loss"`
	TotalPnL     rpc.Float `json:"total_profit_loss"`
	Delta        rpc.Float `json:"delta"`
}

type Trade struct {
	TradeID    string    `json:"trade_id"`
	OrderID    string    `json:"order_id"`
	Instrument string    `json:"instrument_name"`
	Direction  Side      `json:"direction"`
	Amount     rpc.Float `json:"amount"`
	Price      rpc.Float `json:"price"`
	Label      string    `json:"label"`
	Timestamp  int64     `json:"timestamp"`
}

// Metrics is the account summary pushed on user.portfolio.<currency>.
type Metrics struct {
	AvailableFunds    rpc.Float `json:"available_funds"`
	Balance           rpc.Float `json:"balance"`
	DeltaTotal        rpc.Float `json:"delta_total"`
	InitialMargin     rpc.Float `json:"initial_margin"`
	MaintenanceMargin rpc.Float `json:"maintenance_margin"`
	MarginBalance     rpc.Float `json:"margin_balance"`
}
