package market

import (
	"encoding/json"
	"fmt"
	"math"

	"deribit-hedger/internal/deribit/rpc"
)

type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Level operations carried by raw book updates.
const (
	OpNew    = "new"
	OpChange = "change"
	OpDelete = "delete"
)

const (
	UpdateSnapshot = "snapshot"
	UpdateChange   = "change"
)

// LevelChange is one [op, price, size] entry of a raw book update.
type LevelChange struct {
	Op    string
	Price float64
	Size  float64
}

func (l *LevelChange) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("book level: expected 3 elements, got %d", len(raw))
	}
	var price, size rpc.Float
	if err := json.Unmarshal(raw[0], &l.Op); err != nil {
		return fmt.Errorf("book level op: %w", err)
	}
	if err := json.Unmarshal(raw[1], &price); err != nil {
		return fmt.Errorf("book level price: %w", err)
	}
	if err := json.Unmarshal(raw[2], &size); err != nil {
		return fmt.Errorf("book level size: %w", err)
	}
	l.Price = float64(price)
	l.Size = float64(size)
	return nil
}

// Level is one [price, size] entry of a grouped book update.
type Level struct {
	Price float64
	Size  float64
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var raw []rpc.Float
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("grouped level: expected 2 elements, got %d", len(raw))
	}
	l.Price = float64(raw[0])
	l.Size = float64(raw[1])
	return nil
}

// BookUpdate is the payload of book.<instrument>.raw.
type BookUpdate struct {
	Type         string        `json:"type"`
	Instrument   string        `json:"instrument_name"`
	Timestamp    int64         `json:"timestamp"`
	ChangeID     int64         `json:"change_id"`
	PrevChangeID int64         `json:"prev_change_id"`
	Bids         []LevelChange `json:"bids"`
	Asks         []LevelChange `json:"asks"`
}

// GroupedBook is the payload of book.<instrument>.none.<depth>.<interval>.
type GroupedBook struct {
	Instrument string  `json:"instrument_name"`
	Timestamp  int64   `json:"timestamp"`
	Bids       []Level `json:"bids"`
	Asks       []Level `json:"asks"`
}

// Ticker is the subset of ticker.<instrument>.raw the mirror keeps.
type Ticker struct {
	Instrument   string    `json:"instrument_name"`
	OpenInterest rpc.Float `json:"open_interest"`
	MarkPrice    rpc.Float `json:"mark_price"`
	MarkIV       rpc.Float `json:"mark_iv"`
	Timestamp    int64     `json:"timestamp"`
}

type InstrumentInfo struct {
	Name           string    `json:"instrument_name"`
	Kind           string    `json:"kind"`
	BaseCurrency   string    `json:"base_currency"`
	Strike         rpc.Float `json:"strike"`
	OptionType     string    `json:"option_type"`
	ExpirationMS   int64     `json:"expiration_timestamp"`
	ContractSize   rpc.Float `json:"contract_size"`
	MinTradeAmount rpc.Float `json:"min_trade_amount"`
	IsActive       bool      `json:"is_active"`
}

// Book is a copy of one option order book.
type Book struct {
	Instrument string
	ChangeID   int64
	Bids       map[float64]float64
	Asks       map[float64]float64
}

func newBook(instrument string) *Book {
	return &Book{
		Instrument: instrument,
		Bids:       make(map[float64]float64),
		Asks:       make(map[float64]float64),
	}
}

func (b *Book) side(side Side) map[float64]float64 {
	if side == SideBid {
		return b.Bids
	}
	return b.Asks
}

func (b *Book) apply(side Side, op string, price, size float64) {
	levels := b.side(side)
	switch op {
	case OpNew, OpChange:
		levels[price] = size
	case OpDelete:
		delete(levels, price)
	}
}

func (b *Book) clone() Book {
	out := Book{
		Instrument: b.Instrument,
		ChangeID:   b.ChangeID,
		Bids:       make(map[float64]float64, len(b.Bids)),
		Asks:       make(map[float64]float64, len(b.Asks)),
	}
	for p, s := range b.Bids {
		out.Bids[p] = s
	}
	for p, s := range b.Asks {
		out.Asks[p] = s
	}
	return out
}

// Top is the best bid and ask of a book. Missing sides are flagged.
type Top struct {
	Bid     float64
	BidSize float64
	HasBid  bool
	Ask     float64
	AskSize float64
	HasAsk  bool
}

// Best computes the best levels on read: max bid, min ask.
func (b Book) Best() Top {
	top := Top{Bid: math.Inf(-1), Ask: math.Inf(1)}
	for p, s := range b.Bids {
		if p > top.Bid {
			top.Bid, top.BidSize, top.HasBid = p, s, true
		}
	}
	for p, s := range b.Asks {
		if p < top.Ask {
			top.Ask, top.AskSize, top.HasAsk = p, s, true
		}
	}
	if !top.HasBid {
		top.Bid = 0
	}
	if !top.HasAsk {
		top.Ask = 0
	}
	return top
}

// Quote is the wholesale-replaced best bid/offer of a future.
type Quote struct {
	Instrument string
	Bid        float64
	BidSize    float64
	Ask        float64
	AskSize    float64
	Timestamp  int64
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}
