package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"deribit-hedger/internal/instrument"
)

var (
	ErrUnknownBook = errors.New("book update for instrument without snapshot")
	ErrSequenceGap = errors.New("book change sequence gap")
)

// MarketData mirrors public market state: option order books, futures best
// bid/offer, open interest and the active instrument universe. The session
// receive loop is the only writer; readers get copies.
type MarketData struct {
	mu           sync.RWMutex
	books        map[string]*Book
	futures      map[string]Quote
	openInterest map[string]float64
	instruments  []string
}

func New() *MarketData {
	return &MarketData{
		books:        make(map[string]*Book),
		futures:      make(map[string]Quote),
		openInterest: make(map[string]float64),
	}
}

// SetInstruments replaces the active instrument universe.
func (m *MarketData) SetInstruments(names []string) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	m.mu.Lock()
	m.instruments = sorted
	m.mu.Unlock()
}

func (m *MarketData) Instruments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.instruments...)
}

func (m *MarketData) Options() []string {
	options, _ := instrument.Split(m.Instruments())
	return options
}

func (m *MarketData) Futures() []string {
	_, futures := instrument.Split(m.Instruments())
	return futures
}

// ApplyBookSnapshot replaces the book for an instrument.
func (m *MarketData) ApplyBookSnapshot(name string, changeID int64, bids, asks []LevelChange) {
	book := newBook(name)
	book.ChangeID = changeID
	for _, l := range bids {
		book.Bids[l.Price] = l.Size
	}
	for _, l := range asks {
		book.Asks[l.Price] = l.Size
	}
	m.mu.Lock()
	m.books[name] = book
	m.mu.Unlock()
}

// ApplyBookDelta applies one level operation. new and change upsert, delete
// of an absent price is a no-op, and unknown operations are ignored.
func (m *MarketData) ApplyBookDelta(name string, side Side, op string, price, size float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBook, name)
	}
	book.apply(side, op, price, size)
	return nil
}

// ApplyBookChange routes a raw book update. A change whose prev_change_id does
// not follow the last seen change_id is still applied but reported as a gap.
func (m *MarketData) ApplyBookChange(update BookUpdate) error {
	if update.Type == UpdateSnapshot {
		m.ApplyBookSnapshot(update.Instrument, update.ChangeID, update.Bids, update.Asks)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[update.Instrument]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBook, update.Instrument)
	}
	var gap error
	if update.PrevChangeID != 0 && book.ChangeID != 0 && update.PrevChangeID != book.ChangeID {
		gap = fmt.Errorf("%w: %s expected %d got %d", ErrSequenceGap, update.Instrument, book.ChangeID, update.PrevChangeID)
	}
	for _, l := range update.Bids {
		book.apply(SideBid, l.Op, l.Price, l.Size)
	}
	for _, l := range update.Asks {
		book.apply(SideAsk, l.Op, l.Price, l.Size)
	}
	if update.ChangeID != 0 {
		book.ChangeID = update.ChangeID
	}
	return gap
}

// ApplyFuturesBBO replaces the best bid/offer of a future wholesale.
func (m *MarketData) ApplyFuturesBBO(q Quote) {
	m.mu.Lock()
	m.futures[q.Instrument] = q
	m.mu.Unlock()
}

// ApplyGroupedBook takes the top level of each side of a grouped book update.
func (m *MarketData) ApplyGroupedBook(update GroupedBook) {
	q := Quote{Instrument: update.Instrument, Timestamp: update.Timestamp}
	if len(update.Bids) > 0 {
		q.Bid, q.BidSize = update.Bids[0].Price, update.Bids[0].Size
	}
	if len(update.Asks) > 0 {
		q.Ask, q.AskSize = update.Asks[0].Price, update.Asks[0].Size
	}
	m.ApplyFuturesBBO(q)
}

func (m *MarketData) ApplyOpenInterest(name string, oi float64) {
	m.mu.Lock()
	m.openInterest[name] = oi
	m.mu.Unlock()
}

func (m *MarketData) Book(name string) (Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	book, ok := m.books[name]
	if !ok {
		return Book{}, false
	}
	return book.clone(), true
}

// Books returns copies of every option book, keyed by instrument.
func (m *MarketData) Books() map[string]Book {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Book, len(m.books))
	for name, book := range m.books {
		out[name] = book.clone()
	}
	return out
}

func (m *MarketData) BestBidAsk(name string) (Top, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	book, ok := m.books[name]
	if !ok {
		return Top{}, false
	}
	return book.Best(), true
}

func (m *MarketData) FuturesQuote(name string) (Quote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.futures[name]
	return q, ok
}

func (m *MarketData) OpenInterest(name string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	oi, ok := m.openInterest[name]
	return oi, ok
}

