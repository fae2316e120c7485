// Package instrument parses exchange instrument names.
//
// Futures carry one delimiter (BTC-PERPETUAL, BTC-27DEC24); options carry
// three and end with the option type (BTC-27DEC24-50000-C).
package instrument

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindFuture Kind = "future"
	KindOption Kind = "option"
)

type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

const Perpetual = "PERPETUAL"

var ErrInvalidSymbol = errors.New("invalid instrument symbol")

type Instrument struct {
	Symbol     string
	Kind       Kind
	Underlying string
	// Expiry is the raw expiry token, e.g. 27DEC24. Empty for perpetuals.
	Expiry     string
	Strike     int
	OptionType OptionType
}

func (i Instrument) IsOption() bool { return i.Kind == KindOption }

func (i Instrument) IsPerpetual() bool {
	return i.Kind == KindFuture && i.Expiry == ""
}

// Parse classifies a symbol. It does not resolve the expiry date; see Expiration.
func Parse(symbol string) (Instrument, error) {
	parts := strings.Split(strings.TrimSpace(symbol), "-")
	switch len(parts) {
	case 2:
		inst := Instrument{Symbol: symbol, Kind: KindFuture, Underlying: parts[0]}
		if parts[1] != Perpetual {
			inst.Expiry = parts[1]
		}
		if inst.Underlying == "" || parts[1] == "" {
			return Instrument{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
		return inst, nil
	case 4:
		strike, err := strconv.Atoi(parts[2])
		if err != nil {
			return Instrument{}, fmt.Errorf("%w: strike %q", ErrInvalidSymbol, parts[2])
		}
		var kind OptionType
		switch parts[3] {
		case "C":
			kind = Call
		case "P":
			kind = Put
		default:
			return Instrument{}, fmt.Errorf("%w: option type %q", ErrInvalidSymbol, parts[3])
		}
		if parts[0] == "" || parts[1] == "" {
			return Instrument{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
		return Instrument{
			Symbol:     symbol,
			Kind:       KindOption,
			Underlying: parts[0],
			Expiry:     parts[1],
			Strike:     strike,
			OptionType: kind,
		}, nil
	default:
		return Instrument{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
}

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March, "APR": time.April,
	"MAY": time.May, "JUN": time.June, "JUL": time.July, "AUG": time.August,
	"SEP": time.September, "OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// Expiration resolves the expiry token to a UTC instant at the settlement hour.
// A token without a year (25DEC) resolves to the next such date at or after now.
func (i Instrument) Expiration(settlementHour int, now time.Time) (time.Time, error) {
	if i.Expiry == "" {
		return time.Time{}, fmt.Errorf("%w: %s has no expiry", ErrInvalidSymbol, i.Symbol)
	}
	return ParseExpiry(i.Expiry, settlementHour, now)
}

func ParseExpiry(token string, settlementHour int, now time.Time) (time.Time, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	idx := strings.IndexFunc(token, func(r rune) bool { return r < '0' || r > '9' })
	if idx < 1 || idx > 2 || len(token) < idx+3 {
		return time.Time{}, fmt.Errorf("%w: expiry %q", ErrInvalidSymbol, token)
	}
	day, _ := strconv.Atoi(token[:idx])
	month, ok := months[token[idx:idx+3]]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: expiry month %q", ErrInvalidSymbol, token[idx:idx+3])
	}
	rest := token[idx+3:]
	now = now.UTC()
	var expiry time.Time
	switch len(rest) {
	case 0:
		expiry = time.Date(now.Year(), month, day, settlementHour, 0, 0, 0, time.UTC)
		if expiry.Before(now) {
			expiry = expiry.AddDate(1, 0, 0)
		}
	case 2:
		year, err := strconv.Atoi(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: expiry year %q", ErrInvalidSymbol, rest)
		}
		expiry = time.Date(2000+year, month, day, settlementHour, 0, 0, 0, time.UTC)
	default:
		return time.Time{}, fmt.Errorf("%w: expiry %q", ErrInvalidSymbol, token)
	}
	if expiry.Day() != day {
		return time.Time{}, fmt.Errorf("%w: expiry day %q", ErrInvalidSymbol, token)
	}
	return expiry, nil
}

// Split partitions symbols into options and futures, skipping anything unparseable.
func Split(symbols []string) (options, futures []string) {
	for _, s := range symbols {
		inst, err := Parse(s)
		if err != nil {
			continue
		}
		if inst.IsOption() {
			options = append(options, s)
		} else {
			futures = append(futures, s)
		}
	}
	return options, futures
}
