// Package pricing implements Black-Scholes-Merton greeks and a default
// implied volatility solver.
package pricing

import (
	"errors"
	"math"
	"time"

	"deribit-hedger/internal/instrument"
)

const yearSeconds = 365 * 24 * 60 * 60

var ErrNoSolution = errors.New("implied volatility has no solution")

// Inputs describe one option for pricing. Price is in the underlying's quote
// currency (USD), TTM is in years.
type Inputs struct {
	Price      float64
	Underlying float64
	Strike     float64
	TTM        float64
	Rate       float64
	Dividend   float64
	Type       instrument.OptionType
}

// ImpliedVolFunc solves for volatility from an option price.
type ImpliedVolFunc func(in Inputs) (float64, error)

// YearFraction is the time from now to expiry in 365-day years.
func YearFraction(expiry, now time.Time) float64 {
	return expiry.Sub(now).Seconds() / yearSeconds
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func d1(s, k, vol, b, t float64) float64 {
	return (math.Log(s/k) + (b+vol*vol/2)*t) / (vol * math.Sqrt(t))
}

// Delta is the BSM delta with cost of carry b = r - q.
func Delta(in Inputs, vol float64) float64 {
	if in.TTM <= 0 || vol <= 0 || in.Underlying <= 0 || in.Strike <= 0 {
		return 0
	}
	b := in.Rate - in.Dividend
	carry := math.Exp((b - in.Rate) * in.TTM)
	d := d1(in.Underlying, in.Strike, vol, b, in.TTM)
	if in.Type == instrument.Put {
		return -carry * normCDF(-d)
	}
	return carry * normCDF(d)
}

// Price is the BSM option value with cost of carry b = r - q.
func Price(in Inputs, vol float64) float64 {
	b := in.Rate - in.Dividend
	s, k, t := in.Underlying, in.Strike, in.TTM
	d1v := d1(s, k, vol, b, t)
	d2v := d1v - vol*math.Sqrt(t)
	carry := math.Exp((b - in.Rate) * t)
	discount := math.Exp(-in.Rate * t)
	if in.Type == instrument.Put {
		return k*discount*normCDF(-d2v) - s*carry*normCDF(-d1v)
	}
	return s*carry*normCDF(d1v) - k*discount*normCDF(d2v)
}

const (
	minVol        = 1e-4
	maxVol        = 5.0
	volTolerance  = 1e-8
	maxIterations = 200
)

// ImpliedVol bisects the BSM price for volatility, rounded to 4 decimals.
func ImpliedVol(in Inputs) (float64, error) {
	if in.TTM <= 0 || in.Underlying <= 0 || in.Strike <= 0 || in.Price <= 0 {
		return 0, ErrNoSolution
	}
	lo, hi := minVol, maxVol
	pLo, pHi := Price(in, lo), Price(in, hi)
	if in.Price < pLo || in.Price > pHi {
		return 0, ErrNoSolution
	}
	for i := 0; i < maxIterations && hi-lo > volTolerance; i++ {
		mid := (lo + hi) / 2
		if Price(in, mid) < in.Price {
			lo = mid
		} else {
			hi = mid
		}
	}
	return math.Round((lo+hi)/2*1e4) / 1e4, nil
}
