package pricing

import (
	"errors"
	"math"
	"testing"
	"time"

	"deribit-hedger/internal/instrument"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestDeltaAtTheMoney(t *testing.T) {
	in := Inputs{Underlying: 100, Strike: 100, TTM: 1, Type: instrument.Call}
	call := Delta(in, 0.2)
	// d1 = 0.1 with zero rate.
	if !almostEqual(call, 0.5398, 1e-4) {
		t.Fatalf("unexpected call delta %v", call)
	}
	in.Type = instrument.Put
	put := Delta(in, 0.2)
	if !almostEqual(put, call-1, 1e-9) {
		t.Fatalf("expected put-call delta parity, call %v put %v", call, put)
	}
}

func TestDeltaZeroForDegenerateInputs(t *testing.T) {
	if d := Delta(Inputs{Underlying: 100, Strike: 100, TTM: 0, Type: instrument.Call}, 0.5); d != 0 {
		t.Fatalf("expected zero delta at expiry, got %v", d)
	}
	if d := Delta(Inputs{Underlying: 100, Strike: 100, TTM: 1, Type: instrument.Call}, 0); d != 0 {
		t.Fatalf("expected zero delta with zero vol, got %v", d)
	}
}

func TestImpliedVolRoundTrip(t *testing.T) {
	in := Inputs{Underlying: 60000, Strike: 65000, TTM: 0.25, Type: instrument.Call}
	in.Price = Price(in, 0.65)
	vol, err := ImpliedVol(in)
	if err != nil {
		t.Fatalf("implied vol: %v", err)
	}
	if !almostEqual(vol, 0.65, 1e-4) {
		t.Fatalf("expected 0.65, got %v", vol)
	}
}

func TestImpliedVolRejectsArbitrage(t *testing.T) {
	in := Inputs{Underlying: 60000, Strike: 50000, TTM: 0.25, Price: 1, Type: instrument.Call}
	if _, err := ImpliedVol(in); !errors.Is(err, ErrNoSolution) {
		t.Fatalf("expected no solution below intrinsic, got %v", err)
	}
	in.TTM = 0
	in.Price = 12000
	if _, err := ImpliedVol(in); !errors.Is(err, ErrNoSolution) {
		t.Fatalf("expected no solution at expiry, got %v", err)
	}
}

func TestYearFraction(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	if got := YearFraction(now.Add(365*24*time.Hour), now); !almostEqual(got, 1, 1e-12) {
		t.Fatalf("expected 1 year, got %v", got)
	}
}
