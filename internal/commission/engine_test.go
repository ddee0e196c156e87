package commission

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func TestEngineSplitScenarios(t *testing.T) {
	cases := []struct {
		name  string
		rate  string
		gross int64
		fee   int64
		net   int64
	}{
		{name: "ten percent of 1000", rate: "0.10", gross: 1000, fee: 100, net: 900},
		{name: "floors fractional cents", rate: "0.10", gross: 999, fee: 99, net: 900},
		{name: "zero gross", rate: "0.15", gross: 0, fee: 0, net: 0},
		{name: "zero rate", rate: "0", gross: 4550, fee: 0, net: 4550},
		{name: "full rate", rate: "1", gross: 4550, fee: 4550, net: 0},
		{name: "awkward binary fraction", rate: "0.07", gross: 100, fee: 7, net: 93},
		{name: "large amount", rate: "0.125", gross: 9_999_999_999, fee: 1_249_999_999, net: 8_750_000_000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := MustParse(tc.rate)
			got, err := engine.Split(tc.gross)
			if err != nil {
				t.Fatalf("Split returned error: %v", err)
			}
			if got.FeeMinor != tc.fee || got.NetMinor != tc.net {
				t.Fatalf("expected fee=%d net=%d, got fee=%d net=%d", tc.fee, tc.net, got.FeeMinor, got.NetMinor)
			}
			if got.GrossMinor != tc.gross {
				t.Fatalf("expected gross %d, got %d", tc.gross, got.GrossMinor)
			}
		})
	}
}

func TestEngineSplitMatchesExactFloor(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		// rates with up to four decimal places across [0, 1]
		rateNum := rng.Int63n(10001)
		rate := decimal.New(rateNum, -4)
		gross := rng.Int63n(50_000_000)

		engine, err := New(rate)
		if err != nil {
			t.Fatalf("New(%s) returned error: %v", rate, err)
		}

		first, err := engine.Split(gross)
		if err != nil {
			t.Fatalf("Split returned error: %v", err)
		}
		second, _ := engine.Split(gross)
		if first.FeeMinor != second.FeeMinor || first.NetMinor != second.NetMinor {
			t.Fatalf("repeated split drifted: %+v vs %+v", first, second)
		}

		product := new(big.Rat).Mul(new(big.Rat).SetInt64(gross), big.NewRat(rateNum, 10000))
		expected := new(big.Int).Quo(product.Num(), product.Denom())
		if first.FeeMinor != expected.Int64() {
			t.Fatalf("gross=%d rate=%s: expected fee %d, got %d", gross, rate, expected.Int64(), first.FeeMinor)
		}
		if first.FeeMinor+first.NetMinor != gross {
			t.Fatalf("fee + net must equal gross: %d + %d != %d", first.FeeMinor, first.NetMinor, gross)
		}
	}
}

func TestEngineRejectsInvalidInput(t *testing.T) {
	if _, err := Parse("1.5"); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for rate above 1, got %v", err)
	}
	if _, err := Parse("-0.1"); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for negative rate, got %v", err)
	}
	if _, err := Parse("ten percent"); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for garbage, got %v", err)
	}
	if _, err := MustParse("0.1").Split(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestParseDefaultsRate(t *testing.T) {
	engine, err := Parse("  ")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !engine.Rate().Equal(decimal.RequireFromString(DefaultRate)) {
		t.Fatalf("expected default rate %s, got %s", DefaultRate, engine.Rate())
	}
}

func TestEngineVerify(t *testing.T) {
	engine := MustParse("0.10")
	breakdown, _ := engine.Split(1000)
	if err := engine.Verify(breakdown, 100); err != nil {
		t.Fatalf("expected matching fee to verify, got %v", err)
	}
	if err := engine.Verify(breakdown, 130); !errors.Is(err, ErrFeeMismatch) {
		t.Fatalf("expected ErrFeeMismatch, got %v", err)
	}
}
