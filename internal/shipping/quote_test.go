package shipping

import (
	"errors"
	"testing"

	"github.com/americana-market/api/internal/domain"
)

func TestQuoteStates(t *testing.T) {
	var zero Quote
	if zero.State() != QuoteLoading {
		t.Fatalf("expected zero quote to be loading, got %s", zero.State())
	}
	if NewQuote().State() != QuoteLoading {
		t.Fatalf("expected new quote to be loading")
	}

	empty := NewQuote()
	empty.Resolve(nil, nil)
	if empty.State() != QuoteEmpty || empty.ShippingTotal() != 0 {
		t.Fatalf("expected empty quote, got %s", empty.State())
	}

	failed := NewQuote()
	failed.Resolve(nil, []ClassFailure{{Class: domain.DeliveryClassNational, ProviderID: AggregatorProviderID, Err: ErrProviderUnavailable}})
	if failed.State() != QuoteFailed || !errors.Is(failed.Err(), ErrProviderUnavailable) {
		t.Fatalf("expected failed quote, got %s (%v)", failed.State(), failed.Err())
	}

	partial := NewQuote()
	partial.Resolve(
		[]domain.ShippingRate{{ProviderID: ManualProviderID, ServiceCode: "local-direct", PriceMinor: 4550}},
		[]ClassFailure{{Class: domain.DeliveryClassNational, ProviderID: AggregatorProviderID, Err: ErrProviderUnavailable}},
	)
	if partial.State() != QuoteResolved || len(partial.Failures()) != 1 {
		t.Fatalf("expected resolved quote with one failure, got %s", partial.State())
	}
}

func TestQuoteSelectionDoesNotAccumulate(t *testing.T) {
	quote := NewQuote()
	quote.Resolve([]domain.ShippingRate{
		{ProviderID: ManualProviderID, ServiceCode: "local-direct", PriceMinor: 4550},
		{ProviderID: AggregatorProviderID, ServiceCode: "estafeta_terrestre", PriceMinor: 18990},
		{ProviderID: AggregatorProviderID, ServiceCode: "dhl_express", PriceMinor: 34950},
	}, nil)

	if quote.SelectedIndex() != 0 || quote.ShippingTotal() != 4550 {
		t.Fatalf("expected first rate preselected, got index %d", quote.SelectedIndex())
	}

	sequence := []int{2, 1, 2, 0, 1}
	for _, index := range sequence {
		if err := quote.Select(index); err != nil {
			t.Fatalf("Select(%d): %v", index, err)
		}
		want := quote.Rates()[index].PriceMinor
		if got := quote.ShippingTotal(); got != want {
			t.Fatalf("after selecting %d expected shipping %d, got %d", index, want, got)
		}
		if got := quote.ApplyTo(10000); got != 10000+want {
			t.Fatalf("expected total %d, got %d", 10000+want, got)
		}
	}

	if err := quote.SelectService(AggregatorProviderID, "dhl_express"); err != nil {
		t.Fatalf("SelectService: %v", err)
	}
	if quote.ShippingTotal() != 34950 {
		t.Fatalf("expected dhl price, got %d", quote.ShippingTotal())
	}
	if err := quote.SelectService("nope", "x"); !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound, got %v", err)
	}
	if err := quote.Select(7); !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound for out of range index, got %v", err)
	}
	if quote.ShippingTotal() != 34950 {
		t.Fatalf("failed selection must keep the previous rate")
	}
}

func TestQuoteRatesReturnsCopy(t *testing.T) {
	quote := NewQuote()
	quote.Resolve([]domain.ShippingRate{{ProviderID: ManualProviderID, PriceMinor: 100}}, nil)
	rates := quote.Rates()
	rates[0].PriceMinor = 999
	if quote.ShippingTotal() != 100 {
		t.Fatalf("expected quote to be isolated from caller mutation")
	}
}
