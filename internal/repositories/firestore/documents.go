package firestore

import (
	"strings"
	"time"

	"github.com/americana-market/api/internal/domain"
)

type addressDocument struct {
	Lines       []string `firestore:"lines,omitempty"`
	City        string   `firestore:"city,omitempty"`
	State       string   `firestore:"state,omitempty"`
	PostalCode  string   `firestore:"postalCode,omitempty"`
	CountryCode string   `firestore:"countryCode,omitempty"`
	Latitude    *float64 `firestore:"lat,omitempty"`
	Longitude   *float64 `firestore:"lng,omitempty"`
	ContactName string   `firestore:"contactName,omitempty"`
	Phone       string   `firestore:"phone,omitempty"`
}

func newAddressDocument(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	return &addressDocument{
		Lines:       append([]string(nil), addr.Lines...),
		City:        strings.TrimSpace(addr.City),
		State:       strings.TrimSpace(addr.State),
		PostalCode:  strings.TrimSpace(addr.PostalCode),
		CountryCode: strings.ToUpper(strings.TrimSpace(addr.CountryCode)),
		Latitude:    addr.Latitude,
		Longitude:   addr.Longitude,
		ContactName: strings.TrimSpace(addr.ContactName),
		Phone:       strings.TrimSpace(addr.Phone),
	}
}

func (d *addressDocument) toDomain() *domain.Address {
	if d == nil {
		return nil
	}
	return &domain.Address{
		Lines:       append([]string(nil), d.Lines...),
		City:        d.City,
		State:       d.State,
		PostalCode:  d.PostalCode,
		CountryCode: d.CountryCode,
		Latitude:    d.Latitude,
		Longitude:   d.Longitude,
		ContactName: d.ContactName,
		Phone:       d.Phone,
	}
}

type lineItemDocument struct {
	ID             string   `firestore:"id,omitempty"`
	ProductID      string   `firestore:"productId,omitempty"`
	Name           string   `firestore:"name"`
	WeightGrams    *int     `firestore:"weightGrams,omitempty"`
	LengthCm       *float64 `firestore:"lengthCm,omitempty"`
	WidthCm        *float64 `firestore:"widthCm,omitempty"`
	HeightCm       *float64 `firestore:"heightCm,omitempty"`
	Quantity       int      `firestore:"quantity"`
	UnitPriceMinor int64    `firestore:"unitPriceMinor"`
}

func newLineItemDocuments(items []domain.LineItem) []lineItemDocument {
	if len(items) == 0 {
		return nil
	}
	out := make([]lineItemDocument, 0, len(items))
	for _, item := range items {
		doc := lineItemDocument{
			ID:             item.ID,
			ProductID:      item.ProductID,
			Name:           item.Name,
			WeightGrams:    item.WeightGrams,
			Quantity:       item.Quantity,
			UnitPriceMinor: item.UnitPriceMinor,
		}
		if item.Dimensions != nil {
			l, w, h := item.Dimensions.LengthCm, item.Dimensions.WidthCm, item.Dimensions.HeightCm
			doc.LengthCm, doc.WidthCm, doc.HeightCm = &l, &w, &h
		}
		out = append(out, doc)
	}
	return out
}

func lineItemsToDomain(docs []lineItemDocument) []domain.LineItem {
	if len(docs) == 0 {
		return nil
	}
	out := make([]domain.LineItem, 0, len(docs))
	for _, doc := range docs {
		item := domain.LineItem{
			ID:             doc.ID,
			ProductID:      doc.ProductID,
			Name:           doc.Name,
			WeightGrams:    doc.WeightGrams,
			Quantity:       doc.Quantity,
			UnitPriceMinor: doc.UnitPriceMinor,
		}
		if doc.LengthCm != nil || doc.WidthCm != nil || doc.HeightCm != nil {
			item.Dimensions = &domain.Dimensions{
				LengthCm: derefFloat(doc.LengthCm),
				WidthCm:  derefFloat(doc.WidthCm),
				HeightCm: derefFloat(doc.HeightCm),
			}
		}
		out = append(out, item)
	}
	return out
}

type shippingRateDocument struct {
	ProviderID         string `firestore:"providerId"`
	Class              string `firestore:"class,omitempty"`
	ServiceCode        string `firestore:"serviceCode"`
	ServiceName        string `firestore:"serviceName,omitempty"`
	Carrier            string `firestore:"carrier,omitempty"`
	PriceMinor         int64  `firestore:"priceMinor"`
	OriginalPriceMinor int64  `firestore:"originalPriceMinor,omitempty"`
	Currency           string `firestore:"currency"`
	EstimatedDays      *int   `firestore:"estimatedDays,omitempty"`
	ETA                string `firestore:"eta,omitempty"`
}

func newShippingRateDocument(rate *domain.ShippingRate) *shippingRateDocument {
	if rate == nil {
		return nil
	}
	return &shippingRateDocument{
		ProviderID:         rate.ProviderID,
		Class:              string(rate.Class),
		ServiceCode:        rate.ServiceCode,
		ServiceName:        rate.ServiceName,
		Carrier:            rate.Carrier,
		PriceMinor:         rate.PriceMinor,
		OriginalPriceMinor: rate.OriginalPriceMinor,
		Currency:           rate.Currency,
		EstimatedDays:      rate.EstimatedDays,
		ETA:                rate.ETA,
	}
}

func (d *shippingRateDocument) toDomain() *domain.ShippingRate {
	if d == nil {
		return nil
	}
	return &domain.ShippingRate{
		ProviderID:         d.ProviderID,
		Class:              domain.DeliveryClass(d.Class),
		ServiceCode:        d.ServiceCode,
		ServiceName:        d.ServiceName,
		Carrier:            d.Carrier,
		PriceMinor:         d.PriceMinor,
		OriginalPriceMinor: d.OriginalPriceMinor,
		Currency:           d.Currency,
		EstimatedDays:      d.EstimatedDays,
		ETA:                d.ETA,
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func normalizeTimePtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func utcOr(t time.Time, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback.UTC()
	}
	return t.UTC()
}
