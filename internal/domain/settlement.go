package domain

import (
	"strings"
	"time"
)

// PaymentProvider names a payment split processor.
type PaymentProvider string

const (
	// PaymentProviderStripe is the direct-charge-with-destination-transfer processor.
	PaymentProviderStripe PaymentProvider = "stripe"
	// PaymentProviderMercadoPago is the marketplace-fee-preference processor.
	PaymentProviderMercadoPago PaymentProvider = "mercadopago"
)

// VendorAccountStatus summarises onboarding progress for a linked account.
type VendorAccountStatus string

const (
	VendorAccountStatusPending    VendorAccountStatus = "pending"
	VendorAccountStatusRestricted VendorAccountStatus = "restricted"
	VendorAccountStatusActive     VendorAccountStatus = "active"
)

// VendorPaymentAccount links a store to an external processor account. Enablement flags are only
// changed by provider events.
type VendorPaymentAccount struct {
	StoreID           string
	Provider          PaymentProvider
	ExternalAccountID string
	ChargesEnabled    bool
	PayoutsEnabled    bool
	DetailsSubmitted  bool
	Country           string
	DefaultCurrency   string
	Status            VendorAccountStatus
	SealedCredentials string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AccountState is the provider-reported state carried by account events.
type AccountState struct {
	ExternalAccountID string
	ChargesEnabled    bool
	PayoutsEnabled    bool
	DetailsSubmitted  bool
	Country           string
	DefaultCurrency   string
	SealedCredentials string
}

// DeriveStatus maps enablement flags onto a summary status.
func (s AccountState) DeriveStatus() VendorAccountStatus {
	switch {
	case s.ChargesEnabled && s.PayoutsEnabled:
		return VendorAccountStatusActive
	case s.DetailsSubmitted:
		return VendorAccountStatusRestricted
	default:
		return VendorAccountStatusPending
	}
}

// SettlementKind classifies a normalised provider event.
type SettlementKind string

const (
	SettlementPaymentSucceeded     SettlementKind = "payment_succeeded"
	SettlementPaymentFailed        SettlementKind = "payment_failed"
	SettlementAccountUpdated       SettlementKind = "account_updated"
	SettlementRefunded             SettlementKind = "refunded"
	SettlementMerchantOrderUpdated SettlementKind = "merchant_order_updated"
)

// RequiresOrder reports whether events of this kind must be correlated to an order.
func (k SettlementKind) RequiresOrder() bool {
	return k != SettlementAccountUpdated
}

// SettlementEvent is the single normalised shape consumed by order persistence.
type SettlementEvent struct {
	ID               string
	Provider         PaymentProvider
	ProviderEventID  string
	Kind             SettlementKind
	OrderID          string
	StoreID          string
	Currency         string
	GrossMinor       int64
	PlatformFeeMinor int64
	NetMinor         int64
	RawStatus        string
	PaymentReference string
	Account          *AccountState
	OccurredAt       time.Time
}

// DedupeKey identifies the logical provider event for at-least-once delivery.
func (e SettlementEvent) DedupeKey() string {
	return string(e.Provider) + ":" + e.ProviderEventID
}

// OrderStatus is the payment lifecycle of a marketplace order.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusPaymentFailed  OrderStatus = "payment_failed"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// Order is the persisted effect of a checkout.
type Order struct {
	ID               string
	StoreID          string
	Status           OrderStatus
	Currency         string
	Items            []LineItem
	Shipping         *ShippingRate
	Totals           OrderTotals
	Provider         PaymentProvider
	PaymentReference string
	AppliedEvents    []string
	PaidAt           *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasApplied reports whether the settlement event key was already applied to the order.
func (o Order) HasApplied(key string) bool {
	for _, applied := range o.AppliedEvents {
		if applied == key {
			return true
		}
	}
	return false
}

// NextStatus returns the status an order moves to when a settlement event of the given kind and
// raw provider status arrives. The boolean is false when the event is stale or has no effect on an
// order in the current status. Repeats of an already reached status are never transitions.
func (o Order) NextStatus(kind SettlementKind, rawStatus string) (OrderStatus, bool) {
	switch kind {
	case SettlementPaymentSucceeded:
		if o.Status == OrderStatusPendingPayment || o.Status == OrderStatusPaymentFailed {
			return OrderStatusPaid, true
		}
	case SettlementMerchantOrderUpdated:
		switch strings.ToLower(strings.TrimSpace(rawStatus)) {
		case "paid", "closed":
			if o.Status == OrderStatusPendingPayment || o.Status == OrderStatusPaymentFailed {
				return OrderStatusPaid, true
			}
		}
	case SettlementPaymentFailed:
		if o.Status == OrderStatusPendingPayment {
			return OrderStatusPaymentFailed, true
		}
	case SettlementRefunded:
		if o.Status == OrderStatusPaid {
			return OrderStatusRefunded, true
		}
	}
	return o.Status, false
}

// ReconciliationItem records an authenticated event that could not be matched to an order.
type ReconciliationItem struct {
	ID              string
	Provider        PaymentProvider
	ProviderEventID string
	EventType       string
	Reason          string
	Payload         map[string]any
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// WebhookEventRecord logs every inbound provider notification and how it was handled.
type WebhookEventRecord struct {
	ID              string
	Provider        PaymentProvider
	ProviderEventID string
	EventType       string
	State           string
	SignatureValid  bool
	ProcessingError string
	ReceivedAt      time.Time
}
