package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/americana-market/api/internal/domain"
)

const stripeSignatureHeader = "Stripe-Signature"

type stripeAccountAPI interface {
	New(params *stripe.AccountParams) (*stripe.Account, error)
	GetByID(id string, params *stripe.AccountParams) (*stripe.Account, error)
}

type stripeAccountLinkAPI interface {
	New(params *stripe.AccountLinkParams) (*stripe.AccountLink, error)
}

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	accounts     stripeAccountAPI
	accountLinks stripeAccountLinkAPI
	intents      stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey         string
	WebhookSecret  string
	ConnectReturn  string
	ConnectRefresh string
	DefaultCountry string
	Backends       *stripe.Backends
	Logger         Logger
	Clock          func() time.Time
	Clients        *stripeClients
}

// StripeProvider implements direct charges with a destination transfer through Stripe Connect.
type StripeProvider struct {
	api            stripeClients
	webhookSecret  string
	returnURL      string
	refreshURL     string
	defaultCountry string
	clock          func() time.Time
	logger         Logger
}

// NewStripeProvider constructs a Stripe Connect provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			accounts:     sc.Accounts,
			accountLinks: sc.AccountLinks,
			intents:      sc.PaymentIntents,
		}
	}
	if clients.accounts == nil || clients.accountLinks == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	country := strings.ToUpper(strings.TrimSpace(cfg.DefaultCountry))
	if country == "" {
		country = "MX"
	}

	return &StripeProvider{
		api:            clients,
		webhookSecret:  strings.TrimSpace(cfg.WebhookSecret),
		returnURL:      strings.TrimSpace(cfg.ConnectReturn),
		refreshURL:     strings.TrimSpace(cfg.ConnectRefresh),
		defaultCountry: country,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name identifies the provider.
func (p *StripeProvider) Name() domain.PaymentProvider { return domain.PaymentProviderStripe }

// LinkVendorAccount creates a standard connected account when the store has none yet and
// returns a fresh onboarding link.
func (p *StripeProvider) LinkVendorAccount(ctx context.Context, req LinkAccountRequest) (AccountLink, error) {
	if p == nil {
		return AccountLink{}, errors.New("stripe: provider is nil")
	}
	accountID := strings.TrimSpace(req.ExistingAccountID)
	if accountID == "" {
		country := strings.ToUpper(strings.TrimSpace(req.Country))
		if country == "" {
			country = p.defaultCountry
		}
		params := &stripe.AccountParams{
			Type:    stripe.String(string(stripe.AccountTypeStandard)),
			Country: stripe.String(country),
		}
		params.Context = ctx
		params.SetIdempotencyKey("connect-account:" + req.StoreID)
		if email := strings.TrimSpace(req.Email); email != "" {
			params.Email = stripe.String(email)
		}
		params.AddMetadata(MetadataStoreID, req.StoreID)
		account, err := p.api.accounts.New(params)
		if err != nil {
			return AccountLink{}, fmt.Errorf("stripe: create connected account: %w", err)
		}
		accountID = account.ID
		p.logger(ctx, "payments.stripe.account.created", map[string]any{
			"storeId":   req.StoreID,
			"accountId": accountID,
		})
	}

	linkParams := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(p.refreshURL),
		ReturnURL:  stripe.String(p.returnURL),
		Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
	}
	linkParams.Context = ctx
	link, err := p.api.accountLinks.New(linkParams)
	if err != nil {
		return AccountLink{}, fmt.Errorf("stripe: create account link: %w", err)
	}

	out := AccountLink{
		Provider:          domain.PaymentProviderStripe,
		ExternalAccountID: accountID,
		OnboardingURL:     link.URL,
	}
	if link.ExpiresAt != 0 {
		expires := time.Unix(link.ExpiresAt, 0).UTC()
		out.ExpiresAt = &expires
	}
	return out, nil
}

// CreateSplitPayment creates a PaymentIntent that transfers the net to the vendor and keeps the
// platform fee as the application fee.
func (p *StripeProvider) CreateSplitPayment(ctx context.Context, req SplitPaymentRequest) (SplitPayment, error) {
	if p == nil {
		return SplitPayment{}, errors.New("stripe: provider is nil")
	}
	if err := req.Validate(); err != nil {
		return SplitPayment{}, err
	}
	if strings.TrimSpace(req.VendorAccountID) == "" {
		return SplitPayment{}, fmt.Errorf("%w: connected account is required", ErrInvalidRequest)
	}

	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(req.GrossMinor),
		Currency:             stripe.String(strings.ToLower(req.Currency)),
		ApplicationFeeAmount: stripe.Int64(req.Commission.FeeMinor),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.VendorAccountID),
		},
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		TransferGroup: stripe.String(req.OrderID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata() {
		params.AddMetadata(k, v)
	}
	if email := strings.TrimSpace(req.BuyerEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return SplitPayment{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"storeId":       req.StoreID,
		"feeMinor":      req.Commission.FeeMinor,
	})

	return SplitPayment{
		Provider:         domain.PaymentProviderStripe,
		PaymentReference: intent.ID,
		Handoff:          Handoff{ClientSecret: intent.ClientSecret},
		Status:           string(intent.Status),
	}, nil
}

// HandleProviderEvent verifies the Stripe signature and classifies the event.
func (p *StripeProvider) HandleProviderEvent(ctx context.Context, n Notification) (ProviderEvent, error) {
	if p == nil {
		return ProviderEvent{}, errors.New("stripe: provider is nil")
	}
	signature := n.Headers.Get(stripeSignatureHeader)
	if signature == "" {
		return ProviderEvent{}, fmt.Errorf("%w: missing %s header", ErrEventUnauthenticated, stripeSignatureHeader)
	}
	event, err := webhook.ConstructEventWithOptions(n.Payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return ProviderEvent{}, fmt.Errorf("%w: %v", ErrEventUnauthenticated, err)
	}

	out := ProviderEvent{
		Provider: domain.PaymentProviderStripe,
		ID:       event.ID,
		Type:     string(event.Type),
		Kind:     KindUnrecognized,
	}
	if event.Created != 0 {
		out.OccurredAt = time.Unix(event.Created, 0).UTC()
	} else {
		out.OccurredAt = p.clock()
	}
	if event.Data == nil {
		return out, nil
	}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return ProviderEvent{}, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		out.Kind = domain.SettlementPaymentSucceeded
		if string(event.Type) == "payment_intent.payment_failed" {
			out.Kind = domain.SettlementPaymentFailed
		}
		out.StoreID = metadataValue(intent.Metadata, MetadataStoreID, legacyMetadataStoreID)
		out.OrderID = metadataValue(intent.Metadata, MetadataOrderID, legacyMetadataOrderID)
		out.Currency = strings.ToUpper(string(intent.Currency))
		out.GrossMinor = intent.Amount
		out.RawStatus = string(intent.Status)
		out.PaymentReference = intent.ID
		if intent.ApplicationFeeAmount > 0 {
			fee := intent.ApplicationFeeAmount
			out.ReportedFeeMinor = &fee
		}
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return ProviderEvent{}, fmt.Errorf("stripe: decode charge: %w", err)
		}
		meta := charge.Metadata
		if len(meta) == 0 && charge.PaymentIntent != nil {
			meta = charge.PaymentIntent.Metadata
		}
		out.Kind = domain.SettlementRefunded
		out.StoreID = metadataValue(meta, MetadataStoreID, legacyMetadataStoreID)
		out.OrderID = metadataValue(meta, MetadataOrderID, legacyMetadataOrderID)
		out.Currency = strings.ToUpper(string(charge.Currency))
		out.GrossMinor = charge.AmountRefunded
		out.RawStatus = string(charge.Status)
		out.PaymentReference = charge.ID
		if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
			out.PaymentReference = charge.PaymentIntent.ID
		}
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return ProviderEvent{}, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// unpaid completions settle later through payment_intent events
			out.RawStatus = string(session.PaymentStatus)
			return out, nil
		}
		out.Kind = domain.SettlementPaymentSucceeded
		out.StoreID = metadataValue(session.Metadata, MetadataStoreID, legacyMetadataStoreID)
		out.OrderID = metadataValue(session.Metadata, MetadataOrderID, legacyMetadataOrderID)
		out.Currency = strings.ToUpper(string(session.Currency))
		out.GrossMinor = session.AmountTotal
		out.RawStatus = string(session.PaymentStatus)
		out.PaymentReference = session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			out.PaymentReference = session.PaymentIntent.ID
		}
	case "account.updated":
		var account stripe.Account
		if err := json.Unmarshal(event.Data.Raw, &account); err != nil {
			return ProviderEvent{}, fmt.Errorf("stripe: decode account: %w", err)
		}
		out.Kind = domain.SettlementAccountUpdated
		out.StoreID = metadataValue(account.Metadata, MetadataStoreID, legacyMetadataStoreID)
		state := stripeAccountState(&account)
		out.Account = &state
		out.RawStatus = string(state.DeriveStatus())
	default:
		p.logger(ctx, "payments.stripe.event.unhandled", map[string]any{
			"eventId":   event.ID,
			"eventType": string(event.Type),
		})
	}
	return out, nil
}

// AccountStatus reads the connected account state for the poll path.
func (p *StripeProvider) AccountStatus(ctx context.Context, externalAccountID string) (domain.AccountState, error) {
	if p == nil {
		return domain.AccountState{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(externalAccountID) == "" {
		return domain.AccountState{}, fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	params := &stripe.AccountParams{}
	params.Context = ctx
	account, err := p.api.accounts.GetByID(externalAccountID, params)
	if err != nil {
		return domain.AccountState{}, fmt.Errorf("stripe: retrieve account: %w", err)
	}
	return stripeAccountState(account), nil
}

func stripeAccountState(account *stripe.Account) domain.AccountState {
	if account == nil {
		return domain.AccountState{}
	}
	return domain.AccountState{
		ExternalAccountID: account.ID,
		ChargesEnabled:    account.ChargesEnabled,
		PayoutsEnabled:    account.PayoutsEnabled,
		DetailsSubmitted:  account.DetailsSubmitted,
		Country:           account.Country,
		DefaultCurrency:   strings.ToUpper(string(account.DefaultCurrency)),
	}
}
