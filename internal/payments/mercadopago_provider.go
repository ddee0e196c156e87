package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/platform/textutil"
)

const (
	defaultMercadoPagoAPI  = "https://api.mercadopago.com"
	defaultMercadoPagoAuth = "https://auth.mercadopago.com.mx"
	mercadoPagoUserAgent   = "americana-market-api/1.0"
)

// MercadoPagoConfig configures the MercadoPago marketplace provider.
type MercadoPagoConfig struct {
	AccessToken     string
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	NotificationURL string
	WebhookSecret   string
	APIBaseURL      string
	AuthBaseURL     string
	Timeout         time.Duration
	HTTPClient      *http.Client
	States          *StateSigner
	Sealer          Sealer
	Clock           func() time.Time
	Logger          Logger
}

// MercadoPagoProvider creates checkout preferences that carry a marketplace fee. Vendors link
// their accounts through OAuth and preferences are created with the vendor's own token.
type MercadoPagoProvider struct {
	client        *resty.Client
	accessToken   string
	clientID      string
	clientSecret  string
	redirectURL   string
	notifyURL     string
	webhookSecret string
	authBaseURL   string
	states        *StateSigner
	sealer        Sealer
	clock         func() time.Time
	logger        Logger
}

// NewMercadoPagoProvider constructs the provider.
func NewMercadoPagoProvider(cfg MercadoPagoConfig) (*MercadoPagoProvider, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("mercadopago: platform access token is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("mercadopago: oauth client credentials are required")
	}
	if cfg.States == nil {
		return nil, errors.New("mercadopago: state signer is required")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("mercadopago: credential sealer is required")
	}

	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if apiBase == "" {
		apiBase = defaultMercadoPagoAPI
	}
	authBase := strings.TrimRight(strings.TrimSpace(cfg.AuthBaseURL), "/")
	if authBase == "" {
		authBase = defaultMercadoPagoAuth
	}

	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(apiBase).
		SetHeader("User-Agent", mercadoPagoUserAgent).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &MercadoPagoProvider{
		client:        rc,
		accessToken:   strings.TrimSpace(cfg.AccessToken),
		clientID:      strings.TrimSpace(cfg.ClientID),
		clientSecret:  strings.TrimSpace(cfg.ClientSecret),
		redirectURL:   strings.TrimSpace(cfg.RedirectURL),
		notifyURL:     strings.TrimSpace(cfg.NotificationURL),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		authBaseURL:   authBase,
		states:        cfg.States,
		sealer:        cfg.Sealer,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// Name identifies the provider.
func (p *MercadoPagoProvider) Name() domain.PaymentProvider { return domain.PaymentProviderMercadoPago }

// LinkVendorAccount returns the OAuth authorization URL for the store.
func (p *MercadoPagoProvider) LinkVendorAccount(_ context.Context, req LinkAccountRequest) (AccountLink, error) {
	state, err := p.states.Sign(req.StoreID, domain.PaymentProviderMercadoPago)
	if err != nil {
		return AccountLink{}, err
	}
	query := url.Values{}
	query.Set("client_id", p.clientID)
	query.Set("response_type", "code")
	query.Set("platform_id", "mp")
	query.Set("state", state)
	query.Set("redirect_uri", p.redirectURL)
	return AccountLink{
		Provider:          domain.PaymentProviderMercadoPago,
		ExternalAccountID: strings.TrimSpace(req.ExistingAccountID),
		OnboardingURL:     p.authBaseURL + "/authorization?" + query.Encode(),
	}, nil
}

type mercadoPagoToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	PublicKey    string `json:"public_key"`
	UserID       int64  `json:"user_id"`
	LiveMode     bool   `json:"live_mode"`
	ExpiresIn    int64  `json:"expires_in"`
}

type mercadoPagoUser struct {
	ID      int64  `json:"id"`
	SiteID  string `json:"site_id"`
	Country string `json:"country_id"`
}

// CompleteAccountLink verifies the signed state, exchanges the authorization code and seals the
// vendor tokens.
func (p *MercadoPagoProvider) CompleteAccountLink(ctx context.Context, code, state string) (LinkCompletion, error) {
	storeID, err := p.states.Verify(state, domain.PaymentProviderMercadoPago)
	if err != nil {
		return LinkCompletion{}, err
	}
	if strings.TrimSpace(code) == "" {
		return LinkCompletion{}, fmt.Errorf("%w: authorization code is required", ErrInvalidRequest)
	}

	var token mercadoPagoToken
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"client_id":     p.clientID,
			"client_secret": p.clientSecret,
			"code":          code,
			"grant_type":    "authorization_code",
			"redirect_uri":  p.redirectURL,
		}).
		SetResult(&token).
		Post("/oauth/token")
	if err := mercadoPagoCheck("oauth token", resp, err); err != nil {
		return LinkCompletion{}, err
	}
	if token.AccessToken == "" || token.UserID == 0 {
		return LinkCompletion{}, errors.New("mercadopago: oauth response missing token")
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return LinkCompletion{}, fmt.Errorf("mercadopago: encode tokens: %w", err)
	}
	sealed, err := p.sealer.Seal(ctx, string(raw))
	if err != nil {
		return LinkCompletion{}, fmt.Errorf("mercadopago: seal tokens: %w", err)
	}

	userID := strconv.FormatInt(token.UserID, 10)
	account := domain.AccountState{
		ExternalAccountID: userID,
		ChargesEnabled:    true,
		PayoutsEnabled:    true,
		DetailsSubmitted:  true,
		SealedCredentials: sealed,
	}

	var user mercadoPagoUser
	userResp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(p.accessToken).
		SetResult(&user).
		Get("/users/" + userID)
	if checkErr := mercadoPagoCheck("user lookup", userResp, err); checkErr != nil {
		p.logger(ctx, "payments.mercadopago.user_lookup_failed", map[string]any{
			"storeId": storeID,
			"error":   checkErr.Error(),
		})
	} else {
		account.Country = user.Country
	}

	p.logger(ctx, "payments.mercadopago.account.linked", map[string]any{
		"storeId":  storeID,
		"userId":   userID,
		"liveMode": token.LiveMode,
	})
	return LinkCompletion{StoreID: storeID, Account: account}, nil
}

type mercadoPagoItem struct {
	ID         string      `json:"id,omitempty"`
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id"`
}

type mercadoPagoPayer struct {
	Email string `json:"email"`
}

type mercadoPagoPreferenceRequest struct {
	Items             []mercadoPagoItem `json:"items"`
	Payer             *mercadoPagoPayer `json:"payer,omitempty"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	ExternalReference string            `json:"external_reference"`
	MarketplaceFee    json.Number       `json:"marketplace_fee"`
	Metadata          map[string]string `json:"metadata"`
}

type mercadoPagoPreference struct {
	ID               string         `json:"id"`
	InitPoint        string         `json:"init_point"`
	SandboxInitPoint string         `json:"sandbox_init_point"`
	Metadata         map[string]any `json:"metadata"`
}

type mercadoPagoVendorCredentials struct {
	AccessToken string `json:"access_token"`
}

// CreateSplitPayment creates a checkout preference with the vendor's token and the platform
// commission as marketplace fee.
func (p *MercadoPagoProvider) CreateSplitPayment(ctx context.Context, req SplitPaymentRequest) (SplitPayment, error) {
	if err := req.Validate(); err != nil {
		return SplitPayment{}, err
	}
	if strings.TrimSpace(req.VendorCredentials) == "" {
		return SplitPayment{}, fmt.Errorf("%w: vendor account is not linked", ErrInvalidRequest)
	}
	opened, err := p.sealer.Open(ctx, req.VendorCredentials)
	if err != nil {
		return SplitPayment{}, fmt.Errorf("mercadopago: open vendor credentials: %w", err)
	}
	var creds mercadoPagoVendorCredentials
	if err := json.Unmarshal([]byte(opened), &creds); err != nil || creds.AccessToken == "" {
		return SplitPayment{}, fmt.Errorf("%w: vendor credentials unreadable", ErrInvalidRequest)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	items, err := preferenceItems(req, currency)
	if err != nil {
		return SplitPayment{}, err
	}
	body := mercadoPagoPreferenceRequest{
		Items:             items,
		NotificationURL:   p.notifyURL,
		ExternalReference: req.OrderID,
		MarketplaceFee:    json.Number(domain.MinorToMajor(req.Commission.FeeMinor, currency).String()),
		Metadata:          req.Metadata(),
	}
	if email := strings.TrimSpace(req.BuyerEmail); email != "" {
		body.Payer = &mercadoPagoPayer{Email: email}
	}
	if req.ReturnURLs.Success != "" {
		body.BackURLs = map[string]string{
			"success": req.ReturnURLs.Success,
			"failure": req.ReturnURLs.Failure,
			"pending": req.ReturnURLs.Pending,
		}
		body.AutoReturn = "approved"
	}

	var pref mercadoPagoPreference
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetHeader("X-Idempotency-Key", req.IdempotencyKey).
		SetBody(body).
		SetResult(&pref).
		Post("/checkout/preferences")
	if err := mercadoPagoCheck("create preference", resp, err); err != nil {
		return SplitPayment{}, err
	}

	p.logger(ctx, "payments.mercadopago.preference.created", map[string]any{
		"preferenceId": pref.ID,
		"orderId":      req.OrderID,
		"storeId":      req.StoreID,
		"feeMinor":     req.Commission.FeeMinor,
	})
	return SplitPayment{
		Provider:         domain.PaymentProviderMercadoPago,
		PaymentReference: pref.ID,
		Handoff:          Handoff{RedirectURL: pref.InitPoint},
		Status:           "pending",
	}, nil
}

func preferenceItems(req SplitPaymentRequest, currency string) ([]mercadoPagoItem, error) {
	items := make([]mercadoPagoItem, 0, len(req.Items)+1)
	var itemsTotal int64
	for _, item := range req.Items {
		if item.Quantity < 1 || item.UnitPriceMinor < 0 {
			return nil, fmt.Errorf("%w: invalid line item %q", ErrInvalidRequest, item.ID)
		}
		itemsTotal += item.TotalMinor()
		items = append(items, mercadoPagoItem{
			ID:         item.ID,
			Title:      textutil.PlainText(item.Name, 256),
			Quantity:   item.Quantity,
			UnitPrice:  json.Number(domain.MinorToMajor(item.UnitPriceMinor, currency).String()),
			CurrencyID: currency,
		})
	}
	switch {
	case itemsTotal > req.GrossMinor:
		return nil, fmt.Errorf("%w: items exceed gross amount", ErrInvalidRequest)
	case len(items) == 0:
		items = append(items, mercadoPagoItem{
			Title:      "Orden " + req.OrderID,
			Quantity:   1,
			UnitPrice:  json.Number(domain.MinorToMajor(req.GrossMinor, currency).String()),
			CurrencyID: currency,
		})
	case itemsTotal < req.GrossMinor:
		items = append(items, mercadoPagoItem{
			ID:         "shipping",
			Title:      "Envío",
			Quantity:   1,
			UnitPrice:  json.Number(domain.MinorToMajor(req.GrossMinor-itemsTotal, currency).String()),
			CurrencyID: currency,
		})
	}
	return items, nil
}

// flexibleID accepts identifiers sent either as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*f = flexibleID(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*f = flexibleID(number.String())
	return nil
}

type mercadoPagoNotification struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
	Resource string `json:"resource"`
}

type mercadoPagoPayment struct {
	ID                        int64            `json:"id"`
	Status                    string           `json:"status"`
	StatusDetail              string           `json:"status_detail"`
	TransactionAmount         decimal.Decimal  `json:"transaction_amount"`
	TransactionAmountRefunded decimal.Decimal  `json:"transaction_amount_refunded"`
	CurrencyID                string           `json:"currency_id"`
	ExternalReference         string           `json:"external_reference"`
	Metadata                  map[string]any   `json:"metadata"`
	MarketplaceFee            *decimal.Decimal `json:"marketplace_fee"`
	FeeDetails                []mercadoPagoFee `json:"fee_details"`
	DateLastUpdated           string           `json:"date_last_updated"`
}

type mercadoPagoFee struct {
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
}

type mercadoPagoMerchantOrder struct {
	ID                int64           `json:"id"`
	Status            string          `json:"status"`
	OrderStatus       string          `json:"order_status"`
	ExternalReference string          `json:"external_reference"`
	PreferenceID      string          `json:"preference_id"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	PaidAmount        decimal.Decimal `json:"paid_amount"`
	LastUpdated       string          `json:"last_updated"`
}

// HandleProviderEvent treats the notification as a pointer. The referenced resource is fetched
// with the platform token and only that response is trusted.
func (p *MercadoPagoProvider) HandleProviderEvent(ctx context.Context, n Notification) (ProviderEvent, error) {
	topic, resourceID := notificationTarget(n)
	if resourceID == "" {
		return ProviderEvent{}, fmt.Errorf("%w: notification has no resource id", ErrEventUnauthenticated)
	}
	if p.webhookSecret != "" {
		if err := p.verifySignature(n, resourceID); err != nil {
			return ProviderEvent{}, err
		}
	}

	switch topic {
	case "payment":
		return p.paymentEvent(ctx, resourceID)
	case "merchant_order":
		return p.merchantOrderEvent(ctx, resourceID)
	default:
		return ProviderEvent{
			Provider:   domain.PaymentProviderMercadoPago,
			ID:         topic + ":" + resourceID,
			Type:       topic,
			Kind:       KindUnrecognized,
			OccurredAt: p.clock(),
		}, nil
	}
}

func notificationTarget(n Notification) (string, string) {
	topic := strings.TrimSpace(n.Query.Get("topic"))
	if topic == "" {
		topic = strings.TrimSpace(n.Query.Get("type"))
	}
	resourceID := strings.TrimSpace(n.Query.Get("id"))
	if resourceID == "" {
		resourceID = strings.TrimSpace(n.Query.Get("data.id"))
	}

	if len(n.Payload) > 0 {
		var body mercadoPagoNotification
		if err := json.Unmarshal(n.Payload, &body); err == nil {
			if topic == "" {
				topic = firstNonEmpty(body.Type, body.Topic)
			}
			if resourceID == "" {
				resourceID = strings.TrimSpace(string(body.Data.ID))
			}
			if resourceID == "" && body.Resource != "" {
				// legacy IPN bodies carry a resource URL
				parts := strings.Split(strings.TrimRight(body.Resource, "/"), "/")
				resourceID = parts[len(parts)-1]
			}
		}
	}
	return strings.ToLower(topic), resourceID
}

// verifySignature checks the x-signature manifest: id:<data.id>;request-id:<x-request-id>;ts:<ts>;
func (p *MercadoPagoProvider) verifySignature(n Notification, resourceID string) error {
	header := n.Headers.Get("X-Signature")
	if header == "" {
		return fmt.Errorf("%w: missing x-signature", ErrEventUnauthenticated)
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return fmt.Errorf("%w: malformed x-signature", ErrEventUnauthenticated)
	}
	expected := SignMercadoPagoManifest(p.webhookSecret, resourceID, n.Headers.Get("X-Request-Id"), ts)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(v1))) {
		return fmt.Errorf("%w: signature mismatch", ErrEventUnauthenticated)
	}
	return nil
}

// SignMercadoPagoManifest returns the hex HMAC-SHA256 of the notification manifest.
func SignMercadoPagoManifest(secret, resourceID, requestID, ts string) string {
	var manifest strings.Builder
	manifest.WriteString("id:" + strings.ToLower(resourceID) + ";")
	if requestID != "" {
		manifest.WriteString("request-id:" + requestID + ";")
	}
	manifest.WriteString("ts:" + ts + ";")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *MercadoPagoProvider) paymentEvent(ctx context.Context, paymentID string) (ProviderEvent, error) {
	var payment mercadoPagoPayment
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(p.accessToken).
		SetResult(&payment).
		Get("/v1/payments/" + url.PathEscape(paymentID))
	if err := p.lookupError("payment", resp, err); err != nil {
		return ProviderEvent{}, err
	}

	currency := strings.ToUpper(payment.CurrencyID)
	event := ProviderEvent{
		Provider:         domain.PaymentProviderMercadoPago,
		ID:               "payment:" + strconv.FormatInt(payment.ID, 10) + ":" + payment.Status,
		Type:             "payment." + payment.Status,
		StoreID:          metadataString(payment.Metadata, MetadataStoreID, legacyMetadataStoreID),
		OrderID:          firstNonEmpty(metadataString(payment.Metadata, MetadataOrderID, legacyMetadataOrderID), payment.ExternalReference),
		Currency:         currency,
		GrossMinor:       domain.MajorToMinor(payment.TransactionAmount, currency),
		RawStatus:        payment.Status,
		PaymentReference: strconv.FormatInt(payment.ID, 10),
		OccurredAt:       parseMercadoPagoTime(payment.DateLastUpdated, p.clock),
	}
	if fee, ok := payment.reportedFee(); ok {
		minor := domain.MajorToMinor(fee, currency)
		event.ReportedFeeMinor = &minor
	}

	switch payment.Status {
	case "approved":
		event.Kind = domain.SettlementPaymentSucceeded
	case "rejected", "cancelled":
		event.Kind = domain.SettlementPaymentFailed
	case "refunded", "charged_back":
		event.Kind = domain.SettlementRefunded
		if payment.TransactionAmountRefunded.IsPositive() {
			event.GrossMinor = domain.MajorToMinor(payment.TransactionAmountRefunded, currency)
		}
	default:
		// pending, in_process and authorized carry no settlement effect yet
		event.Kind = KindUnrecognized
	}
	return event, nil
}

func (p *MercadoPagoProvider) merchantOrderEvent(ctx context.Context, orderID string) (ProviderEvent, error) {
	var order mercadoPagoMerchantOrder
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(p.accessToken).
		SetResult(&order).
		Get("/merchant_orders/" + url.PathEscape(orderID))
	if err := p.lookupError("merchant order", resp, err); err != nil {
		return ProviderEvent{}, err
	}

	status := firstNonEmpty(order.OrderStatus, order.Status)
	event := ProviderEvent{
		Provider:         domain.PaymentProviderMercadoPago,
		ID:               "merchant_order:" + strconv.FormatInt(order.ID, 10) + ":" + status,
		Type:             "merchant_order." + status,
		Kind:             domain.SettlementMerchantOrderUpdated,
		OrderID:          order.ExternalReference,
		RawStatus:        status,
		PaymentReference: order.PreferenceID,
		OccurredAt:       parseMercadoPagoTime(order.LastUpdated, p.clock),
	}

	if order.PreferenceID != "" {
		var pref mercadoPagoPreference
		prefResp, err := p.client.R().
			SetContext(ctx).
			SetAuthToken(p.accessToken).
			SetResult(&pref).
			Get("/checkout/preferences/" + url.PathEscape(order.PreferenceID))
		if checkErr := mercadoPagoCheck("preference lookup", prefResp, err); checkErr == nil {
			event.StoreID = metadataString(pref.Metadata, MetadataStoreID, legacyMetadataStoreID)
			if event.OrderID == "" {
				event.OrderID = metadataString(pref.Metadata, MetadataOrderID, legacyMetadataOrderID)
			}
		} else {
			p.logger(ctx, "payments.mercadopago.preference_lookup_failed", map[string]any{
				"merchantOrder": order.ID,
				"error":         checkErr.Error(),
			})
		}
	}
	return event, nil
}

// lookupError maps a failed follow-up fetch. Client errors mean the notification points at a
// resource this platform cannot see, so it is treated as unauthenticated.
func (p *MercadoPagoProvider) lookupError(resource string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("mercadopago: fetch %s: %w", resource, err)
	}
	status := resp.StatusCode()
	switch {
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return fmt.Errorf("mercadopago: fetch %s returned %d", resource, status)
	case status >= http.StatusBadRequest:
		return fmt.Errorf("%w: %s lookup returned %d", ErrEventUnauthenticated, resource, status)
	}
	return nil
}

func (pay mercadoPagoPayment) reportedFee() (decimal.Decimal, bool) {
	if pay.MarketplaceFee != nil {
		return *pay.MarketplaceFee, true
	}
	for _, fee := range pay.FeeDetails {
		if fee.Type == "application_fee" {
			return fee.Amount, true
		}
	}
	return decimal.Zero, false
}

func mercadoPagoCheck(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("mercadopago: %s: %w", op, err)
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 256 {
			body = body[:256]
		}
		return fmt.Errorf("mercadopago: %s returned %d: %s", op, resp.StatusCode(), body)
	}
	return nil
}

func metadataString(meta map[string]any, key, legacy string) string {
	for _, k := range []string{key, legacy} {
		switch v := meta[k].(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func parseMercadoPagoTime(value string, fallback func() time.Time) time.Time {
	if value == "" {
		return fallback()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-07:00"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return fallback()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
