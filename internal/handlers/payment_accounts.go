package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/platform/auth"
	"github.com/americana-market/api/internal/platform/httpx"
	"github.com/americana-market/api/internal/platform/requestctx"
	"github.com/americana-market/api/internal/services"
)

const maxAccountLinkBody = 4 * 1024

// PaymentAccountHandlers lets vendors link and inspect their payout accounts.
type PaymentAccountHandlers struct {
	authn       *auth.Authenticator
	accounts    services.VendorAccountService
	redirectURL string
}

// PaymentAccountOption customises PaymentAccountHandlers.
type PaymentAccountOption func(*PaymentAccountHandlers)

// WithAccountLinkRedirect sends vendors back to the dashboard after an OAuth callback instead of
// answering with JSON. The outcome is appended as query parameters.
func WithAccountLinkRedirect(rawURL string) PaymentAccountOption {
	return func(h *PaymentAccountHandlers) {
		h.redirectURL = strings.TrimSpace(rawURL)
	}
}

// NewPaymentAccountHandlers constructs vendor account handlers.
func NewPaymentAccountHandlers(authn *auth.Authenticator, accounts services.VendorAccountService, opts ...PaymentAccountOption) *PaymentAccountHandlers {
	h := &PaymentAccountHandlers{authn: authn, accounts: accounts}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// StoreRoutes registers the vendor endpoints under /stores/{storeID}.
func (h *PaymentAccountHandlers) StoreRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(vendor chi.Router) {
		if h.authn != nil {
			vendor.Use(h.authn.RequireFirebaseAuth(auth.RoleVendor, auth.RoleStaff, auth.RoleAdmin))
			vendor.Use(auth.RequireStoreAccess("storeID"))
		}
		vendor.Post("/payment-accounts/{provider}/link", h.linkAccount)
		vendor.Get("/payment-accounts/{provider}", h.accountStatus)
	})
}

// CallbackRoutes registers provider redirects under /payment-accounts. They are authenticated by
// the signed state parameter, not a bearer token.
func (h *PaymentAccountHandlers) CallbackRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/mercadopago/callback", h.mercadoPagoCallback)
}

type linkAccountRequest struct {
	Email   string `json:"email"`
	Country string `json:"country"`
}

type linkAccountResponse struct {
	Provider          string `json:"provider"`
	ExternalAccountID string `json:"externalAccountId,omitempty"`
	OnboardingURL     string `json:"onboardingUrl"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
}

func (h *PaymentAccountHandlers) linkAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.accounts == nil {
		writeAccountsUnavailable(ctx, w)
		return
	}

	var req linkAccountRequest
	if r.ContentLength != 0 {
		if !decodeJSONBody(ctx, w, r, maxAccountLinkBody, &req) {
			return
		}
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		if identity, ok := auth.IdentityFromContext(ctx); ok {
			email = identity.Email
		}
	}

	provider := domain.PaymentProvider(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider"))))
	requestctx.SetStoreID(ctx, chi.URLParam(r, "storeID"))
	requestctx.SetProvider(ctx, string(provider))
	link, err := h.accounts.LinkAccount(ctx, services.LinkAccountCommand{
		StoreID:  chi.URLParam(r, "storeID"),
		Provider: provider,
		Email:    email,
		Country:  strings.TrimSpace(req.Country),
	})
	if err != nil {
		writeVendorAccountError(ctx, w, err)
		return
	}

	resp := linkAccountResponse{
		Provider:          string(provider),
		ExternalAccountID: link.ExternalAccountID,
		OnboardingURL:     link.OnboardingURL,
	}
	if link.Provider != "" {
		resp.Provider = string(link.Provider)
	}
	if link.ExpiresAt != nil {
		resp.ExpiresAt = formatTime(*link.ExpiresAt)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *PaymentAccountHandlers) accountStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.accounts == nil {
		writeAccountsUnavailable(ctx, w)
		return
	}
	provider := domain.PaymentProvider(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider"))))
	requestctx.SetStoreID(ctx, chi.URLParam(r, "storeID"))
	requestctx.SetProvider(ctx, string(provider))
	account, err := h.accounts.AccountStatus(ctx, chi.URLParam(r, "storeID"), provider)
	if err != nil {
		writeVendorAccountError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, vendorAccountResponse(account))
}

func (h *PaymentAccountHandlers) mercadoPagoCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.accounts == nil {
		writeAccountsUnavailable(ctx, w)
		return
	}

	query := r.URL.Query()
	if denied := strings.TrimSpace(query.Get("error")); denied != "" {
		if h.redirect(w, r, url.Values{"provider": {string(domain.PaymentProviderMercadoPago)}, "status": {"denied"}}) {
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("link_denied", "vendor declined the authorisation request", http.StatusBadRequest))
		return
	}
	code := strings.TrimSpace(query.Get("code"))
	state := strings.TrimSpace(query.Get("state"))
	if code == "" || state == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code and state are required", http.StatusBadRequest))
		return
	}

	account, err := h.accounts.CompleteAccountLink(ctx, domain.PaymentProviderMercadoPago, code, state)
	if err != nil {
		if h.redirect(w, r, url.Values{"provider": {string(domain.PaymentProviderMercadoPago)}, "status": {"failed"}}) {
			return
		}
		writeVendorAccountError(ctx, w, err)
		return
	}
	if h.redirect(w, r, url.Values{
		"provider": {string(account.Provider)},
		"store":    {account.StoreID},
		"status":   {string(account.Status)},
	}) {
		return
	}
	writeJSONResponse(w, http.StatusOK, vendorAccountResponse(account))
}

func (h *PaymentAccountHandlers) redirect(w http.ResponseWriter, r *http.Request, params url.Values) bool {
	if h.redirectURL == "" {
		return false
	}
	target, err := url.Parse(h.redirectURL)
	if err != nil {
		return false
	}
	query := target.Query()
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
	return true
}

func writeAccountsUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("accounts_unavailable", "payment account service unavailable", http.StatusServiceUnavailable))
}

func writeVendorAccountError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrVendorAccountInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrVendorAccountNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("account_not_found", "no payment account linked for this store", http.StatusNotFound))
	case errors.Is(err, services.ErrVendorAccountUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", "account link state is invalid or expired", http.StatusUnauthorized))
	case errors.Is(err, services.ErrVendorAccountUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("provider_unavailable", "payment provider unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("account_error", "failed to process payment account request", http.StatusInternalServerError))
	}
}
