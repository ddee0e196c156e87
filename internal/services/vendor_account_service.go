package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/repositories"
)

var (
	// ErrVendorAccountInvalidInput indicates the caller supplied invalid input parameters.
	ErrVendorAccountInvalidInput = errors.New("vendor account: invalid input")
	// ErrVendorAccountNotFound indicates the store has not linked the provider.
	ErrVendorAccountNotFound = errors.New("vendor account: not found")
	// ErrVendorAccountUnauthorized indicates a forged or expired onboarding callback.
	ErrVendorAccountUnauthorized = errors.New("vendor account: link not authorised")
	// ErrVendorAccountUnavailable indicates the provider or the datastore could not be reached.
	ErrVendorAccountUnavailable = errors.New("vendor account: unavailable")
)

type vendorAccountManager interface {
	LinkVendorAccount(ctx context.Context, provider string, req payments.LinkAccountRequest) (payments.AccountLink, error)
	AccountStatus(ctx context.Context, provider, externalAccountID string) (domain.AccountState, error)
	CompleteAccountLink(ctx context.Context, provider, code, state string) (payments.LinkCompletion, error)
}

// VendorAccountServiceDeps wires the dependencies required by the vendor account service.
type VendorAccountServiceDeps struct {
	Accounts    repositories.VendorAccountRepository
	Payments    vendorAccountManager
	Settlement  SettlementService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type vendorAccountService struct {
	accounts   repositories.VendorAccountRepository
	payments   vendorAccountManager
	settlement SettlementService
	now        func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

var _ VendorAccountService = (*vendorAccountService)(nil)

// NewVendorAccountService constructs a VendorAccountService validating required dependencies.
func NewVendorAccountService(deps VendorAccountServiceDeps) (VendorAccountService, error) {
	if deps.Accounts == nil {
		return nil, errors.New("vendor account service: account repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("vendor account service: payment manager is required")
	}
	if deps.Settlement == nil {
		return nil, errors.New("vendor account service: settlement service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &vendorAccountService{
		accounts:   deps.Accounts,
		payments:   deps.Payments,
		settlement: deps.Settlement,
		now:        func() time.Time { return clock().UTC() },
		newID:      idGen,
		logger:     logger,
	}, nil
}

// LinkAccount starts onboarding. Providers that create the account up front get a pending record
// so later account events have somewhere to land.
func (s *vendorAccountService) LinkAccount(ctx context.Context, cmd LinkAccountCommand) (payments.AccountLink, error) {
	storeID := strings.TrimSpace(cmd.StoreID)
	if storeID == "" || cmd.Provider == "" {
		return payments.AccountLink{}, fmt.Errorf("%w: store id and provider are required", ErrVendorAccountInvalidInput)
	}

	existing, found, err := s.find(ctx, storeID, cmd.Provider)
	if err != nil {
		return payments.AccountLink{}, err
	}

	link, err := s.payments.LinkVendorAccount(ctx, string(cmd.Provider), payments.LinkAccountRequest{
		StoreID:           storeID,
		Email:             strings.TrimSpace(cmd.Email),
		Country:           strings.ToUpper(strings.TrimSpace(cmd.Country)),
		ExistingAccountID: existing.ExternalAccountID,
	})
	if err != nil {
		return payments.AccountLink{}, s.providerError(ctx, "vendor_accounts.link_failed", storeID, cmd.Provider, err)
	}

	if link.ExternalAccountID != "" && link.ExternalAccountID != existing.ExternalAccountID {
		now := s.now()
		account := existing
		if !found {
			account = VendorPaymentAccount{
				StoreID:   storeID,
				Provider:  cmd.Provider,
				Country:   strings.ToUpper(strings.TrimSpace(cmd.Country)),
				Status:    domain.VendorAccountStatusPending,
				CreatedAt: now,
			}
		}
		account.ExternalAccountID = link.ExternalAccountID
		account.UpdatedAt = now
		if _, err := s.accounts.Save(ctx, account); err != nil {
			s.logger(ctx, "vendor_accounts.persist_failed", map[string]any{
				"storeId":  storeID,
				"provider": string(cmd.Provider),
				"error":    err.Error(),
				"severity": "error",
			})
			return payments.AccountLink{}, fmt.Errorf("%w: %v", ErrVendorAccountUnavailable, err)
		}
	}

	s.logger(ctx, "vendor_accounts.link_started", map[string]any{
		"storeId":  storeID,
		"provider": string(cmd.Provider),
		"account":  link.ExternalAccountID,
	})
	return link, nil
}

// CompleteAccountLink finishes a redirect based onboarding. The resulting account state is applied
// through the settlement path as an account update.
func (s *vendorAccountService) CompleteAccountLink(ctx context.Context, provider domain.PaymentProvider, code, state string) (VendorPaymentAccount, error) {
	if provider == "" || strings.TrimSpace(state) == "" {
		return VendorPaymentAccount{}, fmt.Errorf("%w: provider and state are required", ErrVendorAccountInvalidInput)
	}
	completion, err := s.payments.CompleteAccountLink(ctx, string(provider), strings.TrimSpace(code), strings.TrimSpace(state))
	if err != nil {
		return VendorPaymentAccount{}, s.providerError(ctx, "vendor_accounts.link_completion_failed", "", provider, err)
	}
	account, err := s.applyState(ctx, completion.StoreID, provider, "link", completion.Account)
	if err != nil {
		return VendorPaymentAccount{}, err
	}
	s.logger(ctx, "vendor_accounts.link_completed", map[string]any{
		"storeId":  account.StoreID,
		"provider": string(provider),
		"status":   string(account.Status),
	})
	return account, nil
}

// AccountStatus returns the stored account, refreshed from the provider when it can be polled.
func (s *vendorAccountService) AccountStatus(ctx context.Context, storeID string, provider domain.PaymentProvider) (VendorPaymentAccount, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" || provider == "" {
		return VendorPaymentAccount{}, fmt.Errorf("%w: store id and provider are required", ErrVendorAccountInvalidInput)
	}
	account, found, err := s.find(ctx, storeID, provider)
	if err != nil {
		return VendorPaymentAccount{}, err
	}
	if !found {
		return VendorPaymentAccount{}, ErrVendorAccountNotFound
	}
	if account.ExternalAccountID == "" {
		return account, nil
	}

	state, err := s.payments.AccountStatus(ctx, string(provider), account.ExternalAccountID)
	if err != nil {
		if !errors.Is(err, payments.ErrNotSupported) {
			s.logger(ctx, "vendor_accounts.refresh_failed", map[string]any{
				"storeId":  storeID,
				"provider": string(provider),
				"error":    err.Error(),
			})
		}
		return account, nil
	}
	if sameAccountState(account, state) {
		return account, nil
	}
	return s.applyState(ctx, storeID, provider, "poll", state)
}

// applyState routes provider-reported state through the settlement applier so polled, redirected
// and webhook updates share one write path.
func (s *vendorAccountService) applyState(ctx context.Context, storeID string, provider domain.PaymentProvider, source string, state domain.AccountState) (VendorPaymentAccount, error) {
	now := s.now()
	event := SettlementEvent{
		ID:              s.newID(),
		Provider:        provider,
		ProviderEventID: source + ":" + s.newID(),
		Kind:            domain.SettlementAccountUpdated,
		StoreID:         storeID,
		Account:         &state,
		OccurredAt:      now,
	}
	result, err := s.settlement.Apply(ctx, event)
	if err != nil {
		if errors.Is(err, ErrSettlementInvalidEvent) {
			return VendorPaymentAccount{}, fmt.Errorf("%w: %v", ErrVendorAccountInvalidInput, err)
		}
		return VendorPaymentAccount{}, fmt.Errorf("%w: %v", ErrVendorAccountUnavailable, err)
	}
	if result.Account != nil {
		return *result.Account, nil
	}
	account, found, err := s.find(ctx, storeID, provider)
	if err != nil {
		return VendorPaymentAccount{}, err
	}
	if !found {
		return VendorPaymentAccount{}, ErrVendorAccountNotFound
	}
	return account, nil
}

func (s *vendorAccountService) find(ctx context.Context, storeID string, provider domain.PaymentProvider) (VendorPaymentAccount, bool, error) {
	account, err := s.accounts.Find(ctx, storeID, provider)
	if err != nil {
		if isRepoNotFound(err) {
			return VendorPaymentAccount{}, false, nil
		}
		return VendorPaymentAccount{}, false, fmt.Errorf("%w: %v", ErrVendorAccountUnavailable, err)
	}
	return account, true, nil
}

func (s *vendorAccountService) providerError(ctx context.Context, event, storeID string, provider domain.PaymentProvider, err error) error {
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider), errors.Is(err, payments.ErrNotSupported), errors.Is(err, payments.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrVendorAccountInvalidInput, err)
	case errors.Is(err, payments.ErrInvalidState):
		return fmt.Errorf("%w: %v", ErrVendorAccountUnauthorized, err)
	}
	s.logger(ctx, event, map[string]any{
		"storeId":  storeID,
		"provider": string(provider),
		"error":    err.Error(),
	})
	return fmt.Errorf("%w: %v", ErrVendorAccountUnavailable, err)
}

func sameAccountState(account VendorPaymentAccount, state domain.AccountState) bool {
	return account.ChargesEnabled == state.ChargesEnabled &&
		account.PayoutsEnabled == state.PayoutsEnabled &&
		account.DetailsSubmitted == state.DetailsSubmitted
}
