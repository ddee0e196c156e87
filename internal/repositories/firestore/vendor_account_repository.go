package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/americana-market/api/internal/domain"
	pfirestore "github.com/americana-market/api/internal/platform/firestore"
	"github.com/americana-market/api/internal/repositories"
)

const vendorAccountCollection = "vendorPaymentAccounts"

type vendorAccountDocument struct {
	StoreID           string    `firestore:"storeId"`
	Provider          string    `firestore:"provider"`
	ExternalAccountID string    `firestore:"externalAccountId"`
	ChargesEnabled    bool      `firestore:"chargesEnabled"`
	PayoutsEnabled    bool      `firestore:"payoutsEnabled"`
	DetailsSubmitted  bool      `firestore:"detailsSubmitted"`
	Country           string    `firestore:"country,omitempty"`
	DefaultCurrency   string    `firestore:"defaultCurrency,omitempty"`
	Status            string    `firestore:"status"`
	SealedCredentials string    `firestore:"sealedCredentials,omitempty"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func newVendorAccountDocument(account domain.VendorPaymentAccount) vendorAccountDocument {
	return vendorAccountDocument{
		StoreID:           strings.TrimSpace(account.StoreID),
		Provider:          string(account.Provider),
		ExternalAccountID: strings.TrimSpace(account.ExternalAccountID),
		ChargesEnabled:    account.ChargesEnabled,
		PayoutsEnabled:    account.PayoutsEnabled,
		DetailsSubmitted:  account.DetailsSubmitted,
		Country:           strings.ToUpper(strings.TrimSpace(account.Country)),
		DefaultCurrency:   strings.ToUpper(strings.TrimSpace(account.DefaultCurrency)),
		Status:            string(account.Status),
		SealedCredentials: account.SealedCredentials,
		CreatedAt:         account.CreatedAt.UTC(),
		UpdatedAt:         account.UpdatedAt.UTC(),
	}
}

func (d vendorAccountDocument) toDomain() domain.VendorPaymentAccount {
	return domain.VendorPaymentAccount{
		StoreID:           d.StoreID,
		Provider:          domain.PaymentProvider(d.Provider),
		ExternalAccountID: d.ExternalAccountID,
		ChargesEnabled:    d.ChargesEnabled,
		PayoutsEnabled:    d.PayoutsEnabled,
		DetailsSubmitted:  d.DetailsSubmitted,
		Country:           d.Country,
		DefaultCurrency:   d.DefaultCurrency,
		Status:            domain.VendorAccountStatus(d.Status),
		SealedCredentials: d.SealedCredentials,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
}

// VendorAccountRepository persists vendor payment accounts, one document per store and provider.
type VendorAccountRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[vendorAccountDocument]
}

var _ repositories.VendorAccountRepository = (*VendorAccountRepository)(nil)

// NewVendorAccountRepository constructs a Firestore-backed vendor account repository.
func NewVendorAccountRepository(provider *pfirestore.Provider) (*VendorAccountRepository, error) {
	if provider == nil {
		return nil, errors.New("vendor account repository requires firestore provider")
	}
	return &VendorAccountRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[vendorAccountDocument](provider, vendorAccountCollection, nil, nil),
	}, nil
}

// Find loads the account linked for the store and provider.
func (r *VendorAccountRepository) Find(ctx context.Context, storeID string, provider domain.PaymentProvider) (domain.VendorPaymentAccount, error) {
	id, err := vendorAccountID(storeID, provider)
	if err != nil {
		return domain.VendorPaymentAccount{}, err
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.VendorPaymentAccount{}, err
	}
	return doc.Data.toDomain(), nil
}

// Save upserts the account.
func (r *VendorAccountRepository) Save(ctx context.Context, account domain.VendorPaymentAccount) (domain.VendorPaymentAccount, error) {
	id, err := vendorAccountID(account.StoreID, account.Provider)
	if err != nil {
		return domain.VendorPaymentAccount{}, err
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = now
	}
	doc := newVendorAccountDocument(account)
	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return domain.VendorPaymentAccount{}, err
	}
	return doc.toDomain(), nil
}

// ApplyAccountState merges provider-reported flags inside a transaction.
func (r *VendorAccountRepository) ApplyAccountState(ctx context.Context, storeID string, provider domain.PaymentProvider, state domain.AccountState, at time.Time) (domain.VendorPaymentAccount, error) {
	id, err := vendorAccountID(storeID, provider)
	if err != nil {
		return domain.VendorPaymentAccount{}, err
	}
	at = at.UTC()

	var saved domain.VendorPaymentAccount
	err = r.provider.RunTransaction(ctx, "vendor_accounts.apply_state", func(ctx context.Context, tx *firestore.Transaction) error {
		account := domain.VendorPaymentAccount{
			StoreID:   strings.TrimSpace(storeID),
			Provider:  provider,
			CreatedAt: at,
		}
		doc, err := r.base.GetTx(ctx, tx, id)
		switch {
		case err == nil:
			account = doc.Data.toDomain()
		case isNotFound(err):
		default:
			return err
		}

		account = mergeAccountState(account, state)
		account.UpdatedAt = at
		if err := r.base.SetTx(ctx, tx, id, newVendorAccountDocument(account)); err != nil {
			return err
		}
		saved = account
		return nil
	})
	if err != nil {
		return domain.VendorPaymentAccount{}, err
	}
	return saved, nil
}

// mergeAccountState overwrites enablement flags and fills identifying fields the event carries.
func mergeAccountState(account domain.VendorPaymentAccount, state domain.AccountState) domain.VendorPaymentAccount {
	if id := strings.TrimSpace(state.ExternalAccountID); id != "" {
		account.ExternalAccountID = id
	}
	account.ChargesEnabled = state.ChargesEnabled
	account.PayoutsEnabled = state.PayoutsEnabled
	account.DetailsSubmitted = state.DetailsSubmitted
	if country := strings.TrimSpace(state.Country); country != "" {
		account.Country = strings.ToUpper(country)
	}
	if currency := strings.TrimSpace(state.DefaultCurrency); currency != "" {
		account.DefaultCurrency = strings.ToUpper(currency)
	}
	if state.SealedCredentials != "" {
		account.SealedCredentials = state.SealedCredentials
	}
	account.Status = state.DeriveStatus()
	return account
}

func vendorAccountID(storeID string, provider domain.PaymentProvider) (string, error) {
	store := strings.TrimSpace(storeID)
	name := strings.ToLower(strings.TrimSpace(string(provider)))
	if store == "" || name == "" {
		return "", errors.New("vendor account repository: store id and provider are required")
	}
	return store + "_" + name, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
