// Package catalog answers which offers a catalog variation counts toward and
// administers the offers themselves.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"loyalty-engine/internal/database"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/metrics"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/validation"
)

var (
	// ErrActiveOfferExists is returned when a brand/size group already has an
	// active offer.
	ErrActiveOfferExists = errors.New("an active offer already exists for this brand and size group")
	// ErrOfferNotFound is returned for unknown offer ids.
	ErrOfferNotFound = errors.New("offer not found")
	// ErrOfferInactive is returned when mutating the variations of a
	// deactivated offer.
	ErrOfferInactive = errors.New("offer is not active")
)

// VariationSet is the set of variation ids that qualify for some offer.
type VariationSet map[string]struct{}

// Contains reports whether id is in the set.
func (s VariationSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Accessor reads and administers offers for every merchant.
type Accessor struct {
	db       *database.DB
	logger   *slog.Logger
	features *features.Manager
	metrics  *metrics.Metrics
	cache    *expirable.LRU[string, VariationSet]
	now      func() time.Time
}

// Option configures an Accessor.
type Option func(*Accessor)

// WithCache enables the per-merchant variation set cache. Entries live for
// ttl; a non-positive ttl or size leaves caching off.
func WithCache(size int, ttl time.Duration) Option {
	return func(a *Accessor) {
		if size > 0 && ttl > 0 {
			a.cache = expirable.NewLRU[string, VariationSet](size, nil, ttl)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Accessor) { a.logger = l }
}

// WithFeatures gates the cache on the catalog_cache flag.
func WithFeatures(f *features.Manager) Option {
	return func(a *Accessor) { a.features = f }
}

// WithMetrics records cache hit rates.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Accessor) { a.metrics = m }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Accessor) { a.now = now }
}

// NewAccessor creates a catalog accessor.
func NewAccessor(db *database.DB, opts ...Option) *Accessor {
	a := &Accessor{
		db:     db,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetActiveOffers returns the merchant's active offers.
func (a *Accessor) GetActiveOffers(ctx context.Context, merchantID string) ([]models.Offer, error) {
	return a.db.ListActiveOffers(ctx, merchantID)
}

// GetAllQualifyingVariationIDs returns every active variation of every
// active offer.
func (a *Accessor) GetAllQualifyingVariationIDs(ctx context.Context, merchantID string) (VariationSet, error) {
	useCache := a.cacheEnabled()
	if useCache {
		if set, ok := a.cache.Get(merchantID); ok {
			a.metrics.IncCatalogCache(true)
			return set, nil
		}
		a.metrics.IncCatalogCache(false)
	}

	ids, err := a.db.ListActiveQualifyingVariationIDs(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	set := make(VariationSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	if useCache {
		a.cache.Add(merchantID, set)
	}
	return set, nil
}

// GetOffersForVariation returns the active offers a variation counts toward.
func (a *Accessor) GetOffersForVariation(ctx context.Context, merchantID, variationID string) ([]models.Offer, error) {
	return a.db.ListActiveOffersForVariation(ctx, merchantID, variationID)
}

// GetOffer returns one offer, active or not.
func (a *Accessor) GetOffer(ctx context.Context, merchantID, offerID string) (*models.Offer, error) {
	offer, err := a.db.GetOffer(ctx, merchantID, offerID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, ErrOfferNotFound
	}
	return offer, nil
}

// ListOffers lists the merchant's offers.
func (a *Accessor) ListOffers(ctx context.Context, merchantID string, includeInactive bool) ([]models.Offer, error) {
	return a.db.ListOffers(ctx, merchantID, includeInactive)
}

// CreateOffer validates and stores a new active offer.
func (a *Accessor) CreateOffer(ctx context.Context, merchantID string, in models.OfferInput) (*models.Offer, error) {
	if err := validation.ValidateOffer(in); err != nil {
		return nil, err
	}

	now := a.now()
	offer := models.Offer{
		ID:                uuid.NewString(),
		MerchantID:        merchantID,
		OfferName:         validation.SanitizeString(in.OfferName),
		BrandName:         validation.SanitizeString(in.BrandName),
		SizeGroup:         validation.SanitizeString(in.SizeGroup),
		RequiredQuantity:  in.RequiredQuantity,
		WindowMonths:      in.WindowMonths,
		WindowDays:        in.WindowDays,
		RewardType:        in.RewardType,
		RewardValueCents:  in.RewardValueCents,
		RewardDescription: validation.SanitizeString(in.RewardDescription),
		RewardExpiryDays:  in.RewardExpiryDays,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if offer.RewardType == "" {
		offer.RewardType = models.RewardTypeFreeItem
	}
	if offer.WindowMonths == 0 && offer.WindowDays == 0 {
		offer.WindowMonths = models.DefaultWindowMonths
	}

	if err := a.db.InsertOffer(ctx, offer); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s %s", ErrActiveOfferExists, offer.BrandName, offer.SizeGroup)
		}
		return nil, err
	}

	a.logger.Info("offer created",
		"merchant_id", merchantID,
		"offer_id", offer.ID,
		"brand", offer.BrandName,
		"size_group", offer.SizeGroup,
		"required_quantity", offer.RequiredQuantity,
	)
	return &offer, nil
}

// DeactivateOffer soft-deletes an offer. Deactivating an inactive offer is
// a no-op.
func (a *Accessor) DeactivateOffer(ctx context.Context, merchantID, offerID string) error {
	changed, err := a.db.DeactivateOffer(ctx, merchantID, offerID, a.now())
	if err != nil {
		return err
	}
	if !changed {
		if _, err := a.GetOffer(ctx, merchantID, offerID); err != nil {
			return err
		}
		return nil
	}

	a.invalidate(merchantID)
	a.logger.Info("offer deactivated", "merchant_id", merchantID, "offer_id", offerID)
	return nil
}

// AddQualifyingVariation whitelists a variation for an active offer.
func (a *Accessor) AddQualifyingVariation(ctx context.Context, merchantID, offerID string, in models.VariationInput) (*models.QualifyingVariation, error) {
	if err := validation.ValidateVariation(in); err != nil {
		return nil, err
	}
	offer, err := a.GetOffer(ctx, merchantID, offerID)
	if err != nil {
		return nil, err
	}
	if !offer.IsActive {
		return nil, ErrOfferInactive
	}

	v := models.QualifyingVariation{
		MerchantID:    merchantID,
		OfferID:       offerID,
		VariationID:   in.VariationID,
		ItemName:      validation.SanitizeString(in.ItemName),
		VariationName: validation.SanitizeString(in.VariationName),
		IsActive:      true,
		CreatedAt:     a.now(),
	}
	if err := a.db.UpsertQualifyingVariation(ctx, v); err != nil {
		return nil, err
	}

	a.invalidate(merchantID)
	return &v, nil
}

// RemoveQualifyingVariation stops a variation counting toward an offer.
func (a *Accessor) RemoveQualifyingVariation(ctx context.Context, merchantID, offerID, variationID string) error {
	if _, err := a.GetOffer(ctx, merchantID, offerID); err != nil {
		return err
	}
	if _, err := a.db.DeactivateQualifyingVariation(ctx, merchantID, offerID, variationID); err != nil {
		return err
	}
	a.invalidate(merchantID)
	return nil
}

// ListQualifyingVariations returns an offer's active variations.
func (a *Accessor) ListQualifyingVariations(ctx context.Context, merchantID, offerID string) ([]models.QualifyingVariation, error) {
	if _, err := a.GetOffer(ctx, merchantID, offerID); err != nil {
		return nil, err
	}
	return a.db.ListQualifyingVariations(ctx, merchantID, offerID)
}

func (a *Accessor) cacheEnabled() bool {
	if a.cache == nil {
		return false
	}
	return a.features == nil || a.features.IsEnabled(features.CatalogCache)
}

func (a *Accessor) invalidate(merchantID string) {
	if a.cache != nil {
		a.cache.Remove(merchantID)
	}
}
