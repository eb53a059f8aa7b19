// Package testutil builds throwaway sqlite stores for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"loyalty-engine/internal/database"
	"loyalty-engine/internal/models"
)

// Merchant is the tenant used by seed helpers unless overridden.
const Merchant = "merchant-test"

// NewDB opens a migrated sqlite database under t.TempDir.
func NewDB(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "loyalty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{T: t.UTC()} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.T }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// OfferSpec describes an offer to seed.
type OfferSpec struct {
	MerchantID       string
	Name             string
	Brand            string
	SizeGroup        string
	Required         int
	WindowMonths     int
	WindowDays       int
	RewardValueCents int64
	ExpiryDays       int
	Variations       []string
}

// SeedOffer inserts an active offer and its qualifying variations.
func SeedOffer(t testing.TB, db *database.DB, spec OfferSpec) models.Offer {
	t.Helper()
	ctx := context.Background()

	if spec.MerchantID == "" {
		spec.MerchantID = Merchant
	}
	if spec.Name == "" {
		spec.Name = "Buy " + spec.Brand + " " + spec.SizeGroup
	}
	if spec.WindowMonths == 0 && spec.WindowDays == 0 {
		spec.WindowMonths = models.DefaultWindowMonths
	}

	now := time.Now().UTC()
	offer := models.Offer{
		ID:                uuid.NewString(),
		MerchantID:        spec.MerchantID,
		OfferName:         spec.Name,
		BrandName:         spec.Brand,
		SizeGroup:         spec.SizeGroup,
		RequiredQuantity:  spec.Required,
		WindowMonths:      spec.WindowMonths,
		WindowDays:        spec.WindowDays,
		RewardType:        models.RewardTypeFreeItem,
		RewardValueCents:  spec.RewardValueCents,
		RewardDescription: "One free " + spec.SizeGroup,
		RewardExpiryDays:  spec.ExpiryDays,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, db.InsertOffer(ctx, offer))

	for _, v := range spec.Variations {
		require.NoError(t, db.UpsertQualifyingVariation(ctx, models.QualifyingVariation{
			MerchantID:  spec.MerchantID,
			OfferID:     offer.ID,
			VariationID: v,
			ItemName:    spec.Brand,
			IsActive:    true,
			CreatedAt:   now,
		}))
	}
	return offer
}
