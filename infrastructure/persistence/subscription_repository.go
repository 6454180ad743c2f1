package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/domain/persistence"
	"chat-relay/domain/quota"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriptionRepository implements persistence.SubscriptionRepository
type SubscriptionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

var _ persistence.SubscriptionRepository = (*SubscriptionRepository)(nil)

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, now: time.Now}
}

func (r *SubscriptionRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFromContext(ctx, r.db)
}

// TierFor returns the caller's entitled tier. Users without a subscription,
// or whose subscription lapsed, are on the free tier.
func (r *SubscriptionRepository) TierFor(ctx context.Context, userID string) (quota.SubscriptionTier, error) {
	var record persistence.SubscriptionRecord
	err := r.getDB(ctx).Where("user_id = ?", userID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.TierFree, nil
		}
		return quota.TierFree, fmt.Errorf("failed to load subscription: %w", err)
	}
	if !record.Entitled(r.now()) {
		return quota.TierFree, nil
	}
	return quota.ParseTier(record.Tier), nil
}

// Save upserts a subscription row.
func (r *SubscriptionRepository) Save(ctx context.Context, record *persistence.SubscriptionRecord) error {
	err := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// CachedSubscriptionRepository keeps recent tier lookups in an expiring LRU
// so a stream request does not cost a database round trip per tier check.
// Concurrent misses for one user share a single lookup.
type CachedSubscriptionRepository struct {
	inner persistence.SubscriptionRepository
	cache *expirable.LRU[string, quota.SubscriptionTier]
	group singleflight.Group
}

var _ persistence.SubscriptionRepository = (*CachedSubscriptionRepository)(nil)

func NewCachedSubscriptionRepository(inner persistence.SubscriptionRepository, size int, ttl time.Duration) *CachedSubscriptionRepository {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedSubscriptionRepository{
		inner: inner,
		cache: expirable.NewLRU[string, quota.SubscriptionTier](size, nil, ttl),
	}
}

func (c *CachedSubscriptionRepository) TierFor(ctx context.Context, userID string) (quota.SubscriptionTier, error) {
	if tier, ok := c.cache.Get(userID); ok {
		return tier, nil
	}
	res, err, _ := c.group.Do(userID, func() (any, error) {
		if tier, ok := c.cache.Get(userID); ok {
			return tier, nil
		}
		// Shared by every waiter, so detached from the first caller's cancellation.
		tier, err := c.inner.TierFor(context.WithoutCancel(ctx), userID)
		if err != nil {
			return nil, err
		}
		c.cache.Add(userID, tier)
		return tier, nil
	})
	if err != nil {
		return "", err
	}
	return res.(quota.SubscriptionTier), nil
}

func (c *CachedSubscriptionRepository) Save(ctx context.Context, record *persistence.SubscriptionRecord) error {
	if err := c.inner.Save(ctx, record); err != nil {
		return err
	}
	c.cache.Remove(record.UserID)
	return nil
}
