package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chat-relay/domain/persistence"
	"chat-relay/domain/quota"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionRepository_TierFor(t *testing.T) {
	dm := setupTestDB(t)
	_, _, subscriptions := dm.GetRepositories()
	ctx := context.Background()

	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	subscriptions.now = func() time.Time { return now }

	lapsed := now.Add(-time.Hour)
	for _, record := range []*persistence.SubscriptionRecord{
		{UserID: "pro-user", Tier: "pro", Status: persistence.SubscriptionActive},
		{UserID: "trial-user", Tier: "enterprise", Status: persistence.SubscriptionTrialing},
		{UserID: "canceled-user", Tier: "pro", Status: persistence.SubscriptionCanceled},
		{UserID: "lapsed-user", Tier: "pro", Status: persistence.SubscriptionActive, CurrentPeriodEnd: &lapsed},
		{UserID: "odd-user", Tier: "platinum", Status: persistence.SubscriptionActive},
	} {
		require.NoError(t, subscriptions.Save(ctx, record))
	}

	tests := []struct {
		userID string
		want   quota.SubscriptionTier
	}{
		{"pro-user", quota.TierPro},
		{"trial-user", quota.TierEnterprise},
		{"canceled-user", quota.TierFree},
		{"lapsed-user", quota.TierFree},
		{"odd-user", quota.TierFree},
		{"unknown-user", quota.TierFree},
	}

	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			tier, err := subscriptions.TierFor(ctx, tt.userID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tier)
		})
	}
}

func TestSubscriptionRepository_SaveUpserts(t *testing.T) {
	dm := setupTestDB(t)
	_, _, subscriptions := dm.GetRepositories()
	ctx := context.Background()

	require.NoError(t, subscriptions.Save(ctx, &persistence.SubscriptionRecord{UserID: "u", Tier: "free", Status: persistence.SubscriptionActive}))
	require.NoError(t, subscriptions.Save(ctx, &persistence.SubscriptionRecord{UserID: "u", Tier: "pro", Status: persistence.SubscriptionActive}))

	tier, err := subscriptions.TierFor(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, quota.TierPro, tier)
}

type MockSubscriptionRepository struct {
	mock.Mock
}

func (m *MockSubscriptionRepository) TierFor(ctx context.Context, userID string) (quota.SubscriptionTier, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(quota.SubscriptionTier), args.Error(1)
}

func (m *MockSubscriptionRepository) Save(ctx context.Context, record *persistence.SubscriptionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func TestCachedSubscriptionRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("hits are served from cache", func(t *testing.T) {
		inner := new(MockSubscriptionRepository)
		inner.On("TierFor", ctx, "u").Return(quota.TierPro, nil).Once()

		cached := NewCachedSubscriptionRepository(inner, 10, time.Minute)
		for i := 0; i < 3; i++ {
			tier, err := cached.TierFor(ctx, "u")
			require.NoError(t, err)
			assert.Equal(t, quota.TierPro, tier)
		}
		inner.AssertExpectations(t)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		inner := new(MockSubscriptionRepository)
		inner.On("TierFor", ctx, "u").Return(quota.TierFree, errors.New("db down")).Once()
		inner.On("TierFor", ctx, "u").Return(quota.TierPro, nil).Once()

		cached := NewCachedSubscriptionRepository(inner, 10, time.Minute)
		_, err := cached.TierFor(ctx, "u")
		require.Error(t, err)

		tier, err := cached.TierFor(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, quota.TierPro, tier)
		inner.AssertExpectations(t)
	})

	t.Run("save invalidates", func(t *testing.T) {
		record := &persistence.SubscriptionRecord{UserID: "u", Tier: "enterprise", Status: persistence.SubscriptionActive}
		inner := new(MockSubscriptionRepository)
		inner.On("TierFor", ctx, "u").Return(quota.TierPro, nil).Once()
		inner.On("Save", ctx, record).Return(nil).Once()
		inner.On("TierFor", ctx, "u").Return(quota.TierEnterprise, nil).Once()

		cached := NewCachedSubscriptionRepository(inner, 10, time.Minute)
		tier, err := cached.TierFor(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, quota.TierPro, tier)

		require.NoError(t, cached.Save(ctx, record))

		tier, err = cached.TierFor(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, quota.TierEnterprise, tier)
		inner.AssertExpectations(t)
	})

	t.Run("concurrent misses agree", func(t *testing.T) {
		inner := new(MockSubscriptionRepository)
		inner.On("TierFor", mock.Anything, "u").Return(quota.TierPro, nil).
			Run(func(mock.Arguments) { time.Sleep(10 * time.Millisecond) })

		cached := NewCachedSubscriptionRepository(inner, 10, time.Minute)

		var wg sync.WaitGroup
		tiers := make([]quota.SubscriptionTier, 8)
		for i := range tiers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tier, err := cached.TierFor(ctx, "u")
				assert.NoError(t, err)
				tiers[i] = tier
			}(i)
		}
		wg.Wait()

		for _, tier := range tiers {
			assert.Equal(t, quota.TierPro, tier)
		}
		calls := 0
		for _, c := range inner.Calls {
			if c.Method == "TierFor" {
				calls++
			}
		}
		assert.GreaterOrEqual(t, calls, 1)
		assert.LessOrEqual(t, calls, len(tiers))
	})

	t.Run("shared lookup outlives a cancelled caller", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		inner := new(MockSubscriptionRepository)
		inner.On("TierFor", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), "u").
			Return(quota.TierPro, nil).Once()

		cached := NewCachedSubscriptionRepository(inner, 10, time.Minute)
		tier, err := cached.TierFor(cancelled, "u")
		require.NoError(t, err)
		assert.Equal(t, quota.TierPro, tier)
		inner.AssertExpectations(t)
	})
}
