package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/metadata"
	"paysync/internal/remote"
	"paysync/internal/store/storetest"
)

func TestIdempotencyKeyIsReusedUntilExpiry(t *testing.T) {
	s, _, _ := newTestSyncer(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	first, err := s.IdempotencyKey(ctx, "customer:create:7", false)
	require.NoError(t, err)
	again, err := s.IdempotencyKey(ctx, "customer:create:7", false)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	live, err := s.IdempotencyKey(ctx, "customer:create:7", true)
	require.NoError(t, err)
	assert.NotEqual(t, first, live)

	now = now.Add(25 * time.Hour)
	renewed, err := s.IdempotencyKey(ctx, "customer:create:7", false)
	require.NoError(t, err)
	assert.NotEqual(t, first, renewed)
	assert.Equal(t, 2, storetest.Count(t, s.Store(), "_idempotency_keys", ""))
}

func TestPurgeExpiredIdempotencyKeys(t *testing.T) {
	s, _, _ := newTestSyncer(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.IdempotencyKey(ctx, "customer:create:old", false)
	require.NoError(t, err)
	now = now.Add(20 * time.Hour)
	fresh, err := s.IdempotencyKey(ctx, "customer:create:new", false)
	require.NoError(t, err)

	now = now.Add(5 * time.Hour)
	n, err := s.PurgeExpiredIdempotencyKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, storetest.Count(t, s.Store(), "_idempotency_keys", "id = ?", fresh))

	n, err = s.PurgeExpiredIdempotencyKeys(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateCustomerTagsSubscriber(t *testing.T) {
	s, fake, env := newTestSyncer(t)
	ctx := context.Background()

	rec, err := s.CreateCustomer(ctx, env, "user_7", map[string]any{
		"email":    "a@b.com",
		"metadata": map[string]any{"plan": "pro"},
	})
	require.NoError(t, err)

	assert.Equal(t, "user_7", rec["subscriber_id"])
	assert.Equal(t, "a@b.com", rec["email"])
	assert.Equal(t, map[string]any{"plan": "pro", "djstripe_subscriber": "user_7"}, rec["metadata"])
	assert.Equal(t, 1, fake.Calls("create", "customer", ""))

	key, err := s.IdempotencyKey(ctx, "customer:create:user_7", false)
	require.NoError(t, err)
	assert.Equal(t, key, fake.LastOptions.IdempotencyKey)
}

func TestGetOrCreateCustomerReusesLocalCustomer(t *testing.T) {
	s, fake, env := newTestSyncer(t)
	ctx := context.Background()
	env = env.WithLiveMode(false)

	first, created, err := s.GetOrCreateCustomer(ctx, env, "user_7", nil)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.GetOrCreateCustomer(ctx, env, "user_7", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, 1, fake.Calls("create", "customer", ""))
}

func TestPurgeCustomerDetachesSubscriber(t *testing.T) {
	s, fake, env := newTestSyncer(t)
	ctx := context.Background()
	env = env.WithLiveMode(false)

	rec, _, err := s.GetOrCreateCustomer(ctx, env, "user_7", nil)
	require.NoError(t, err)

	require.NoError(t, s.PurgeCustomer(ctx, env, rec.ID()))
	assert.Equal(t, 1, fake.Calls("delete", "customer", rec.ID()))

	purged, err := s.Get(ctx, "customer", rec.ID())
	require.NoError(t, err)
	assert.Nil(t, purged["subscriber_id"])
	assert.NotNil(t, purged["date_purged"])

	// Purging twice tolerates the remote answering 404.
	require.NoError(t, s.PurgeCustomer(ctx, env, rec.ID()))

	_, created, err := s.GetOrCreateCustomer(ctx, env, "user_7", nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestUpdateRemoteDropsLocalOnlyFields(t *testing.T) {
	s, fake, env := newTestSyncer(t)
	ctx := context.Background()
	fake.Put("customer", metadata.Payload{"id": "cus_1", "object": "customer", "email": "old@b.com"})

	rec, err := s.UpdateRemote(ctx, env, "customer", "cus_1", map[string]any{
		"email":         "new@b.com",
		"subscriber_id": "user_9",
		"date_purged":   "2026-01-01",
	})
	require.NoError(t, err)
	assert.Equal(t, "new@b.com", rec["email"])
	assert.Nil(t, rec["subscriber_id"])
	assert.Nil(t, rec["date_purged"])
	assert.Equal(t, 1, fake.Calls("modify", "customer", "cus_1"))
}

func TestDeleteRemoteRemovesLocalRow(t *testing.T) {
	s, fake, env := newTestSyncer(t)
	ctx := context.Background()
	fake.Put("product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Widget"})
	_, err := s.FetchAndSync(ctx, env, "product", "prod_1")
	require.NoError(t, err)

	require.NoError(t, s.DeleteRemote(ctx, env, "product", "prod_1"))
	assert.Equal(t, 0, storetest.Count(t, s.Store(), "products", ""))

	fake.Fail("product", "prod_2", &remote.Error{Kind: remote.ErrKindPermission, Status: 403, Message: "nope"})
	assert.Error(t, s.DeleteRemote(ctx, env, "product", "prod_2"))
}

func TestSyncAllWalksEveryPage(t *testing.T) {
	s, fake, env := newTestSyncer(t)
	for _, id := range []string{"prod_a", "prod_b", "prod_c"} {
		fake.Put("product", metadata.Payload{"id": id, "object": "product", "name": id})
	}

	n, err := s.SyncAll(context.Background(), env, "product", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, storetest.Count(t, s.Store(), "products", ""))
	assert.Equal(t, 2, fake.Calls("list", "product", ""))
}

func TestListFiltersAndPaginates(t *testing.T) {
	s, _, env := newTestSyncer(t)
	ctx := context.Background()
	for _, p := range []metadata.Payload{
		{"id": "prod_a", "name": "A", "active": true},
		{"id": "prod_b", "name": "B", "active": false},
		{"id": "prod_c", "name": "C", "active": true},
	} {
		_, err := s.SyncFromRemoteData(ctx, env, "product", p)
		require.NoError(t, err)
	}

	plan := &QueryPlan{
		Kind:    s.Registry().Get("product"),
		Filters: []WhereClause{{Column: "active", Value: true}},
		Page:    1,
		PerPage: 1,
	}
	rows, total, err := s.List(ctx, plan)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "prod_a", rows[0].ID())
	assert.Equal(t, true, rows[0]["active"])
}
