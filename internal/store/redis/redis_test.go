package redis

import (
	"context"
	"log"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host: rd.Host(),
		Port: port,
	})
}

func setup(t *testing.T) *Redis {
	rdis.FlushDB()
	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore
}

// testNow is close to the wall clock so that key expiries land in the future.
func testNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newChallenge(t *testing.T, opID uuid.UUID, createdAt time.Time, ttl time.Duration) models.Challenge {
	t.Helper()

	c, err := rStore.CreateChallenge(context.Background(), models.Challenge{
		ID:          uuid.New(),
		OperationID: opID,
		Code:        "123456",
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(ttl),
	})
	require.NoError(t, err, "Failed to set up test challenge")
	return c
}

func TestPing(t *testing.T) {
	rStore := setup(t)
	assert.NoError(t, rStore.Ping(context.Background()), "Error pinging store")
}

func TestCreateGetChallenge(t *testing.T) {
	var (
		rStore = setup(t)
		ctx    = context.Background()
		now    = testNow()
		opID   = uuid.New()
	)

	c := newChallenge(t, opID, now, time.Minute)
	assert.Equal(t, opID, c.OperationID)
	assert.Equal(t, "123456", c.Code)
	assert.True(t, c.CreatedAt.Equal(now), "created_at doesn't match")
	assert.True(t, c.ExpiresAt.Equal(now.Add(time.Minute)), "expires_at doesn't match")
	assert.False(t, c.Consumed)

	got, err := rStore.GetChallenge(ctx, c.ID)
	assert.NoError(t, err, "Error getting challenge")
	assert.Equal(t, c, got, "Returned challenge doesn't match")

	_, err = rStore.GetChallenge(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotExist, "Challenge should not exist but it does")

	// The hash outlives the challenge by the retention period.
	ttl := rdis.TTL(rStore.challengeKey(c.ID.String()))
	assert.True(t, ttl > 24*time.Hour, "Unexpected key TTL %s", ttl)
}

func TestCreateChallengeSingleActive(t *testing.T) {
	var (
		rStore = setup(t)
		ctx    = context.Background()
		now    = testNow()
		opID   = uuid.New()
	)

	c := newChallenge(t, opID, now, time.Minute)

	_, err := rStore.CreateChallenge(ctx, models.Challenge{
		ID: uuid.New(), OperationID: opID, Code: "1", CreatedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Hour),
	})
	assert.ErrorIs(t, err, store.ErrActiveChallenge, "Second active challenge was issued")

	// Another operation is unaffected.
	newChallenge(t, uuid.New(), now, time.Minute)

	// Once the first one is consumed, a new one can be issued.
	ok, err := rStore.ConsumeChallenge(ctx, opID, c.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	newChallenge(t, opID, now.Add(time.Second), time.Minute)
}

func TestCreateChallengeConcurrent(t *testing.T) {
	var (
		rStore = setup(t)
		now    = testNow()
		opID   = uuid.New()

		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rStore.CreateChallenge(context.Background(), models.Challenge{
				ID: uuid.New(), OperationID: opID, Code: "123456", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok, "Exactly one challenge should be issued")

	p, err := rStore.ListChallenges(context.Background(), opID, models.PageRequest{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Total)
}

func TestConsumeChallenge(t *testing.T) {
	var (
		rStore = setup(t)
		ctx    = context.Background()
		now    = testNow()
		opID   = uuid.New()
		c      = newChallenge(t, opID, now, time.Minute)
	)

	t.Run("wrong operation", func(t *testing.T) {
		ok, err := rStore.ConsumeChallenge(ctx, uuid.New(), c.ID, now)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired", func(t *testing.T) {
		ok, err := rStore.ConsumeChallenge(ctx, opID, c.ID, c.ExpiresAt)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown", func(t *testing.T) {
		ok, err := rStore.ConsumeChallenge(ctx, opID, uuid.New(), now)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("once", func(t *testing.T) {
		ok, err := rStore.ConsumeChallenge(ctx, opID, c.ID, now)
		assert.NoError(t, err)
		assert.True(t, ok, "First consume should win")

		ok, err = rStore.ConsumeChallenge(ctx, opID, c.ID, now)
		assert.NoError(t, err)
		assert.False(t, ok, "Second consume should lose")

		got, err := rStore.GetChallenge(ctx, c.ID)
		assert.NoError(t, err)
		assert.True(t, got.Consumed)
	})
}

func TestConsumeChallengeConcurrent(t *testing.T) {
	var (
		rStore = setup(t)
		now    = testNow()
		opID   = uuid.New()
		c      = newChallenge(t, opID, now, time.Minute)

		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)

	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := rStore.ConsumeChallenge(context.Background(), opID, c.ID, now)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok, "Exactly one consume should win")
}

func TestIndexExpiry(t *testing.T) {
	var (
		rStore = setup(t)
		ctx    = context.Background()
		now    = testNow()
		opID   = uuid.New()
		idxKey = rStore.indexKey(opID.String())
	)

	c := newChallenge(t, opID, now, time.Hour)
	ttl := rdis.TTL(idxKey)
	assert.True(t, ttl > 24*time.Hour && ttl <= 25*time.Hour, "Unexpected index TTL %s", ttl)

	// A longer-lived challenge extends the index.
	c.ExpiresAt = now.Add(48 * time.Hour)
	_, err := rStore.UpdateChallenge(ctx, c)
	require.NoError(t, err)
	ttl = rdis.TTL(idxKey)
	assert.True(t, ttl > 72*time.Hour-time.Minute, "Index TTL not extended: %s", ttl)

	// A shorter one never shrinks it.
	c.ExpiresAt = now.Add(time.Minute)
	_, err = rStore.UpdateChallenge(ctx, c)
	require.NoError(t, err)
	ttl = rdis.TTL(idxKey)
	assert.True(t, ttl > 72*time.Hour-time.Minute, "Index TTL shrank: %s", ttl)

	// Issuing recomputes it from the longest-lived challenge in the index.
	_, err = rStore.ConsumeChallenge(ctx, opID, c.ID, now)
	require.NoError(t, err)
	n := newChallenge(t, opID, now.Add(time.Second), 2*time.Hour)
	ttl = rdis.TTL(idxKey)
	assert.InDelta(t, float64(rdis.TTL(rStore.challengeKey(n.ID.String()))), float64(ttl),
		float64(time.Second), "Index should follow the newest challenge")
}

func TestActiveChallenge(t *testing.T) {
	var (
		rStore = setup(t)
		ctx    = context.Background()
		now    = testNow()
		opID   = uuid.New()
	)

	_, err := rStore.ActiveChallenge(ctx, opID, now)
	assert.ErrorIs(t, err, store.ErrNotExist)

	old := newChallenge(t, opID, now, time.Minute)
	c := newChallenge(t, opID, now.Add(2*time.Minute), time.Minute)

	got, err := rStore.ActiveChallenge(ctx, opID, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	// Revive the old one: the newest still wins.
	old.ExpiresAt = now.Add(time.Hour)
	_, err = rStore.UpdateChallenge(ctx, old)
	require.NoError(t, err)

	got, err = rStore.ActiveChallenge(ctx, opID, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	got, err = rStore.ActiveChallenge(ctx, opID, c.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, old.ID, got.ID, "expires_at == now is not active")
}

func TestUpdateChallenge(t *testing.T) {
	var (
		rStore = setup(t)
		ctx    = context.Background()
		now    = testNow()
		c      = newChallenge(t, uuid.New(), now, time.Minute)
	)

	c.Code = "654321"
	c.Consumed = true
	got, err := rStore.UpdateChallenge(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "654321", got.Code)
	assert.True(t, got.Consumed)

	c.Consumed = false
	got, err = rStore.UpdateChallenge(ctx, c)
	require.NoError(t, err)
	assert.True(t, got.Consumed, "Consumed must never be cleared")

	c.ID = uuid.New()
	_, err = rStore.UpdateChallenge(ctx, c)
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestDeleteListChallenges(t *testing.T) {
	var (
		rStore = setup(t)
		ctx    = context.Background()
		now    = testNow()
		opID   = uuid.New()
	)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		c := newChallenge(t, opID, now.Add(time.Duration(i)*time.Minute), time.Minute)
		ids = append(ids, c.ID)
	}

	p, err := rStore.ListChallenges(ctx, opID, models.PageRequest{Page: 1, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	require.Len(t, p.Results, 2)
	assert.Equal(t, ids[0], p.Results[0].ID, "Challenges should be oldest first")

	p, err = rStore.ListChallenges(ctx, opID, models.PageRequest{Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, p.Results, 1)
	assert.Equal(t, ids[2], p.Results[0].ID)

	p, err = rStore.ListChallenges(ctx, opID, models.PageRequest{Page: 5, PerPage: 2})
	require.NoError(t, err)
	assert.Empty(t, p.Results)

	require.NoError(t, rStore.DeleteChallenge(ctx, ids[0]))
	assert.ErrorIs(t, rStore.DeleteChallenge(ctx, ids[0]), store.ErrNotExist)

	// A hash that aged out is dropped from the index.
	rdis.Del(rStore.challengeKey(ids[1].String()))
	p, err = rStore.ListChallenges(ctx, opID, models.PageRequest{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Total)

	members, err := rdis.ZMembers(rStore.indexKey(opID.String()))
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2].String()}, members)
}

func TestPublishWithoutKey(t *testing.T) {
	rStore := setup(t)
	assert.NoError(t, rStore.Publish(context.Background(), models.Event{Type: models.EventCreated}))
}
