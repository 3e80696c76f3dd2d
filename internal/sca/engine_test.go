package sca

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRoundTrip(t *testing.T) {
	var (
		f   = setup(t, true)
		ctx = WithCaller(context.Background(), Caller{Party: "myapp", Origin: "127.0.0.1"})
		op  = f.newOperation(t, true)
		c   = f.issue(t, op.ID, "123456", 5*time.Minute)
	)

	res, err := f.eng.ValidateChallenge(ctx, op.ID, c.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, models.ValidationResult{Success: true, LockedOrFailed: false, Message: MsgChallengeValidated}, res)

	// Any code after that is "used".
	for _, code := range []string{"123456", "000000", ""} {
		res, err = f.eng.ValidateChallenge(ctx, op.ID, c.ID, code)
		require.NoError(t, err)
		assert.Equal(t, models.ValidationResult{Success: false, LockedOrFailed: true, Message: MsgChallengeUsed}, res, "code %q", code)
	}

	got, err := f.eng.GetChallenge(ctx, op.ID, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Consumed, "challenge should be consumed")

	// Only the first call reached the code comparison.
	a := f.rec.Attempts()
	require.Len(t, a, 1)
	assert.True(t, a[0].Success)
	assert.Equal(t, c.ID, a[0].ChallengeID)
	assert.Equal(t, "127.0.0.1", a[0].Origin)
}

func TestValidateNotFound(t *testing.T) {
	var (
		f     = setup(t, true)
		ctx   = context.Background()
		op    = f.newOperation(t, true)
		other = f.newOperation(t, true)
		c     = f.issue(t, op.ID, "123456", 5*time.Minute)
	)

	res, err := f.eng.ValidateChallenge(ctx, op.ID, uuid.New(), "123456")
	require.NoError(t, err)
	assert.Equal(t, resNotFound, res, "unknown challenge")

	// A challenge can't be validated through another operation.
	res, err = f.eng.ValidateChallenge(ctx, other.ID, c.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, resNotFound, res, "foreign challenge")
	assert.True(t, res.LockedOrFailed)

	got, err := f.eng.GetChallenge(ctx, op.ID, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Consumed, "foreign validation must not consume")
	assert.Empty(t, f.rec.Attempts())
}

func TestValidateWrongCodeKeepsChallenge(t *testing.T) {
	var (
		f   = setup(t, true)
		ctx = context.Background()
		op  = f.newOperation(t, true)
		c   = f.issue(t, op.ID, "123456", 5*time.Minute)
	)

	res, err := f.eng.ValidateChallenge(ctx, op.ID, c.ID, "654321")
	require.NoError(t, err)
	assert.Equal(t, models.ValidationResult{Success: false, LockedOrFailed: false, Message: MsgInvalidCode}, res)

	got, err := f.eng.GetChallenge(ctx, op.ID, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Consumed, "wrong code must not consume")

	res, err = f.eng.ValidateChallenge(ctx, op.ID, c.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, resValidated, res, "retry with the right code")

	a := f.rec.Attempts()
	require.Len(t, a, 2)
	assert.False(t, a[0].Success)
	assert.Equal(t, "654321", a[0].Value)
	assert.True(t, a[1].Success)
}

func TestValidatePriority(t *testing.T) {
	var (
		f   = setup(t, true)
		ctx = context.Background()
		op  = f.newOperation(t, true)
		c   = f.issue(t, op.ID, "123456", time.Minute)
	)

	// Expired and wrong code: the code check comes first.
	f.clk.Add(2 * time.Minute)
	res, err := f.eng.ValidateChallenge(ctx, op.ID, c.ID, "000000")
	require.NoError(t, err)
	assert.Equal(t, resBadCode, res, "wrong code on an expired challenge")

	// Expired and the right code.
	res, err = f.eng.ValidateChallenge(ctx, op.ID, c.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, models.ValidationResult{Success: false, LockedOrFailed: true, Message: MsgChallengeExpired}, res)

	// Consumed and expired and wrong code: consumed dominates.
	c2 := f.issue(t, op.ID, "777777", time.Minute)
	res, err = f.eng.ValidateChallenge(ctx, op.ID, c2.ID, "777777")
	require.NoError(t, err)
	require.Equal(t, resValidated, res)

	f.clk.Add(2 * time.Minute)
	res, err = f.eng.ValidateChallenge(ctx, op.ID, c2.ID, "000000")
	require.NoError(t, err)
	assert.Equal(t, resUsed, res, "consumed must dominate expired and wrong code")

	assert.Contains(t, f.rec.AuditTypes(), models.EventExpired)
}

func TestValidateExpiryBoundary(t *testing.T) {
	var (
		f   = setup(t, true)
		ctx = context.Background()
		op  = f.newOperation(t, true)
		c   = f.issue(t, op.ID, "123456", time.Minute)
	)

	f.clk.Set(c.ExpiresAt)
	res, err := f.eng.ValidateChallenge(ctx, op.ID, c.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, resExpired, res, "expires_at == now is expired")

	got, err := f.eng.GetChallenge(ctx, op.ID, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Consumed)

	_, err = f.eng.FindActiveChallenge(ctx, op.ID)
	assert.ErrorIs(t, err, ErrNoActiveChallenge, "expired challenge must not be active")
}

func TestValidateConcurrent(t *testing.T) {
	var (
		f   = setup(t, true)
		ctx = context.Background()
		op  = f.newOperation(t, true)
		c   = f.issue(t, op.ID, "123456", 5*time.Minute)

		n       = 20
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []models.ValidationResult
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.eng.ValidateChallenge(ctx, op.ID, c.ID, "123456")
			assert.NoError(t, err)

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	success := 0
	for _, r := range results {
		if r.Success {
			success++
			continue
		}
		assert.Equal(t, resUsed, r, "losers should see a used challenge")
	}
	assert.Equal(t, 1, success, "exactly one validation must succeed")
}

func TestFindActiveChallenge(t *testing.T) {
	var (
		f   = setup(t, true)
		ctx = context.Background()
		op  = f.newOperation(t, true)
	)

	_, err := f.eng.FindActiveChallenge(ctx, op.ID)
	assert.ErrorIs(t, err, ErrNoActiveChallenge, "no challenges")

	c1 := f.issue(t, op.ID, "111111", time.Minute)
	got, err := f.eng.FindActiveChallenge(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, got.ID)

	// Once c1 expires, a new one can be issued. Extending c1 afterwards
	// leaves two live challenges; the newest wins.
	f.clk.Add(2 * time.Minute)
	c2 := f.issue(t, op.ID, "222222", 5*time.Minute)
	_, err = f.eng.UpdateChallenge(ctx, op.ID, c1.ID, models.Challenge{ExpiresAt: f.clk.Now().Add(10 * time.Minute)})
	require.NoError(t, err)

	got, err = f.eng.FindActiveChallenge(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, c2.ID, got.ID, "newest challenge should be selected")

	// Consumed challenges are skipped.
	res, err := f.eng.ValidateChallenge(ctx, op.ID, c2.ID, "222222")
	require.NoError(t, err)
	require.True(t, res.Success)

	got, err = f.eng.FindActiveChallenge(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, got.ID)
}

func TestIssueChallenge(t *testing.T) {
	var (
		f   = setup(t, true)
		ctx = context.Background()
		op  = f.newOperation(t, false)
	)

	_, err := f.eng.IssueChallenge(ctx, uuid.New(), models.Challenge{Code: "123456"})
	assert.ErrorIs(t, err, store.ErrNotExist, "unknown operation")

	_, err = f.eng.IssueChallenge(ctx, op.ID, models.Challenge{Code: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput, "empty code")

	_, err = f.eng.IssueChallenge(ctx, op.ID, models.Challenge{Code: "123456", ExpiresAt: baseTime})
	assert.ErrorIs(t, err, ErrInvalidInput, "expiry not in the future")

	// Default TTL.
	c, err := f.eng.IssueChallenge(ctx, op.ID, models.Challenge{Code: "123456"})
	require.NoError(t, err)
	assert.True(t, c.ExpiresAt.Equal(baseTime.Add(5*time.Minute)), "default TTL not applied: %s", c.ExpiresAt)
	assert.True(t, c.CreatedAt.Equal(baseTime))
	assert.False(t, c.Consumed)
	assert.Equal(t, op.ID, c.OperationID)

	// Only one active challenge at a time.
	_, err = f.eng.IssueChallenge(ctx, op.ID, models.Challenge{Code: "654321"})
	assert.ErrorIs(t, err, store.ErrActiveChallenge)

	// Once consumed, a new one can be issued.
	res, err := f.eng.ValidateChallenge(ctx, op.ID, c.ID, "123456")
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = f.eng.IssueChallenge(ctx, op.ID, models.Challenge{Code: "654321"})
	assert.NoError(t, err)

	assert.Contains(t, f.rec.AuditTypes(), models.EventChallengeIssued)
}

func TestChallengeCRUD(t *testing.T) {
	var (
		f     = setup(t, true)
		ctx   = context.Background()
		op    = f.newOperation(t, true)
		other = f.newOperation(t, true)
		c     = f.issue(t, op.ID, "123456", 5*time.Minute)
	)

	_, err := f.eng.GetChallenge(ctx, other.ID, c.ID)
	assert.ErrorIs(t, err, store.ErrNotExist, "challenge read through another operation")

	up, err := f.eng.UpdateChallenge(ctx, op.ID, c.ID, models.Challenge{Code: "999999"})
	require.NoError(t, err)
	assert.Equal(t, "999999", up.Code)
	assert.True(t, up.ExpiresAt.Equal(c.ExpiresAt), "expiry should be unchanged")

	// consumed can't be cleared.
	up, err = f.eng.UpdateChallenge(ctx, op.ID, c.ID, models.Challenge{Consumed: true})
	require.NoError(t, err)
	assert.True(t, up.Consumed)
	up, err = f.eng.UpdateChallenge(ctx, op.ID, c.ID, models.Challenge{Code: "111111"})
	require.NoError(t, err)
	assert.True(t, up.Consumed, "consumed was cleared")

	page, err := f.eng.ListChallenges(ctx, op.ID, models.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, defaultPerPage, page.PerPage)

	_, err = f.eng.ListChallenges(ctx, uuid.New(), models.PageRequest{})
	assert.ErrorIs(t, err, store.ErrNotExist)

	assert.ErrorIs(t, f.eng.DeleteChallenge(ctx, other.ID, c.ID), store.ErrNotExist)
	require.NoError(t, f.eng.DeleteChallenge(ctx, op.ID, c.ID))
	_, err = f.eng.GetChallenge(ctx, op.ID, c.ID)
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestNilRecorder(t *testing.T) {
	f := setup(t, true)
	eng := NewEngine(f.db, f.db, nil, f.eng.lo, EngineOpts{Clock: f.clk.Now})

	op := f.newOperation(t, true)
	c, err := eng.IssueChallenge(context.Background(), op.ID, models.Challenge{Code: "123456"})
	require.NoError(t, err)

	res, err := eng.ValidateChallenge(context.Background(), op.ID, c.ID, "123456")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestNormalizePage(t *testing.T) {
	assert.Equal(t, models.PageRequest{Page: 1, PerPage: defaultPerPage}, normalizePage(models.PageRequest{}))
	assert.Equal(t, models.PageRequest{Page: 3, PerPage: maxPerPage}, normalizePage(models.PageRequest{Page: 3, PerPage: 5000}))
	assert.Equal(t, models.PageRequest{Page: 2, PerPage: 10}, normalizePage(models.PageRequest{Page: 2, PerPage: 10}))
}
