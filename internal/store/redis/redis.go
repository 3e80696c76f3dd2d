package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis ChallengeStore. Challenges are hashes that
// expire a retention period after the challenge itself expires. Each
// operation has a sorted set of its challenge IDs scored by creation time.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`

	// How long a challenge is kept after it has expired.
	Retention time.Duration `json:"retention"`

	// If this is set, lifecycle events are PUBLISHed to this key (Redis PubSub).
	PublishKey string `json:"publish_key"`
}

type challenge struct {
	ID          string `redis:"id"`
	OperationID string `redis:"operation_id"`
	Code        string `redis:"code"`
	CreatedAt   int64  `redis:"created_at"`
	ExpiresAt   int64  `redis:"expires_at"`
	Consumed    bool   `redis:"consumed"`
}

// maxTxRetries is the number of times an optimistic (WATCH) transaction
// is retried when the watched key changes underneath it.
const maxTxRetries = 5

var (
	// consumeScript flips consumed to 1 only if the challenge belongs to the
	// operation, is unconsumed and expires after the given time.
	// KEYS[1] = challenge key. ARGV = operation ID, now (unix ms).
	consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local v = redis.call('HMGET', KEYS[1], 'operation_id', 'consumed', 'expires_at')
if v[1] ~= ARGV[1] or v[2] == '1' then
	return 0
end
if tonumber(v[3]) <= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`)

	// updateScript updates the code and expiry of an existing challenge.
	// consumed is only ever set, never cleared.
	// The operation's index is only ever given a longer TTL.
	// KEYS[1] = challenge key, KEYS[2] = index key.
	// ARGV = code, expires_at (ms), consumed (0/1), key TTL (ms).
	updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'code', ARGV[1])
redis.call('HSET', KEYS[1], 'expires_at', ARGV[2])
if ARGV[3] == '1' then
	redis.call('HSET', KEYS[1], 'consumed', '1')
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
local ttl = redis.call('PTTL', KEYS[2])
if ttl ~= -2 and ttl < tonumber(ARGV[4]) then
	redis.call('PEXPIRE', KEYS[2], ARGV[4])
end
return 1
`)
)

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "SCA"
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// GetChallenge retrieves a challenge by its ID.
func (r *Redis) GetChallenge(ctx context.Context, id uuid.UUID) (models.Challenge, error) {
	c, err := r.get(ctx, r.client, id.String())
	if err != nil {
		return models.Challenge{}, fmt.Errorf("failed to get challenge: %w", err)
	}
	return c.model(), nil
}

// CreateChallenge stores a challenge. The operation's index is WATCHed so that
// the active-challenge check and the write are atomic: if another challenge
// is added to the operation in between, the transaction is retried.
func (r *Redis) CreateChallenge(ctx context.Context, c models.Challenge) (models.Challenge, error) {
	var (
		key    = r.challengeKey(c.ID.String())
		idxKey = r.indexKey(c.OperationID.String())
	)

	txf := func(tx *redis.Tx) error {
		ids, err := tx.ZRevRange(ctx, idxKey, 0, -1).Result()
		if err != nil {
			return err
		}

		// The index lives as long as its longest-lived challenge.
		idxExp := c.ExpiresAt
		for _, id := range ids {
			ch, err := r.get(ctx, tx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotExist) {
					continue
				}
				return err
			}
			m := ch.model()
			if m.Active(c.CreatedAt) {
				return store.ErrActiveChallenge
			}
			if m.ExpiresAt.After(idxExp) {
				idxExp = m.ExpiresAt
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HMSet(ctx, key,
				"id", c.ID.String(),
				"operation_id", c.OperationID.String(),
				"code", c.Code,
				"created_at", c.CreatedAt.UnixMilli(),
				"expires_at", c.ExpiresAt.UnixMilli(),
				"consumed", c.Consumed)
			pipe.PExpire(ctx, key, r.keyTTL(c.ExpiresAt))
			pipe.ZAdd(ctx, idxKey, redis.Z{
				Score:  float64(c.CreatedAt.UnixMilli()),
				Member: c.ID.String(),
			})
			pipe.PExpire(ctx, idxKey, r.keyTTL(idxExp))
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, idxKey)
		if err == nil {
			return r.GetChallenge(ctx, c.ID)
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return c, fmt.Errorf("failed to create challenge: %w", err)
	}
	return c, fmt.Errorf("failed to create challenge: %w", redis.TxFailedErr)
}

// UpdateChallenge updates the code and expiry of a challenge.
func (r *Redis) UpdateChallenge(ctx context.Context, c models.Challenge) (models.Challenge, error) {
	consumed := 0
	if c.Consumed {
		consumed = 1
	}

	n, err := updateScript.Run(ctx, r.client,
		[]string{r.challengeKey(c.ID.String()), r.indexKey(c.OperationID.String())},
		c.Code,
		c.ExpiresAt.UnixMilli(),
		consumed,
		r.keyTTL(c.ExpiresAt).Milliseconds()).Int()
	if err != nil {
		return c, fmt.Errorf("failed to update challenge: %w", err)
	}
	if n == 0 {
		return c, fmt.Errorf("failed to update challenge: %w", store.ErrNotExist)
	}
	return r.GetChallenge(ctx, c.ID)
}

// DeleteChallenge deletes a challenge and removes it from its operation's index.
func (r *Redis) DeleteChallenge(ctx context.Context, id uuid.UUID) error {
	c, err := r.get(ctx, r.client, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.challengeKey(c.ID))
	pipe.ZRem(ctx, r.indexKey(c.OperationID), c.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// ListChallenges returns a page of an operation's challenges, oldest first.
// Challenges that have aged out of Redis are dropped from the index.
func (r *Redis) ListChallenges(ctx context.Context, operationID uuid.UUID, p models.PageRequest) (models.Page[models.Challenge], error) {
	out := models.Page[models.Challenge]{Results: []models.Challenge{}, Page: p.Page, PerPage: p.PerPage}

	all, err := r.list(ctx, operationID, false)
	if err != nil {
		return out, fmt.Errorf("failed to list challenges: %w", err)
	}
	out.Total = len(all)

	start := p.Offset()
	if start >= len(all) {
		return out, nil
	}
	end := len(all)
	if p.PerPage > 0 && start+p.PerPage < end {
		end = start + p.PerPage
	}
	out.Results = all[start:end]
	return out, nil
}

// ActiveChallenge returns the newest challenge of the operation that is
// unconsumed and expires after now.
func (r *Redis) ActiveChallenge(ctx context.Context, operationID uuid.UUID, now time.Time) (models.Challenge, error) {
	all, err := r.list(ctx, operationID, true)
	if err != nil {
		return models.Challenge{}, fmt.Errorf("failed to get active challenge: %w", err)
	}
	for _, c := range all {
		if c.Active(now) {
			return c, nil
		}
	}
	return models.Challenge{}, fmt.Errorf("failed to get active challenge: %w", store.ErrNotExist)
}

// ConsumeChallenge atomically marks a challenge consumed with a Lua script.
func (r *Redis) ConsumeChallenge(ctx context.Context, operationID, challengeID uuid.UUID, now time.Time) (bool, error) {
	n, err := consumeScript.Run(ctx, r.client, []string{r.challengeKey(challengeID.String())},
		operationID.String(), now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return n == 1, nil
}

// Publish publishes an event to the configured PubSub key. It's a no-op
// if no key is configured.
func (r *Redis) Publish(ctx context.Context, e models.Event) error {
	if r.conf.PublishKey == "" {
		return nil
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.conf.PublishKey, b).Err()
}

// list loads all challenges of an operation ordered by creation time.
func (r *Redis) list(ctx context.Context, operationID uuid.UUID, newestFirst bool) ([]models.Challenge, error) {
	idxKey := r.indexKey(operationID.String())

	var (
		ids []string
		err error
	)
	if newestFirst {
		ids, err = r.client.ZRevRange(ctx, idxKey, 0, -1).Result()
	} else {
		ids, err = r.client.ZRange(ctx, idxKey, 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	var (
		out   = make([]models.Challenge, 0, len(ids))
		stale []interface{}
	)
	for _, id := range ids {
		c, err := r.get(ctx, r.client, id)
		if err != nil {
			if errors.Is(err, store.ErrNotExist) {
				stale = append(stale, id)
				continue
			}
			return nil, err
		}
		out = append(out, c.model())
	}

	if len(stale) > 0 {
		r.client.ZRem(ctx, idxKey, stale...)
	}
	return out, nil
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// get retrieves a challenge hash.
func (r *Redis) get(ctx context.Context, c hashGetter, id string) (challenge, error) {
	var out challenge
	if err := c.HGetAll(ctx, r.challengeKey(id)).Scan(&out); err != nil {
		return out, err
	}

	// Doesn't exist?
	if out.ID == "" {
		return out, store.ErrNotExist
	}
	return out, nil
}

func (c challenge) model() models.Challenge {
	return models.Challenge{
		ID:          uuid.MustParse(c.ID),
		OperationID: uuid.MustParse(c.OperationID),
		Code:        c.Code,
		CreatedAt:   time.UnixMilli(c.CreatedAt).UTC(),
		ExpiresAt:   time.UnixMilli(c.ExpiresAt).UTC(),
		Consumed:    c.Consumed,
	}
}

// keyTTL returns how long a challenge hash is kept: until the retention
// period after the challenge's expiry has passed.
func (r *Redis) keyTTL(expiresAt time.Time) time.Duration {
	d := time.Until(expiresAt.Add(r.conf.Retention))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// challengeKey makes the Redis key for a challenge.
func (r *Redis) challengeKey(id string) string {
	return fmt.Sprintf("%s:challenge:%s", r.conf.KeyPrefix, id)
}

// indexKey makes the Redis key for an operation's challenge index.
func (r *Redis) indexKey(operationID string) string {
	return fmt.Sprintf("%s:operation:%s:challenges", r.conf.KeyPrefix, operationID)
}
