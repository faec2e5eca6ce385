// Package poolsync coordinates refresh runs between pool instances sharing
// one store. A redis key acts as the refresh lock and a pub/sub channel
// announces finished refreshes.
package poolsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"proxypool/internal/support"
)

const (
	DefaultLockKey   = "proxypool:refresh:lock"
	DefaultChannel   = "proxypool:refresh:events"
	DefaultLockTTL   = 5 * time.Minute
	redisOpTimeout   = 5 * time.Second
	subscribeBackoff = time.Second
)

var ErrLockHeld = errors.New("refresh lock is held by another instance")

// releaseScript deletes the lock only when it still belongs to the caller,
// so an expired-and-retaken lock is never released by its previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

type Publisher interface {
	PublishRefresh(ctx context.Context, event RefreshEvent) error
}

type RefreshEvent struct {
	Origin    string `json:"origin"`
	Persisted int    `json:"persisted"`
	Available int64  `json:"available"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type RedisSync struct {
	client  *redis.Client
	lockKey string
	channel string
	ttl     time.Duration
	owner   string
}

type Option func(*RedisSync)

func WithLockKey(key string) Option {
	return func(r *RedisSync) {
		if key != "" {
			r.lockKey = key
		}
	}
}

func WithChannel(channel string) Option {
	return func(r *RedisSync) {
		if channel != "" {
			r.channel = channel
		}
	}
}

// WithLockTTL should exceed the refresh deadline so the lock outlives a run.
func WithLockTTL(ttl time.Duration) Option {
	return func(r *RedisSync) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithOwner(owner string) Option {
	return func(r *RedisSync) {
		if owner != "" {
			r.owner = owner
		}
	}
}

func New(client *redis.Client, opts ...Option) *RedisSync {
	r := &RedisSync{
		client:  client,
		lockKey: DefaultLockKey,
		channel: DefaultChannel,
		ttl:     DefaultLockTTL,
		owner:   support.GetInstanceID(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("poolsync: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()
	if err := client.Ping(opCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("poolsync: ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisSync) Acquire(ctx context.Context) (func(), error) {
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	ok, err := r.client.SetNX(opCtx, r.lockKey, r.owner, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("poolsync: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func() {
		releaseCtx, cancel := redisTimeoutCtx(context.Background())
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{r.lockKey}, r.owner).Err(); err != nil {
			log.Error("Refresh lock release failed", "key", r.lockKey, "error", err)
		}
	}
	return release, nil
}

func (r *RedisSync) PublishRefresh(ctx context.Context, event RefreshEvent) error {
	if event.Origin == "" {
		event.Origin = r.owner
	}
	if event.UpdatedAt == "" {
		event.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()
	return r.client.Publish(opCtx, r.channel, payload).Err()
}

// Subscribe delivers refresh events from other instances until ctx ends.
// Events this instance published itself are skipped.
func (r *RedisSync) Subscribe(ctx context.Context, handle func(RefreshEvent)) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Refresh sync: subscription error", "error", err)
			time.Sleep(subscribeBackoff)
			continue
		}

		var event RefreshEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Error("Refresh sync: invalid payload", "error", err)
			continue
		}
		if event.Origin == r.owner {
			continue
		}
		handle(event)
	}
}

func redisTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline && time.Until(deadline) <= redisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, redisOpTimeout)
}
