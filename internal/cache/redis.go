package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	correlationPrefix = "evroaming:session:"
	deliveredKey      = "evroaming:cdr:delivered"
	filteredKey       = "evroaming:cdr:filtered"
	claimedKey        = "evroaming:cdr:claimed"
)

type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// NewRedisClient connects and pings. The client is closed again when the
// ping fails.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisCorrelations stores one hash per session.
type RedisCorrelations struct {
	client *redis.Client
}

func NewRedisCorrelations(client *redis.Client) *RedisCorrelations {
	return &RedisCorrelations{client: client}
}

func correlationKey(sessionId string) string { return correlationPrefix + sessionId }

func (r *RedisCorrelations) Create(ctx context.Context, c SessionCorrelation) error {
	key := correlationKey(c.SessionId)
	// HSETNX on the id field claims the key atomically
	ok, err := r.client.HSetNX(ctx, key, "session_id", c.SessionId).Result()
	if err != nil {
		return fmt.Errorf("create correlation %s: %w", c.SessionId, err)
	}
	if !ok {
		return ErrCorrelationExists
	}
	if err := r.client.HSet(ctx, key, toHash(c)).Err(); err != nil {
		return fmt.Errorf("create correlation %s: %w", c.SessionId, err)
	}
	return nil
}

func (r *RedisCorrelations) Get(ctx context.Context, sessionId string) (SessionCorrelation, bool, error) {
	m, err := r.client.HGetAll(ctx, correlationKey(sessionId)).Result()
	if err != nil {
		return SessionCorrelation{}, false, fmt.Errorf("get correlation %s: %w", sessionId, err)
	}
	if len(m) == 0 {
		return SessionCorrelation{}, false, nil
	}
	c, err := fromHash(m)
	if err != nil {
		return SessionCorrelation{}, false, fmt.Errorf("decode correlation %s: %w", sessionId, err)
	}
	return c, true, nil
}

func (r *RedisCorrelations) SetStopProvider(ctx context.Context, sessionId, providerId string) error {
	return r.update(ctx, sessionId, "provider_id_stop", providerId)
}

func (r *RedisCorrelations) Complete(ctx context.Context, sessionId string) error {
	return r.update(ctx, sessionId, "completed", "1")
}

// update writes one field unless the correlation is completed. The check and
// the write run in a WATCH transaction.
func (r *RedisCorrelations) update(ctx context.Context, sessionId, field, value string) error {
	key := correlationKey(sessionId)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "session_id", "completed").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return ErrNoCorrelation
		}
		if vals[1] == "1" {
			return ErrCorrelationFrozen
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, field, value)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, ErrNoCorrelation) || errors.Is(err, ErrCorrelationFrozen) {
		return err
	}
	if err != nil {
		return fmt.Errorf("update correlation %s: %w", sessionId, err)
	}
	return nil
}

func toHash(c SessionCorrelation) map[string]any {
	return map[string]any{
		"session_id":              c.SessionId,
		"protocol_session_id":     c.ProtocolSessionId,
		"provider_id_start":       c.ProviderIdStart,
		"provider_id_stop":        c.ProviderIdStop,
		"authorization_reference": c.AuthorizationReference,
		"token":                   c.Token,
		"pool_id":                 c.PoolId,
		"evse_id":                 c.EvseId,
		"via_command":             flag(c.ViaCommand),
		"created_at":              strconv.FormatInt(c.CreatedAt.UnixNano(), 10),
		"completed":               flag(c.Completed),
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func fromHash(m map[string]string) (SessionCorrelation, error) {
	c := SessionCorrelation{
		SessionId:              m["session_id"],
		ProtocolSessionId:      m["protocol_session_id"],
		ProviderIdStart:        m["provider_id_start"],
		ProviderIdStop:         m["provider_id_stop"],
		AuthorizationReference: m["authorization_reference"],
		Token:                  m["token"],
		PoolId:                 m["pool_id"],
		EvseId:                 m["evse_id"],
		ViaCommand:             m["via_command"] == "1",
		Completed:              m["completed"] == "1",
	}
	if v := m["created_at"]; v != "" {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return SessionCorrelation{}, err
		}
		c.CreatedAt = time.Unix(0, ns).UTC()
	}
	return c, nil
}

// RedisDelivered keeps one Redis set per mark.
type RedisDelivered struct {
	client *redis.Client
}

func NewRedisDelivered(client *redis.Client) *RedisDelivered {
	return &RedisDelivered{client: client}
}

func (r *RedisDelivered) Claim(ctx context.Context, sessionId string) (bool, error) {
	n, err := r.client.SAdd(ctx, claimedKey, sessionId).Result()
	if err != nil {
		return false, fmt.Errorf("claim cdr %s: %w", sessionId, err)
	}
	return n == 1, nil
}

func (r *RedisDelivered) Release(ctx context.Context, sessionId string) error {
	if err := r.client.SRem(ctx, claimedKey, sessionId).Err(); err != nil {
		return fmt.Errorf("release cdr %s: %w", sessionId, err)
	}
	return nil
}

func (r *RedisDelivered) Add(ctx context.Context, sessionId string) (bool, error) {
	var added *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.SAdd(ctx, deliveredKey, sessionId)
		p.SAdd(ctx, claimedKey, sessionId)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark cdr delivered %s: %w", sessionId, err)
	}
	return added.Val() == 1, nil
}

func (r *RedisDelivered) MarkFiltered(ctx context.Context, sessionId string) error {
	if err := r.client.SAdd(ctx, filteredKey, sessionId).Err(); err != nil {
		return fmt.Errorf("mark cdr filtered %s: %w", sessionId, err)
	}
	return nil
}

func (r *RedisDelivered) Lookup(ctx context.Context, sessionId string) (Delivery, error) {
	var delivered, filtered, claimed *redis.BoolCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		delivered = p.SIsMember(ctx, deliveredKey, sessionId)
		filtered = p.SIsMember(ctx, filteredKey, sessionId)
		claimed = p.SIsMember(ctx, claimedKey, sessionId)
		return nil
	})
	if err != nil {
		return Undelivered, fmt.Errorf("look up cdr %s: %w", sessionId, err)
	}
	return lookup(delivered.Val(), filtered.Val(), claimed.Val()), nil
}
