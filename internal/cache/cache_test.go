package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func correlationStores(t *testing.T) map[string]CorrelationStore {
	_, client := newTestRedis(t)
	return map[string]CorrelationStore{
		"memory": NewMemoryCorrelations(),
		"redis":  NewRedisCorrelations(client),
	}
}

func deliveredSets(t *testing.T) map[string]DeliveredSet {
	_, client := newTestRedis(t)
	return map[string]DeliveredSet{
		"memory": NewMemoryDelivered(),
		"redis":  NewRedisDelivered(client),
	}
}

func TestCorrelationLifecycle(t *testing.T) {
	for name, s := range correlationStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := SessionCorrelation{
				SessionId:       "S-1",
				ProviderIdStart: "DE*EMP",
				Token:           "04A2B3",
				EvseId:          "DE*GEF*E1",
				ViaCommand:      true,
				CreatedAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.Create(ctx, c))
			assert.ErrorIs(t, s.Create(ctx, c), ErrCorrelationExists)

			got, ok, err := s.Get(ctx, "S-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, c, got)

			require.NoError(t, s.SetStopProvider(ctx, "S-1", "NL*ABC"))
			require.NoError(t, s.Complete(ctx, "S-1"))
			assert.ErrorIs(t, s.SetStopProvider(ctx, "S-1", "XX*YYY"), ErrCorrelationFrozen)

			got, _, err = s.Get(ctx, "S-1")
			require.NoError(t, err)
			assert.Equal(t, "NL*ABC", got.ProviderIdStop)
			assert.True(t, got.Completed)

			_, ok, err = s.Get(ctx, "unknown")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.ErrorIs(t, s.Complete(ctx, "unknown"), ErrNoCorrelation)
		})
	}
}

func TestDeliveredSetAddsOnce(t *testing.T) {
	for name, s := range deliveredSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var (
				wg    sync.WaitGroup
				mu    sync.Mutex
				added int
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.Add(ctx, "S-1")
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						added++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, added)

			state, err := s.Lookup(ctx, "S-1")
			require.NoError(t, err)
			assert.Equal(t, Delivered, state)
			state, err = s.Lookup(ctx, "S-2")
			require.NoError(t, err)
			assert.Equal(t, Undelivered, state)
		})
	}
}

func TestDeliveryLedger(t *testing.T) {
	for name, s := range deliveredSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := func(id string) Delivery {
				t.Helper()
				d, err := s.Lookup(ctx, id)
				require.NoError(t, err)
				return d
			}
			assert.Equal(t, Undelivered, state("S-1"))

			ok, err := s.Claim(ctx, "S-1")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.Claim(ctx, "S-1")
			require.NoError(t, err)
			assert.False(t, ok, "a claim is held until released")
			assert.Equal(t, Claimed, state("S-1"))

			require.NoError(t, s.Release(ctx, "S-1"))
			assert.Equal(t, Undelivered, state("S-1"))
			ok, err = s.Claim(ctx, "S-1")
			require.NoError(t, err)
			assert.True(t, ok)

			added, err := s.Add(ctx, "S-1")
			require.NoError(t, err)
			assert.True(t, added)
			assert.Equal(t, Delivered, state("S-1"))
			ok, err = s.Claim(ctx, "S-1")
			require.NoError(t, err)
			assert.False(t, ok, "delivered sessions cannot be claimed again")

			require.NoError(t, s.MarkFiltered(ctx, "S-2"))
			assert.Equal(t, Filtered, state("S-2"))

			require.NoError(t, s.MarkFiltered(ctx, "S-1"))
			assert.Equal(t, Delivered, state("S-1"))
		})
	}
}

func TestRedisErrorsAreWrapped(t *testing.T) {
	mr, client := newTestRedis(t)
	d := NewRedisDelivered(client)
	mr.Close()

	_, err := d.Add(context.Background(), "S-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark cdr delivered S-1")
	_, err = d.Claim(context.Background(), "S-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim cdr S-1")
	_, err = d.Lookup(context.Background(), "S-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "look up cdr S-1")
}

func TestNewRedisClientPings(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	_ = client.Close()

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient(context.Background(), RedisOptions{Addr: addr, DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}
