package clientid

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func registries(t *testing.T) map[string]Registry {
	return map[string]Registry{
		"local": NewLocal(),
		"redis": NewRedis(nil, setupTestRedis(t)),
	}
}

func TestRegistry_Claim(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			release, err := reg.Claim(ctx, "client-a")
			require.NoError(t, err)
			require.NotNil(t, release)

			_, err = reg.Claim(ctx, "client-a")
			assert.ErrorIs(t, err, ErrInUse)

			other, err := reg.Claim(ctx, "client-b")
			require.NoError(t, err)
			assert.NoError(t, other(ctx))

			assert.NoError(t, release(ctx))

			again, err := reg.Claim(ctx, "client-a")
			require.NoError(t, err)
			assert.NoError(t, again(ctx))
		})
	}
}

func TestRegistry_InvalidClientID(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Claim(context.Background(), "")
			assert.ErrorIs(t, err, ErrInvalidClientID)
		})
	}
}

func TestRegistry_ContextCancellation(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := reg.Claim(ctx, "client-c")
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestLocalRegistry_StaleReleaseKeepsNewClaim(t *testing.T) {
	reg := NewLocal()
	ctx := context.Background()

	first, err := reg.Claim(ctx, "client-a")
	require.NoError(t, err)
	require.NoError(t, first(ctx))

	second, err := reg.Claim(ctx, "client-a")
	require.NoError(t, err)

	// releasing the first claim again must not drop the second one
	require.NoError(t, first(ctx))
	_, err = reg.Claim(ctx, "client-a")
	assert.ErrorIs(t, err, ErrInUse)
	require.NoError(t, second(ctx))
}

func TestRedisRegistry_LeaseIsExtended(t *testing.T) {
	reg := NewRedis(nil, setupTestRedis(t))
	ctx := context.Background()

	release, err := reg.Claim(ctx, "client-a", WithExpiry(200*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)
	_, err = reg.Claim(ctx, "client-a")
	assert.ErrorIs(t, err, ErrInUse)

	require.NoError(t, release(ctx))
	again, err := reg.Claim(ctx, "client-a")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}
