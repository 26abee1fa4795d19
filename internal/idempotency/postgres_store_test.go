package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	key := "test-key-" + time.Now().Format(time.RFC3339Nano)
	hash := HashRequest("POST", "/api/v1/intents", []byte("{}"))
	rec := Record{
		RequestHash: hash,
		StatusCode:  201,
		Response:    []byte("payload"),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}
	require.NoError(t, store.Save(ctx, key, rec))

	got, err := Lookup(ctx, store, key, hash)
	require.NoError(t, err)
	require.Equal(t, rec.StatusCode, got.StatusCode)

	_, err = Lookup(ctx, store, key, "other")
	require.ErrorIs(t, err, ErrKeyMismatch)

	require.NoError(t, store.Save(ctx, key+"-old", Record{
		StatusCode: 200,
		Response:   []byte("x"),
		CreatedAt:  time.Now().Add(-time.Hour).UTC(),
		ExpiresAt:  time.Now().Add(-time.Minute).UTC(),
	}))
	n, err := store.Purge(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(1))
}
