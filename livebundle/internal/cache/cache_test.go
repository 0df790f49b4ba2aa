package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/livebundle/dbopen"

	_ "modernc.org/sqlite"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	out := map[string]Backend{
		"memory": NewMemory(),
		"sqlite": NewSQLite(dbopen.OpenMemory(t, dbopen.WithSchema(Schema))),
	}
	if addr := os.Getenv("LIVEBUNDLE_REDIS_ADDR"); addr != "" {
		r, err := NewRedis(context.Background(), addr, "", 0)
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })
		out["redis"] = r
	}
	return out
}

func TestCache_TiersAndInvalidate(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := New(b, 0, 0, quiet)
			require.NoError(t, err)
			id := "cache-test-" + name

			require.NoError(t, c.Invalidate(ctx, id))
			_, ok, err := c.Get(ctx, id, "h1", TierPrimary)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, c.Set(ctx, id, "h1", TierPrimary, &Entry{Document: []byte("<p>primary</p>"), Script: "s", Modules: []string{"m"}}))
			require.NoError(t, c.Set(ctx, id, "h1", TierFallback, &Entry{Document: []byte("<p>fallback</p>")}))

			got, ok, err := c.Get(ctx, id, "h1", TierPrimary)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "<p>primary</p>", string(got.Document))
			require.Equal(t, TierPrimary, got.Tier)
			require.Equal(t, "h1", got.ContentHash)
			require.Equal(t, []string{"m"}, got.Modules)

			got, ok, err = c.Get(ctx, id, "h1", TierFallback)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "<p>fallback</p>", string(got.Document))

			_, ok, _ = c.Get(ctx, id, "h2", TierPrimary)
			require.False(t, ok, "other content hash must miss")

			require.NoError(t, c.Set(ctx, id, "h1", TierPrimary, &Entry{Document: []byte("<p>newer</p>")}))
			got, _, _ = c.Get(ctx, id, "h1", TierPrimary)
			require.Equal(t, "<p>newer</p>", string(got.Document), "last write wins")

			require.NoError(t, c.Set(ctx, "other-"+name, "h1", TierPrimary, &Entry{Document: []byte("x")}))
			require.NoError(t, c.Invalidate(ctx, id))
			for _, tier := range []Tier{TierPrimary, TierFallback} {
				_, ok, err := c.Get(ctx, id, "h1", tier)
				require.NoError(t, err)
				require.False(t, ok, "tier %s survived invalidation", tier)
			}
			_, ok, _ = c.Get(ctx, "other-"+name, "h1", TierPrimary)
			require.True(t, ok, "invalidation leaked to another instance")
		})
	}
}

func TestCache_TTLs(t *testing.T) {
	c, err := New(NewMemory(), 0, 0, quiet)
	require.NoError(t, err)
	require.Equal(t, DefaultPrimaryTTL, c.TTL(TierPrimary))
	require.Equal(t, DefaultFallbackTTL, c.TTL(TierFallback))
	require.Less(t, c.TTL(TierFallback), c.TTL(TierPrimary))

	_, _, err = c.Get(context.Background(), "a", "h", Tier("bogus"))
	require.ErrorIs(t, err, ErrUnknownTier)
}

func TestMemory_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMemory()
	m.now = func() time.Time { return now }
	c, err := New(m, time.Hour, time.Minute, quiet)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "h", TierPrimary, &Entry{Document: []byte("p")}))
	require.NoError(t, c.Set(ctx, "a", "h", TierFallback, &Entry{Document: []byte("f")}))

	now = now.Add(2 * time.Minute)
	_, ok, _ := c.Get(ctx, "a", "h", TierFallback)
	require.False(t, ok, "fallback should have expired")
	_, ok, _ = c.Get(ctx, "a", "h", TierPrimary)
	require.True(t, ok, "primary should still be live")
}

func TestSQLite_Sweep(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewSQLite(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, Key{"a", TierFallback, "h"}, []byte("x"), time.Minute))
	require.NoError(t, s.Store(ctx, Key{"a", TierPrimary, "h"}, []byte("y"), time.Hour))
	now = now.Add(5 * time.Minute)

	_, ok, err := s.Load(ctx, Key{"a", TierFallback, "h"})
	require.NoError(t, err)
	require.False(t, ok)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestCache_CorruptValueIsMiss(t *testing.T) {
	m := NewMemory()
	c, err := New(m, 0, 0, quiet)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Store(ctx, Key{"a", TierPrimary, "h"}, []byte("not zstd"), time.Hour))

	_, ok, err := c.Get(ctx, "a", "h", TierPrimary)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestContentHash(t *testing.T) {
	base := ContentHash("src", "scaffold", "css", "v1", "3")
	require.Len(t, base, 64)
	require.Equal(t, base, ContentHash("src", "scaffold", "css", "v1", "3"))

	for _, other := range []string{
		ContentHash("src2", "scaffold", "css", "v1", "3"),
		ContentHash("src", "scaffold2", "css", "v1", "3"),
		ContentHash("src", "scaffold", "css2", "v1", "3"),
		ContentHash("src", "scaffold", "css", "v2", "3"),
		ContentHash("src", "scaffold", "css", "v1", "4"),
		ContentHash("srcs", "caffold", "css", "v1", "3"),
	} {
		require.NotEqual(t, base, other)
	}
}
