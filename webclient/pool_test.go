package webclient_test

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/seb7887/netclient/observability"
	"github.com/seb7887/netclient/webclient"
	"github.com/seb7887/netclient/webclient/webclienttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetKey(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"http://Example.COM/path?q=1", "http://example.com:80"},
		{"HTTPS://example.com", "https://example.com:443"},
		{"ws://chat.example.com:8080/socket", "ws://chat.example.com:8080"},
		{"wss://chat.example.com/", "wss://chat.example.com:443"},
		{"http://[::1]/", "http://[::1]:80"},
		{"custom://host", "custom://host"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := webclient.ParseTarget(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, webclient.TargetKey(u))
		})
	}
}

func TestParseTarget_Invalid(t *testing.T) {
	for _, raw := range []string{"", "example.com", "http://", "http://a b/"} {
		_, err := webclient.ParseTarget(raw)
		assert.ErrorIs(t, err, webclient.ErrInvalidURL, raw)
		assert.ErrorIs(t, err, webclient.ErrConfiguration, raw)
	}
}

// dialed acquires a connection for raw and completes one request on it.
func dialed(t *testing.T, rt *webclient.Runtime, raw string) *webclient.Connection {
	t.Helper()
	c, err := rt.Acquire(raw)
	require.NoError(t, err)
	sendAndWait(t, c, webclienttest.NewRecorder())
	require.Equal(t, webclient.Connected, c.State())
	return c
}

func TestPool_ReusesReleasedConnection(t *testing.T) {
	b := webclienttest.NewBuilder(nil)
	rt := newRuntime(t, b, nil)

	first := dialed(t, rt, "http://example.com/a")
	rt.Release(first)
	assert.Equal(t, 1, rt.Pool().Len("http://example.com:80"))

	second, err := rt.Acquire("http://EXAMPLE.com:80/b")
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, "/b", second.URL().Path)
	assert.Equal(t, 0, rt.Pool().Len("http://example.com:80"))

	// configuration and receivers were reset on release
	assert.Empty(t, second.Method())
	assert.Nil(t, second.Headers())

	rec := webclienttest.NewRecorder()
	term := sendAndWait(t, second, rec)
	assert.NoError(t, term.Err)
	assert.Empty(t, rec.States(), "a reused connection is already connected")
	require.Len(t, b.Created(), 1)
	assert.Equal(t, 1, b.Created()[0].Dials())
	assert.Equal(t, "/b", mustParse(t, b.Created()[0].LastRequest().URL).Path)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestPool_DifferentTargetsDoNotShare(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	c := dialed(t, rt, "http://a.example/")
	rt.Release(c)

	other, err := rt.Acquire("http://b.example/")
	require.NoError(t, err)
	assert.NotEqual(t, c.ID(), other.ID())
	assert.Equal(t, []string{"http://a.example:80"}, rt.Pool().Keys())
}

func TestPool_CapacityDiscardsExtra(t *testing.T) {
	registry := prometheus.NewRegistry()
	rt := newRuntime(t, webclienttest.NewBuilder(nil), func(cfg *webclient.Config) {
		cfg.Pool.Capacity = 1
	}, webclient.WithMetrics(observability.NewMetricsCollector(registry)))

	a := dialed(t, rt, "http://example.com/")
	b := dialed(t, rt, "http://example.com/")
	rt.Release(a)
	rt.Release(b)

	assert.Equal(t, 1, rt.Pool().Len("http://example.com:80"))
	eventually(t, b.IsShutdown)
	assert.False(t, a.IsShutdown())
	webclienttest.AssertMetric(t, registry, "netclient_pool_evictions_total",
		map[string]string{"target": "http://example.com:80", "reason": "capacity"}, 1)
	webclienttest.AssertMetric(t, registry, "netclient_pool_idle_connections",
		map[string]string{"target": "http://example.com:80"}, 1)
}

func TestPool_DoubleReleaseIgnored(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	c := dialed(t, rt, "http://example.com/")
	rt.Release(c)
	rt.Release(c)

	assert.Equal(t, 1, rt.Pool().Len("http://example.com:80"))
	assert.False(t, c.IsShutdown())
}

func TestPool_ConcurrentAcquireNeverSharesAConnection(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), func(cfg *webclient.Config) {
		cfg.Pool.Capacity = 8
	})

	for range 4 {
		rt.Release(dialed(t, rt, "http://example.com/"))
	}
	require.Equal(t, 4, rt.Pool().Len("http://example.com:80"))

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, err := rt.Acquire("http://example.com/")
			if err == nil {
				ids[i] = c.ID()
			}
		}()
	}
	close(start)
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "connection %s handed out twice", id)
		seen[id] = true
	}
	assert.Equal(t, 0, rt.Pool().Len("http://example.com:80"))
}

func TestPool_ExpiredIdleConnectionIsNotReused(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), func(cfg *webclient.Config) {
		cfg.Pool.IdleTTL = 20 * time.Millisecond
	})

	old := dialed(t, rt, "http://example.com/")
	rt.Release(old)
	time.Sleep(40 * time.Millisecond)

	fresh, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())
	eventually(t, old.IsShutdown)
}

func TestPool_SweepEvictsExpired(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), func(cfg *webclient.Config) {
		cfg.Pool.IdleTTL = 20 * time.Millisecond
	})

	c := dialed(t, rt, "http://example.com/")
	rt.Release(c)
	assert.Zero(t, rt.Pool().Sweep())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, rt.Pool().Sweep())
	assert.Empty(t, rt.Pool().Keys())
	eventually(t, c.IsShutdown)
}

func TestPool_JanitorEvictsExpired(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), func(cfg *webclient.Config) {
		cfg.Pool.IdleTTL = 20 * time.Millisecond
		cfg.Pool.Janitor = true
	})

	c := dialed(t, rt, "http://example.com/")
	rt.Release(c)

	eventually(t, func() bool { return rt.Pool().Len("http://example.com:80") == 0 })
	eventually(t, c.IsShutdown)
}

func TestPool_UnhealthyIdleConnectionIsDiscarded(t *testing.T) {
	b := webclienttest.NewBuilder(nil)
	rt := newRuntime(t, b, nil)

	old := dialed(t, rt, "http://example.com/")
	rt.Release(old)
	b.Created()[0].SetUnhealthy(true)

	fresh, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.Equal(t, webclient.Disconnected, old.State())
	eventually(t, old.IsShutdown)
}

func TestPool_ReleaseOfUnusableConnectionShutsItDown(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	never, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	rt.Release(never)

	assert.Zero(t, rt.Pool().Len("http://example.com:80"))
	eventually(t, never.IsShutdown)
}

func TestPool_ReleaseFromReceiver(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	rec.OnData = func(d *webclient.RequestData) {
		if d.Done {
			rt.Release(c)
		}
	}
	sendAndWait(t, c, rec)

	eventually(t, func() bool { return rt.Pool().Len("http://example.com:80") == 1 })
}

func TestPool_UnknownScheme(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	_, err := rt.Acquire("ftp://files.example.com/")
	assert.ErrorIs(t, err, webclient.ErrUnknownScheme)
	assert.ErrorIs(t, err, webclient.ErrConfiguration)
}

func TestPool_CloseShutsDownIdleConnections(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	a := dialed(t, rt, "http://a.example/")
	b := dialed(t, rt, "http://b.example/")
	rt.Release(a)
	rt.Release(b)

	require.NoError(t, rt.Pool().Close())
	assert.True(t, a.IsShutdown())
	assert.True(t, b.IsShutdown())
	assert.Empty(t, rt.Pool().Keys())

	_, err := rt.Acquire("http://a.example/")
	assert.ErrorIs(t, err, webclient.ErrRuntimeClosed)
	assert.NoError(t, rt.Pool().Close())
}

func TestPool_CloseRacingReleaseLeavesNoConnectionBehind(t *testing.T) {
	const conns = 16
	for range 20 {
		rt := newRuntime(t, webclienttest.NewBuilder(nil), func(cfg *webclient.Config) {
			cfg.Pool.Capacity = conns
		})
		held := make([]*webclient.Connection, conns)
		for i := range held {
			held[i] = dialed(t, rt, "http://example.com/")
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, c := range held {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				rt.Release(c)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, rt.Pool().Close())
		}()
		close(start)
		wg.Wait()

		for _, c := range held {
			eventually(t, c.IsShutdown)
		}
		assert.Zero(t, rt.Pool().Len("http://example.com:80"))
		_, err := rt.Acquire("http://example.com/")
		assert.ErrorIs(t, err, webclient.ErrRuntimeClosed)
	}
}
