package webclient_test

import (
	"testing"
	"time"

	"github.com/seb7887/netclient/backoff"
	"github.com/seb7887/netclient/webclient"
	"github.com/seb7887/netclient/webclient/webclienttest"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func newRuntime(t *testing.T, b *webclienttest.Builder, tune func(*webclient.Config), opts ...webclient.Option) *webclient.Runtime {
	t.Helper()

	cfg := webclient.DefaultConfig()
	cfg.Pool.Janitor = false
	cfg.Dispatch.Workers = 4
	cfg.Connection.ShutdownTimeout = time.Second
	if tune != nil {
		tune(&cfg)
	}

	all := append([]webclient.Option{
		webclient.WithConfig(cfg),
		webclient.WithBackoff(backoff.None),
	}, opts...)
	rt, err := webclient.NewRuntime(all...)
	require.NoError(t, err)
	require.NoError(t, b.Register(rt.Factory(), "http", "https", "ws", "wss"))
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// sendAndWait sends GET on c and waits for the terminal snapshot.
func sendAndWait(t *testing.T, c *webclient.Connection, rec *webclienttest.Recorder) *webclient.RequestData {
	t.Helper()
	want := len(rec.Terminals()) + 1
	require.NoError(t, c.SetRequestType("GET"))
	require.NoError(t, c.SetDataReceiver(rec.Data))
	require.NoError(t, c.SetStateReceiver(rec.State))
	require.NoError(t, c.Send())
	terms := rec.WaitTerminals(t, want, waitTimeout)
	return terms[want-1]
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond)
}
