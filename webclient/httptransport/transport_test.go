package httptransport_test

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/seb7887/netclient/backoff"
	"github.com/seb7887/netclient/observability"
	"github.com/seb7887/netclient/policy"
	"github.com/seb7887/netclient/webclient"
	"github.com/seb7887/netclient/webclient/httptransport"
	"github.com/seb7887/netclient/webclient/webclienttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

func newRuntime(t *testing.T, cfg httptransport.Config, opts ...httptransport.Option) *webclient.Runtime {
	t.Helper()

	rcfg := webclient.DefaultConfig()
	rcfg.Pool.Janitor = false
	rcfg.Connection.MaxAttempts = 2
	rcfg.Connection.DialTimeout = time.Second
	rcfg.Connection.ShutdownTimeout = time.Second
	rt, err := webclient.NewRuntime(webclient.WithConfig(rcfg), webclient.WithBackoff(backoff.None))
	require.NoError(t, err)
	require.NoError(t, httptransport.Register(rt.Factory(), cfg, opts...))
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func send(t *testing.T, rt *webclient.Runtime, c *webclient.Connection, rec *webclienttest.Recorder, method string) *webclient.RequestData {
	t.Helper()
	want := len(rec.Terminals()) + 1
	require.NoError(t, c.SetRequestType(method))
	require.NoError(t, c.SetDataReceiver(rec.Data))
	require.NoError(t, c.SetStateReceiver(rec.State))
	require.NoError(t, c.Send())
	return rec.WaitTerminals(t, want, waitTimeout)[want-1]
}

func TestTransport_GetStreamsResponse(t *testing.T) {
	var gotRequestID, gotClientID, gotCustom atomic.Value
	srv := webclienttest.NewServer(webclienttest.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID.Store(r.Header.Get("X-Request-Id"))
		gotClientID.Store(r.Header.Get("X-Client-Id"))
		gotCustom.Store(r.Header.Get("X-Custom"))
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello over the wire"))
	}))
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{}, httptransport.WithClientID("client-7"))
	c, err := rt.Acquire(srv.URL + "/items")
	require.NoError(t, err)
	require.NoError(t, c.SetHeader("X-Custom", "yes"))

	rec := webclienttest.NewRecorder()
	term := send(t, rt, c, rec, http.MethodGet)

	require.NoError(t, term.Err)
	assert.Equal(t, http.StatusCreated, term.StatusCode)
	assert.Equal(t, "Created", term.StatusMessage)
	assert.Equal(t, "HTTP/1.1", term.Version)
	assert.Equal(t, "text/plain", term.Headers.Get("content-type"))
	assert.Equal(t, "abc", term.SetCookies.Get("session"))
	assert.Equal(t, "hello over the wire", rec.Content())
	assert.Equal(t, term.RequestID, gotRequestID.Load())
	assert.Equal(t, "client-7", gotClientID.Load())
	assert.Equal(t, "yes", gotCustom.Load())
	assert.Equal(t, []webclient.State{webclient.Connected}, rec.States())
}

func TestTransport_ChunksLargeBodies(t *testing.T) {
	body := strings.Repeat("x", 10)
	srv := webclienttest.NewServer(webclienttest.WithBody(body))
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{ChunkSize: 4})
	c, err := rt.Acquire(srv.URL)
	require.NoError(t, err)

	rec := webclienttest.NewRecorder()
	send(t, rt, c, rec, http.MethodGet)

	snaps := rec.Snapshots()
	require.GreaterOrEqual(t, len(snaps), 4)
	for _, s := range snaps[:len(snaps)-1] {
		assert.LessOrEqual(t, len(s.Content), 4)
		assert.False(t, s.Done)
	}
	assert.Equal(t, body, rec.Content())
	assert.Equal(t, uint64(len(body)), rt.Stats().BytesRecv())
}

func TestTransport_KeepAliveReusesSocket(t *testing.T) {
	srv := webclienttest.NewServer(webclienttest.WithBody("ok"))
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{})
	c, err := rt.Acquire(srv.URL + "/one")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	send(t, rt, c, rec, http.MethodGet)
	rt.Release(c)

	again, err := rt.Acquire(srv.URL + "/two")
	require.NoError(t, err)
	require.Equal(t, c.ID(), again.ID())
	send(t, rt, again, webclienttest.NewRecorder(), http.MethodPost)

	assert.Equal(t, 2, srv.Requests())
	assert.Equal(t, 1, srv.Conns())
}

func TestTransport_BodyIsSent(t *testing.T) {
	var got atomic.Value
	srv := webclienttest.NewServer(webclienttest.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		got.Store(string(buf))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{})
	c, err := rt.Acquire(srv.URL)
	require.NoError(t, err)
	require.NoError(t, c.SetBody([]byte("payload")))

	term := send(t, rt, c, webclienttest.NewRecorder(), http.MethodPut)
	assert.Equal(t, http.StatusNoContent, term.StatusCode)
	assert.Equal(t, "payload", got.Load())
}

func TestTransport_ConnectionCloseEndsGracefully(t *testing.T) {
	srv := webclienttest.NewServer(webclienttest.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("bye"))
	}))
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{})
	c, err := rt.Acquire(srv.URL)
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := send(t, rt, c, rec, http.MethodGet)

	assert.NoError(t, term.Err)
	assert.Equal(t, "bye", rec.Content())
	rec.WaitState(t, webclient.Closed, waitTimeout)
	assert.Equal(t, []webclient.State{webclient.Connected, webclient.Closing, webclient.Closed}, rec.States())
}

// rawServer accepts connections and answers every request with reply.
func rawServer(t *testing.T, reply func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				req, err := http.ReadRequest(r)
				if err != nil {
					return
				}
				_ = req.Body.Close()
				reply(conn)
			}()
		}
	}()
	return "http://" + ln.Addr().String()
}

func TestTransport_MalformedResponseIsProtocolError(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("SPEAKING GIBBERISH\r\n\r\n"))
		time.Sleep(100 * time.Millisecond)
	})

	rt := newRuntime(t, httptransport.Config{})
	c, err := rt.Acquire(addr)
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := send(t, rt, c, rec, http.MethodGet)

	assert.ErrorIs(t, term.Err, webclient.ErrProtocol)
	rec.WaitState(t, webclient.Closed, waitTimeout)
	assert.Equal(t, []webclient.State{webclient.Connected, webclient.Closing, webclient.Closed}, rec.States())
}

func TestTransport_LostMidBody(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
	})

	rt := newRuntime(t, httptransport.Config{})
	c, err := rt.Acquire(addr)
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := send(t, rt, c, rec, http.MethodGet)

	assert.ErrorIs(t, term.Err, webclient.ErrConnectionLost)
	assert.Equal(t, 200, term.StatusCode)
	assert.Equal(t, "abc", rec.Content())
	rec.WaitState(t, webclient.Disconnected, waitTimeout)
	assert.Equal(t, []webclient.State{webclient.Connected, webclient.Disconnected}, rec.States())
}

func TestTransport_DialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	rt := newRuntime(t, httptransport.Config{})
	c, err := rt.Acquire("http://" + addr)
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := send(t, rt, c, rec, http.MethodGet)

	assert.ErrorIs(t, term.Err, webclient.ErrDialExhausted)
	rec.WaitState(t, webclient.Disconnected, waitTimeout)
	assert.Equal(t, []webclient.State{
		webclient.Retry, webclient.Connecting, webclient.Retry, webclient.Disconnected,
	}, rec.States())
}

func TestTransport_HTTPS(t *testing.T) {
	srv := webclienttest.NewServer(webclienttest.WithTLS(), webclienttest.WithBody("secure"))
	defer srv.Close()
	require.True(t, strings.HasPrefix(srv.URL, "https://"))

	rt := newRuntime(t, httptransport.Config{InsecureSkipVerify: true})
	c, err := rt.Acquire(srv.URL)
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := send(t, rt, c, rec, http.MethodGet)

	require.NoError(t, term.Err)
	assert.Equal(t, "secure", rec.Content())
}

func TestTransport_HTTPSRejectsUnknownCertificate(t *testing.T) {
	srv := webclienttest.NewServer(webclienttest.WithTLS())
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{})
	c, err := rt.Acquire(srv.URL)
	require.NoError(t, err)
	term := send(t, rt, c, webclienttest.NewRecorder(), http.MethodGet)

	assert.ErrorIs(t, term.Err, webclient.ErrDialExhausted)
}

func TestTransport_RetriesRetryableStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	srv := webclienttest.NewServer(
		webclienttest.WithStatusCodes(http.StatusServiceUnavailable, http.StatusOK),
		webclienttest.WithBody("done"),
	)
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{
		Retry: httptransport.RetryConfig{
			Enabled:     true,
			MaxAttempts: 3,
			Backoff:     backoff.Config{Kind: backoff.KindNone},
		},
	}, httptransport.WithMetrics(observability.NewMetricsCollector(registry)))

	c, err := rt.Acquire(srv.URL)
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := send(t, rt, c, rec, http.MethodGet)

	require.NoError(t, term.Err)
	assert.Equal(t, http.StatusOK, term.StatusCode)
	assert.Equal(t, "done", rec.Content())
	assert.Equal(t, 2, srv.Requests())
	assert.Equal(t, 1, srv.Conns())
	webclienttest.AssertMetric(t, registry, "netclient_http_retries_total",
		map[string]string{"method": "GET", "reason": "5xx"}, 1)
}

func TestTransport_RequestTimeout(t *testing.T) {
	srv := webclienttest.NewServer(webclienttest.WithLatency(500 * time.Millisecond))
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{RequestTimeout: 50 * time.Millisecond})
	c, err := rt.Acquire(srv.URL)
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := send(t, rt, c, rec, http.MethodGet)

	require.Error(t, term.Err)
	rec.WaitState(t, webclient.Disconnected, waitTimeout)
}

func TestTransport_StaleIdleSocketIsNotReused(t *testing.T) {
	srv := webclienttest.NewServer(webclienttest.WithBody("ok"))
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{})
	c, err := rt.Acquire(srv.URL)
	require.NoError(t, err)
	send(t, rt, c, webclienttest.NewRecorder(), http.MethodGet)
	rt.Release(c)

	srv.CloseClientConnections()
	time.Sleep(50 * time.Millisecond)

	fresh, err := rt.Acquire(srv.URL)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID(), fresh.ID())
	term := send(t, rt, fresh, webclienttest.NewRecorder(), http.MethodGet)
	assert.NoError(t, term.Err)
	assert.Equal(t, 2, srv.Conns())
}

func TestTransport_PolicyRejectionKeepsConnection(t *testing.T) {
	srv := webclienttest.NewServer(webclienttest.WithLatency(200*time.Millisecond), webclienttest.WithBody("slow"))
	defer srv.Close()

	rt := newRuntime(t, httptransport.Config{MaxConcurrent: 1})
	busy, err := rt.Acquire(srv.URL)
	require.NoError(t, err)
	idle, err := rt.Acquire(srv.URL)
	require.NoError(t, err)

	// dial idle first so only the round trip competes for the slot
	warm := webclienttest.NewRecorder()
	first := send(t, rt, idle, warm, http.MethodHead)
	require.NoError(t, first.Err)

	slow := webclienttest.NewRecorder()
	require.NoError(t, busy.SetDataReceiver(slow.Data))
	require.NoError(t, busy.Send())
	time.Sleep(50 * time.Millisecond)

	rejected := webclienttest.NewRecorder()
	term := send(t, rt, idle, rejected, http.MethodGet)
	assert.ErrorIs(t, term.Err, policy.ErrBulkheadFull)
	assert.Equal(t, webclient.Connected, idle.State())

	slow.WaitTerminals(t, 1, waitTimeout)
	term = send(t, rt, idle, rejected, http.MethodGet)
	assert.NoError(t, term.Err)
	assert.Equal(t, "slow", rejected.Content())
}
