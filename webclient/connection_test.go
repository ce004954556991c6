package webclient_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/seb7887/netclient/observability"
	"github.com/seb7887/netclient/webclient"
	"github.com/seb7887/netclient/webclient/webclienttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scripted(resp webclienttest.Response) *webclienttest.Builder {
	return webclienttest.NewBuilder(func(*url.URL) *webclienttest.MockTransport {
		return &webclienttest.MockTransport{Response: resp}
	})
}

func TestConnection_SendDeliversChunksThenOneTerminal(t *testing.T) {
	b := scripted(webclienttest.Response{
		StatusCode: 200,
		Status:     "OK",
		Headers:    webclient.NewHeaders("Content-Type", "text/plain"),
		Chunks:     [][]byte{[]byte("hello "), []byte("world")},
	})
	rt := newRuntime(t, b, nil)

	c, err := rt.Acquire("http://example.com/greeting")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()

	term := sendAndWait(t, c, rec)

	assert.Equal(t, []webclient.State{webclient.Connected}, rec.States())
	snaps := rec.Snapshots()
	require.Len(t, snaps, 3)
	for _, s := range snaps[:2] {
		assert.False(t, s.Done)
		assert.Equal(t, 200, s.StatusCode)
		assert.Equal(t, "text/plain", s.Headers.Get("content-type"))
	}
	assert.Same(t, term, snaps[2])
	assert.True(t, term.Done)
	assert.NoError(t, term.Err)
	assert.Empty(t, term.Content)
	assert.Equal(t, 200, term.StatusCode)
	assert.Equal(t, "hello world", rec.Content())
	assert.Equal(t, snaps[0].RequestID, term.RequestID)

	assert.Equal(t, uint64(1), rt.Stats().RequestsSent())
	assert.Equal(t, uint64(11), rt.Stats().BytesRecv())
	assert.Equal(t, webclient.Connected, c.State())
	assert.False(t, c.InFlight())
}

func TestConnection_DialFailuresPassThroughRetry(t *testing.T) {
	refused := errors.New("connection refused")
	b := webclienttest.NewBuilder(func(*url.URL) *webclienttest.MockTransport {
		return &webclienttest.MockTransport{DialErrs: []error{refused, refused}}
	})
	rt := newRuntime(t, b, func(cfg *webclient.Config) {
		cfg.Connection.MaxAttempts = 2
	})

	c, err := rt.Acquire("http://unreachable.test/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := sendAndWait(t, c, rec)

	rec.WaitState(t, webclient.Disconnected, waitTimeout)
	assert.Equal(t, []webclient.State{
		webclient.Retry,
		webclient.Connecting,
		webclient.Retry,
		webclient.Disconnected,
	}, rec.States())

	require.Error(t, term.Err)
	assert.ErrorIs(t, term.Err, webclient.ErrDialExhausted)
	assert.ErrorIs(t, term.Err, refused)
	var connErr *webclient.ConnectionError
	require.ErrorAs(t, term.Err, &connErr)
	assert.Equal(t, 2, connErr.Attempts)
	assert.Equal(t, "dial_exhausted", connErr.Cause)
	assert.Equal(t, 2, b.Created()[0].Dials())

	assert.ErrorIs(t, c.Send(), webclient.ErrConnectionClosed)
}

func TestConnection_DialRecoversAfterRetry(t *testing.T) {
	b := webclienttest.NewBuilder(func(*url.URL) *webclienttest.MockTransport {
		return &webclienttest.MockTransport{DialErrs: []error{errors.New("timeout")}}
	})
	rt := newRuntime(t, b, nil)

	c, err := rt.Acquire("http://flaky.test/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := sendAndWait(t, c, rec)

	assert.NoError(t, term.Err)
	assert.Equal(t, []webclient.State{
		webclient.Retry,
		webclient.Connecting,
		webclient.Connected,
	}, rec.States())
}

func TestConnection_SendConfigurationErrors(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)

	err = c.Send()
	assert.ErrorIs(t, err, webclient.ErrNoMethod)
	assert.ErrorIs(t, err, webclient.ErrConfiguration)

	_, err = rt.Factory().Create(nil)
	assert.ErrorIs(t, err, webclient.ErrNoTarget)

	assert.Equal(t, webclient.StatsSnapshot{}, rt.Stats().Snapshot())
	assert.Equal(t, webclient.Connecting, c.State())
}

func TestConnection_SettersRejectedWhileInFlight(t *testing.T) {
	hold := make(chan struct{})
	rt := newRuntime(t, scripted(webclienttest.Response{Hold: hold}), nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	require.NoError(t, c.SetRequestType("GET"))
	require.NoError(t, c.SetDataReceiver(rec.Data))
	require.NoError(t, c.Send())

	assert.ErrorIs(t, c.Send(), webclient.ErrRequestInFlight)
	assert.ErrorIs(t, c.SetBody([]byte("x")), webclient.ErrRequestInFlight)
	assert.ErrorIs(t, c.SetHeader("A", "b"), webclient.ErrRequestInFlight)
	assert.ErrorIs(t, c.SetURL("http://example.com/other"), webclient.ErrRequestInFlight)
	assert.ErrorIs(t, c.SetDataReceiver(nil), webclient.ErrRequestInFlight)
	assert.Equal(t, uint64(1), rt.Stats().RequestsSent())

	close(hold)
	rec.WaitTerminals(t, 1, waitTimeout)

	assert.NoError(t, c.SetBody([]byte("x")))
	assert.NoError(t, c.SetURL("http://EXAMPLE.com:80/other"))
	assert.Equal(t, "/other", c.URL().Path)
}

func TestConnection_SetURLRejectsOtherEndpoint(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)

	assert.ErrorIs(t, c.SetURL("https://example.com/"), webclient.ErrTargetMismatch)
	assert.ErrorIs(t, c.SetURL("http://example.com:8080/"), webclient.ErrTargetMismatch)
	assert.ErrorIs(t, c.SetURL("://bad"), webclient.ErrInvalidURL)
}

func TestConnection_SetHeadersMerge(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)

	require.NoError(t, c.SetHeaders(webclient.NewHeaders("A", "1", "B", "2"), false))
	require.NoError(t, c.SetHeaders(webclient.NewHeaders("b", "3", "C", "4"), true))
	h := c.Headers()
	assert.Equal(t, "1", h.Get("A"))
	assert.Equal(t, "3", h.Get("B"))
	assert.Equal(t, "4", h.Get("C"))

	require.NoError(t, c.SetHeaders(webclient.NewHeaders("D", "5"), false))
	assert.Equal(t, 1, c.Headers().Len())
}

func TestConnection_BytesSentCountsHeadersAndBody(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	require.NoError(t, c.SetHeaders(webclient.NewHeaders("Accept", "*/*"), false))
	require.NoError(t, c.SetBody([]byte("abc")))
	rec := webclienttest.NewRecorder()
	sendAndWait(t, c, rec)

	assert.Equal(t, uint64(13+3), rt.Stats().BytesSent())
}

func TestConnection_CloseCancelsInFlightRequest(t *testing.T) {
	b := scripted(webclienttest.Response{Hold: make(chan struct{})})
	rt := newRuntime(t, b, nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	require.NoError(t, c.SetRequestType("GET"))
	require.NoError(t, c.SetDataReceiver(rec.Data))
	require.NoError(t, c.SetStateReceiver(rec.State))
	require.NoError(t, c.Send())
	rec.WaitState(t, webclient.Connected, waitTimeout)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	terms := rec.WaitTerminals(t, 1, waitTimeout)
	assert.ErrorIs(t, terms[0].Err, webclient.ErrConnectionClosed)
	rec.WaitState(t, webclient.Closed, waitTimeout)
	assert.Equal(t, []webclient.State{
		webclient.Connected,
		webclient.Closing,
		webclient.Closed,
	}, rec.States())
	assert.Equal(t, 1, b.Created()[0].Closes())
	assert.ErrorIs(t, c.Send(), webclient.ErrConnectionClosed)
	assert.ErrorIs(t, c.SetBody(nil), webclient.ErrConnectionClosed)
}

func TestConnection_CloseAbortsDial(t *testing.T) {
	dialing := make(chan struct{})
	b := webclienttest.NewBuilder(func(*url.URL) *webclienttest.MockTransport {
		return &webclienttest.MockTransport{
			DialFunc: func(ctx context.Context, _ *webclient.Request) error {
				close(dialing)
				<-ctx.Done()
				return ctx.Err()
			},
		}
	})
	rt := newRuntime(t, b, func(cfg *webclient.Config) {
		cfg.Connection.MaxAttempts = 5
	})

	c, err := rt.Acquire("http://slow.test/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	require.NoError(t, c.SetRequestType("GET"))
	require.NoError(t, c.SetDataReceiver(rec.Data))
	require.NoError(t, c.SetStateReceiver(rec.State))
	require.NoError(t, c.Send())

	<-dialing
	require.NoError(t, c.Close())

	terms := rec.WaitTerminals(t, 1, waitTimeout)
	assert.ErrorIs(t, terms[0].Err, webclient.ErrConnectionClosed)
	rec.WaitState(t, webclient.Disconnected, waitTimeout)
	assert.Equal(t, []webclient.State{webclient.Retry, webclient.Disconnected}, rec.States())
	assert.Equal(t, 1, b.Created()[0].Dials())
}

func TestConnection_CloseBeforeDial(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)

	assert.False(t, c.Closed())
	require.NoError(t, c.Close())
	assert.Equal(t, webclient.Connecting, c.State())
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Send(), webclient.ErrConnectionClosed)
	assert.NoError(t, c.Shutdown())
	assert.True(t, c.IsShutdown())
}

func TestConnection_ProtocolErrorClosesChannel(t *testing.T) {
	b := scripted(webclienttest.Response{
		NoHead: true,
		Err:    fmt.Errorf("%w: malformed status line", webclient.ErrProtocol),
	})
	rt := newRuntime(t, b, nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := sendAndWait(t, c, rec)

	assert.ErrorIs(t, term.Err, webclient.ErrProtocol)
	assert.Len(t, rec.Snapshots(), 1)
	rec.WaitState(t, webclient.Closed, waitTimeout)
	assert.Equal(t, []webclient.State{
		webclient.Connected,
		webclient.Closing,
		webclient.Closed,
	}, rec.States())
}

func TestConnection_LostMidRequest(t *testing.T) {
	b := scripted(webclienttest.Response{
		Chunks: [][]byte{[]byte("par")},
		Err:    fmt.Errorf("%w: connection reset by peer", webclient.ErrConnectionLost),
	})
	rt := newRuntime(t, b, nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := sendAndWait(t, c, rec)

	assert.ErrorIs(t, term.Err, webclient.ErrConnectionLost)
	assert.Equal(t, "par", rec.Content())
	rec.WaitState(t, webclient.Disconnected, waitTimeout)
	assert.Equal(t, []webclient.State{webclient.Connected, webclient.Disconnected}, rec.States())
	assert.GreaterOrEqual(t, b.Created()[0].Aborts(), 1)
}

func TestConnection_PeerEndingKeepAliveClosesGracefully(t *testing.T) {
	rt := newRuntime(t, scripted(webclienttest.Response{Close: true}), nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	term := sendAndWait(t, c, rec)

	assert.NoError(t, term.Err)
	rec.WaitState(t, webclient.Closed, waitTimeout)
	assert.Equal(t, []webclient.State{
		webclient.Connected,
		webclient.Closing,
		webclient.Closed,
	}, rec.States())
}

func TestConnection_ReceiverPanicIsContained(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetricsCollector(registry)
	b := scripted(webclienttest.Response{Chunks: [][]byte{[]byte("a"), []byte("b")}})
	rt := newRuntime(t, b, nil, webclient.WithMetrics(metrics))

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)

	var calls atomic.Int32
	rec := webclienttest.NewRecorder()
	rec.OnData = func(*webclient.RequestData) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}
	sendAndWait(t, c, rec)

	assert.Len(t, rec.Snapshots(), 3)
	webclienttest.AssertMetric(t, registry, "netclient_callback_panics_total", nil, 1)

	// the dispatcher still serves the connection
	sendAndWait(t, c, rec)
	assert.Len(t, rec.Terminals(), 2)
}

func TestConnection_ReceiversAreSerializedAndOrdered(t *testing.T) {
	chunks := make([][]byte, 50)
	want := ""
	for i := range chunks {
		chunks[i] = []byte(fmt.Sprintf("%02d,", i))
		want += string(chunks[i])
	}
	rt := newRuntime(t, scripted(webclienttest.Response{Chunks: chunks}), nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	rec.OnData = func(*webclient.RequestData) { time.Sleep(100 * time.Microsecond) }
	sendAndWait(t, c, rec)

	assert.Equal(t, want, rec.Content())
	assert.Zero(t, rec.Overlaps())
}

func TestConnection_ShutdownStopsCallbacks(t *testing.T) {
	b := scripted(webclienttest.Response{Chunks: [][]byte{[]byte("x")}, Hold: make(chan struct{})})
	rt := newRuntime(t, b, nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	rec := webclienttest.NewRecorder()
	require.NoError(t, c.SetRequestType("GET"))
	require.NoError(t, c.SetDataReceiver(rec.Data))
	require.NoError(t, c.SetStateReceiver(rec.State))
	require.NoError(t, c.Send())
	eventually(t, func() bool { return c.State() == webclient.Connected })

	require.NoError(t, c.Shutdown())

	// everything queued before Shutdown returned has been delivered
	delivered := len(rec.Snapshots()) + len(rec.States())
	require.Len(t, rec.Terminals(), 1)
	assert.ErrorIs(t, rec.Terminals()[0].Err, webclient.ErrConnectionClosed)
	assert.Equal(t, webclient.Closed, c.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, delivered, len(rec.Snapshots())+len(rec.States()))
	assert.ErrorIs(t, c.Send(), webclient.ErrConnectionClosed)
	assert.NoError(t, c.Shutdown())
}

func TestConnection_StateChangesReachMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetricsCollector(registry)
	rt := newRuntime(t, webclienttest.NewBuilder(nil), nil, webclient.WithMetrics(metrics))

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)
	sendAndWait(t, c, webclienttest.NewRecorder())

	webclienttest.AssertMetric(t, registry, "netclient_connection_state_transitions_total",
		map[string]string{"scheme": "http", "state": "CONNECTED"}, 1)
	webclienttest.AssertMetric(t, registry, "netclient_requests_sent_total", nil, 1)
}

func TestConnection_BytesRecvCountsDeliveredContent(t *testing.T) {
	b := scripted(webclienttest.Response{Chunks: [][]byte{[]byte("abc"), []byte("defg")}})
	rt := newRuntime(t, b, nil)

	c, err := rt.Acquire("http://example.com/")
	require.NoError(t, err)

	release := make(chan struct{})
	var calls atomic.Int32
	rec := webclienttest.NewRecorder()
	rec.OnData = func(*webclient.RequestData) {
		if calls.Add(1) == 1 {
			<-release
		}
	}
	require.NoError(t, c.SetRequestType("GET"))
	require.NoError(t, c.SetDataReceiver(rec.Data))
	require.NoError(t, c.Send())

	// the response is fully queued while the first chunk is still with the receiver
	eventually(t, func() bool { return !c.InFlight() })
	assert.Equal(t, uint64(3), rt.Stats().BytesRecv())

	close(release)
	rec.WaitTerminals(t, 1, waitTimeout)
	assert.Equal(t, uint64(7), rt.Stats().BytesRecv())
}

func TestConnection_CloseFromReceiverDoesNotStallDispatcher(t *testing.T) {
	rt := newRuntime(t, webclienttest.NewBuilder(nil), func(cfg *webclient.Config) {
		cfg.Dispatch.Workers = 1
		cfg.Dispatch.Queue = 1
	})

	others := make([]*webclient.Connection, 3)
	recs := make([]*webclienttest.Recorder, len(others))
	for i := range others {
		c, err := rt.Acquire(fmt.Sprintf("http://host-%d.example/", i))
		require.NoError(t, err)
		recs[i] = webclienttest.NewRecorder()
		sendAndWait(t, c, recs[i])
		others[i] = c
	}

	c, err := rt.Acquire("http://closer.example/")
	require.NoError(t, err)
	closed := make(chan struct{})
	require.NoError(t, c.SetRequestType("GET"))
	require.NoError(t, c.SetDataReceiver(func(d *webclient.RequestData) {
		if !d.Done {
			return
		}
		// every drain lands on the single worker running this receiver
		for _, o := range others {
			_ = o.Close()
		}
		close(closed)
	}))
	require.NoError(t, c.Send())

	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("receiver blocked while closing other connections")
	}
	for _, rec := range recs {
		rec.WaitState(t, webclient.Closed, waitTimeout)
	}
}
