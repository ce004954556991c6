// Package httptransport implements webclient.Transport for http and https.
// Each connection owns one TCP socket (TLS for https) and speaks HTTP/1.1 on
// it, keeping it open between requests until the server asks to close.
package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seb7887/netclient/backoff"
	"github.com/seb7887/netclient/observability"
	"github.com/seb7887/netclient/policy"
	"github.com/seb7887/netclient/webclient"
	"go.uber.org/zap"
)

var aLongTimeAgo = time.Unix(1, 0)

// NewConstructor returns a constructor for http and https transports. The
// policies are shared by every transport it builds, so circuit breakers and
// bulkheads see all connections to a host.
func NewConstructor(cfg Config, opts ...Option) webclient.TransportConstructor {
	o := options{
		logger: zap.NewNop(),
		dialer: &net.Dialer{KeepAlive: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	log := o.logger.Named("http")
	policies := buildPolicies(cfg, o)

	return func(target *url.URL) (webclient.Transport, error) {
		t := &Transport{
			target:   target,
			addr:     hostPort(target),
			dialer:   o.dialer,
			chunk:    cfg.ChunkSize,
			clientID: o.clientID,
			log:      log,
		}
		switch strings.ToLower(target.Scheme) {
		case "http":
		case "https":
			t.tls = tlsConfig(o.tls, cfg.InsecureSkipVerify, target.Hostname())
		default:
			return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
		}
		t.exec = policy.Chain(policies, t.wire)
		return t, nil
	}
}

// Register installs the transport for http and https on f.
func Register(f *webclient.Factory, cfg Config, opts ...Option) error {
	ctor := NewConstructor(cfg, opts...)
	return errors.Join(f.Register("http", ctor), f.Register("https", ctor))
}

func buildPolicies(cfg Config, o options) []policy.Policy {
	var policies []policy.Policy
	if cfg.Tracing || o.tracer != nil {
		policies = append(policies, policy.NewInstrumentationPolicy(o.tracer))
	}
	if o.metrics != nil {
		policies = append(policies, policy.NewMetricsPolicy(o.metrics))
	}
	if cfg.CircuitBreaker.Enabled {
		cb := cfg.CircuitBreaker.CircuitBreakerConfig
		cb.Metrics = o.metrics
		cb.Logger = o.logger
		policies = append(policies, policy.NewCircuitBreakerPolicy(cb))
	}
	if cfg.MaxConcurrent > 0 {
		policies = append(policies, policy.NewBulkheadPolicy(policy.BulkheadConfig{
			MaxConcurrent: cfg.MaxConcurrent,
			PerHost:       true,
			MaxWait:       cfg.BulkheadWait,
			Metrics:       o.metrics,
		}))
	}
	if cfg.RequestTimeout > 0 {
		policies = append(policies, policy.NewTimeoutPolicy(policy.TimeoutConfig{Request: cfg.RequestTimeout}))
	}
	if cfg.Retry.Enabled {
		b, err := backoff.New(cfg.Retry.Backoff)
		if err != nil {
			o.logger.Warn("invalid retry backoff, using default", zap.Error(err))
			b = nil
		}
		policies = append(policies, policy.NewRetryPolicy(policy.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			Backoff:        b,
			OnlyIdempotent: cfg.Retry.OnlyIdempotent,
			MaxRetryAfter:  cfg.Retry.MaxRetryAfter,
			Metrics:        o.metrics,
			Logger:         o.logger,
		}))
	}
	return policies
}

func tlsConfig(base *tls.Config, insecure bool, serverName string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}
	cfg.NextProtos = []string{"http/1.1"}
	return cfg
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// Transport is one HTTP/1.1 connection.
type Transport struct {
	target   *url.URL
	addr     string
	tls      *tls.Config
	dialer   *net.Dialer
	chunk    int
	clientID string
	log      *zap.Logger
	exec     policy.Executor

	mu        sync.Mutex
	conn      net.Conn
	br        *bufio.Reader
	bw        *bufio.Writer
	keepAlive bool
	broken    bool
}

// Dial opens the socket and, for https, runs the TLS handshake.
func (t *Transport) Dial(ctx context.Context, _ *webclient.Request) error {
	raw, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	conn := raw
	if t.tls != nil {
		tc := tls.Client(raw, t.tls)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		conn = tc
	}

	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
	t.br = bufio.NewReaderSize(conn, t.chunk)
	t.bw = bufio.NewWriter(conn)
	t.keepAlive = true
	t.broken = false
	t.mu.Unlock()

	t.log.Debug("dialed", zap.String("addr", t.addr), zap.Bool("tls", t.tls != nil))
	return nil
}

// RoundTrip writes req and streams the response body in chunks.
func (t *Transport) RoundTrip(ctx context.Context, req *webclient.Request, emit func(*webclient.RequestData)) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", webclient.ErrConnectionLost)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	hreq, err := t.newRequest(ctx, req)
	if err != nil {
		return err
	}
	resp, err := t.exec(observability.WithRequestID(ctx, req.ID), hreq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()

	t.mu.Lock()
	t.keepAlive = !resp.Close
	t.mu.Unlock()

	head := responseHead(resp)
	buf := make([]byte, t.chunk)
	emitted := false
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			emit(head.Progress(bytes.Clone(buf[:n])))
			emitted = true
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			t.markBroken()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classify(rerr)
		}
	}
	if !emitted {
		emit(head.Progress(nil))
	}
	return nil
}

func (t *Transport) newRequest(ctx context.Context, req *webclient.Request) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", webclient.ErrConfiguration, err)
	}
	for _, h := range req.Headers {
		if strings.EqualFold(h.Key, "Host") {
			hreq.Host = h.Value
			continue
		}
		hreq.Header.Add(h.Key, h.Value)
	}
	if hreq.Header.Get("X-Request-Id") == "" {
		hreq.Header.Set("X-Request-Id", req.ID)
	}
	if t.clientID != "" {
		hreq.Header.Set("X-Client-Id", t.clientID)
	}
	return hreq, nil
}

// wire is the innermost executor: it writes the request on the socket and
// reads the response head.
func (t *Transport) wire(ctx context.Context, hreq *http.Request) (*http.Response, error) {
	t.mu.Lock()
	conn, br, bw := t.conn, t.br, t.bw
	t.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: not connected", webclient.ErrConnectionLost)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })
	defer func() {
		if stop() {
			_ = conn.SetDeadline(time.Time{})
		}
	}()

	err := hreq.Write(bw)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		t.markBroken()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}

	resp, err := http.ReadResponse(br, hreq)
	if err != nil {
		t.markBroken()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	return resp, nil
}

func (t *Transport) markBroken() {
	t.mu.Lock()
	t.broken = true
	t.mu.Unlock()
}

// classify splits read and write failures into a lost channel and malformed
// framing.
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", webclient.ErrConnectionLost, err)
	default:
		return fmt.Errorf("%w: %w", webclient.ErrProtocol, err)
	}
}

func responseHead(resp *http.Response) *webclient.RequestData {
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var headers webclient.Headers
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			headers.Add(k, v)
		}
	}

	var cookies webclient.Cookies
	if parsed := resp.Cookies(); len(parsed) > 0 {
		cookies = make(webclient.Cookies, len(parsed))
		for _, c := range parsed {
			cookies.Add(c.Name, c.Value)
		}
	}

	return &webclient.RequestData{
		Version:       resp.Proto,
		StatusCode:    resp.StatusCode,
		StatusMessage: strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))),
		Headers:       headers,
		SetCookies:    cookies,
	}
}

// KeepAlive reports whether the socket can carry another request.
func (t *Transport) KeepAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.keepAlive && !t.broken
}

// Healthy probes an idle socket: a server that closed it, or sent bytes
// nobody asked for, makes it unusable.
func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.broken || !t.keepAlive || t.br.Buffered() > 0 {
		return false
	}

	_ = t.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := t.br.Peek(1)
	_ = t.conn.SetReadDeadline(time.Time{})

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	t.broken = true
	return false
}

// Close closes the socket. HTTP/1.1 has no close handshake.
func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Abort closes the socket without waiting.
func (t *Transport) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}
