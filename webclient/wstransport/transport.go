// Package wstransport implements webclient.Transport for ws and wss on top of
// gorilla/websocket. A request is one message written to the peer and its
// reply is the next message read back.
package wstransport

import (
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

	"github.com/gorilla/websocket"
	"github.com/seb7887/netclient/webclient"
	"go.uber.org/zap"
)

// MethodBinary selects binary frames. Any other request type sends text.
const MethodBinary = "BINARY"

var aLongTimeAgo = time.Unix(1, 0)

// handshake headers gorilla/websocket sets itself and rejects from callers.
var reserved = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
}

// NewConstructor returns a constructor for ws and wss transports.
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
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	log := o.logger.Named("websocket")

	return func(target *url.URL) (webclient.Transport, error) {
		d := &websocket.Dialer{
			NetDialContext:    o.dialer.DialContext,
			Subprotocols:      slices.Clone(cfg.Subprotocols),
			EnableCompression: cfg.EnableCompression,
		}
		switch strings.ToLower(target.Scheme) {
		case "ws":
		case "wss":
			d.TLSClientConfig = tlsConfig(o.tls, cfg.InsecureSkipVerify)
		default:
			return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
		}
		return &Transport{
			target:       target,
			dialer:       d,
			chunk:        cfg.ChunkSize,
			readLimit:    cfg.ReadLimit,
			closeTimeout: cfg.CloseTimeout,
			log:          log,
		}, nil
	}
}

// Register installs the transport for ws and wss on f.
func Register(f *webclient.Factory, cfg Config, opts ...Option) error {
	ctor := NewConstructor(cfg, opts...)
	return errors.Join(f.Register("ws", ctor), f.Register("wss", ctor))
}

func tlsConfig(base *tls.Config, insecure bool) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// Transport is one WebSocket connection.
type Transport struct {
	target       *url.URL
	dialer       *websocket.Dialer
	chunk        int
	readLimit    int64
	closeTimeout time.Duration
	log          *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	head       *webclient.RequestData
	broken     bool
	peerClosed bool
}

// Dial runs the opening handshake with the request headers.
func (t *Transport) Dial(ctx context.Context, req *webclient.Request) error {
	header := http.Header{}
	for _, h := range req.Headers {
		if slices.ContainsFunc(reserved, func(r string) bool { return strings.EqualFold(r, h.Key) }) {
			continue
		}
		header.Add(h.Key, h.Value)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.target.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return fmt.Errorf("handshake rejected with %s: %w", resp.Status, err)
		}
		return err
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}

	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
	t.head = handshakeHead(resp)
	t.broken = false
	t.peerClosed = false
	t.mu.Unlock()

	t.log.Debug("handshake complete",
		zap.String("target", t.target.Redacted()),
		zap.String("subprotocol", conn.Subprotocol()))
	return nil
}

func handshakeHead(resp *http.Response) *webclient.RequestData {
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

// RoundTrip writes the body as one message and streams the next incoming
// message back in chunks. A close frame from the peer ends the exchange
// without error when its code is a normal one.
func (t *Transport) RoundTrip(ctx context.Context, req *webclient.Request, emit func(*webclient.RequestData)) error {
	t.mu.Lock()
	conn, head := t.conn, t.head
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", webclient.ErrConnectionLost)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.NetConn().SetDeadline(aLongTimeAgo) })
	defer stop()

	kind := websocket.TextMessage
	if strings.EqualFold(req.Method, MethodBinary) {
		kind = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(kind, req.Body); err != nil {
		return t.fail(ctx, err)
	}

	_, r, err := conn.NextReader()
	if err != nil {
		return t.fail(ctx, err)
	}

	buf := make([]byte, t.chunk)
	emitted := false
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			emit(head.Progress(bytes.Clone(buf[:n])))
			emitted = true
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return t.fail(ctx, rerr)
		}
	}
	if !emitted {
		emit(head.Progress(nil))
	}
	return nil
}

func (t *Transport) fail(ctx context.Context, err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		t.mu.Lock()
		t.peerClosed = true
		t.mu.Unlock()

		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			t.log.Debug("peer closed", zap.Int("code", closeErr.Code), zap.String("reason", closeErr.Text))
			return nil
		case websocket.CloseProtocolError,
			websocket.CloseUnsupportedData,
			websocket.CloseInvalidFramePayloadData,
			websocket.ClosePolicyViolation,
			websocket.CloseMessageTooBig,
			websocket.CloseMandatoryExtension:
			return fmt.Errorf("%w: %w", webclient.ErrProtocol, err)
		default:
			return fmt.Errorf("%w: %w", webclient.ErrConnectionLost, err)
		}
	}

	t.mu.Lock()
	t.broken = true
	t.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classify(err)
}

// classify splits transport failures from frames the peer got wrong.
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("%w: %w", webclient.ErrProtocol, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, websocket.ErrCloseSent),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", webclient.ErrConnectionLost, err)
	default:
		return fmt.Errorf("%w: %w", webclient.ErrProtocol, err)
	}
}

// KeepAlive reports whether another message can be sent.
func (t *Transport) KeepAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.broken && !t.peerClosed
}

// Healthy pings the peer. Only local failures are detected: the pong is
// consumed by the next read.
func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.broken || t.peerClosed {
		return false
	}
	if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
		t.broken = true
		return false
	}
	return true
}

// Close runs the closing handshake: it sends a normal close frame and waits
// for the peer's close frame, bounded by CloseTimeout and ctx.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	skip := t.broken || t.peerClosed
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Close()
	if skip {
		return nil
	}

	deadline := time.Now().Add(t.closeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return fmt.Errorf("send close frame: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("close handshake: %w", err)
			}
			return nil
		}
	}
}

// Abort drops the socket without a close frame.
func (t *Transport) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.NetConn().Close()
		t.conn = nil
	}
}
