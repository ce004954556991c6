package webclienttest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Latency is waited before every response.
	Latency time.Duration

	// StatusCodes rotate across requests. Defaults to [200].
	StatusCodes []int

	// Body is written with every response.
	Body []byte

	// Handler, when set, replaces the scripted behaviour.
	Handler http.HandlerFunc

	// TLS starts an HTTPS server.
	TLS bool
}

// Server is an httptest server that counts requests and accepted TCP
// connections, so tests can tell whether a socket was reused.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	config    ServerConfig
	requests  int
	conns     int
	statusIdx int
}

// ServerOption configures a Server.
type ServerOption func(*ServerConfig)

// WithLatency delays every response.
func WithLatency(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.Latency = d }
}

// WithStatusCodes sets the status codes to rotate through.
func WithStatusCodes(codes ...int) ServerOption {
	return func(c *ServerConfig) { c.StatusCodes = codes }
}

// WithBody sets the response body.
func WithBody(body string) ServerOption {
	return func(c *ServerConfig) { c.Body = []byte(body) }
}

// WithHandler replaces the scripted behaviour.
func WithHandler(h http.HandlerFunc) ServerOption {
	return func(c *ServerConfig) { c.Handler = h }
}

// WithTLS serves HTTPS with the httptest certificate.
func WithTLS() ServerOption {
	return func(c *ServerConfig) { c.TLS = true }
}

// NewServer starts a Server. Close it when done.
func NewServer(opts ...ServerOption) *Server {
	var cfg ServerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.StatusCodes) == 0 {
		cfg.StatusCodes = []int{http.StatusOK}
	}

	s := &Server{config: cfg}
	s.Server = httptest.NewUnstartedServer(http.HandlerFunc(s.handle))
	s.Server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			s.mu.Lock()
			s.conns++
			s.mu.Unlock()
		}
	}
	if cfg.TLS {
		s.StartTLS()
	} else {
		s.Start()
	}
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	code := s.config.StatusCodes[s.statusIdx%len(s.config.StatusCodes)]
	s.statusIdx++
	cfg := s.config
	s.mu.Unlock()

	if cfg.Handler != nil {
		cfg.Handler(w, r)
		return
	}
	if cfg.Latency > 0 {
		time.Sleep(cfg.Latency)
	}
	w.WriteHeader(code)
	if len(cfg.Body) > 0 {
		_, _ = w.Write(cfg.Body)
	}
}

// Requests returns the number of requests handled.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Conns returns the number of TCP connections accepted.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}
