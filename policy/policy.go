// Package policy wraps the HTTP round trip a connection performs on its own
// socket. Policies decorate an Executor; the innermost executor writes the
// request and reads the response head.
//
// A policy that refuses a request returns a *Rejection. The socket was never
// touched, so the connection can carry the next request.
package policy

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Executor runs one round trip, or the rest of the chain.
type Executor func(ctx context.Context, req *http.Request) (*http.Response, error)

// Policy runs around the next executor. It may call next once, several times,
// or not at all.
type Policy interface {
	Execute(ctx context.Context, req *http.Request, next Executor) (*http.Response, error)
}

// Func adapts a function to Policy.
type Func func(ctx context.Context, req *http.Request, next Executor) (*http.Response, error)

func (f Func) Execute(ctx context.Context, req *http.Request, next Executor) (*http.Response, error) {
	return f(ctx, req, next)
}

// Chain nests policies so that policies[0] runs outermost and final runs
// last. Nil entries are skipped.
func Chain(policies []Policy, final Executor) Executor {
	exec := final
	for i := len(policies) - 1; i >= 0; i-- {
		p, next := policies[i], exec
		if p == nil {
			continue
		}
		exec = func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return p.Execute(ctx, req, next)
		}
	}
	return exec
}

// Key names the peer of req as scheme://host:port, the same way pooled
// connections are grouped. Breakers and bulkheads are kept per key.
func Key(req *http.Request) string {
	scheme := strings.ToLower(req.URL.Scheme)
	host := strings.ToLower(req.URL.Hostname())
	port := req.URL.Port()
	if port == "" {
		switch scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}
