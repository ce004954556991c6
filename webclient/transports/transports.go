// Package transports wires the bundled transports into a runtime and owns
// the process-wide default runtime.
package transports

import (
	"errors"
	"sync"

	"github.com/seb7887/netclient/webclient"
	"github.com/seb7887/netclient/webclient/httptransport"
	"github.com/seb7887/netclient/webclient/wstransport"
)

// Config groups the transport settings, keyed "http" and "websocket" in
// configuration files.
type Config struct {
	HTTP      httptransport.Config `mapstructure:"http"`
	WebSocket wstransport.Config   `mapstructure:"websocket"`
}

// Defaults returns the dotted-key defaults of both transports.
func Defaults() map[string]any {
	out := httptransport.Defaults("http")
	for k, v := range wstransport.Defaults("websocket") {
		out[k] = v
	}
	return out
}

// RegisterDefaults registers http, https, ws and wss on rt, sharing its
// logger, metrics and client ID.
func RegisterDefaults(rt *webclient.Runtime, cfg Config) error {
	httpOpts := []httptransport.Option{
		httptransport.WithLogger(rt.Logger()),
		httptransport.WithMetrics(rt.Metrics()),
	}
	if id := rt.Config().ClientID; id != "" {
		httpOpts = append(httpOpts, httptransport.WithClientID(id))
	}
	return errors.Join(
		httptransport.Register(rt.Factory(), cfg.HTTP, httpOpts...),
		wstransport.Register(rt.Factory(), cfg.WebSocket, wstransport.WithLogger(rt.Logger())),
	)
}

var (
	defaultOnce    sync.Once
	defaultRuntime *webclient.Runtime
	defaultErr     error
)

// Default returns a runtime shared by the whole process, built on first use
// with default configuration and every bundled transport. Callers that need
// isolation build their own with webclient.NewRuntime.
func Default() (*webclient.Runtime, error) {
	defaultOnce.Do(func() {
		rt, err := webclient.NewRuntime()
		if err != nil {
			defaultErr = err
			return
		}
		if err := RegisterDefaults(rt, Config{}); err != nil {
			_ = rt.Close()
			defaultErr = err
			return
		}
		rt.Factory().Freeze()
		defaultRuntime = rt
	})
	return defaultRuntime, defaultErr
}
