package main

import (
	"maps"

	"github.com/seb7887/netclient/cfgmng"
	"github.com/seb7887/netclient/webclient"
	"github.com/seb7887/netclient/webclient/transports"
)

type statsConfig struct {
	Addr string `mapstructure:"addr"`
}

type eventsConfig struct {
	// NatsURL publishes connection state changes on NATS when set.
	NatsURL string `mapstructure:"nats_url"`
}

// appConfig is the file layout: runtime keys at the top level, transports
// and the outer services in their own sections.
type appConfig struct {
	webclient.Config `mapstructure:",squash"`

	Transports transports.Config `mapstructure:"transports"`
	Stats      statsConfig       `mapstructure:"stats"`
	Events     eventsConfig      `mapstructure:"events"`
}

func defaults() map[string]any {
	out := webclient.Defaults()
	for k, v := range transports.Defaults() {
		out["transports."+k] = v
	}
	maps.Copy(out, map[string]any{
		"stats.addr":      ":9090",
		"events.nats_url": "",
	})
	return out
}

// loadConfig reads file if given, otherwise ./netclient.yaml when present.
// NETCLIENT_* variables override both.
func loadConfig(file string) (*appConfig, error) {
	opts := []cfgmng.Option{
		cfgmng.WithDefaults(defaults()),
		cfgmng.WithEnvPrefix("NETCLIENT"),
	}
	if file != "" {
		opts = append(opts, cfgmng.WithFile(file))
	} else {
		opts = append(opts, cfgmng.WithPath("."), cfgmng.WithName("netclient"), cfgmng.Optional())
	}
	return cfgmng.Load[appConfig](opts...)
}
