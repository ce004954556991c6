package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/seb7887/netclient/eventbus"
	"github.com/seb7887/netclient/logging"
	"github.com/seb7887/netclient/observability"
	"github.com/seb7887/netclient/webclient"
	"github.com/seb7887/netclient/webclient/transports"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// app holds what every command shares once configuration is loaded.
type app struct {
	cfg      *appConfig
	log      *zap.Logger
	registry *prometheus.Registry
	bus      eventbus.Bus
	rt       *webclient.Runtime
}

func newApp(cfg *appConfig) (*app, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	opts := []webclient.Option{
		webclient.WithConfig(cfg.Config),
		webclient.WithLogger(log),
		webclient.WithMetrics(observability.NewMetricsCollector(a.registry)),
	}
	if cfg.Events.NatsURL != "" {
		bus, err := eventbus.NewNatsBus[webclient.StateEvent](cfg.Events.NatsURL)
		if err != nil {
			return nil, fmt.Errorf("connect event bus: %w", err)
		}
		a.bus = bus.WithLogger(log)
		opts = append(opts, webclient.WithEventBus(bus))
	}

	rt, err := webclient.NewRuntime(opts...)
	if err != nil {
		return nil, multierr.Append(err, a.closeBus())
	}
	if err := transports.RegisterDefaults(rt, cfg.Transports); err != nil {
		return nil, multierr.Combine(err, rt.Close(), a.closeBus())
	}
	rt.Factory().Freeze()
	a.rt = rt
	return a, nil
}

func (a *app) closeBus() error {
	if a.bus == nil {
		return nil
	}
	return a.bus.Close()
}

func (a *app) Close() error {
	err := multierr.Combine(a.rt.Close(), a.closeBus())
	_ = a.log.Sync()
	return err
}

// CLI is the netclient command tree. The app is built by the root's
// pre-run hook and closed by Execute whatever the command returned.
type CLI struct {
	root *cobra.Command
	app  *app
}

func NewCLI() *CLI {
	c := &CLI{}
	var (
		configFile string
		logLevel   string
	)

	c.root = &cobra.Command{
		Use:           "netclient",
		Short:         "Pooled asynchronous HTTP and WebSocket client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			c.app, err = newApp(cfg)
			return err
		},
	}
	c.root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./netclient.yaml)")
	c.root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	current := func() *app { return c.app }
	c.root.AddCommand(newRequestCmd(current), newServeCmd(current))
	return c
}

// SetArgs, SetOut and SetErr forward to the root command.
func (c *CLI) SetArgs(args []string) { c.root.SetArgs(args) }
func (c *CLI) SetOut(w io.Writer)    { c.root.SetOut(w) }
func (c *CLI) SetErr(w io.Writer)    { c.root.SetErr(w) }

// Execute runs the command line and releases the app.
func (c *CLI) Execute(ctx context.Context) error {
	err := c.root.ExecuteContext(ctx)
	if c.app != nil {
		err = multierr.Append(err, c.app.Close())
		c.app = nil
	}
	return err
}
