package main

import (
	"context"
	"fmt"

	"github.com/seb7887/netclient/eventbus"
	"github.com/seb7887/netclient/statsrv"
	"github.com/seb7887/netclient/webclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(current func() *app) *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, stats and Prometheus metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := current()
			if addr == "" {
				addr = a.cfg.Stats.Addr
			}
			if watch {
				if err := watchStates(a); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return statsrv.New(addr, a.rt, a.registry, a.log).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from stats.addr)")
	cmd.Flags().BoolVar(&watch, "watch", false, "log connection state changes received from the event bus")
	return cmd
}

// watchStates logs every state event seen on the configured bus.
func watchStates(a *app) error {
	if a.bus == nil {
		return fmt.Errorf("--watch needs events.nats_url")
	}
	log := a.log.Named("events")
	return a.bus.Subscribe(webclient.StateTopic, eventbus.ReceiverFunc(func(_ context.Context, msg eventbus.Message) {
		ev, ok := msg.(webclient.StateEvent)
		if !ok {
			return
		}
		log.Info("connection state",
			zap.String("conn_id", ev.ConnID),
			zap.String("target", ev.Target),
			zap.String("from", ev.FromName),
			zap.String("to", ev.ToName),
		)
	}))
}
