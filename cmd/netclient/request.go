package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/seb7887/netclient/webclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type requestFlags struct {
	method  string
	headers []string
	data    string
	include bool
	stats   bool
	timeout time.Duration
}

func newRequestCmd(current func() *app) *cobra.Command {
	var f requestFlags

	cmd := &cobra.Command{
		Use:   "request URL",
		Short: "Send one request and stream the reply to stdout",
		Example: `  netclient request https://example.com/
  netclient request -X POST -H "Content-Type: application/json" -d '{"a":1}' http://localhost:8080/items
  netclient request -X TEXT -d hello ws://localhost:8080/echo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, current(), args[0], f)
		},
	}
	cmd.Flags().StringVarP(&f.method, "request", "X", "GET", "request type: an HTTP method, or TEXT/BINARY for WebSocket")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, `request header "Name: value" (repeatable)`)
	cmd.Flags().StringVarP(&f.data, "data", "d", "", "request body")
	cmd.Flags().BoolVarP(&f.include, "include", "i", false, "print the status line and response headers")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "print runtime counters to stderr when done")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

func parseHeaders(raw []string) (webclient.Headers, error) {
	var h webclient.Headers
	for _, line := range raw {
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", line)
		}
		h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return h, nil
}

func runRequest(cmd *cobra.Command, a *app, target string, f requestFlags) error {
	headers, err := parseHeaders(f.headers)
	if err != nil {
		return err
	}
	var body []byte
	if f.data != "" {
		body = []byte(f.data)
	}

	out := cmd.OutOrStdout()
	done := make(chan *webclient.RequestData, 1)
	headPrinted := false
	onData := func(d *webclient.RequestData) {
		if f.include && !headPrinted {
			printHead(out, d)
			headPrinted = true
		}
		_, _ = out.Write(d.Content)
		if d.Done {
			done <- d
		}
	}
	onState := func(ev webclient.StateEvent) {
		a.log.Debug("state", zap.String("conn_id", ev.ConnID), zap.Stringer("from", ev.From), zap.Stringer("to", ev.To))
	}

	c, err := a.rt.Request(target, headers, f.method, body, onData, onState)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var term *webclient.RequestData
	select {
	case term = <-done:
	case <-time.After(f.timeout):
		_ = c.Close()
		term = <-done
	case <-ctx.Done():
		_ = c.Close()
		term = <-done
	}
	a.rt.Release(c)

	if f.stats {
		enc := json.NewEncoder(cmd.ErrOrStderr())
		enc.SetIndent("", "  ")
		_ = enc.Encode(a.rt.Stats().Snapshot())
	}
	if term.Err != nil {
		if errors.Is(term.Err, webclient.ErrConnectionClosed) {
			return fmt.Errorf("request abandoned: %w", term.Err)
		}
		return term.Err
	}
	return nil
}

func printHead(w io.Writer, d *webclient.RequestData) {
	if d.StatusCode == 0 {
		return
	}
	fmt.Fprintf(w, "%s %d %s\n", d.Version, d.StatusCode, d.StatusMessage)
	for _, h := range d.Headers {
		fmt.Fprintf(w, "%s: %s\n", h.Key, h.Value)
	}
	fmt.Fprintln(w)
}
