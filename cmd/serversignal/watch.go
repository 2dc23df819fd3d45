package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/vango-dev/serversignal/internal/errors"
	"github.com/vango-dev/serversignal/pkg/client"
	"github.com/vango-dev/serversignal/pkg/protocol"
	sig "github.com/vango-dev/serversignal/pkg/signal"
)

type watchOptions struct {
	signal  string
	json    bool
	dump    bool
	zero    string
	origin  string
	count   int
	backoff time.Duration
}

func watchCmd(g *globalFlags) *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch <url>",
		Short: "Follow a signal and print every change",
		Long: `Connect to a serversignal endpoint and print the replica after every
applied update or snapshot. Reconnects with exponential backoff and resumes
from the last applied sequence.

Examples:
  serversignal watch ws://localhost:8080/ws
  serversignal watch ws://localhost:8080/ws --dump
  serversignal watch ws://localhost:8080/ws --json --zero='{"value":0}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if opts.signal == "" {
				opts.signal = cfg.Signal.Name
			}
			logger := cfg.NewLogger(os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, args[0], opts, cmd.OutOrStdout(), client.WithLogger(logger))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.signal, "signal", "s", "", "Signal name (default from config)")
	f.BoolVar(&opts.json, "json", false, "Use the text codec (unsequenced, no resume)")
	f.BoolVar(&opts.dump, "dump", false, "Print values as Go literals")
	f.StringVar(&opts.zero, "zero", `{"value":0}`, "Zero-value document text diffs start from (--json only)")
	f.StringVar(&opts.origin, "origin", "", "Origin header sent with the upgrade request")
	f.IntVarP(&opts.count, "count", "n", 0, "Exit after this many changes, 0 to run until interrupted")
	f.DurationVar(&opts.backoff, "max-backoff", client.DefaultMaxBackoff, "Maximum reconnect delay")

	return cmd
}

func runWatch(ctx context.Context, url string, opts watchOptions, out io.Writer, extra ...client.Option) error {
	var ropts []sig.ReplicaOption
	if opts.json && opts.zero != "" {
		ropts = append(ropts, sig.WithInitialDoc([]byte(opts.zero)))
	}
	replica, err := sig.NewReplica[any](opts.signal, ropts...)
	if err != nil {
		return errors.New("E003").Wrap(err)
	}

	copts := []client.Option{client.WithBackoff(min(client.DefaultMinBackoff, opts.backoff), opts.backoff)}
	if opts.json {
		copts = append(copts, client.WithJSON())
	}
	if opts.origin != "" {
		copts = append(copts, client.WithHeader(http.Header{"Origin": {opts.origin}}))
	}
	copts = append(copts, extra...)
	c := client.New(url, replica, copts...)
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes := 0
	replica.OnChange(func(v any) {
		if opts.dump {
			fmt.Fprintf(out, "#%d %s\n", replica.Seq(), litter.Sdump(v))
		} else {
			fmt.Fprintf(out, "#%d %s\n", replica.Seq(), replica.Doc())
		}
		changes++
		if opts.count > 0 && changes >= opts.count {
			cancel()
		}
	})

	err = c.Run(ctx)
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	var he *client.HandshakeError
	if stderrors.As(err, &he) {
		return handshakeError(he, opts.signal)
	}
	return err
}

func handshakeError(he *client.HandshakeError, name string) error {
	switch he.Status {
	case protocol.HandshakeVersionMismatch:
		return errors.New("E120").Wrap(he)
	case protocol.HandshakeUnknownSignal:
		return errors.New("E121").WithDetail(fmt.Sprintf("The server does not publish %q.", name)).Wrap(he)
	case protocol.HandshakeServerBusy:
		return errors.New("E122").Wrap(he)
	default:
		return errors.New("E123").Wrap(he)
	}
}
