package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/elmq0022/natsio"
)

// counter tracks messages and payload bytes for the periodic stats line.
type counter struct {
	msgs  atomic.Uint64
	bytes atomic.Uint64
}

func (c *counter) add(n int) uint64 {
	c.bytes.Add(uint64(n))
	return c.msgs.Add(1)
}

// statsLoop logs the message rate every interval until ctx ends.
func statsLoop(ctx context.Context, log *slog.Logger, interval time.Duration, label string, c *counter) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMsgs, lastBytes uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, bytes := c.msgs.Load(), c.bytes.Load()
			secs := interval.Seconds()
			log.Info("stats",
				"mode", label,
				"msgs_per_sec", float64(msgs-lastMsgs)/secs,
				"bytes_per_sec", float64(bytes-lastBytes)/secs,
				"total", msgs,
			)
			lastMsgs, lastBytes = msgs, bytes
		}
	}
}

func newSubCmd(o *options) *cobra.Command {
	var (
		queue         string
		statsInterval time.Duration
		printMsgs     bool
		count         uint64
	)

	cmd := &cobra.Command{
		Use:     "sub <subject>",
		Aliases: []string{"grub"},
		Short:   "Subscribe and count incoming messages",
		Long: `Subscribe to a subject, which may contain the * and > wildcards,
and log the message rate. With --print every payload is written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]

			stopMetrics, err := o.serveMetrics()
			if err != nil {
				return err
			}
			defer stopMetrics()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var received counter
			handler := func(m *natsio.Msg) {
				n := received.add(len(m.Data))
				if count > 0 && n > count {
					return
				}
				if printMsgs {
					fmt.Fprintf(o.stdout, "%s\n", m.Data)
				}
				if count > 0 && n >= count {
					cancel()
				}
			}

			var sub atomic.Pointer[natsio.Subscription]
			s, err := o.dial(ctx, natsio.Handlers{
				// Later sessions restore the subscription on their own.
				OnConnected: func(c *natsio.Conn) {
					if sub.Load() != nil {
						return
					}
					created, err := c.QueueSubscribe(subject, queue, handler)
					if err != nil {
						o.log.Error("subscribe failed", "subject", subject, "err", err)
						return
					}
					sub.Store(created)
					o.log.Info("subscribed", "subject", subject, "queue", queue, "sid", created.SID())
				},
			})
			if err != nil {
				return err
			}
			defer s.nc.Stop()

			go statsLoop(ctx, o.log, statsInterval, "sub", &received)

			select {
			case <-ctx.Done():
			case <-s.done:
				if ctx.Err() == nil {
					return natsio.ErrReconnectFailed
				}
			}
			o.log.Info("done", "received", received.msgs.Load())
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "join this queue group")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Second, "how often to log stats, 0 disables")
	cmd.Flags().BoolVar(&printMsgs, "print", false, "write payloads to stdout")
	cmd.Flags().Uint64VarP(&count, "count", "n", 0, "exit after this many messages, 0 runs until interrupted")
	return cmd
}
