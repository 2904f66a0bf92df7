package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/elmq0022/natsio"
)

const defaultPayload = `{"value": 123}`

func newPubCmd(o *options) *cobra.Command {
	var (
		reply         string
		interval      time.Duration
		statsInterval time.Duration
		count         uint64
	)

	cmd := &cobra.Command{
		Use:     "pub <subject> [payload]",
		Aliases: []string{"gen"},
		Short:   "Publish a payload on an interval",
		Long: `Publish payload on subject every --interval until interrupted or
--count messages have been sent. Ticks that fall while the connection is
down are skipped. The payload defaults to ` + defaultPayload + `.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]
			payload := []byte(defaultPayload)
			if len(args) == 2 {
				payload = []byte(args[1])
			}

			stopMetrics, err := o.serveMetrics()
			if err != nil {
				return err
			}
			defer stopMetrics()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			s, err := o.dial(ctx, natsio.Handlers{})
			if err != nil {
				return err
			}
			defer s.nc.Stop()

			if err := s.wait(ctx); err != nil {
				return err
			}

			var sent counter
			go statsLoop(ctx, o.log, statsInterval, "pub", &sent)

			var tick <-chan time.Time
			if interval > 0 {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				tick = ticker.C
			}

			for {
				if s.nc.IsConnected() {
					if err := s.nc.PublishReply(subject, reply, payload); err != nil {
						o.log.Warn("publish failed", "subject", subject, "err", err)
					} else if n := sent.add(len(payload)); count > 0 && n >= count {
						break
					}
				}

				if tick == nil {
					select {
					case <-ctx.Done():
						return nil
					case <-s.done:
						if ctx.Err() == nil {
							return natsio.ErrReconnectFailed
						}
					default:
					}
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-s.done:
					if ctx.Err() == nil {
						return natsio.ErrReconnectFailed
					}
				case <-tick:
				}
			}

			flushCtx, cancelFlush := context.WithTimeout(ctx, 5*time.Second)
			defer cancelFlush()
			if err := s.nc.Flush(flushCtx); err != nil {
				return err
			}
			o.log.Info("done", "sent", sent.msgs.Load())
			return nil
		},
	}

	cmd.Flags().StringVarP(&reply, "reply", "r", "", "reply subject")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "time between messages, 0 publishes as fast as possible")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Second, "how often to log stats, 0 disables")
	cmd.Flags().Uint64VarP(&count, "count", "n", 0, "stop after this many messages, 0 runs until interrupted")
	return cmd
}
