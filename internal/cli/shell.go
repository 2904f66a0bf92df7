package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/elmq0022/natsio"
)

const shellHelp = `commands:
  pub <subject> [payload...]   publish a message
  req <subject> <reply> [payload...]
                               publish with a reply subject
  sub <subject> [queue]        subscribe and print messages
  unsub <sid>                  unsubscribe
  cancel <sid>                 cancel lazily, on the next message
  subs                         list subscriptions
  ping                         round trip to the server
  info                         show the server's INFO
  help                         show this text
  quit                         leave the shell`

var errQuit = errors.New("quit")

// lockedWriter serialises output from the prompt loop and message handlers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// shell runs commands against one connection.
type shell struct {
	nc  *natsio.Conn
	out io.Writer

	mu   sync.Mutex
	subs map[uint64]*natsio.Subscription
}

func newShell(nc *natsio.Conn, out io.Writer) *shell {
	return &shell{nc: nc, out: out, subs: make(map[uint64]*natsio.Subscription)}
}

func (sh *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "pub":
		if len(args) < 1 {
			return errors.New("usage: pub <subject> [payload...]")
		}
		return sh.nc.Publish(args[0], []byte(strings.Join(args[1:], " ")))

	case "req":
		if len(args) < 2 {
			return errors.New("usage: req <subject> <reply> [payload...]")
		}
		return sh.nc.PublishReply(args[0], args[1], []byte(strings.Join(args[2:], " ")))

	case "sub":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: sub <subject> [queue]")
		}
		queue := ""
		if len(args) == 2 {
			queue = args[1]
		}
		sub, err := sh.nc.QueueSubscribe(args[0], queue, sh.print)
		if err != nil {
			return err
		}
		sh.mu.Lock()
		sh.subs[sub.SID()] = sub
		sh.mu.Unlock()
		fmt.Fprintf(sh.out, "subscribed sid=%d subject=%s\n", sub.SID(), sub.Subject())
		return nil

	case "unsub", "cancel":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <sid>", cmd)
		}
		sid, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad sid %q", args[0])
		}
		sh.mu.Lock()
		sub, ok := sh.subs[sid]
		delete(sh.subs, sid)
		sh.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: sid %d", natsio.ErrSubscriptionNotFound, sid)
		}
		if cmd == "cancel" {
			sub.Cancel()
			return nil
		}
		return sub.Unsubscribe()

	case "subs":
		sh.mu.Lock()
		list := make([]*natsio.Subscription, 0, len(sh.subs))
		for _, sub := range sh.subs {
			list = append(list, sub)
		}
		sh.mu.Unlock()
		sort.Slice(list, func(i, j int) bool { return list[i].SID() < list[j].SID() })
		for _, sub := range list {
			fmt.Fprintf(sh.out, "%d\t%s\t%s\t%d\n", sub.SID(), sub.Subject(), sub.Queue(), sub.Delivered())
		}
		return nil

	case "ping":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		start := time.Now()
		if err := sh.nc.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "pong in %s\n", time.Since(start).Round(time.Microsecond))
		return nil

	case "info":
		info := sh.nc.ServerInfo()
		fmt.Fprintf(sh.out, "server_id=%s version=%s max_payload=%d state=%s\n",
			info.ServerID, info.Version, info.MaxPayload, sh.nc.State())
		return nil

	case "help", "?":
		fmt.Fprintln(sh.out, shellHelp)
		return nil

	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func (sh *shell) print(m *natsio.Msg) {
	if m.ReplyTo != "" {
		fmt.Fprintf(sh.out, "[%d] %s (reply %s): %s\n", m.Sub.SID(), m.Subject, m.ReplyTo, m.Data)
		return
	}
	fmt.Fprintf(sh.out, "[%d] %s: %s\n", m.Sub.SID(), m.Subject, m.Data)
}

func newShellCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell on a connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := &lockedWriter{w: o.stdout}

			stopMetrics, err := o.serveMetrics()
			if err != nil {
				return err
			}
			defer stopMetrics()

			s, err := o.dial(ctx, natsio.Handlers{
				OnServerError: func(_ *natsio.Conn, msg string) {
					fmt.Fprintf(out, "server error: %s\n", msg)
				},
			})
			if err != nil {
				return err
			}
			defer s.nc.Stop()

			if err := s.wait(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "connected to %s, type help for commands\n", s.nc.URL())

			le := newLineEditor(o.stdin, out, o.stderr)
			defer le.Close()

			sh := newShell(s.nc, out)
			for {
				line, err := le.readLine("natsio> ")
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}

				err = sh.exec(ctx, line)
				if errors.Is(err, errQuit) {
					return nil
				}
				if err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
			}
		},
	}
}
