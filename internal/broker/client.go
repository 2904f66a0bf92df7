package broker

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/elmq0022/natsio/internal/codec"
	"github.com/elmq0022/natsio/internal/trie"
)

var (
	errAuthorization = errors.New("authorization violation")
	errMaxPayload    = errors.New("maximum payload violation")
	errNoConnect     = errors.New("connect expected")
)

type client struct {
	id     uint64
	srv    *Server
	conn   io.ReadWriteCloser
	remote string

	wmu sync.Mutex

	// Guarded by srv.mu.
	subs    map[uint64]*subscription
	verbose bool
	name    string
}

type subscription struct {
	id      uint64
	client  *client
	sid     uint64
	subject string
	queue   string

	// max is the delivery limit set by UNSUB, zero when unbounded.
	max       uint64
	delivered uint64
}

func (c *client) send(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

func (c *client) sendErr(msg string) {
	if err := c.send(codec.AppendErr(nil, msg)); err != nil {
		c.srv.log.Debug("send -ERR", "client", c.id, "err", err)
	}
}

func (c *client) ok() error {
	c.srv.mu.Lock()
	verbose := c.verbose
	c.srv.mu.Unlock()

	if !verbose {
		return nil
	}
	return c.send([]byte(codec.OKLine))
}

func (c *client) run() {
	s := c.srv

	hello, err := codec.AppendInfo(nil, s.info(c))
	if err != nil {
		s.log.Error("encode INFO", "err", err)
		return
	}
	if err := c.send(hello); err != nil {
		return
	}

	dec, err := codec.NewDecoder(c.conn)
	if err != nil {
		return
	}
	dec.SetMaxFrame(int(s.opts.MaxPayload) + codec.MaxControlLine + 2)

	connected := !s.authRequired()
	for {
		frame, err := dec.Next()
		if err != nil {
			c.readFailed(err)
			return
		}
		s.record(c.id, frame)

		if !connected {
			if _, ok := frame.(codec.Connect); !ok {
				c.sendErr(errNoConnect.Error())
				return
			}
			connected = true
		}

		if err := c.handle(frame); err != nil {
			s.log.Warn("closing client", "client", c.id, "err", err)
			c.sendErr(err.Error())
			return
		}
	}
}

func (c *client) readFailed(err error) {
	var perr *codec.ParseError
	switch {
	case errors.As(err, &perr):
		c.srv.log.Warn("protocol error", "client", c.id, "err", err)
		c.sendErr("unknown protocol operation")
	case errors.Is(err, codec.ErrFrameTooLarge):
		c.sendErr(errMaxPayload.Error())
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		c.srv.log.Debug("read", "client", c.id, "err", err)
	}
}

// handle applies one client frame. A returned error closes the client.
func (c *client) handle(frame codec.Frame) error {
	s := c.srv

	switch f := frame.(type) {
	case codec.Connect:
		info, err := codec.ParseConnectInfo(f.Payload)
		if err != nil {
			return fmt.Errorf("invalid CONNECT: %w", err)
		}
		if !s.authorize(info) {
			return errAuthorization
		}
		s.mu.Lock()
		c.verbose = info.Verbose
		c.name = info.Name
		s.mu.Unlock()
		s.log.Debug("client identified", "client", c.id, "name", info.Name, "lang", info.Lang, "version", info.Version)
		return c.ok()

	case codec.Ping:
		return c.send([]byte(codec.PongLine))

	case codec.Pong:
		return nil

	case codec.Pub:
		if int64(len(f.Payload)) > s.opts.MaxPayload {
			return errMaxPayload
		}
		if _, err := trie.ValidateSubject(string(f.Subject)); err != nil {
			c.sendErr(err.Error())
			return nil
		}
		s.route(f.Subject, f.ReplyTo, f.Payload)
		return c.ok()

	case codec.Sub:
		if err := s.subscribe(c, string(f.Subject), string(f.Queue), f.SID); err != nil {
			c.sendErr(err.Error())
			return nil
		}
		return c.ok()

	case codec.Unsub:
		s.unsubscribe(c, f.SID, f.Max)
		return c.ok()

	default:
		return fmt.Errorf("%w %s", codec.ErrUnexpectedOperator, frame.Op())
	}
}

func (s *Server) subscribe(c *client, subject, queue string, sid uint64) error {
	if queue != "" {
		if err := trie.ValidateQueue(queue); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := c.subs[sid]; dup {
		return fmt.Errorf("duplicate sid %d", sid)
	}

	s.nextSub++
	sub := &subscription{
		id:      s.nextSub,
		client:  c,
		sid:     sid,
		subject: subject,
		queue:   queue,
	}
	if err := s.routes.Add(subject, sub.id); err != nil {
		return err
	}
	s.subs[sub.id] = sub
	c.subs[sid] = sub
	return nil
}

func (s *Server) unsubscribe(c *client, sid, limit uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := c.subs[sid]
	if !ok {
		return
	}
	if limit > 0 && sub.delivered < limit {
		sub.max = limit
		return
	}
	s.removeSubLocked(sub)
}

func (s *Server) removeSubLocked(sub *subscription) {
	s.routes.Remove(sub.subject, sub.id)
	delete(s.subs, sub.id)
	delete(sub.client.subs, sub.sid)
}

// route delivers one published message. Plain subscribers all get a copy;
// each queue group gets one copy sent to a random member.
func (s *Server) route(subject, reply, payload []byte) {
	s.mu.Lock()
	var targets []*subscription
	groups := make(map[string][]*subscription)
	for _, id := range s.routes.Lookup(string(subject)) {
		sub, ok := s.subs[id]
		if !ok {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		key := sub.subject + " " + sub.queue
		groups[key] = append(groups[key], sub)
	}
	for _, members := range groups {
		targets = append(targets, members[rand.IntN(len(members))])
	}

	for _, sub := range targets {
		sub.delivered++
		if sub.max > 0 && sub.delivered >= sub.max {
			s.removeSubLocked(sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		msg := codec.AppendMsg(nil, string(subject), sub.sid, string(reply), payload)
		if err := sub.client.send(msg); err != nil {
			s.log.Debug("deliver", "client", sub.client.id, "sid", sub.sid, "err", err)
		}
	}
}
