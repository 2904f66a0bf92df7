// Package natsio is a client for the NATS text protocol.
//
// A Conn owns one logical session. Start launches a goroutine that dials the
// server, completes the INFO/CONNECT handshake, and then decodes frames off
// the wire, answering PING and delivering MSG frames to subscription
// handlers. When the session breaks the goroutine reconnects with capped
// exponential backoff and re-sends every live subscription.
//
//	nc := natsio.New("nats://127.0.0.1:4222", natsio.Config{Name: "worker"}, natsio.Handlers{
//	    OnConnected: func(c *natsio.Conn) {
//	        if c.NumSubscriptions() > 0 {
//	            return
//	        }
//	        c.Subscribe("orders.>", func(m *natsio.Msg) {
//	            process(m.Subject, bytes.Clone(m.Data))
//	        })
//	    },
//	})
//	done, err := nc.Start(ctx)
//
// Publish and Subscribe fail with ErrNotConnected until the first session is
// up, so initial subscriptions belong in OnConnected.
//
// Handlers run synchronously on the read goroutine. Msg.Data points into the
// connection's read buffer and is only valid until the handler returns.
package natsio
