// Package bus runs a single embedded NATS server in-process and exposes
// a thin publish/subscribe facade used as the Job Scheduler's and
// Output Stream Broker's notification transport.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus wraps an embedded NATS server and a single in-process client
// connection to it.
type Bus struct {
	srv  *server.Server
	conn *nats.Conn
}

// New starts an embedded NATS server bound to port (0 = OS-assigned)
// and connects to it over an in-process pipe, never touching the
// network for intra-service pub/sub.
func New(port int) (*Bus, error) {
	if port == 0 {
		// nats-server reads Port 0 as its default 4222; RANDOM_PORT asks
		// the OS for a free port.
		port = server.RANDOM_PORT
	}
	opts := &server.Options{
		Port:      port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: false,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bus: create embedded server: %w", err)
	}

	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("bus: embedded server did not become ready")
	}

	conn, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("bus: connect in-process: %w", err)
	}

	return &Bus{srv: srv, conn: conn}, nil
}

// Publish sends data on subject. Publish failures are non-fatal to
// callers: the notification bus is advisory, never the system of
// record (the Job Store and output.log are).
func (b *Bus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe registers handler for every message published on subject
// until the returned unsubscribe function is called.
func (b *Bus) Subscribe(subject string, handler func(data []byte)) (func(), error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close closes the client connection and shuts down the embedded server.
func (b *Bus) Close() {
	b.conn.Close()
	b.srv.Shutdown()
}
