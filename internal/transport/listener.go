// Package transport implements the minimal supervisors that accept inbound
// sockets and drive outbound dials (spec §4.4): a Listener per configured
// (address, protocol_variant) and a Dialer per PASSAGE Entity. Neither
// supervisor touches protocol bytes itself — everything below "here's a
// net.Conn and who it belongs to" is the Connection's job.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/smsgate/gateway/internal/codec"
	"github.com/smsgate/gateway/internal/connection"
	"github.com/smsgate/gateway/internal/logging"
)

const (
	listenerQueueSize = 64
	loginPollInterval = 10 * time.Millisecond
)

// Target is everything a Listener needs to hand a freshly accepted socket
// off to the Entity that owns it: the identity to authenticate against,
// the Codec to speak, and the Attach/Detach callbacks that register the
// Connection's queues with the Entity once (and only once) login succeeds.
type Target struct {
	EntityID      uint32
	Credentials   connection.Credentials
	Codec         codec.Codec
	CodecSelector func(version byte) (codec.Codec, bool)
	Inbound       chan<- codec.Record
	Attach        func(id string, priority, common chan codec.Record)
	Detach        func(id string)
}

// Resolver resolves which Entity a freshly accepted socket belongs to, by
// remote host. This is the Listener's half of the handshake-table lookup
// described in spec §5 ("the Connection learns its owning Entity through
// it at handshake time"): resolution happens here, before the Connection
// is constructed, rather than the Connection blocking mid-handshake on a
// table keyed by a not-yet-known channel id (see DESIGN.md under
// internal/connection for the full rationale). internal/manager implements
// this interface.
type Resolver interface {
	ResolveInbound(remoteHost string) (Target, bool)
}

// Listener accepts inbound sockets for one configured (address,
// protocol_variant) pair (spec §4.4). Authentication itself is delegated
// entirely to the Connection; the Listener's only job is resolving which
// Entity a new socket belongs to and handing it off.
type Listener struct {
	addr     string
	ln       net.Listener
	resolver Resolver
	logger   logging.Logger
	counter  atomic.Uint64
}

// NewListener wraps an already-bound net.Listener, so tests can substitute
// an in-memory listener instead of binding a real port.
func NewListener(ln net.Listener, resolver Resolver, logger logging.Logger) *Listener {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Listener{addr: ln.Addr().String(), ln: ln, resolver: resolver, logger: logger}
}

// Addr returns the bound address, mainly useful in tests that let the OS
// pick an ephemeral port.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until ctx is cancelled or the socket errors out.
// It always returns a non-nil error; ctx.Err() on a clean shutdown.
func (l *Listener) Run(ctx context.Context) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.Close()
		case <-stopped:
		}
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("transport: listener %s accept: %w", l.addr, err)
		}
		go l.handle(ctx, conn)
	}
}

// handle resolves the Entity for conn, drives its Connection through login
// and the run loop, and attaches/detaches the Entity's queues around the
// login boundary — mirroring Dialer.attempt so an Entity never fans out
// into a socket that hasn't (yet, or ever) finished logging in.
func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	remoteHost, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		remoteHost = conn.RemoteAddr().String()
	}

	target, ok := l.resolver.ResolveInbound(remoteHost)
	if !ok {
		l.logger.Warn("transport: listener %s: no entity accepts remote %s, closing", l.addr, remoteHost)
		conn.Close()
		return
	}

	id := fmt.Sprintf("%s-%d", l.addr, l.counter.Add(1))
	priority := make(chan codec.Record, listenerQueueSize)
	common := make(chan codec.Record, listenerQueueSize)
	c := connection.New(id, conn, target.Codec, priority, common, target.Inbound,
		connection.WithLogger(l.logger),
		connection.WithCodecSelector(target.CodecSelector),
	)

	done := make(chan error, 1)
	go func() { done <- c.ServeInbound(ctx, target.EntityID, target.Credentials) }()

	if awaitActive(ctx, c, done) {
		target.Attach(id, priority, common)
		defer target.Detach(id)
	}
	if err := <-done; err != nil {
		l.logger.Debug("transport: listener %s: connection %s ended: %v", l.addr, id, err)
	}
}

// awaitActive polls a Connection's state until it reaches ACTIVE (login
// succeeded) or done fires first (login failed, or ctx was cancelled
// before login finished) — the same poll-with-ticker shape the teacher
// uses to wait out a handshake (osi/cotp/examples/server.go's
// waitForConnectionRequest), since neither side exposes a "login just
// finished" event channel. Shared by Listener and Dialer.
func awaitActive(ctx context.Context, c *connection.Connection, done <-chan error) bool {
	ticker := time.NewTicker(loginPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if c.State() == connection.StateActive {
				return true
			}
		}
	}
}
