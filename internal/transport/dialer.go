package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smsgate/gateway/internal/codec"
	"github.com/smsgate/gateway/internal/connection"
	"github.com/smsgate/gateway/internal/logging"
)

// DialFunc opens one outbound socket. Tests substitute their own func
// (dialing a local test listener, or failing outright) for the real dial.
type DialFunc func(ctx context.Context) (net.Conn, error)

const (
	dialRetryInterval = 10 * time.Second
	dialQueueSize     = 64
)

// DialerConfig is the static, per-Entity configuration a Dialer needs.
type DialerConfig struct {
	EntityID       uint32
	Address        string // for logging only; Dial does the actual connecting
	Credentials    connection.Credentials
	Codec          codec.Codec
	CodecSelector  func(version byte) (codec.Codec, bool)
	Inbound        chan<- codec.Record
	MaxConnections int
	Dial           DialFunc
}

// Dialer maintains up to MaxConnections live outbound Connections for one
// PASSAGE Entity (spec §4.4): every 10s it compares how many Connections it
// currently has (counted from a successful dial until the Connection ends;
// a dial still in progress is not counted) against the configured maximum
// and spawns one attempt per missing slot. There is no backoff beyond that 10s tick
// and no connect-storm control, exactly as specified.
type Dialer struct {
	cfg    DialerConfig
	attach func(id string, priority, common chan codec.Record)
	detach func(id string)
	logger logging.Logger

	mu      sync.Mutex
	active  int
	counter atomic.Uint64
}

// NewDialer builds a Dialer. attach/detach are normally entity.Entity's
// own Attach/Detach methods; accepting them as plain funcs keeps this
// package from importing internal/entity.
func NewDialer(cfg DialerConfig, attach func(id string, priority, common chan codec.Record), detach func(id string), logger logging.Logger) *Dialer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dialer{cfg: cfg, attach: attach, detach: detach, logger: logger}
}

// Run drives the 10s fill-the-slots loop until ctx is cancelled.
func (d *Dialer) Run(ctx context.Context) error {
	d.fillSlots(ctx)

	ticker := time.NewTicker(dialRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.fillSlots(ctx)
		}
	}
}

func (d *Dialer) fillSlots(ctx context.Context) {
	d.mu.Lock()
	missing := d.cfg.MaxConnections - d.active
	d.mu.Unlock()

	for i := 0; i < missing; i++ {
		go d.attempt(ctx)
	}
}

// attempt dials once, logs in, and — if login succeeds — attaches the
// Connection's queues to the Entity for the rest of its life, detaching
// again once the Connection ends. One attempt is exactly one Connection
// (spec §4.2 serve_outbound); a failed dial or failed login simply leaves
// the slot open for the next 10s tick to retry.
func (d *Dialer) attempt(ctx context.Context) {
	conn, err := d.cfg.Dial(ctx)
	if err != nil {
		d.logger.Warn("transport: dialer entity %d: dial %s failed: %v", d.cfg.EntityID, d.cfg.Address, err)
		return
	}

	id := fmt.Sprintf("passage-%d-%d", d.cfg.EntityID, d.counter.Add(1))
	priority := make(chan codec.Record, dialQueueSize)
	common := make(chan codec.Record, dialQueueSize)
	c := connection.New(id, conn, d.cfg.Codec, priority, common, d.cfg.Inbound,
		connection.WithLogger(d.logger),
		connection.WithCodecSelector(d.cfg.CodecSelector),
	)

	d.mu.Lock()
	d.active++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	done := make(chan error, 1)
	go func() { done <- c.ServeOutbound(ctx, d.cfg.EntityID, d.cfg.Credentials) }()

	if awaitActive(ctx, c, done) {
		d.attach(id, priority, common)
		defer d.detach(id)
	}

	if err := <-done; err != nil {
		d.logger.Debug("transport: dialer entity %d: connection %s ended: %v", d.cfg.EntityID, id, err)
	}
}
