// Package connection implements one TCP session end-to-end (spec §4.2): it
// owns a socket, applies a protocol Codec, enforces per-second rate windows
// and heartbeats, performs the login handshake, and exchanges frames with
// whichever Entity owns it. Every Connection is exclusively driven by its
// own goroutine's run loop — no other task ever mutates its fields,
// mirroring the teacher's cotp.Connection (osi/cotp/cotp.go), which is
// likewise read and written only by the goroutine that owns it.
package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/smsgate/gateway/internal/codec"
	"github.com/smsgate/gateway/internal/logging"
	"github.com/smsgate/gateway/internal/metrics"
)

// State is the Connection's lifecycle stage, per the Data Model table.
type State int

const (
	StateInit State = iota
	StateLoginPending
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLoginPending:
		return "LOGIN_PENDING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Credentials is what a Connection needs to authenticate an inbound peer or
// present its own identity when dialing out.
type Credentials struct {
	LoginName        string
	Password         string
	Version          byte
	AllowedSourceIPs []string // CIDR-wildcard entries (0 octet matches anything); empty means any source.
}

var (
	errPriorityQueueClosed = errors.New("connection: priority queue closed")
	errCommonQueueClosed   = errors.New("connection: common queue closed")
	errSocketClosed        = errors.New("connection: socket closed")
)

type options struct {
	logger                logging.Logger
	rxLimit               int
	txLimit               int
	loginTimeout          time.Duration
	heartbeatIdleTicks    int
	heartbeatTimeoutTicks int
	frameBufferSize       int
	codecSelector         func(version byte) (codec.Codec, bool)
}

func defaultOptions() options {
	return options{
		logger:                logging.Nop(),
		rxLimit:               200,
		txLimit:               200,
		loginTimeout:          3 * time.Second,
		heartbeatIdleTicks:    30,
		heartbeatTimeoutTicks: 30,
		frameBufferSize:       4096,
	}
}

// Option configures a Connection, following the teacher's functional-options
// shape (cotp.ConnectionOption / go61850's WithLogger).
type Option func(*options)

func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRxLimit sets the inbound Submit rate window (Submit frames/second).
func WithRxLimit(n int) Option {
	return func(o *options) { o.rxLimit = n }
}

// WithTxLimit sets the outbound business-frame rate window (frames/second).
func WithTxLimit(n int) Option {
	return func(o *options) { o.txLimit = n }
}

func WithLoginTimeout(d time.Duration) Option {
	return func(o *options) { o.loginTimeout = d }
}

// WithHeartbeat overrides the idle-tick thresholds, in 1-second ticks.
// Defaults (30/30) match spec §4.2; tests shrink these to keep runtime short.
func WithHeartbeat(idleTicks, timeoutTicks int) Option {
	return func(o *options) { o.heartbeatIdleTicks, o.heartbeatTimeoutTicks = idleTicks, timeoutTicks }
}

func WithFrameBufferSize(n int) Option {
	return func(o *options) { o.frameBufferSize = n }
}

// WithCodecSelector lets the Connection re-select its Codec after a
// Connect-Ack reveals a different supported protocol version (spec §4.2).
// Without one, the Codec the Connection was constructed with is kept as-is.
func WithCodecSelector(fn func(version byte) (codec.Codec, bool)) Option {
	return func(o *options) { o.codecSelector = fn }
}

// Connection is one TCP session. Every field is read and written only from
// within run (and the synchronous handshake methods that precede it), per
// the Ownership invariant in spec §3.
type Connection struct {
	id       string
	entityID uint32
	conn     net.Conn
	codec    codec.Codec
	framer   *codec.Framer

	priorityQueue <-chan codec.Record // from entity: highest-priority outbound traffic
	commonQueue   <-chan codec.Record // from entity: ordinary outbound traffic
	toEntity      chan<- codec.Record // to entity: everything read off the socket

	state         State
	authenticated bool

	rxLimit     int
	txLimit     int
	currRx      int
	currTx      int
	windowStart time.Time

	idleTicks             int
	waitActiveResp        bool
	ioOccurred            bool
	heartbeatIdleTicks    int
	heartbeatTimeoutTicks int

	loginTimeout  time.Duration
	seq           uint32
	codecSelector func(version byte) (codec.Codec, bool)
	logger        logging.Logger
}

// New constructs a Connection around an already-accepted-or-dialed socket.
// id must be process-unique; priorityQueue/commonQueue are the pair handed
// to this Connection once its owning Entity has attached it (directly for
// dialed PASSAGE sessions, or via the handshake table for accepted ACCOUNT
// sessions — see internal/manager).
func New(id string, conn net.Conn, cdc codec.Codec, priorityQueue, commonQueue <-chan codec.Record, toEntity chan<- codec.Record, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Connection{
		id:                    id,
		conn:                  conn,
		codec:                 cdc,
		framer:                codec.NewFramer(conn, o.frameBufferSize),
		priorityQueue:         priorityQueue,
		commonQueue:           commonQueue,
		toEntity:              toEntity,
		state:                 StateInit,
		rxLimit:               o.rxLimit,
		txLimit:               o.txLimit,
		heartbeatIdleTicks:    o.heartbeatIdleTicks,
		heartbeatTimeoutTicks: o.heartbeatTimeoutTicks,
		loginTimeout:          o.loginTimeout,
		codecSelector:         o.codecSelector,
		logger:                o.logger,
	}
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) State() State     { return c.state }
func (c *Connection) EntityID() uint32 { return c.entityID }

// ServeInbound drives an accepted socket through login and into the run
// loop. entityID is already known (the Listener that accepted this socket
// is bound to one configured entity); creds carries the expected identity
// and, for ACCOUNT entities, the source-IP allow-list.
func (c *Connection) ServeInbound(ctx context.Context, entityID uint32, creds Credentials) error {
	c.entityID = entityID
	c.state = StateLoginPending

	loginCtx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()

	rec, err := c.readLoginFrame(loginCtx)
	if err != nil {
		c.conn.Close()
		c.state = StateClosed
		return fmt.Errorf("connection %s: login read: %w", c.id, err)
	}
	if rec.Kind() != codec.Connect {
		c.conn.Close()
		c.state = StateClosed
		return fmt.Errorf("connection %s: expected Connect, got %s", c.id, rec.Kind())
	}

	status := c.verifyLogin(rec, creds)
	if ack, ok := c.codec.EncodeReceipt(status, rec); ok {
		if _, werr := c.conn.Write(ack); werr != nil {
			c.conn.Close()
			c.state = StateClosed
			return fmt.Errorf("connection %s: login ack write: %w", c.id, werr)
		}
	}
	if status != codec.Success {
		c.conn.Close()
		c.state = StateClosed
		return fmt.Errorf("connection %s: login rejected: status=%d", c.id, status)
	}

	c.maybeReselectCodec(byte(rec.GetInt(codec.FieldVersion)))
	c.authenticated = true
	c.state = StateActive
	return c.run(ctx)
}

// ServeOutbound drives an already-dialed socket through login (as the
// initiator) and into the run loop.
func (c *Connection) ServeOutbound(ctx context.Context, entityID uint32, creds Credentials) error {
	c.entityID = entityID
	c.state = StateLoginPending

	connect := codec.New(codec.Connect)
	connect[codec.FieldSeqID] = int(c.nextSeq())
	connect[codec.FieldLoginName] = creds.LoginName
	connect[codec.FieldPassword] = creds.Password
	connect[codec.FieldVersion] = int(creds.Version)

	frame, err := c.codec.Encode(codec.Connect, connect)
	if err != nil {
		c.conn.Close()
		c.state = StateClosed
		return fmt.Errorf("connection %s: encode connect: %w", c.id, err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.conn.Close()
		c.state = StateClosed
		return fmt.Errorf("connection %s: write connect: %w", c.id, err)
	}

	loginCtx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()
	rec, err := c.readLoginFrame(loginCtx)
	if err != nil {
		c.conn.Close()
		c.state = StateClosed
		return fmt.Errorf("connection %s: login read: %w", c.id, err)
	}
	if rec.Kind() != codec.ConnectResp {
		c.conn.Close()
		c.state = StateClosed
		return fmt.Errorf("connection %s: expected ConnectResp, got %s", c.id, rec.Kind())
	}
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	if status != codec.Success {
		c.conn.Close()
		c.state = StateClosed
		return fmt.Errorf("connection %s: login rejected: status=%d", c.id, status)
	}

	c.maybeReselectCodec(byte(rec.GetInt(codec.FieldVersion)))
	c.authenticated = true
	c.state = StateActive
	return c.run(ctx)
}

func (c *Connection) maybeReselectCodec(version byte) {
	if c.codecSelector == nil {
		return
	}
	if newCodec, ok := c.codecSelector(version); ok {
		c.codec = newCodec
	}
}

func (c *Connection) verifyLogin(rec codec.Record, creds Credentials) codec.StatusCode {
	if len(creds.AllowedSourceIPs) > 0 && !ipAllowed(c.conn.RemoteAddr().String(), creds.AllowedSourceIPs) {
		return codec.AddError
	}
	version := byte(rec.GetInt(codec.FieldVersion))
	if !versionSupported(version, c.codec.SupportedVersions()) {
		return codec.VersionError
	}
	if rec.GetString(codec.FieldLoginName) != creds.LoginName {
		return codec.AuthError
	}

	// SMPP has no MD5 challenge: bind carries the password in the clear, so
	// it is compared directly rather than via the authenticator digest the
	// other three variants use.
	if c.codec.Variant() == codec.VariantSMPP {
		if rec.GetString(codec.FieldPassword) != creds.Password {
			return codec.AuthError
		}
		return codec.Success
	}

	authBytes, ok := rec["authenticator"].([16]byte)
	if !ok {
		return codec.AuthError
	}
	// Only the last 8 bytes are compared, as a u64, per spec §4.2. The
	// gateway recomputes the authenticator against its own receive time
	// rather than a wire-carried timestamp, consistent with the login
	// window being bounded to loginTimeout.
	expected := c.codec.Auth(creds.LoginName, creds.Password, time.Now())
	if binary.BigEndian.Uint64(authBytes[8:16]) != binary.BigEndian.Uint64(expected[8:16]) {
		return codec.AuthError
	}
	return codec.Success
}

func ipAllowed(remote string, patterns []string) bool { return IPAllowed(remote, patterns) }

// IPAllowed implements the source-IP allow-list check from spec §4.2 (CIDR-
// wildcard semantics: an octet of 0 matches anything). remote may be a bare
// IP or a host:port string. Exported so internal/manager can apply the same
// rule when resolving which Entity a freshly accepted socket belongs to,
// before a Connection exists to call verifyLogin at all.
func IPAllowed(remote string, patterns []string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for _, pattern := range patterns {
		if octetMatch(ip4, pattern) {
			return true
		}
	}
	return false
}

// octetMatch implements the "an octet of 0 matches anything" wildcard rule
// from spec §4.2 — not real CIDR, a literal per-octet wildcard.
func octetMatch(ip net.IP, pattern string) bool {
	parts := strings.Split(pattern, ".")
	if len(parts) != 4 {
		return false
	}
	for i, p := range parts {
		if p == "0" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || byte(n) != ip[i] {
			return false
		}
	}
	return true
}

func versionSupported(v byte, supported []byte) bool {
	for _, s := range supported {
		if s == v {
			return true
		}
	}
	return false
}

func (c *Connection) readLoginFrame(ctx context.Context) (codec.Record, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		state, err := c.framer.ReadFrame()
		switch state {
		case codec.FrameComplete:
			raw := append([]byte(nil), c.framer.Bytes()...)
			c.framer.Reset()
			return c.codec.Decode(raw)
		case codec.FrameWaiting:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		default:
			return nil, err
		}
	}
}

type inboundFrame struct {
	rec codec.Record
	err error
}

// readLoop runs in its own goroutine for the lifetime of run, decoupling
// the blocking socket read from the run loop's select so the loop stays
// responsive to queues and the heartbeat ticker. It exits (closing out)
// when the socket errors or is closed by cleanup.
func (c *Connection) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		state, err := c.framer.ReadFrame()
		switch state {
		case codec.FrameComplete:
			raw := append([]byte(nil), c.framer.Bytes()...)
			c.framer.Reset()
			rec, derr := c.codec.Decode(raw)
			out <- inboundFrame{rec: rec, err: derr}
		case codec.FrameWaiting:
			continue
		case codec.FrameError:
			out <- inboundFrame{err: err}
			return
		}
	}
}

// run is the single-task event loop described in spec §4.2: a biased select
// that always drains the priority queue first, then the common queue and
// socket read, with the 1-second ticker driving rate-window resets and the
// heartbeat. select itself gives no ordering guarantee among ready cases,
// so the loop re-checks the priority queue non-blockingly before falling
// into the full select — the same trick the teacher's mms.Client read loop
// uses to make sure control frames are not starved by data frames.
func (c *Connection) run(ctx context.Context) error {
	inbound := make(chan inboundFrame, 1)
	go c.readLoop(inbound)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	c.windowStart = time.Now()

	for {
		if !c.txLimited() {
			select {
			case rec, ok := <-c.priorityQueue:
				if !ok {
					return c.cleanup(errPriorityQueueClosed)
				}
				terminal := rec.Kind() == codec.Terminate
				if err := c.writeRecord(rec); err != nil {
					return c.cleanup(err)
				}
				if terminal {
					return c.cleanup(nil)
				}
				continue
			default:
			}
		}

		var pq, cq <-chan codec.Record
		if !c.txLimited() {
			pq, cq = c.priorityQueue, c.commonQueue
		}

		select {
		case rec, ok := <-pq:
			if !ok {
				return c.cleanup(errPriorityQueueClosed)
			}
			terminal := rec.Kind() == codec.Terminate
			if err := c.writeRecord(rec); err != nil {
				return c.cleanup(err)
			}
			if terminal {
				return c.cleanup(nil)
			}

		case rec, ok := <-cq:
			if !ok {
				return c.cleanup(errCommonQueueClosed)
			}
			if err := c.writeRecord(rec); err != nil {
				return c.cleanup(err)
			}

		case in, ok := <-inbound:
			if !ok {
				return c.cleanup(errSocketClosed)
			}
			if in.err != nil {
				var derr *codec.DecodeError
				if errors.As(in.err, &derr) {
					c.logger.Warn("connection %s: decode error, dropping frame: %v", c.id, derr)
					continue
				}
				return c.cleanup(in.err)
			}
			exit, err := c.handleInbound(in.rec)
			if err != nil {
				return c.cleanup(err)
			}
			if exit {
				return c.cleanup(nil)
			}

		case <-ticker.C:
			if err := c.onTick(); err != nil {
				return c.cleanup(err)
			}

		case <-ctx.Done():
			return c.cleanup(ctx.Err())
		}
	}
}

func (c *Connection) txLimited() bool { return c.txLimit > 0 && c.currTx >= c.txLimit }
func (c *Connection) rxLimited() bool { return c.rxLimit > 0 && c.currRx >= c.rxLimit }

func (c *Connection) writeRecord(rec codec.Record) error {
	if _, ok := rec[codec.FieldSeqID]; !ok {
		rec[codec.FieldSeqID] = int(c.nextSeq())
	}
	kind := rec.Kind()
	frames, err := c.codec.EncodeSegments(kind, rec)
	if err != nil {
		c.logger.Warn("connection %s: encode failed, dropping record: %v", c.id, err)
		c.reportFailure(rec)
		return nil
	}
	for _, f := range frames {
		if _, err := c.conn.Write(f); err != nil {
			return err
		}
	}
	c.currTx++
	c.ioOccurred = true
	metrics.FramesTotal.WithLabelValues(c.id, "tx", kind.String()).Add(float64(len(frames)))

	// A segmented long-SMS Submit/Deliver consumes one sequence id per
	// segment (codec.AssignSegmentSeqIDs numbers them rec's base seq id
	// upward); advance our own counter past them so the next writeRecord
	// call can't reissue one of those ids.
	if len(frames) > 1 {
		c.bumpSeq(len(frames) - 1)
	}

	if isBusinessKind(kind) {
		rec[codec.FieldWaitReceipt] = true
		rec[codec.FieldConnectionID] = c.id
		rec[codec.FieldEntityID] = c.entityID
		select {
		case c.toEntity <- rec:
		default:
			c.logger.Warn("connection %s: entity inbound full, dropping retry-cache echo for seq %v", c.id, rec[codec.FieldSeqID])
		}
	}
	return nil
}

func isBusinessKind(k codec.MsgType) bool {
	switch k {
	case codec.Submit, codec.Deliver, codec.Report:
		return true
	default:
		return false
	}
}

// handleInbound processes one decoded Record read off the socket. It
// returns exit=true when the Connection must close itself (a Terminate was
// received and its Ack sent).
func (c *Connection) handleInbound(rec codec.Record) (bool, error) {
	c.ioOccurred = true
	kind := rec.Kind()

	switch kind {
	case codec.ActiveTest:
		if ack, ok := c.codec.EncodeReceipt(codec.Success, rec); ok {
			if _, err := c.conn.Write(ack); err != nil {
				return false, err
			}
		}
		return false, nil

	case codec.ActiveTestResp:
		c.waitActiveResp = false
		c.idleTicks = 0
		return false, nil

	case codec.Terminate:
		rec[codec.FieldConnectionID] = c.id
		rec[codec.FieldEntityID] = c.entityID
		c.toEntity <- rec
		if ack, ok := c.codec.EncodeReceipt(codec.Success, rec); ok {
			c.conn.Write(ack)
		}
		return true, nil
	}

	if kind == codec.Submit {
		if c.rxLimited() {
			metrics.RateLimitedTotal.WithLabelValues(c.id).Inc()
			if ack, ok := c.codec.EncodeReceipt(codec.TrafficRestrictions, rec); ok {
				if _, err := c.conn.Write(ack); err != nil {
					return false, err
				}
			}
			return false, nil
		}
		c.currRx++
	}

	if isBusinessKind(kind) && !kind.IsResp() {
		if ack, ok := c.codec.EncodeReceipt(codec.Success, rec); ok {
			if _, err := c.conn.Write(ack); err != nil {
				return false, err
			}
		}
	}

	metrics.FramesTotal.WithLabelValues(c.id, "rx", kind.String()).Inc()
	rec[codec.FieldConnectionID] = c.id
	rec[codec.FieldEntityID] = c.entityID
	c.toEntity <- rec
	return false, nil
}

// onTick applies the 1-second rate-window reset and heartbeat state
// machine described in spec §4.2.
func (c *Connection) onTick() error {
	now := time.Now()
	if now.Sub(c.windowStart) >= time.Second {
		c.windowStart = now
		c.currRx = 0
		c.currTx = 0
	}

	if c.ioOccurred {
		c.ioOccurred = false
		c.idleTicks = 0
		return nil
	}

	c.idleTicks++
	if c.waitActiveResp {
		if c.idleTicks >= c.heartbeatTimeoutTicks {
			return fmt.Errorf("connection %s: heartbeat reply timeout", c.id)
		}
		return nil
	}

	if c.idleTicks >= c.heartbeatIdleTicks {
		at := codec.New(codec.ActiveTest)
		at[codec.FieldSeqID] = int(c.nextSeq())
		frame, err := c.codec.Encode(codec.ActiveTest, at)
		if err != nil {
			return err
		}
		if _, err := c.conn.Write(frame); err != nil {
			return err
		}
		c.waitActiveResp = true
		c.idleTicks = 0
	}
	return nil
}

func (c *Connection) nextSeq() uint32 {
	c.seq++
	return c.seq
}

func (c *Connection) bumpSeq(n int) {
	c.seq += uint32(n)
}

// reportFailure emits rec as a failed-send record to the owning Entity,
// which is responsible for forwarding it onto the failure topic (§6.2).
// The Entity inbound channel is expected to always have room for this —
// cleanup's own drain uses a non-blocking send instead, since by then the
// Entity may already be tearing this Connection out of its live list.
func (c *Connection) reportFailure(rec codec.Record) {
	out := rec.Clone()
	out[codec.FieldStatus] = codec.OtherError
	out[codec.FieldConnectionID] = c.id
	out[codec.FieldEntityID] = c.entityID
	c.toEntity <- out
}

// cleanup runs exactly once, on any exit path from run (or from a failed
// handshake). It closes the socket, drains whatever is already buffered in
// the outbound queues onto the failure path, and posts a Terminate record
// so the Entity can drop this Connection from its live list.
func (c *Connection) cleanup(reason error) error {
	c.state = StateClosed
	c.conn.Close()

drainPriority:
	for {
		select {
		case rec, ok := <-c.priorityQueue:
			if !ok {
				break drainPriority
			}
			c.reportFailureNonBlocking(rec)
		default:
			break drainPriority
		}
	}

drainCommon:
	for {
		select {
		case rec, ok := <-c.commonQueue:
			if !ok {
				break drainCommon
			}
			c.reportFailureNonBlocking(rec)
		default:
			break drainCommon
		}
	}

	term := codec.New(codec.Terminate)
	term[codec.FieldConnectionID] = c.id
	term[codec.FieldEntityID] = c.entityID
	select {
	case c.toEntity <- term:
	default:
		c.logger.Warn("connection %s: entity inbound full, Terminate dropped", c.id)
	}

	if reason != nil {
		c.logger.Info("connection %s: closed: %v", c.id, reason)
	} else {
		c.logger.Info("connection %s: closed", c.id)
	}
	return reason
}

func (c *Connection) reportFailureNonBlocking(rec codec.Record) {
	out := rec.Clone()
	out[codec.FieldStatus] = codec.OtherError
	out[codec.FieldConnectionID] = c.id
	out[codec.FieldEntityID] = c.entityID
	select {
	case c.toEntity <- out:
	default:
		c.logger.Warn("connection %s: entity inbound full, drained record dropped", c.id)
	}
}
