// Package entity implements the logical peer that aggregates 0..N
// Connections into one endpoint (spec §4.3): round-robin fan-out, receipt
// correlation and retransmission, and long-SMS reassembly. Every Entity
// runs its own goroutine's serial event loop; the retry cache and the
// long-SMS cache are mutated only from that loop, mirroring the Connection
// ownership rule in internal/connection.
package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smsgate/gateway/internal/bus"
	"github.com/smsgate/gateway/internal/codec"
	"github.com/smsgate/gateway/internal/logging"
	"github.com/smsgate/gateway/internal/metrics"
)

// Kind distinguishes an inbound-accepting peer from an outbound-dialing one.
type Kind int

const (
	Account Kind = iota
	Passage
)

func (k Kind) String() string {
	if k == Passage {
		return "PASSAGE"
	}
	return "ACCOUNT"
}

// Config carries everything needed to run an Entity, parsed from the
// add/modify bus payload described in §6.2.
type Config struct {
	ID               uint32
	Kind             Kind
	LoginName        string
	Password         string
	AllowedSourceIPs []string // ACCOUNT only
	UpstreamAddress  string   // PASSAGE only, host:port
	Variant          codec.ProtocolVariant
	Version          byte
	RxLimit          int
	TxLimit          int
	MaxConnections   int
	NodeID           uint32 // SGIP node id
	ServiceID        string
	SpID             string
}

const (
	retrySweepInterval     = 10 * time.Second
	longSmsSweepInterval   = 24 * time.Hour
	retryCacheSweepAge     = 4 * 24 * time.Hour
	initialRetryTimeout    = 30 * time.Second
	longSmsSweepAge        = 24 * time.Hour
	entityInboxSizeDefault = 256
)

// PendingMessage is one retry-cache entry (spec §3): a sent Submit/Deliver/
// Report awaiting its *-Ack, keyed in the cache by this entry's own
// sequence id. Only the head entry of a multi-segment long-SMS submit is
// ever resent (NeedResend); trailing entries exist solely to answer Acks
// for their own segment.
type PendingMessage struct {
	MessageID    string
	AccountMsgID string
	SeqID        int
	Payload      codec.Record
	ReceiveTime  time.Time
	Timeout      time.Duration
	NeedResend   bool
}

// LongSmsSlot accumulates the segments of one inbound multi-part message,
// keyed by src_id+dest_id (spec §4.3).
type LongSmsSlot struct {
	Total        int
	Segments     []*codec.Record
	FirstReceipt time.Time
	filled       int
}

func newLongSmsSlot(total int) *LongSmsSlot {
	return &LongSmsSlot{Total: total, Segments: make([]*codec.Record, total), FirstReceipt: time.Now()}
}

func (s *LongSmsSlot) complete() bool { return s.filled == s.Total }

// connHandle is the live-list entry: a Connection's id and its two
// outbound queues, handed to the Entity once at attach time (§4.3
// Connect{channel_id}). The Entity never touches the Connection struct
// itself, only these channels, keeping the two packages decoupled.
type connHandle struct {
	id       string
	priority chan codec.Record
	common   chan codec.Record
}

type attachRequest struct {
	handle *connHandle
}

type detachRequest struct {
	id string
}

// CommandKind distinguishes the three control inputs an Entity Manager can
// send an Entity (spec §4.3).
type CommandKind int

const (
	CmdSend CommandKind = iota
	CmdRequestState
	CmdClose
)

// Command is one message on an Entity's manager mailbox.
type Command struct {
	Kind   CommandKind
	Record codec.Record
	// Reply, if non-nil, receives the up/down state for CmdRequestState.
	Reply chan<- int
}

// Entity is the logical peer described in spec §4.3.
type Entity struct {
	cfg       Config
	publisher bus.Publisher
	logger    logging.Logger

	mailbox  chan Command
	inbound  chan codec.Record
	attachCh chan attachRequest
	detachCh chan detachRequest

	live   []*connHandle
	cursor int

	retryCache map[int]*PendingMessage
	longSms    map[string]*LongSmsSlot

	state int // 0 = down, 1 = up

	lastRetrySweep   time.Time
	lastLongSmsSweep time.Time
	lastCacheSweep   time.Time
}

// New constructs an Entity. Run must be called to start its event loop.
func New(cfg Config, publisher bus.Publisher, logger logging.Logger) *Entity {
	if logger == nil {
		logger = logging.Nop()
	}
	now := time.Now()
	return &Entity{
		cfg:              cfg,
		publisher:        publisher,
		logger:           logger,
		mailbox:          make(chan Command, 16),
		inbound:          make(chan codec.Record, inboxSize(cfg)),
		attachCh:         make(chan attachRequest, 4),
		detachCh:         make(chan detachRequest, 4),
		retryCache:       make(map[int]*PendingMessage),
		longSms:          make(map[string]*LongSmsSlot),
		lastRetrySweep:   now,
		lastLongSmsSweep: now,
		lastCacheSweep:   now,
	}
}

func inboxSize(cfg Config) int {
	if cfg.RxLimit > 0 {
		return cfg.RxLimit
	}
	return entityInboxSizeDefault
}

// Mailbox returns the send side of the Entity Manager control channel.
func (e *Entity) Mailbox() chan<- Command { return e.mailbox }

// Inbound returns the channel Connections forward decoded records to —
// wired as the toEntity argument of connection.New for every Connection
// this Entity attaches.
func (e *Entity) Inbound() chan<- codec.Record { return e.inbound }

// Attach registers a newly logged-in Connection's outbound queues with
// this Entity, the in-process stand-in for the handshake-table lookup
// described in spec §4.3/§5 (see DESIGN.md for why this repo hands the
// queues to Attach directly instead of through a process-global table).
func (e *Entity) Attach(id string, priority, common chan codec.Record) {
	e.attachCh <- attachRequest{handle: &connHandle{id: id, priority: priority, common: common}}
}

// Detach is called by whatever owns a Connection's lifecycle (transport
// listener/dialer) as a fallback path; in practice a Connection's own
// Terminate{connection_id} record arriving on Inbound is what normally
// drives removal, this exists for forced teardown (e.g. config removal).
func (e *Entity) Detach(id string) { e.detachCh <- detachRequest{id: id} }

// State returns the current up(1)/down(0) state.
func (e *Entity) State() int { return e.state }

// Run is the Entity's single event loop (spec §4.3). It blocks until ctx
// is cancelled or a CmdClose is processed.
func (e *Entity) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-e.attachCh:
			e.doAttach(req.handle)

		case req := <-e.detachCh:
			e.doDetach(req.id)

		case cmd := <-e.mailbox:
			switch cmd.Kind {
			case CmdSend:
				e.sendToChannels(cmd.Record)
			case CmdRequestState:
				if cmd.Reply != nil {
					cmd.Reply <- e.state
				}
			case CmdClose:
				e.closeAll()
				return nil
			}

		case rec, ok := <-e.inbound:
			if !ok {
				return fmt.Errorf("entity %d: inbound channel closed", e.cfg.ID)
			}
			e.handleFromConnection(ctx, rec)

		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Entity) doAttach(h *connHandle) {
	e.live = append(e.live, h)
	metrics.LiveConnections.WithLabelValues(e.idLabel(), e.cfg.Kind.String()).Set(float64(len(e.live)))
	if len(e.live) == 1 {
		e.publishStateChange(context.Background(), 1)
	}
}

func (e *Entity) doDetach(id string) {
	before := len(e.live)
	e.removeConn(id)
	metrics.LiveConnections.WithLabelValues(e.idLabel(), e.cfg.Kind.String()).Set(float64(len(e.live)))
	if before > 0 && len(e.live) == 0 {
		e.publishStateChange(context.Background(), 0)
	}
}

// idLabel is the entity id rendered once for use as a Prometheus label
// value.
func (e *Entity) idLabel() string { return fmt.Sprint(e.cfg.ID) }

func (e *Entity) removeConn(id string) {
	for i, h := range e.live {
		if h.id == id {
			e.live = append(e.live[:i:i], e.live[i+1:]...)
			if e.cursor > i {
				e.cursor--
			}
			return
		}
	}
}

func (e *Entity) publishStateChange(ctx context.Context, state int) {
	e.state = state
	if e.publisher == nil {
		return
	}
	topic := bus.TopicAccountStateChange
	if e.cfg.Kind == Passage {
		topic = bus.TopicPassageStateChange
	}
	rec := codec.Record{codec.FieldEntityID: e.cfg.ID, "state": state}
	if err := e.publisher.Publish(ctx, topic, fmt.Sprint(e.cfg.ID), rec); err != nil {
		e.logger.Warn("entity %d: publish state-change failed: %v", e.cfg.ID, err)
	}
}

// handleFromConnection dispatches one record delivered by an owned
// Connection, per the §4.3 per-inbound dispatch table.
func (e *Entity) handleFromConnection(ctx context.Context, rec codec.Record) {
	rec[codec.FieldReceiveTime] = time.Now().Unix()
	rec[codec.FieldEntityID] = e.cfg.ID

	switch rec.Kind() {
	case codec.Terminate:
		e.doDetach(rec.GetString(codec.FieldConnectionID))
		return

	case codec.SubmitResp, codec.DeliverResp, codec.ReportResp:
		e.handleAck(ctx, rec)
		return

	case codec.Report:
		if rec.GetBool(codec.FieldWaitReceipt) {
			e.insertRetryCache(rec)
			return
		}
		e.emitReport(ctx, rec)
		return

	case codec.Submit, codec.Deliver:
		if rec.GetBool(codec.FieldWaitReceipt) {
			e.insertRetryCache(rec)
			return
		}
		e.handleInboundBusiness(ctx, rec)
		return
	}
}

func (e *Entity) handleAck(ctx context.Context, rec codec.Record) {
	seq := rec.GetInt(codec.FieldSeqID)
	pending, ok := e.retryCache[seq]
	if !ok {
		return
	}
	delete(e.retryCache, seq)
	metrics.RetryCacheSize.WithLabelValues(e.idLabel()).Set(float64(len(e.retryCache)))

	rec[codec.FieldAccountMsgID] = pending.AccountMsgID
	if msgID, ok := rec[codec.FieldMsgID]; ok {
		rec[codec.FieldPassageMsgID] = msgID
	}

	topic := bus.TopicToBSubmitResponse
	switch pending.Payload.Kind() {
	case codec.Deliver:
		topic = bus.TopicToBDeliverResponse
	case codec.Report:
		topic = bus.TopicToBReportResponse
	}
	e.publish(ctx, topic, rec)
}

func (e *Entity) emitReport(ctx context.Context, rec codec.Record) {
	if passageMsgID, ok := rec[codec.FieldPassageMsgID]; ok {
		rec[codec.FieldMsgID] = passageMsgID
	}
	e.publish(ctx, bus.TopicToBReport, rec)
}

// handleInboundBusiness handles an inbound Submit/Deliver that is not
// itself awaiting an ack from us: feed the long-SMS assembler when
// segmented, else emit directly.
func (e *Entity) handleInboundBusiness(ctx context.Context, rec codec.Record) {
	if _, ok := rec[codec.FieldLongSmsTotal]; ok {
		if merged, ok := e.assembleLongSms(rec); ok {
			e.emitInbound(ctx, merged)
		}
		return
	}
	e.emitInbound(ctx, rec)
}

func (e *Entity) emitInbound(ctx context.Context, rec codec.Record) {
	topic := bus.TopicToBSubmit
	if rec.Kind() == codec.Deliver {
		topic = bus.TopicToBDeliver
	}
	e.publish(ctx, topic, rec)
}

func (e *Entity) publish(ctx context.Context, topic bus.Topic, rec codec.Record) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, topic, fmt.Sprint(e.cfg.ID), rec); err != nil {
		e.logger.Warn("entity %d: publish %s failed: %v", e.cfg.ID, topic, err)
	}
}

// longSmsKey builds the assembler key from a record's src/dest pair
// (spec §4.3: "src_id ⧺ dest_id, or first dest from dest_ids").
func longSmsKey(rec codec.Record) string {
	dest := rec.GetString(codec.FieldDestID)
	if dest == "" {
		if dests := rec.GetStringSlice(codec.FieldDestIDs); len(dests) > 0 {
			dest = dests[0]
		}
	}
	return rec.GetString(codec.FieldSrcID) + dest
}

// assembleLongSms feeds one segment into its slot. ok is true only once,
// the call on which the slot becomes complete — a slot is never emitted
// twice (spec §3 invariant).
func (e *Entity) assembleLongSms(rec codec.Record) (codec.Record, bool) {
	total := rec.GetInt(codec.FieldLongSmsTotal)
	index := rec.GetInt(codec.FieldLongSmsIndex)
	if total < 2 || index < 1 || index > total {
		e.logger.Warn("entity %d: rejecting malformed long-sms segment total=%d index=%d", e.cfg.ID, total, index)
		return nil, false
	}

	key := longSmsKey(rec)
	slot, ok := e.longSms[key]
	if !ok || slot.Total != total {
		slot = newLongSmsSlot(total)
		e.longSms[key] = slot
	}

	if slot.Segments[index-1] == nil {
		slot.filled++
	}
	r := rec
	slot.Segments[index-1] = &r
	metrics.LongSmsSlots.WithLabelValues(e.idLabel()).Set(float64(len(e.longSms)))

	if !slot.complete() {
		return nil, false
	}
	delete(e.longSms, key)
	metrics.LongSmsSlots.WithLabelValues(e.idLabel()).Set(float64(len(e.longSms)))

	var content string
	var msgIDs []string
	merged := slot.Segments[0].Clone()
	for _, seg := range slot.Segments {
		content += seg.GetString(codec.FieldMsgContent)
		if id := seg.GetString(codec.FieldMsgID); id != "" {
			msgIDs = append(msgIDs, id)
		}
	}
	merged[codec.FieldMsgContent] = content
	merged[codec.FieldMsgIDs] = msgIDs
	delete(merged, codec.FieldMsgID)
	delete(merged, codec.FieldLongSmsTotal)
	delete(merged, codec.FieldLongSmsRef)
	delete(merged, codec.FieldLongSmsIndex)
	return merged, true
}

// insertRetryCache stores one entry per sequence id belonging to an
// outbound Submit/Deliver/Report that requested acknowledgement (spec
// §4.3). Multi-sequence (long-SMS) submits mark only the first as
// resendable.
//
// A seq id already present in the cache means this call is the Connection
// echoing back the write of a retrySweep resend, not a brand-new outbound
// record — retrySweep already doubled that entry's Timeout and reset its
// ReceiveTime before re-dispatching the very same Payload, so re-creating
// the entry here would silently collapse the exponential backoff (spec §8:
// "the retry entry is retransmitted and its timeout doubles") back to
// initialRetryTimeout on every resend. Leave an existing entry untouched.
func (e *Entity) insertRetryCache(rec codec.Record) {
	seqIDs := rec.GetIntSlice(codec.FieldSeqIDs)
	if len(seqIDs) == 0 {
		seqIDs = []int{rec.GetInt(codec.FieldSeqID)}
	}

	var newSeqIDs []int
	for _, seq := range seqIDs {
		if _, exists := e.retryCache[seq]; !exists {
			newSeqIDs = append(newSeqIDs, seq)
		}
	}
	if len(newSeqIDs) == 0 {
		return
	}

	accountMsgID := ""
	if ids := rec.GetStringSlice(codec.FieldMsgIDs); len(ids) > 0 {
		accountMsgID = ids[0]
	}
	if accountMsgID == "" {
		// The bus payload omitted its own account_msg_id (spec §6.2's
		// payload shape allows this); mint one so the PendingMessage
		// entry still has something to echo back on the *Resp topic.
		accountMsgID = uuid.NewString()
	}
	now := time.Now()
	for i, seq := range newSeqIDs {
		e.retryCache[seq] = &PendingMessage{
			MessageID:    fmt.Sprintf("%d-%d", e.cfg.ID, seq),
			AccountMsgID: accountMsgID,
			SeqID:        seq,
			Payload:      rec,
			ReceiveTime:  now,
			Timeout:      initialRetryTimeout,
			NeedResend:   i == 0,
		}
	}
	metrics.RetryCacheSize.WithLabelValues(e.idLabel()).Set(float64(len(e.retryCache)))
}

// sendToChannels is the fan-out operation (spec §4.3): stamp config
// fields, pick the next live Connection round-robin, and dispatch to its
// priority or common queue per is_priority.
func (e *Entity) sendToChannels(rec codec.Record) {
	rec[codec.FieldSpID] = e.cfg.SpID
	rec[codec.FieldServiceID] = e.cfg.ServiceID
	rec[codec.FieldNodeID] = e.cfg.NodeID

	maxAttempts := len(e.live)
	for attempts := 0; attempts < maxAttempts; attempts++ {
		if len(e.live) == 0 {
			break
		}
		idx := e.cursor % len(e.live)
		e.cursor = (e.cursor + 1) % len(e.live)
		h := e.live[idx]

		queue := h.common
		if rec.GetBool(codec.FieldIsPriority) {
			queue = h.priority
		}
		if e.enqueue(queue, rec) {
			return
		}
		// Enqueue failed: the Connection died between being selected and
		// the send. Drop it and retry with the next live Connection.
		e.removeConn(h.id)
	}

	if len(e.live) == 0 {
		e.publish(context.Background(), bus.TopicSendReturnFailure, rec)
		e.publishStateChange(context.Background(), 0)
	}
}

// enqueue attempts a non-blocking send; a full or closed queue both count
// as failure so sendToChannels moves on to the next live Connection rather
// than stalling the Entity's single loop on one stuck peer.
func (e *Entity) enqueue(queue chan codec.Record, rec codec.Record) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case queue <- rec:
		return true
	default:
		return false
	}
}

// sweep runs the three wall-clock-driven maintenance passes described in
// spec §4.3, consolidated onto the loop's existing 1-second ticker rather
// than three independent tickers, so the select set stays small.
func (e *Entity) sweep(ctx context.Context) {
	now := time.Now()

	if now.Sub(e.lastRetrySweep) >= retrySweepInterval {
		e.lastRetrySweep = now
		e.retrySweep(now)
	}
	if now.Sub(e.lastLongSmsSweep) >= longSmsSweepInterval {
		e.lastLongSmsSweep = now
		e.longSmsSweep(now)
	}
	if now.Sub(e.lastCacheSweep) >= retryCacheSweepAge {
		e.lastCacheSweep = now
		e.retryCacheSweep(now)
	}
}

func (e *Entity) retrySweep(now time.Time) {
	// Collect due entries before mutating the cache: re-inserting a key
	// deleted mid-range is, per the Go spec, allowed to reappear in the
	// same iteration, which would double the resend within one sweep.
	var due []*PendingMessage
	for _, pm := range e.retryCache {
		if pm.NeedResend && now.Sub(pm.ReceiveTime) >= pm.Timeout {
			due = append(due, pm)
		}
	}
	for _, pm := range due {
		pm.ReceiveTime = now
		pm.Timeout *= 2
		e.sendToChannels(pm.Payload)
		metrics.RetransmitsTotal.WithLabelValues(e.idLabel()).Inc()
	}
}

func (e *Entity) longSmsSweep(now time.Time) {
	for key, slot := range e.longSms {
		if now.Sub(slot.FirstReceipt) >= longSmsSweepAge {
			delete(e.longSms, key)
		}
	}
	metrics.LongSmsSlots.WithLabelValues(e.idLabel()).Set(float64(len(e.longSms)))
}

func (e *Entity) retryCacheSweep(now time.Time) {
	for seq, pm := range e.retryCache {
		if now.Sub(pm.ReceiveTime) >= retryCacheSweepAge {
			delete(e.retryCache, seq)
		}
	}
	metrics.RetryCacheSize.WithLabelValues(e.idLabel()).Set(float64(len(e.retryCache)))
}

// closeAll cascades a Terminate into every live Connection's priority
// queue and publishes the final state-change, per spec §5/§4.3 `close`.
func (e *Entity) closeAll() {
	for _, h := range e.live {
		term := codec.New(codec.Terminate)
		select {
		case h.priority <- term:
		default:
		}
	}
	e.live = nil
	e.publishStateChange(context.Background(), 0)
}
