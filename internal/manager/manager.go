// Package manager implements the process-wide Entity registry (spec §4.5):
// it consumes the bus control-plane stream, creates/destroys Entities,
// starts a Dialer for every PASSAGE Entity, and routes business-send
// topics and state broadcasts to the right Entity. It is also the
// transport.Resolver every Listener asks "which Entity does this freshly
// accepted socket belong to" — the one process-wide, sync.RWMutex-guarded
// structure spec §5 calls for, modeled on the sessions-by-name registry in
// glennswest-ipmiserial/sol/manager.go.
package manager

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/smsgate/gateway/internal/bus"
	"github.com/smsgate/gateway/internal/codec"
	"github.com/smsgate/gateway/internal/codec/cmpp"
	"github.com/smsgate/gateway/internal/codec/sgip"
	"github.com/smsgate/gateway/internal/codec/smgp"
	"github.com/smsgate/gateway/internal/codec/smpp"
	"github.com/smsgate/gateway/internal/connection"
	"github.com/smsgate/gateway/internal/entity"
	"github.com/smsgate/gateway/internal/logging"
	"github.com/smsgate/gateway/internal/transport"
)

// Reader consumes one bus topic; satisfied by *bus.Reader. Accepting the
// interface rather than concrete readers lets tests feed the Manager a
// synthetic control-plane stream without a broker.
type Reader interface {
	Run(ctx context.Context, out chan<- bus.Inbound) error
}

// entityRecord is what the registry keeps per live Entity: the Entity
// itself, the cancel func that tears down both its Run loop and (for
// PASSAGE) its Dialer, and the bits ResolveInbound needs to match an
// ACCOUNT against an inbound socket's remote address.
type entityRecord struct {
	id       uint32
	ent      *entity.Entity
	cancel   context.CancelFunc
	kind     entity.Kind
	variant  codec.ProtocolVariant
	allowIPs []string
	creds    connection.Credentials
}

// Manager is the registry described above.
type Manager struct {
	readers   []Reader
	publisher bus.Publisher
	logger    logging.Logger

	mu       sync.RWMutex
	entities map[uint32]*entityRecord
}

// New builds a Manager. readers is typically one *bus.Reader per topic in
// bus.ControlPlaneTopics.
func New(readers []Reader, publisher bus.Publisher, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		readers:   readers,
		publisher: publisher,
		logger:    logger,
		entities:  make(map[uint32]*entityRecord),
	}
}

// Run fans every reader's topic into one dispatch loop until ctx is
// cancelled or every reader has returned.
func (m *Manager) Run(ctx context.Context) error {
	in := make(chan bus.Inbound, 64)
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.readers))

	for _, r := range m.readers {
		wg.Add(1)
		go func(r Reader) {
			defer wg.Done()
			if err := r.Run(ctx, in); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}(r)
	}
	go func() {
		wg.Wait()
		close(in)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inbound, ok := <-in:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			m.dispatch(ctx, inbound)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, in bus.Inbound) {
	switch in.Topic {
	case bus.TopicAccountAdd, bus.TopicAccountModify, bus.TopicAccountInit,
		bus.TopicPassageAdd, bus.TopicPassageModify, bus.TopicPassageInit:
		m.handleAddModify(ctx, in.Topic, in.Record)
	case bus.TopicAccountRemove, bus.TopicPassageRemove:
		m.handleRemove(in.Record)
	case bus.TopicSendSubmit, bus.TopicSendDeliver, bus.TopicSendReport:
		m.handleSend(in.Record)
	case bus.TopicPassageRequestState:
		m.broadcastRequestState()
	default:
		m.logger.Warn("manager: no handler for topic %s", in.Topic)
	}
}

// handleAddModify realizes spec §4.5: if an Entity with this id already
// exists, close and drop it first, then (re)create from the payload.
func (m *Manager) handleAddModify(ctx context.Context, topic bus.Topic, rec codec.Record) {
	cfg, err := parseEntityConfig(topic, rec)
	if err != nil {
		m.logger.Warn("manager: bad %s payload: %v", topic, err)
		return
	}

	m.mu.Lock()
	old, existed := m.entities[cfg.ID]
	delete(m.entities, cfg.ID)
	rec2 := m.startEntityLocked(ctx, cfg)
	m.entities[cfg.ID] = rec2
	m.mu.Unlock()

	if existed {
		m.closeRecord(old)
	}
}

func (m *Manager) handleRemove(rec codec.Record) {
	id := uint32(rec.GetInt("id"))
	m.mu.Lock()
	old, ok := m.entities[id]
	delete(m.entities, id)
	m.mu.Unlock()

	if ok {
		m.closeRecord(old)
	}
}

func (m *Manager) closeRecord(rec *entityRecord) {
	select {
	case rec.ent.Mailbox() <- entity.Command{Kind: entity.CmdClose}:
	default:
		m.logger.Warn("manager: entity mailbox full, forcing teardown without graceful close")
	}
	rec.cancel()
}

// handleSend routes one send.submit|deliver|report record to its target
// Entity's mailbox, keyed by the record's entity_id field (spec §4.5).
func (m *Manager) handleSend(rec codec.Record) {
	id := uint32(rec.GetInt(codec.FieldEntityID))
	m.mu.RLock()
	target, ok := m.entities[id]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("manager: send for unknown entity %d dropped", id)
		return
	}
	select {
	case target.ent.Mailbox() <- entity.Command{Kind: entity.CmdSend, Record: rec}:
	default:
		m.logger.Warn("manager: entity %d mailbox full, dropping send", id)
	}
}

func (m *Manager) broadcastRequestState() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, rec := range m.entities {
		select {
		case rec.ent.Mailbox() <- entity.Command{Kind: entity.CmdRequestState}:
		default:
			m.logger.Warn("manager: entity %d mailbox full, dropping request_state broadcast", id)
		}
	}
}

// ResolveInbound implements transport.Resolver: it matches a freshly
// accepted socket's remote host against every live ACCOUNT's allow-list
// (spec §4.2's CIDR-wildcard rule, via connection.IPAllowed), handing back
// Attach/Detach bound to that one Entity.
func (m *Manager) ResolveInbound(remoteHost string) (transport.Target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.entities {
		if rec.kind != entity.Account {
			continue
		}
		if len(rec.allowIPs) == 0 || !connection.IPAllowed(remoteHost, rec.allowIPs) {
			continue
		}
		cdc, selector := buildCodec(rec.variant, rec.creds.Version)
		return transport.Target{
			EntityID:      rec.id,
			Credentials:   rec.creds,
			Codec:         cdc,
			CodecSelector: selector,
			Inbound:       rec.ent.Inbound(),
			Attach:        rec.ent.Attach,
			Detach:        rec.ent.Detach,
		}, true
	}
	return transport.Target{}, false
}

// startEntityLocked constructs and starts an Entity (and, for PASSAGE, its
// Dialer) from cfg. Callers must hold m.mu.
func (m *Manager) startEntityLocked(parent context.Context, cfg entityConfig) *entityRecord {
	ctx, cancel := context.WithCancel(parent)
	cdc, selector := buildCodec(cfg.Variant, cfg.Version)

	e := entity.New(entity.Config{
		ID:               cfg.ID,
		Kind:             cfg.Kind,
		LoginName:        cfg.LoginName,
		Password:         cfg.Password,
		AllowedSourceIPs: cfg.AllowAddrs,
		UpstreamAddress:  cfg.Address,
		Variant:          cfg.Variant,
		Version:          cfg.Version,
		RxLimit:          cfg.ReadLimit,
		TxLimit:          cfg.WriteLimit,
		MaxConnections:   cfg.MaxChannelNumber,
		NodeID:           cfg.NodeID,
		ServiceID:        cfg.ServiceID,
		SpID:             cfg.SpID,
	}, m.publisher, m.logger)

	go func() {
		if err := e.Run(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("manager: entity %d run loop ended: %v", cfg.ID, err)
		}
	}()

	creds := connection.Credentials{
		LoginName:        cfg.LoginName,
		Password:         cfg.Password,
		Version:          cfg.Version,
		AllowedSourceIPs: cfg.AllowAddrs,
	}

	if cfg.Kind == entity.Passage {
		address := cfg.Address
		d := transport.NewDialer(transport.DialerConfig{
			EntityID:       cfg.ID,
			Address:        address,
			Credentials:    creds,
			Codec:          cdc,
			CodecSelector:  selector,
			Inbound:        e.Inbound(),
			MaxConnections: cfg.MaxChannelNumber,
			Dial: func(dialCtx context.Context) (net.Conn, error) {
				var nd net.Dialer
				return nd.DialContext(dialCtx, "tcp", address)
			},
		}, e.Attach, e.Detach, m.logger)

		go func() {
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("manager: entity %d dialer ended: %v", cfg.ID, err)
			}
		}()
	}

	return &entityRecord{
		id:       cfg.ID,
		ent:      e,
		cancel:   cancel,
		kind:     cfg.Kind,
		variant:  cfg.Variant,
		allowIPs: cfg.AllowAddrs,
		creds:    creds,
	}
}

// cmppSelector lets a Connection re-pick its Codec after Connect-Ack
// reveals the peer's actual CMPP version (spec §4.2); only CMPP has more
// than one wire version in this gateway.
func cmppSelector(v byte) (codec.Codec, bool) {
	switch v {
	case 0x30:
		return cmpp.New30(), true
	case 0x20:
		return cmpp.New20(), true
	default:
		return nil, false
	}
}

// buildCodec returns the Codec a variant/version pair should start with,
// and — for CMPP, which supports two wire versions — the selector a
// Connection uses to switch after login reveals the peer's actual version.
// Non-CMPP variants are single-version, so their selector just confirms
// the one codec they already started with.
func buildCodec(variant codec.ProtocolVariant, version byte) (codec.Codec, func(byte) (codec.Codec, bool)) {
	switch variant {
	case codec.VariantCMPP32:
		return cmpp.New20(), cmppSelector
	case codec.VariantSMGP30:
		c := smgp.New()
		return c, func(byte) (codec.Codec, bool) { return c, true }
	case codec.VariantSGIP:
		c := sgip.New()
		return c, func(byte) (codec.Codec, bool) { return c, true }
	case codec.VariantSMPP:
		c := smpp.New()
		return c, func(byte) (codec.Codec, bool) { return c, true }
	default:
		if version == 0x20 {
			return cmpp.New20(), cmppSelector
		}
		return cmpp.New30(), cmppSelector
	}
}

// entityConfig is the parsed form of the add/modify control-plane payload
// (spec §6.2).
type entityConfig struct {
	ID               uint32
	Kind             entity.Kind
	LoginName        string
	Password         string
	AllowAddrs       []string
	Address          string
	Variant          codec.ProtocolVariant
	Version          byte
	ReadLimit        int
	WriteLimit       int
	MaxChannelNumber int
	ServiceID        string
	SpID             string
	NodeID           uint32
}

const (
	defaultReadWriteLimit  = 200
	defaultAccountMaxConns = 255
	defaultPassageMaxConns = 1
)

func parseEntityConfig(topic bus.Topic, rec codec.Record) (entityConfig, error) {
	kind := entity.Account
	if strings.HasPrefix(string(topic), "passage") {
		kind = entity.Passage
	}

	id := rec.GetInt("id")
	if id <= 0 {
		return entityConfig{}, fmt.Errorf("missing or non-positive id")
	}

	readLimit := rec.GetInt("read_limit")
	if readLimit <= 0 {
		readLimit = defaultReadWriteLimit
	}
	writeLimit := rec.GetInt("write_limit")
	if writeLimit <= 0 {
		writeLimit = defaultReadWriteLimit
	}
	maxConns := rec.GetInt("max_channel_number")
	if maxConns <= 0 {
		maxConns = defaultAccountMaxConns
		if kind == entity.Passage {
			maxConns = defaultPassageMaxConns
		}
	}

	// login_name/password are this Entity's own wire identity (what an
	// ACCOUNT peer must present, or what we present dialing a PASSAGE).
	// gateway_login_name/gateway_password cover the same payload fields
	// for a second, upstream-of-the-upstream hop this single-hop gateway
	// does not model; fall back to them only if the primary pair is
	// blank, so a payload that only sets the gateway_* fields still works.
	loginName := rec.GetString(codec.FieldLoginName)
	password := rec.GetString(codec.FieldPassword)
	if loginName == "" {
		loginName = rec.GetString("gateway_login_name")
	}
	if password == "" {
		password = rec.GetString("gateway_password")
	}

	var allowAddrs []string
	for _, p := range strings.Split(rec.GetString("allow_addrs"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			allowAddrs = append(allowAddrs, p)
		}
	}

	return entityConfig{
		ID:               uint32(id),
		Kind:             kind,
		LoginName:        loginName,
		Password:         password,
		AllowAddrs:       allowAddrs,
		Address:          rec.GetString("address"),
		Variant:          codec.ProtocolVariant(rec.GetString("protocol_type")),
		Version:          byte(rec.GetInt(codec.FieldVersion)),
		ReadLimit:        readLimit,
		WriteLimit:       writeLimit,
		MaxChannelNumber: maxConns,
		ServiceID:        rec.GetString(codec.FieldServiceID),
		SpID:             rec.GetString(codec.FieldSpID),
		NodeID:           uint32(rec.GetInt(codec.FieldNodeID)),
	}, nil
}
