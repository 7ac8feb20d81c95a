package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smsgate/gateway/internal/bus"
	"github.com/smsgate/gateway/internal/codec"
)

// fakeReader lets a test drive the Manager's dispatch loop without a
// broker: it just replays a fixed slice of Inbound messages, then blocks
// until ctx is cancelled (mirroring bus.Reader.Run's behavior of blocking
// forever on a topic with no further messages).
type fakeReader struct {
	messages []bus.Inbound
}

func (f *fakeReader) Run(ctx context.Context, out chan<- bus.Inbound) error {
	for _, m := range f.messages {
		select {
		case out <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakePublisher struct {
	mu        sync.Mutex
	published []bus.Topic
}

func (f *fakePublisher) Publish(ctx context.Context, topic bus.Topic, key string, rec codec.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return nil
}

func accountAddRecord(id int, allowAddrs string) codec.Record {
	rec := codec.New(codec.Unknown)
	rec["id"] = id
	rec["login_name"] = "ab1234"
	rec["password"] = "secret"
	rec["allow_addrs"] = allowAddrs
	rec["protocol_type"] = string(codec.VariantCMPP48)
	rec[codec.FieldVersion] = int(0x30)
	return rec
}

func TestManagerResolveInboundMatchesAllowedAccount(t *testing.T) {
	reader := &fakeReader{messages: []bus.Inbound{
		{Topic: bus.TopicAccountAdd, Record: accountAddRecord(7, "10.0.0.0")},
	}}
	m := New([]Reader{reader}, &fakePublisher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := m.ResolveInbound("10.1.2.3")
		return ok
	}, time.Second, 10*time.Millisecond)

	target, ok := m.ResolveInbound("10.1.2.3")
	require.True(t, ok)
	require.Equal(t, uint32(7), target.EntityID)
	require.Equal(t, "ab1234", target.Credentials.LoginName)

	_, ok = m.ResolveInbound("192.168.1.1")
	require.False(t, ok, "an IP outside allow_addrs must not resolve")
}

func TestManagerRemoveDropsEntityFromResolver(t *testing.T) {
	removeRec := codec.New(codec.Unknown)
	removeRec["id"] = 7

	reader := &fakeReader{messages: []bus.Inbound{
		{Topic: bus.TopicAccountAdd, Record: accountAddRecord(7, "10.0.0.0")},
		{Topic: bus.TopicAccountRemove, Record: removeRec},
	}}
	m := New([]Reader{reader}, &fakePublisher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := m.ResolveInbound("10.1.2.3")
		return !ok
	}, time.Second, 10*time.Millisecond, "entity must be gone from the registry after remove")
}

func TestManagerModifyReplacesExistingEntity(t *testing.T) {
	reader := &fakeReader{messages: []bus.Inbound{
		{Topic: bus.TopicAccountAdd, Record: accountAddRecord(7, "10.0.0.0")},
		{Topic: bus.TopicAccountModify, Record: accountAddRecord(7, "192.168.0.0")},
	}}
	m := New([]Reader{reader}, &fakePublisher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := m.ResolveInbound("192.168.1.1")
		return ok
	}, time.Second, 10*time.Millisecond, "modify must take effect")

	_, ok := m.ResolveInbound("10.1.2.3")
	require.False(t, ok, "old allow_addrs must no longer match after modify")
}

func TestManagerSendRoutesToTargetEntityMailbox(t *testing.T) {
	pub := &fakePublisher{}
	reader := &fakeReader{messages: []bus.Inbound{
		{Topic: bus.TopicAccountAdd, Record: accountAddRecord(7, "0.0.0.0")},
	}}
	m := New([]Reader{reader}, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := m.ResolveInbound("1.2.3.4")
		return ok
	}, time.Second, 10*time.Millisecond)

	submit := codec.New(codec.Submit)
	submit[codec.FieldEntityID] = 7
	submit[codec.FieldSrcID] = "10086"
	submit[codec.FieldDestID] = "13800000000"
	submit[codec.FieldMsgContent] = "hi"

	m.dispatch(ctx, bus.Inbound{Topic: bus.TopicSendSubmit, Record: submit})

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		for _, topic := range pub.published {
			if topic == bus.TopicSendReturnFailure {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "send to an entity with no live connections must bounce as a return-failure")
}

func TestManagerSendToUnknownEntityIsDropped(t *testing.T) {
	m := New(nil, &fakePublisher{}, nil)

	submit := codec.New(codec.Submit)
	submit[codec.FieldEntityID] = 999
	// Must not panic or block; there is nothing further to assert beyond
	// "this returns".
	m.dispatch(context.Background(), bus.Inbound{Topic: bus.TopicSendSubmit, Record: submit})
}
