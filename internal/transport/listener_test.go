package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smsgate/gateway/internal/codec"
	"github.com/smsgate/gateway/internal/codec/cmpp"
	"github.com/smsgate/gateway/internal/connection"
)

type fakeResolver struct {
	target Target
	ok     bool
}

func (f fakeResolver) ResolveInbound(string) (Target, bool) { return f.target, f.ok }

func TestListenerAttachesAfterLoginAndDetachesOnDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	inbound := make(chan codec.Record, 4)
	var mu sync.Mutex
	var attached []attachEvent
	var detached []string

	resolver := fakeResolver{
		ok: true,
		target: Target{
			EntityID:    3,
			Credentials: connection.Credentials{LoginName: "ab1234", Password: "secret", Version: 0x30},
			Codec:       cmpp.New30(),
			Inbound:     inbound,
			Attach: func(id string, priority, common chan codec.Record) {
				mu.Lock()
				defer mu.Unlock()
				attached = append(attached, attachEvent{id, priority, common})
			},
			Detach: func(id string) {
				mu.Lock()
				defer mu.Unlock()
				detached = append(detached, id)
			},
		},
	}
	l := NewListener(ln, resolver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	c := cmpp.New30()
	login := codec.New(codec.Connect)
	login[codec.FieldSeqID] = 1
	login[codec.FieldLoginName] = "ab1234"
	login[codec.FieldPassword] = "secret"
	login[codec.FieldVersion] = int(0x30)
	frame, err := c.Encode(codec.Connect, login)
	require.NoError(t, err)
	_, err = client.Write(frame)
	require.NoError(t, err)

	framer := codec.NewFramer(client, 256)
	_, err = framer.ReadFrame()
	require.NoError(t, err)
	rec, err := c.Decode(framer.Bytes())
	require.NoError(t, err)
	require.Equal(t, codec.ConnectResp, rec.Kind())
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	require.Equal(t, codec.Success, status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attached) == 1
	}, time.Second, 10*time.Millisecond, "connection must attach once login succeeds")

	client.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(detached) == 1
	}, time.Second, 10*time.Millisecond, "connection must detach once it ends")

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after ctx cancel")
	}
}

func TestListenerClosesConnectionWhenResolverRejects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	l := NewListener(ln, fakeResolver{ok: false}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	require.Error(t, err, "unresolved remote must have its socket closed")
}

func TestListenerNeverAttachesOnFailedLogin(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var mu sync.Mutex
	attachCount := 0

	resolver := fakeResolver{
		ok: true,
		target: Target{
			EntityID:    3,
			Credentials: connection.Credentials{LoginName: "ab1234", Password: "secret", Version: 0x30},
			Codec:       cmpp.New30(),
			Inbound:     make(chan codec.Record, 1),
			Attach: func(id string, priority, common chan codec.Record) {
				mu.Lock()
				defer mu.Unlock()
				attachCount++
			},
			Detach: func(id string) {},
		},
	}
	l := NewListener(ln, resolver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	c := cmpp.New30()
	login := codec.New(codec.Connect)
	login[codec.FieldSeqID] = 1
	login[codec.FieldLoginName] = "ab1234"
	login[codec.FieldPassword] = "wrong-password"
	login[codec.FieldVersion] = int(0x30)
	frame, err := c.Encode(codec.Connect, login)
	require.NoError(t, err)
	_, err = client.Write(frame)
	require.NoError(t, err)

	framer := codec.NewFramer(client, 256)
	_, err = framer.ReadFrame()
	require.NoError(t, err)
	rec, err := c.Decode(framer.Bytes())
	require.NoError(t, err)
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	require.Equal(t, codec.AuthError, status)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, attachCount)
}
