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

type attachEvent struct {
	id       string
	priority chan codec.Record
	common   chan codec.Record
}

// answerLogin plays the passive side of a CMPP login: read the Connect
// frame, reply success, then go quiet (the Dialer's Connection moves to
// ACTIVE and starts its own run loop from there).
func answerLogin(conn net.Conn) {
	c := cmpp.New30()
	framer := codec.NewFramer(conn, 256)
	if _, err := framer.ReadFrame(); err != nil {
		return
	}
	rec, err := c.Decode(framer.Bytes())
	if err != nil || rec.Kind() != codec.Connect {
		return
	}
	if ack, ok := c.EncodeReceipt(codec.Success, rec); ok {
		conn.Write(ack)
	}
}

func TestDialerAttachesAfterLoginAndDetachesOnDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peerConns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go answerLogin(conn)
			peerConns <- conn
		}
	}()

	var mu sync.Mutex
	var attached []attachEvent
	var detached []string

	cfg := DialerConfig{
		EntityID:       9,
		Address:        ln.Addr().String(),
		Credentials:    connection.Credentials{LoginName: "ab1234", Password: "secret", Version: 0x30},
		Codec:          cmpp.New30(),
		Inbound:        make(chan codec.Record, 8),
		MaxConnections: 1,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return net.Dial("tcp", ln.Addr().String())
		},
	}
	d := NewDialer(cfg,
		func(id string, priority, common chan codec.Record) {
			mu.Lock()
			defer mu.Unlock()
			attached = append(attached, attachEvent{id, priority, common})
		},
		func(id string) {
			mu.Lock()
			defer mu.Unlock()
			detached = append(detached, id)
		},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.fillSlots(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attached) == 1
	}, 2*time.Second, 10*time.Millisecond)

	peerConn := <-peerConns
	peerConn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(detached) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDialerDoesNotAttachOnDialFailure(t *testing.T) {
	var mu sync.Mutex
	attachCount := 0

	cfg := DialerConfig{
		EntityID:       1,
		Credentials:    connection.Credentials{LoginName: "x", Password: "y", Version: 0x30},
		Codec:          cmpp.New30(),
		Inbound:        make(chan codec.Record, 1),
		MaxConnections: 1,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return nil, net.ErrClosed
		},
	}
	d := NewDialer(cfg,
		func(id string, priority, common chan codec.Record) {
			mu.Lock()
			defer mu.Unlock()
			attachCount++
		},
		func(id string) {},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.fillSlots(ctx)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, attachCount)
}
