package connection

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smsgate/gateway/internal/codec"
	"github.com/smsgate/gateway/internal/codec/cmpp"
)

// readRawFrame reads one length-prefixed frame off r the way a peer would,
// without going through codec.Framer (which belongs to the Connection under
// test, not its simulated counterpart).
func readRawFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(r, lenBuf[:])
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, length)
	copy(buf, lenBuf[:])
	_, err = io.ReadFull(r, buf[4:])
	require.NoError(t, err)
	return buf
}

func newTestConnection(t *testing.T, server net.Conn, priority, common chan codec.Record, toEntity chan codec.Record, opts ...Option) *Connection {
	t.Helper()
	return New("conn-1", server, cmpp.New30(), priority, common, toEntity, opts...)
}

func TestServeInboundAuthSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	priority := make(chan codec.Record, 4)
	common := make(chan codec.Record, 4)
	toEntity := make(chan codec.Record, 8)

	conn := newTestConnection(t, server, priority, common, toEntity, WithHeartbeat(1000, 1000))

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh <- conn.ServeInbound(ctx, 7, Credentials{LoginName: "ab1234", Password: "secret", Version: 0x30})
	}()

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

	resp := readRawFrame(t, client)
	rec, err := c.Decode(resp)
	require.NoError(t, err)
	require.Equal(t, codec.ConnectResp, rec.Kind())
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	require.Equal(t, codec.Success, status)

	client.Close()
	require.Error(t, <-errCh) // socket closed underneath the run loop
}

func TestServeInboundAuthFailureWrongPassword(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	priority := make(chan codec.Record, 1)
	common := make(chan codec.Record, 1)
	toEntity := make(chan codec.Record, 4)

	conn := newTestConnection(t, server, priority, common, toEntity)

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.ServeInbound(context.Background(), 7, Credentials{LoginName: "ab1234", Password: "secret", Version: 0x30})
	}()

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

	resp := readRawFrame(t, client)
	rec, err := c.Decode(resp)
	require.NoError(t, err)
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	require.Equal(t, codec.AuthError, status)

	require.Error(t, <-errCh)
	require.Equal(t, StateClosed, conn.State())
}

func TestServeInboundSourceIPRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	priority := make(chan codec.Record, 1)
	common := make(chan codec.Record, 1)
	toEntity := make(chan codec.Record, 4)

	conn := newTestConnection(t, server, priority, common, toEntity)

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.ServeInbound(context.Background(), 7, Credentials{
			LoginName:        "ab1234",
			Password:         "secret",
			Version:          0x30,
			AllowedSourceIPs: []string{"10.0.0.0"},
		})
	}()

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

	resp := readRawFrame(t, client)
	rec, err := c.Decode(resp)
	require.NoError(t, err)
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	// net.Pipe's synthetic addresses don't parse as dotted IPv4, so the
	// allow-list check fails closed exactly as it would for a real mismatch.
	require.Equal(t, codec.AddError, status)
	require.Error(t, <-errCh)
}

func TestRxRateLimitAnswersTrafficRestrictions(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	priority := make(chan codec.Record, 1)
	common := make(chan codec.Record, 1)
	toEntity := make(chan codec.Record, 8)

	conn := newTestConnection(t, server, priority, common, toEntity, WithRxLimit(2), WithHeartbeat(1000, 1000))

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.ServeInbound(context.Background(), 7, Credentials{LoginName: "ab1234", Password: "secret", Version: 0x30})
	}()

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
	_ = readRawFrame(t, client) // ConnectResp

	sendSubmit := func(seq int) {
		rec := codec.New(codec.Submit)
		rec[codec.FieldSeqID] = seq
		rec[codec.FieldDestIDs] = []string{"13800000000"}
		rec[codec.FieldSrcID] = "10690000"
		rec[codec.FieldMsgFmt] = int(codec.FormatASCII)
		rec[codec.FieldMsgContent] = "hi"
		frames, err := c.EncodeSegments(codec.Submit, rec)
		require.NoError(t, err)
		for _, f := range frames {
			_, err := client.Write(f)
			require.NoError(t, err)
		}
	}

	for i := 1; i <= 3; i++ {
		sendSubmit(i)
		resp := readRawFrame(t, client)
		ackRec, err := c.Decode(resp)
		require.NoError(t, err)
		status, _ := ackRec[codec.FieldStatus].(codec.StatusCode)
		if i <= 2 {
			require.Equalf(t, codec.Success, status, "submit %d", i)
		} else {
			require.Equalf(t, codec.TrafficRestrictions, status, "submit %d", i)
		}
	}

	forwarded := 0
	timeout := time.After(time.Second)
collect:
	for forwarded < 2 {
		select {
		case <-toEntity:
			forwarded++
		case <-timeout:
			break collect
		}
	}
	require.Equal(t, 2, forwarded)

	client.Close()
	<-errCh
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	priority := make(chan codec.Record, 1)
	common := make(chan codec.Record, 1)
	toEntity := make(chan codec.Record, 4)

	conn := newTestConnection(t, server, priority, common, toEntity, WithHeartbeat(1, 1))

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.ServeInbound(context.Background(), 7, Credentials{LoginName: "ab1234", Password: "secret", Version: 0x30})
	}()

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
	_ = readRawFrame(t, client) // ConnectResp

	// First idle tick: the Connection sends its own ActiveTest.
	probe := readRawFrame(t, client)
	rec, err := c.Decode(probe)
	require.NoError(t, err)
	require.Equal(t, codec.ActiveTest, rec.Kind())

	// The client never replies; the second idle tick must close the session.
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not time out waiting for ActiveTestResp")
	}
	require.Equal(t, StateClosed, conn.State())
}

func TestTerminateFromPriorityQueueClosesGracefully(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	priority := make(chan codec.Record, 1)
	common := make(chan codec.Record, 1)
	toEntity := make(chan codec.Record, 4)

	conn := newTestConnection(t, server, priority, common, toEntity, WithHeartbeat(1000, 1000))

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.ServeInbound(context.Background(), 7, Credentials{LoginName: "ab1234", Password: "secret", Version: 0x30})
	}()

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
	_ = readRawFrame(t, client) // ConnectResp

	term := codec.New(codec.Terminate)
	priority <- term

	wire := readRawFrame(t, client)
	rec, err := c.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, codec.Terminate, rec.Kind())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not exit after sending Terminate")
	}
}

func TestOutboundSubmitWriteForwardsWaitReceiptToEntity(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	priority := make(chan codec.Record, 1)
	common := make(chan codec.Record, 1)
	toEntity := make(chan codec.Record, 4)

	conn := newTestConnection(t, server, priority, common, toEntity, WithHeartbeat(1000, 1000))

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.ServeInbound(context.Background(), 7, Credentials{LoginName: "ab1234", Password: "secret", Version: 0x30})
	}()

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
	_ = readRawFrame(t, client) // ConnectResp

	submit := codec.New(codec.Submit)
	submit[codec.FieldSrcID] = "1068307455"
	submit[codec.FieldDestIDs] = []string{"17333173834"}
	submit[codec.FieldMsgContent] = "hello"
	priority <- submit

	_ = readRawFrame(t, client) // the encoded Submit frame

	select {
	case fwd := <-toEntity:
		require.Equal(t, codec.Submit, fwd.Kind())
		require.True(t, fwd.GetBool(codec.FieldWaitReceipt))
		require.Equal(t, "conn-1", fwd.GetString(codec.FieldConnectionID))
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not forward the written Submit back to the entity")
	}

	_ = errCh
}
