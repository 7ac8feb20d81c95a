package smgp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smsgate/gateway/internal/codec"
)

func TestConnectRoundTrip(t *testing.T) {
	c := New()
	rec := codec.New(codec.Connect)
	rec[codec.FieldSeqID] = 3
	rec[codec.FieldLoginName] = "client1"
	rec[codec.FieldPassword] = "secret"
	rec[codec.FieldVersion] = 0x30

	frame, err := c.Encode(codec.Connect, rec)
	require.NoError(t, err)
	require.Len(t, frame, 42)

	decoded, err := c.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, codec.Connect, decoded.Kind())
	require.Equal(t, "client1", decoded.GetString(codec.FieldLoginName))
}

func TestDeliverRoundTrip(t *testing.T) {
	c := New()
	rec := codec.New(codec.Deliver)
	rec[codec.FieldSeqID] = 5
	rec[codec.FieldSrcID] = "10690001"
	rec[codec.FieldDestID] = "13900000000"
	rec[codec.FieldMsgFmt] = int(codec.FormatASCII)
	rec[codec.FieldMsgContent] = "hi there"

	frames, err := c.EncodeSegments(codec.Deliver, rec)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	decoded, err := c.Decode(frames[0])
	require.NoError(t, err)
	require.Equal(t, codec.Deliver, decoded.Kind())
	require.Equal(t, "hi there", decoded.GetString(codec.FieldMsgContent))
	require.Equal(t, "10690001", decoded.GetString(codec.FieldSrcID))
}

func TestStatusMapping(t *testing.T) {
	c := New()
	require.Equal(t, uint32(134), c.ToWireStatus(codec.TrafficRestrictions))
	require.Equal(t, codec.TrafficRestrictions, c.FromWireStatus(134))
}
