package sgip

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smsgate/gateway/internal/codec"
)

func TestConnectRoundTrip(t *testing.T) {
	c := New()
	rec := codec.New(codec.Connect)
	rec[codec.FieldNodeID] = 100
	rec[codec.FieldSeqID] = 9
	rec[codec.FieldLoginName] = "gw01"
	rec[codec.FieldPassword] = "p@ss"

	frame, err := c.Encode(codec.Connect, rec)
	require.NoError(t, err)
	require.Len(t, frame, 61)

	decoded, err := c.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, codec.Connect, decoded.Kind())
	require.Equal(t, "gw01", decoded.GetString(codec.FieldLoginName))
	require.Equal(t, 100, decoded.GetInt(codec.FieldNodeID))
}

func TestSubmitRoundTrip(t *testing.T) {
	c := New()
	rec := codec.New(codec.Submit)
	rec[codec.FieldNodeID] = 7
	rec[codec.FieldSeqID] = 11
	rec[codec.FieldSrcID] = "106877999833"
	rec[codec.FieldDestIDs] = []string{"13800138000"}
	rec[codec.FieldServiceID] = "svc"
	rec[codec.FieldMsgFmt] = int(codec.FormatASCII)
	rec[codec.FieldMsgContent] = "test message"

	frames, err := c.EncodeSegments(codec.Submit, rec)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	decoded, err := c.Decode(frames[0])
	require.NoError(t, err)
	require.Equal(t, codec.Submit, decoded.Kind())
	require.Equal(t, "test message", decoded.GetString(codec.FieldMsgContent))
	require.Equal(t, []string{"13800138000"}, decoded.GetStringSlice(codec.FieldDestIDs))
}

func TestStatusMapping(t *testing.T) {
	c := New()
	require.Equal(t, uint32(101), c.ToWireStatus(codec.TrafficRestrictions))
	require.Equal(t, codec.TrafficRestrictions, c.FromWireStatus(101))
}
