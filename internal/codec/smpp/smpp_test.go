package smpp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smsgate/gateway/internal/codec"
)

func TestBindRoundTrip(t *testing.T) {
	c := New()
	rec := codec.New(codec.Connect)
	rec[codec.FieldSeqID] = 4
	rec[codec.FieldLoginName] = "client1"
	rec[codec.FieldPassword] = "secret"

	frame, err := c.Encode(codec.Connect, rec)
	require.NoError(t, err)

	decoded, err := c.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, codec.Connect, decoded.Kind())
	require.Equal(t, "client1", decoded.GetString(codec.FieldLoginName))
	require.Equal(t, "secret", decoded.GetString(codec.FieldPassword))
	require.Equal(t, 4, decoded.GetInt(codec.FieldSeqID))
}

func TestSubmitSMRoundTrip(t *testing.T) {
	c := New()
	rec := codec.New(codec.Submit)
	rec[codec.FieldSeqID] = 9
	rec[codec.FieldSrcID] = "10690000"
	rec[codec.FieldDestID] = "13800000000"
	rec[codec.FieldMsgFmt] = int(codec.FormatASCII)
	rec[codec.FieldMsgContent] = "hello smpp"

	frames, err := c.EncodeSegments(codec.Submit, rec)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	decoded, err := c.Decode(frames[0])
	require.NoError(t, err)
	require.Equal(t, codec.Submit, decoded.Kind())
	require.Equal(t, "hello smpp", decoded.GetString(codec.FieldMsgContent))
	require.Equal(t, "10690000", decoded.GetString(codec.FieldSrcID))
	require.Equal(t, "13800000000", decoded.GetString(codec.FieldDestID))
}

func TestDeliverSMLongMessageSegmentation(t *testing.T) {
	c := New()
	longText := make([]byte, 160)
	for i := range longText {
		longText[i] = 'b'
	}
	rec := codec.New(codec.Deliver)
	rec[codec.FieldSeqID] = 10
	rec[codec.FieldSrcID] = "13900000000"
	rec[codec.FieldDestID] = "10690000"
	rec[codec.FieldMsgFmt] = int(codec.FormatASCII)
	rec[codec.FieldMsgContent] = string(longText)

	frames, err := c.EncodeSegments(codec.Deliver, rec)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	var reassembled []byte
	for i, f := range frames {
		decoded, err := c.Decode(f)
		require.NoError(t, err)
		require.Equal(t, 2, decoded.GetInt(codec.FieldLongSmsTotal))
		require.Equal(t, i+1, decoded.GetInt(codec.FieldLongSmsIndex))
		reassembled = append(reassembled, decoded.GetString(codec.FieldMsgContent)...)
	}
	require.Equal(t, string(longText), string(reassembled))
}

func TestEnquireLinkRoundTrip(t *testing.T) {
	c := New()
	rec := codec.New(codec.ActiveTest)
	rec[codec.FieldSeqID] = 77
	frame, err := c.Encode(codec.ActiveTest, rec)
	require.NoError(t, err)
	require.Len(t, frame, 16)

	decoded, err := c.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, codec.ActiveTest, decoded.Kind())
	require.Equal(t, 77, decoded.GetInt(codec.FieldSeqID))
}

func TestStatusMapping(t *testing.T) {
	c := New()
	require.Equal(t, uint32(0x00000058), c.ToWireStatus(codec.TrafficRestrictions))
	require.Equal(t, codec.TrafficRestrictions, c.FromWireStatus(0x00000058))
}

func TestEncodeReceiptSkipsResponses(t *testing.T) {
	c := New()
	resp := codec.New(codec.SubmitResp)
	_, ok := c.EncodeReceipt(codec.Success, resp)
	require.False(t, ok)
}
