package cmpp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smsgate/gateway/internal/codec"
)

func TestConnectRoundTrip(t *testing.T) {
	c := New30()
	rec := codec.New(codec.Connect)
	rec[codec.FieldSeqID] = 7
	rec[codec.FieldLoginName] = "ab1234"
	rec[codec.FieldPassword] = "secret"

	frame, err := c.Encode(codec.Connect, rec)
	require.NoError(t, err)
	require.Len(t, frame, 39)

	decoded, err := c.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, codec.Connect, decoded.Kind())
	require.Equal(t, "ab1234", decoded.GetString(codec.FieldLoginName))
	require.Equal(t, 7, decoded.GetInt(codec.FieldSeqID))
}

func TestSubmitSingleSegmentByteCount(t *testing.T) {
	c := New30()
	rec := codec.New(codec.Submit)
	rec[codec.FieldSeqID] = 1
	rec[codec.FieldDestIDs] = []string{"13800000000"}
	rec[codec.FieldSrcID] = "10690000"
	rec[codec.FieldServiceID] = "test"
	rec[codec.FieldSpID] = "100001"
	rec[codec.FieldMsgFmt] = int(codec.FormatUTF16BE)
	rec[codec.FieldMsgContent] = "hello"

	frames, err := c.EncodeSegments(codec.Submit, rec)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	// 163B header + 32B per destination + 10B content ("hello" in UTF-16BE).
	require.Len(t, frames[0], 163+32+10)

	decoded, err := c.Decode(frames[0])
	require.NoError(t, err)
	require.Equal(t, "hello", decoded.GetString(codec.FieldMsgContent))
	require.Equal(t, []string{"13800000000"}, decoded.GetStringSlice(codec.FieldDestIDs))
}

func TestSubmitLongMessageSegmentation(t *testing.T) {
	c := New30()
	longText := make([]byte, 200)
	for i := range longText {
		longText[i] = 'a'
	}
	rec := codec.New(codec.Submit)
	rec[codec.FieldSeqID] = 2
	rec[codec.FieldDestIDs] = []string{"13800000000"}
	rec[codec.FieldSrcID] = "10690000"
	rec[codec.FieldMsgFmt] = int(codec.FormatASCII)
	rec[codec.FieldMsgContent] = string(longText)

	frames, err := c.EncodeSegments(codec.Submit, rec)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	var reassembled []byte
	for i, f := range frames {
		decoded, err := c.Decode(f)
		require.NoError(t, err)
		require.True(t, decoded.GetBool(codec.FieldTPUDHI))
		require.Equal(t, 2, decoded.GetInt(codec.FieldLongSmsTotal))
		require.Equal(t, i+1, decoded.GetInt(codec.FieldLongSmsIndex))
		reassembled = append(reassembled, decoded.GetString(codec.FieldMsgContent)...)
	}
	require.Equal(t, string(longText), string(reassembled))
}

func TestStatusMapping(t *testing.T) {
	c := New30()
	require.Equal(t, uint32(8), c.ToWireStatus(codec.TrafficRestrictions))
	require.Equal(t, codec.TrafficRestrictions, c.FromWireStatus(8))
	require.Equal(t, codec.Success, c.FromWireStatus(0))
}

func TestActiveTestRoundTrip(t *testing.T) {
	c := New20()
	rec := codec.New(codec.ActiveTest)
	rec[codec.FieldSeqID] = 42
	frame, err := c.Encode(codec.ActiveTest, rec)
	require.NoError(t, err)
	require.Len(t, frame, 12)

	decoded, err := c.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, codec.ActiveTest, decoded.Kind())
	require.Equal(t, 42, decoded.GetInt(codec.FieldSeqID))
}

func TestEncodeReceiptSkipsResponses(t *testing.T) {
	c := New30()
	resp := codec.New(codec.SubmitResp)
	_, ok := c.EncodeReceipt(codec.Success, resp)
	require.False(t, ok)
}
