package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smsgate/gateway/internal/codec"
)

func TestWireRecordRoundTrip(t *testing.T) {
	rec := codec.New(codec.Submit)
	rec[codec.FieldSrcID] = "10690000"
	rec[codec.FieldDestIDs] = []string{"13800000000"}
	rec[codec.FieldMsgContent] = "hello"
	rec[codec.FieldStatus] = codec.Success
	rec[codec.FieldSeqID] = 5 // internal bookkeeping, stripped before publication

	payload, err := json.Marshal(toWireRecord(rec.StripInternal()))
	require.NoError(t, err)
	require.NotContains(t, string(payload), "seq_id")

	decoded, err := fromWireRecord(payload)
	require.NoError(t, err)
	require.Equal(t, codec.Submit, decoded.Kind())
	require.Equal(t, codec.Success, decoded[codec.FieldStatus])
	require.Equal(t, "hello", decoded.GetString(codec.FieldMsgContent))
}

func TestWireRecordUnknownMsgType(t *testing.T) {
	decoded, err := fromWireRecord([]byte(`{"msg_type":"NotARealKind","src_id":"1"}`))
	require.NoError(t, err)
	require.Equal(t, codec.Unknown, decoded.Kind())
}
