// Package sgip implements the SGIP codec (§6.1), grounded on
// original_source's protocol/sgip.rs: a 20-byte header carrying a
// compound (node_id, sequence) identifier instead of a flat sequence
// number, and a password-truncation authenticator rather than MD5.
package sgip

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/smsgate/gateway/internal/codec"
)

const (
	cmdConnect        uint32 = 0x00000001
	cmdConnectResp    uint32 = 0x80000001
	cmdTerminate      uint32 = 0x00000002
	cmdTerminateResp  uint32 = 0x80000002
	cmdSubmit         uint32 = 0x00000003
	cmdSubmitResp     uint32 = 0x80000003
	cmdDeliver        uint32 = 0x00000004
	cmdDeliverResp    uint32 = 0x80000004
	cmdReport         uint32 = 0x00000005
	cmdReportResp     uint32 = 0x80000005
	cmdActiveTest     uint32 = 0x00000009
	cmdActiveTestResp uint32 = 0x80000009
)

// headerSize covers length(4) + command(4) + node_id(4) + sequence(8),
// the compound identifier every SGIP frame carries and echoes (§4.1).
const (
	headerSize      = 20
	destEntrySize   = 21
	connectBodySize = 41 // LoginType(1)+LoginName(16)+Auth(16)+Reserve(8)
	respTailSize    = 9  // Result(1)+Reserve(8)
	submitFixedNonDest = 123
	reportBodySize     = 44 // msg_id(12)+ReportType(1)+UserNumber(21)+State(1)+ErrCode(1)+Reserve(8)
)

// Codec implements codec.Codec for SGIP.
type Codec struct{}

func New() *Codec { return &Codec{} }

func (c *Codec) Variant() codec.ProtocolVariant { return codec.VariantSGIP }

func (c *Codec) SupportedVersions() []byte { return []byte{1} }

// Auth truncates/zero-pads password to 16 bytes; SGIP has no MD5 challenge
// the way CMPP/SMGP do (§4.1).
func (c *Codec) Auth(login, password string, ts time.Time) [16]byte {
	var out [16]byte
	copy(out[:], password)
	return out
}

var statusToWire = map[codec.StatusCode]uint32{
	codec.Success:             0,
	codec.AuthError:           1,
	codec.AddError:            2,
	codec.VersionError:        4,
	codec.OtherError:          5,
	codec.MessageError:        7,
	codec.TrafficRestrictions: 101,
}

func (c *Codec) ToWireStatus(s codec.StatusCode) uint32 {
	if v, ok := statusToWire[s]; ok {
		return v
	}
	return 5
}

func (c *Codec) FromWireStatus(v uint32) codec.StatusCode {
	for s, wire := range statusToWire {
		if wire == v {
			return s
		}
	}
	return codec.StatusUnknown
}

func putU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func putU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func fillZero(dst []byte, s string, width int) []byte {
	field := make([]byte, width)
	copy(field, s)
	return append(dst, field...)
}

// seqValue packs (timestamp, sequence) into the 8-byte compound sequence
// field, mirroring sgip.rs's `(time as u64) << 32 | sequence`.
func seqValue(rec codec.Record) uint64 {
	return uint64(time.Now().Unix()&0xffffffff)<<32 | uint64(uint32(rec.GetInt(codec.FieldSeqID)))
}

func writeHeader(dst []byte, total uint32, op uint32, nodeID uint32, seq uint64) []byte {
	dst = putU32(dst, total)
	dst = putU32(dst, op)
	dst = putU32(dst, nodeID)
	dst = putU64(dst, seq)
	return dst
}

func (c *Codec) EncodeSegments(kind codec.MsgType, rec codec.Record) ([][]byte, error) {
	if kind != codec.Submit && kind != codec.Deliver {
		frame, err := c.Encode(kind, rec)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}

	fmtByte := codec.ContentFormat(rec.GetInt(codec.FieldMsgFmt))
	content, err := codec.EncodeContent(string(codec.VariantSGIP), rec.GetString(codec.FieldMsgContent), fmtByte)
	if err != nil {
		return nil, err
	}
	segments, ref, needsUDH := codec.SplitSegments(content)
	seqIDs := codec.AssignSegmentSeqIDs(rec, len(segments))

	frames := make([][]byte, 0, len(segments))
	for i, seg := range segments {
		var udh []byte
		if needsUDH {
			udh = codec.UDHHeader(ref, byte(len(segments)), byte(i+1))
		}
		body := append(append([]byte{}, udh...), seg...)
		segRec := rec.Clone()
		segRec[codec.FieldSeqID] = seqIDs[i]
		var frame []byte
		var err error
		if kind == codec.Submit {
			frame, err = c.encodeSubmit(segRec, body)
		} else {
			frame, err = c.encodeDeliver(segRec, body, fmtByte)
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (c *Codec) Encode(kind codec.MsgType, rec codec.Record) ([]byte, error) {
	switch kind {
	case codec.Connect:
		return c.encodeConnect(rec)
	case codec.ConnectResp:
		return c.encodeSimpleResp(cmdConnectResp, rec)
	case codec.SubmitResp:
		return c.encodeSimpleResp(cmdSubmitResp, rec)
	case codec.DeliverResp:
		return c.encodeSimpleResp(cmdDeliverResp, rec)
	case codec.ReportResp:
		return c.encodeSimpleResp(cmdReportResp, rec)
	case codec.Report:
		return c.encodeReport(rec)
	case codec.Terminate, codec.TerminateResp:
		return c.encodeHeaderOnly(kind, rec)
	case codec.ActiveTest, codec.ActiveTestResp:
		return c.encodeHeaderOnly(kind, rec)
	case codec.Submit, codec.Deliver:
		frames, err := c.EncodeSegments(kind, rec)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0)
		for _, f := range frames {
			out = append(out, f...)
		}
		return out, nil
	default:
		return nil, &codec.EncodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("unsupported msg_type %s", kind)}
	}
}

func opcodeFor(kind codec.MsgType) (uint32, bool) {
	switch kind {
	case codec.Terminate:
		return cmdTerminate, true
	case codec.TerminateResp:
		return cmdTerminateResp, true
	case codec.ActiveTest:
		return cmdActiveTest, true
	case codec.ActiveTestResp:
		return cmdActiveTestResp, true
	default:
		return 0, false
	}
}

func (c *Codec) encodeHeaderOnly(kind codec.MsgType, rec codec.Record) ([]byte, error) {
	op, ok := opcodeFor(kind)
	if !ok {
		return nil, &codec.EncodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("unsupported msg_type %s", kind)}
	}
	dst := make([]byte, 0, headerSize)
	dst = writeHeader(dst, headerSize, op, uint32(rec.GetInt(codec.FieldNodeID)), seqValue(rec))
	return dst, nil
}

func (c *Codec) encodeConnect(rec codec.Record) ([]byte, error) {
	total := headerSize + connectBodySize
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), cmdConnect, uint32(rec.GetInt(codec.FieldNodeID)), seqValue(rec))
	dst = append(dst, 1) // LoginType: both directions
	dst = fillZero(dst, rec.GetString(codec.FieldLoginName), 16)
	auth := c.Auth(rec.GetString(codec.FieldLoginName), rec.GetString(codec.FieldPassword), time.Now())
	dst = append(dst, auth[:]...)
	dst = append(dst, make([]byte, 8)...)
	return dst, nil
}

func (c *Codec) encodeSimpleResp(op uint32, rec codec.Record) ([]byte, error) {
	total := headerSize + respTailSize
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), op, uint32(rec.GetInt(codec.FieldNodeID)), seqValue(rec))
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	dst = append(dst, byte(c.ToWireStatus(status)))
	dst = append(dst, make([]byte, 8)...)
	return dst, nil
}

func (c *Codec) encodeSubmit(rec codec.Record, body []byte) ([]byte, error) {
	dests := rec.GetStringSlice(codec.FieldDestIDs)
	if len(dests) == 0 {
		if d := rec.GetString(codec.FieldDestID); d != "" {
			dests = []string{d}
		}
	}
	if len(dests) == 0 {
		return nil, &codec.EncodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("submit requires at least one destination")}
	}

	total := headerSize + submitFixedNonDest + destEntrySize*len(dests) + len(body)
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), cmdSubmit, uint32(rec.GetInt(codec.FieldNodeID)), seqValue(rec))
	dst = fillZero(dst, rec.GetString(codec.FieldSrcID), 21) // SPNumber
	dst = append(dst, make([]byte, 21)...)                   // ChargeNumber
	dst = append(dst, byte(len(dests)))
	for _, d := range dests {
		dst = fillZero(dst, d, destEntrySize)
	}
	dst = fillZero(dst, "00000", 5) // corp_id
	dst = fillZero(dst, rec.GetString(codec.FieldServiceID), 10)
	dst = append(dst, 1)             // FeeType
	dst = append(dst, "000001"...)   // FeeCode
	dst = append(dst, "000000"...)   // GivenValue
	dst = append(dst, 0, 0, 0)       // AgentFlag, MoreLaterToMTFlag, Priority
	dst = append(dst, make([]byte, 16)...) // ExpireTime
	dst = append(dst, make([]byte, 16)...) // ScheduleTime
	dst = append(dst, 1)                   // ReportFlag
	dst = append(dst, 0)                   // TP_pId
	tpudhi := byte(0)
	if len(body) > 0 && body[0] == 0x05 {
		tpudhi = 1
	}
	dst = append(dst, tpudhi)
	dst = append(dst, byte(rec.GetInt(codec.FieldMsgFmt)))
	dst = append(dst, 0) // MessageType
	dst = putU32(dst, uint32(len(body)))
	dst = append(dst, body...)
	dst = append(dst, make([]byte, 8)...) // Reserve
	return dst, nil
}

func (c *Codec) encodeDeliver(rec codec.Record, body []byte, fmtByte codec.ContentFormat) ([]byte, error) {
	total := headerSize + 21 + 1 + 1 + 4 + len(body) + 8
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), cmdDeliver, uint32(rec.GetInt(codec.FieldNodeID)), seqValue(rec))
	dst = fillZero(dst, rec.GetString(codec.FieldSrcID), 21)
	dst = append(dst, 0) // TP_pId
	dst = append(dst, byte(fmtByte))
	dst = putU32(dst, uint32(len(body)))
	dst = append(dst, body...)
	dst = append(dst, make([]byte, 8)...)
	return dst, nil
}

func (c *Codec) encodeReport(rec codec.Record) ([]byte, error) {
	total := headerSize + reportBodySize
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), cmdReport, uint32(rec.GetInt(codec.FieldNodeID)), seqValue(rec))
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldNodeID)))
	dst = putU64(dst, uint64(rec.GetInt(codec.FieldPassageMsgID)))
	dst = append(dst, 0) // ReportType
	dst = fillZero(dst, rec.GetString(codec.FieldSrcID), 21)
	dst = append(dst, byte(rec.GetInt(codec.FieldStatus)))
	dst = append(dst, 0) // ErrCode
	dst = append(dst, make([]byte, 8)...)
	return dst, nil
}

func (c *Codec) Decode(message []byte) (codec.Record, error) {
	if len(message) < headerSize {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("frame too short")}
	}
	op := binary.BigEndian.Uint32(message[4:8])
	nodeID := binary.BigEndian.Uint32(message[8:12])
	seq := binary.BigEndian.Uint64(message[12:20])
	body := message[headerSize:]

	rec := codec.Record{codec.FieldNodeID: int(nodeID), codec.FieldSeqID: int(uint32(seq))}

	switch op {
	case cmdConnect:
		return c.decodeConnect(body, rec)
	case cmdConnectResp:
		rec[codec.FieldMsgType] = codec.ConnectResp
		return c.decodeSimpleResp(body, rec)
	case cmdSubmit:
		return c.decodeSubmit(body, rec)
	case cmdSubmitResp:
		rec[codec.FieldMsgType] = codec.SubmitResp
		return c.decodeSimpleResp(body, rec)
	case cmdDeliver:
		return c.decodeDeliver(body, rec)
	case cmdDeliverResp:
		rec[codec.FieldMsgType] = codec.DeliverResp
		return c.decodeSimpleResp(body, rec)
	case cmdReport:
		return c.decodeReport(body, rec)
	case cmdReportResp:
		rec[codec.FieldMsgType] = codec.ReportResp
		return c.decodeSimpleResp(body, rec)
	case cmdActiveTest:
		rec[codec.FieldMsgType] = codec.ActiveTest
		return rec, nil
	case cmdActiveTestResp:
		rec[codec.FieldMsgType] = codec.ActiveTestResp
		return rec, nil
	case cmdTerminate:
		rec[codec.FieldMsgType] = codec.Terminate
		return rec, nil
	case cmdTerminateResp:
		rec[codec.FieldMsgType] = codec.TerminateResp
		return rec, nil
	default:
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("unknown command id 0x%08x", op)}
	}
}

func (c *Codec) decodeConnect(body []byte, rec codec.Record) (codec.Record, error) {
	if len(body) < connectBodySize {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("connect body too short")}
	}
	rec[codec.FieldMsgType] = codec.Connect
	rec[codec.FieldLoginName] = trimZero(body[1:17])
	var auth [16]byte
	copy(auth[:], body[17:33])
	rec["authenticator"] = auth
	return rec, nil
}

func (c *Codec) decodeSimpleResp(body []byte, rec codec.Record) (codec.Record, error) {
	if len(body) < 1 {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("resp body too short")}
	}
	rec[codec.FieldStatus] = c.FromWireStatus(uint32(body[0]))
	return rec, nil
}

func (c *Codec) decodeSubmit(body []byte, rec codec.Record) (codec.Record, error) {
	if len(body) < 42 {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("submit body too short")}
	}
	rec[codec.FieldMsgType] = codec.Submit
	rec[codec.FieldSrcID] = trimZero(body[0:21])
	destCount := int(body[42])
	off := 43
	dests := make([]string, 0, destCount)
	for i := 0; i < destCount && off+destEntrySize <= len(body); i++ {
		dests = append(dests, trimZero(body[off:off+destEntrySize]))
		off += destEntrySize
	}
	rec[codec.FieldDestIDs] = dests
	off += 5 + 10 + 1 + 6 + 6 + 3 + 16 + 16 + 1 // corp_id..priority..expire..schedule..reportflag
	if off+3 > len(body) {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("submit body truncated before content")}
	}
	tpudhi := body[off+1] != 0
	fmtByte := codec.ContentFormat(body[off+2])
	off += 4 // TP_pId, tp_udhi, msg_fmt, message_type
	if off+4 > len(body) {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("submit body truncated before msg length")}
	}
	msgLen := int(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	if off+msgLen > len(body) {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("submit content truncated")}
	}
	raw := body[off : off+msgLen]
	rec[codec.FieldTPUDHI] = tpudhi
	if tpudhi && len(raw) >= 6 {
		rec[codec.FieldLongSmsRef] = raw[3]
		rec[codec.FieldLongSmsTotal] = int(raw[4])
		rec[codec.FieldLongSmsIndex] = int(raw[5])
		raw = raw[6:]
	}
	text, err := codec.DecodeContent(string(codec.VariantSGIP), raw, fmtByte)
	if err != nil {
		return nil, err
	}
	rec[codec.FieldMsgContent] = text
	rec[codec.FieldMsgFmt] = int(fmtByte)
	return rec, nil
}

func (c *Codec) decodeDeliver(body []byte, rec codec.Record) (codec.Record, error) {
	if len(body) < 27 {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("deliver body too short")}
	}
	rec[codec.FieldMsgType] = codec.Deliver
	rec[codec.FieldSrcID] = trimZero(body[0:21])
	fmtByte := codec.ContentFormat(body[22])
	msgLen := int(binary.BigEndian.Uint32(body[23:27]))
	if 27+msgLen > len(body) {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("deliver content truncated")}
	}
	raw := body[27 : 27+msgLen]
	if len(raw) >= 6 && raw[0] == 0x05 {
		rec[codec.FieldLongSmsRef] = raw[3]
		rec[codec.FieldLongSmsTotal] = int(raw[4])
		rec[codec.FieldLongSmsIndex] = int(raw[5])
		raw = raw[6:]
	}
	text, err := codec.DecodeContent(string(codec.VariantSGIP), raw, fmtByte)
	if err != nil {
		return nil, err
	}
	rec[codec.FieldMsgContent] = text
	rec[codec.FieldMsgFmt] = int(fmtByte)
	return rec, nil
}

func (c *Codec) decodeReport(body []byte, rec codec.Record) (codec.Record, error) {
	if len(body) < reportBodySize {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSGIP), Err: fmt.Errorf("report body too short")}
	}
	rec[codec.FieldMsgType] = codec.Report
	rec[codec.FieldPassageMsgID] = int(binary.BigEndian.Uint64(body[4:12]))
	rec[codec.FieldSrcID] = trimZero(body[13:34])
	rec[codec.FieldStatus] = int(body[34])
	return rec, nil
}

// EncodeReceipt produces the Ack frame matching rec's opcode, per §4.1.
func (c *Codec) EncodeReceipt(status codec.StatusCode, rec codec.Record) ([]byte, bool) {
	kind := rec.Kind()
	if kind.IsResp() {
		return nil, false
	}
	var respKind codec.MsgType
	switch kind {
	case codec.Submit:
		respKind = codec.SubmitResp
	case codec.Deliver:
		respKind = codec.DeliverResp
	case codec.Report:
		respKind = codec.ReportResp
	case codec.Connect:
		respKind = codec.ConnectResp
	case codec.Terminate:
		respKind = codec.TerminateResp
	case codec.ActiveTest:
		respKind = codec.ActiveTestResp
	default:
		return nil, false
	}
	r := rec.Clone()
	r[codec.FieldStatus] = status
	frame, err := c.Encode(respKind, r)
	if err != nil {
		return nil, false
	}
	return frame, true
}

func trimZero(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
