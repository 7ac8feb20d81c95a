// Package cmpp implements the CMPP codec for both supported wire versions:
// 3.0 (version byte 0x30 / decimal "48") and 2.0 (version byte 0x20 /
// decimal "32"), per §1 and §6.1. The two versions share opcodes, field
// layout and authenticator; only the negotiated version byte and the
// accepted version set differ, so both are backed by the same codec type
// parameterized by version — "each variant is data" (spec §9) rather than
// two separate implementations.
package cmpp

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/smsgate/gateway/internal/codec"
)

// Wire command ids (§6.1).
const (
	cmdConnect        uint32 = 0x00000001
	cmdConnectResp    uint32 = 0x80000001
	cmdTerminate      uint32 = 0x00000002
	cmdTerminateResp  uint32 = 0x80000002
	cmdSubmit         uint32 = 0x00000004
	cmdSubmitResp     uint32 = 0x80000004
	cmdDeliver        uint32 = 0x00000005
	cmdDeliverResp    uint32 = 0x80000005
	cmdActiveTest     uint32 = 0x00000008
	cmdActiveTestResp uint32 = 0x80000008
)

// Fixed field widths (§6.1). Submit's 163-byte header + 32-byte-per-
// destination layout and Deliver's 109-byte header are spec-mandated
// sizes; the field boundaries within them are this gateway's own
// allocation, chosen to land on those totals.
const (
	headerSize       = 12 // TotalLength(4) + CommandId(4) + SequenceId(4)
	connectBodySize  = 27 // request body, total 39B
	connectRespSize  = 21 // response body, total 33B
	submitFixedSize  = 151
	submitDestSize   = 32
	deliverFixedSize = 97 // total 109B with header
	reportBodySize   = 71 // status-report form fixed body
)

// Codec implements codec.Codec for one CMPP wire version.
type Codec struct {
	version byte // 0x30 for 3.0, 0x20 for 2.0
	variant codec.ProtocolVariant
}

// New30 returns the CMPP 3.0 ("48") codec.
func New30() *Codec { return &Codec{version: 0x30, variant: codec.VariantCMPP48} }

// New20 returns the CMPP 2.0 ("32") codec.
func New20() *Codec { return &Codec{version: 0x20, variant: codec.VariantCMPP32} }

func (c *Codec) Variant() codec.ProtocolVariant { return c.variant }

func (c *Codec) SupportedVersions() []byte { return []byte{c.version} }

// Auth computes MD5(login ⧺ 9 zero bytes ⧺ password ⧺ MMDDhhmmss), per §4.1.
func (c *Codec) Auth(login, password string, ts time.Time) [16]byte {
	buf := make([]byte, 0, len(login)+9+len(password)+10)
	buf = append(buf, login...)
	buf = append(buf, make([]byte, 9)...)
	buf = append(buf, password...)
	buf = append(buf, codec.FormatTimestamp(ts)...)
	return md5.Sum(buf)
}

var statusToWire = map[codec.StatusCode]uint32{
	codec.Success:             0,
	codec.MessageError:        1,
	codec.AddError:            2,
	codec.AuthError:           3,
	codec.VersionError:        4,
	codec.OtherError:          5,
	codec.TrafficRestrictions: 8,
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

func opcodeFor(kind codec.MsgType) (uint32, bool) {
	switch kind {
	case codec.Connect:
		return cmdConnect, true
	case codec.ConnectResp:
		return cmdConnectResp, true
	case codec.Terminate:
		return cmdTerminate, true
	case codec.TerminateResp:
		return cmdTerminateResp, true
	case codec.Submit:
		return cmdSubmit, true
	case codec.SubmitResp:
		return cmdSubmitResp, true
	case codec.Deliver:
		return cmdDeliver, true
	case codec.DeliverResp:
		return cmdDeliverResp, true
	case codec.Report:
		return cmdDeliver, true // Report rides the Deliver opcode (§4.1)
	case codec.ReportResp:
		return cmdDeliverResp, true
	case codec.ActiveTest:
		return cmdActiveTest, true
	case codec.ActiveTestResp:
		return cmdActiveTestResp, true
	default:
		return 0, false
	}
}

func msgTypeFor(op uint32, isReport bool) codec.MsgType {
	switch op {
	case cmdConnect:
		return codec.Connect
	case cmdConnectResp:
		return codec.ConnectResp
	case cmdTerminate:
		return codec.Terminate
	case cmdTerminateResp:
		return codec.TerminateResp
	case cmdSubmit:
		return codec.Submit
	case cmdSubmitResp:
		return codec.SubmitResp
	case cmdDeliver:
		if isReport {
			return codec.Report
		}
		return codec.Deliver
	case cmdDeliverResp:
		if isReport {
			return codec.ReportResp
		}
		return codec.DeliverResp
	case cmdActiveTest:
		return codec.ActiveTest
	case cmdActiveTestResp:
		return codec.ActiveTestResp
	default:
		return codec.Unknown
	}
}

func fillZero(dst []byte, s string, width int) []byte {
	field := make([]byte, width)
	copy(field, s)
	return append(dst, field...)
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

// EncodeSegments implements codec.Codec. Only Submit and Deliver carry
// content subject to long-SMS segmentation (§4.1); every other kind is a
// single frame.
func (c *Codec) EncodeSegments(kind codec.MsgType, rec codec.Record) ([][]byte, error) {
	if kind != codec.Submit && kind != codec.Deliver {
		frame, err := c.encodeOne(kind, rec, false)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}

	fmtByte := codec.ContentFormat(rec.GetInt(codec.FieldMsgFmt))
	content, err := codec.EncodeContent(string(c.variant), rec.GetString(codec.FieldMsgContent), fmtByte)
	if err != nil {
		return nil, err
	}

	segments, ref, needsUDH := codec.SplitSegments(content)
	seqIDs := codec.AssignSegmentSeqIDs(rec, len(segments))
	frames := make([][]byte, 0, len(segments))
	for i, seg := range segments {
		body := seg
		if needsUDH {
			udh := codec.UDHHeader(ref, byte(len(segments)), byte(i+1))
			body = append(append([]byte{}, udh...), seg...)
		}
		segRec := rec.Clone()
		segRec[codec.FieldSeqID] = seqIDs[i]
		segRec[codec.FieldMsgContent+"_raw"] = body
		frame, err := c.encodeOne(kind, segRec, needsUDH)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (c *Codec) Encode(kind codec.MsgType, rec codec.Record) ([]byte, error) {
	frames, err := c.EncodeSegments(kind, rec)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out, nil
}

func (c *Codec) encodeOne(kind codec.MsgType, rec codec.Record, tpudhi bool) ([]byte, error) {
	op, ok := opcodeFor(kind)
	if !ok {
		return nil, &codec.EncodeError{Variant: string(c.variant), Err: fmt.Errorf("unsupported msg_type %s", kind)}
	}

	switch kind {
	case codec.Connect:
		return c.encodeConnect(rec)
	case codec.ConnectResp:
		return c.encodeConnectResp(rec)
	case codec.Submit:
		return c.encodeSubmit(rec, op, tpudhi)
	case codec.SubmitResp:
		return c.encodeSubmitResp(rec)
	case codec.Deliver:
		return c.encodeDeliver(rec, tpudhi)
	case codec.Report:
		return c.encodeReport(rec)
	case codec.DeliverResp, codec.ReportResp:
		return c.encodeDeliverResp(rec)
	case codec.ActiveTest:
		return c.encodeHeaderOnly(op, rec), nil
	case codec.ActiveTestResp:
		frame := append(c.encodeHeaderOnly(op, rec), 0) // Reserved
		binary.BigEndian.PutUint32(frame[0:4], uint32(len(frame)))
		return frame, nil
	case codec.Terminate, codec.TerminateResp:
		return c.encodeHeaderOnly(op, rec), nil
	default:
		return nil, &codec.EncodeError{Variant: string(c.variant), Err: fmt.Errorf("encode not implemented for %s", kind)}
	}
}

func (c *Codec) encodeHeaderOnly(op uint32, rec codec.Record) []byte {
	dst := make([]byte, 0, headerSize)
	dst = putU32(dst, headerSize)
	dst = putU32(dst, op)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	return dst
}

func (c *Codec) encodeConnect(rec codec.Record) ([]byte, error) {
	total := headerSize + connectBodySize
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdConnect)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	dst = fillZero(dst, rec.GetString(codec.FieldLoginName), 6)
	auth := c.Auth(rec.GetString(codec.FieldLoginName), rec.GetString(codec.FieldPassword), time.Now())
	dst = append(dst, auth[:]...)
	dst = append(dst, c.version)
	dst = putU32(dst, 0) // timestamp, informational only on the wire
	return dst, nil
}

func (c *Codec) encodeConnectResp(rec codec.Record) ([]byte, error) {
	total := headerSize + connectRespSize
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdConnectResp)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	dst = putU32(dst, c.ToWireStatus(status))
	dst = append(dst, make([]byte, 16)...) // AuthenticatorISMG, unused on outbound accept
	dst = append(dst, c.version)
	return dst, nil
}

func (c *Codec) encodeSubmitResp(rec codec.Record) ([]byte, error) {
	total := headerSize + 9
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdSubmitResp)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	dst = putU64(dst, uint64(rec.GetInt(codec.FieldMsgID)))
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	dst = append(dst, byte(c.ToWireStatus(status)))
	return dst, nil
}

func (c *Codec) encodeDeliverResp(rec codec.Record) ([]byte, error) {
	total := headerSize + 9
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdDeliverResp)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	dst = putU64(dst, uint64(rec.GetInt(codec.FieldMsgID)))
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	dst = append(dst, byte(c.ToWireStatus(status)))
	return dst, nil
}

// encodeDeliver writes a normal (non-report) Deliver frame: 66 bytes of
// fixed fields before the content, a 31-byte reserved tail after it,
// totaling the 109-byte header (§6.1) for an empty message.
func (c *Codec) encodeDeliver(rec codec.Record, tpudhi bool) ([]byte, error) {
	content, _ := rec[codec.FieldMsgContent+"_raw"].([]byte)
	total := headerSize + deliverFixedSize + len(content)
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdDeliver)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	dst = putU64(dst, uint64(rec.GetInt(codec.FieldMsgID)))
	dst = fillZero(dst, rec.GetString(codec.FieldDestID), 21)
	dst = fillZero(dst, rec.GetString(codec.FieldServiceID), 10)
	dst = append(dst, 0) // TP_pId
	udhi := byte(0)
	if tpudhi {
		udhi = 1
	}
	dst = append(dst, udhi)
	dst = append(dst, 0) // Registered_Delivery: 0, this is a plain message
	dst = append(dst, byte(rec.GetInt(codec.FieldMsgFmt)))
	dst = fillZero(dst, rec.GetString(codec.FieldSrcID), 21)
	dst = append(dst, 0) // reserved alignment byte
	dst = append(dst, byte(len(content)))
	dst = append(dst, content...)
	dst = append(dst, make([]byte, 31)...) // Reserve
	return dst, nil
}

// encodeReport writes a status-report Deliver frame: Registered_Delivery
// is set and Msg_Content is the fixed 71-byte report body rather than
// user text (§6.1).
func (c *Codec) encodeReport(rec codec.Record) ([]byte, error) {
	total := headerSize + deliverFixedSize + reportBodySize
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdDeliver)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	dst = putU64(dst, uint64(rec.GetInt(codec.FieldMsgID)))
	dst = fillZero(dst, rec.GetString(codec.FieldDestID), 21)
	dst = fillZero(dst, rec.GetString(codec.FieldServiceID), 10)
	dst = append(dst, 0) // TP_pId
	dst = append(dst, 0) // tp_udhi
	dst = append(dst, 1) // Registered_Delivery: status report
	dst = append(dst, 0) // Msg_Fmt
	dst = fillZero(dst, rec.GetString(codec.FieldSrcID), 21)
	dst = append(dst, 0) // reserved alignment byte
	dst = append(dst, byte(reportBodySize))

	report := make([]byte, 0, reportBodySize)
	report = putU64(report, uint64(rec.GetInt(codec.FieldPassageMsgID)))
	report = fillZero(report, rec.GetString("stat"), 7)
	report = fillZero(report, rec.GetString("submit_time"), 10)
	report = fillZero(report, rec.GetString("done_time"), 10)
	report = fillZero(report, rec.GetString(codec.FieldDestID), 21)
	report = putU64(report, uint64(rec.GetInt(codec.FieldSeqID)))
	report = append(report, make([]byte, 7)...)
	dst = append(dst, report...)
	dst = append(dst, make([]byte, 31)...)
	return dst, nil
}

func (c *Codec) encodeSubmit(rec codec.Record, op uint32, tpudhi bool) ([]byte, error) {
	body, _ := rec[codec.FieldMsgContent+"_raw"].([]byte)
	dests := rec.GetStringSlice(codec.FieldDestIDs)
	if len(dests) == 0 {
		if d := rec.GetString(codec.FieldDestID); d != "" {
			dests = []string{d}
		}
	}
	if len(dests) == 0 {
		return nil, &codec.EncodeError{Variant: string(c.variant), Err: fmt.Errorf("submit requires at least one destination")}
	}

	total := headerSize + submitFixedSize + submitDestSize*len(dests) + len(body)
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, op)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))

	dst = putU64(dst, uint64(rec.GetInt(codec.FieldMsgID)))
	dst = append(dst, 1, 1, 1, 1) // Pk_total, Pk_number, Registered_Delivery, Msg_level
	dst = fillZero(dst, rec.GetString(codec.FieldServiceID), 10)
	dst = append(dst, 3) // Fee_UserType
	dst = append(dst, make([]byte, 32)...) // Fee_terminal_Id
	dst = append(dst, 1) // Fee_terminal_type
	dst = append(dst, 0) // TP_pId
	udhi := byte(0)
	if tpudhi {
		udhi = 1
	}
	dst = append(dst, udhi)
	dst = append(dst, byte(rec.GetInt(codec.FieldMsgFmt)))
	dst = fillZero(dst, rec.GetString(codec.FieldSpID), 6)
	dst = append(dst, "01"...)
	dst = append(dst, "000001"...)
	dst = fillZero(dst, "", 17) // Valid_Time
	dst = fillZero(dst, "", 17) // At_Time
	dst = fillZero(dst, rec.GetString(codec.FieldSrcID), 21)
	dst = append(dst, byte(len(dests)))
	for _, d := range dests {
		dst = fillZero(dst, d, submitDestSize)
	}
	dst = append(dst, 0) // Dest_terminal_type
	dst = append(dst, byte(len(body)))
	dst = append(dst, body...)
	dst = append(dst, make([]byte, 20)...) // LinkID

	return dst, nil
}

func (c *Codec) Decode(message []byte) (codec.Record, error) {
	if len(message) < headerSize {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("frame too short: %d bytes", len(message))}
	}
	op := binary.BigEndian.Uint32(message[4:8])
	seq := binary.BigEndian.Uint32(message[8:12])
	body := message[headerSize:]

	switch op {
	case cmdConnect:
		return c.decodeConnect(body, seq)
	case cmdConnectResp:
		return c.decodeConnectResp(body, seq)
	case cmdSubmit:
		return c.decodeSubmit(body, seq)
	case cmdSubmitResp:
		return c.decodeSubmitResp(body, seq)
	case cmdDeliver:
		return c.decodeDeliver(body, seq)
	case cmdDeliverResp:
		return c.decodeDeliverResp(body, seq)
	case cmdActiveTest:
		return codec.Record{codec.FieldMsgType: codec.ActiveTest, codec.FieldSeqID: int(seq)}, nil
	case cmdActiveTestResp:
		return codec.Record{codec.FieldMsgType: codec.ActiveTestResp, codec.FieldSeqID: int(seq)}, nil
	case cmdTerminate:
		return codec.Record{codec.FieldMsgType: codec.Terminate, codec.FieldSeqID: int(seq)}, nil
	case cmdTerminateResp:
		return codec.Record{codec.FieldMsgType: codec.TerminateResp, codec.FieldSeqID: int(seq)}, nil
	default:
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("unknown command id 0x%08x", op)}
	}
}

func (c *Codec) decodeConnect(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < connectBodySize {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("connect body too short")}
	}
	rec := codec.New(codec.Connect)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldLoginName] = trimZero(body[0:6])
	var authBytes [16]byte
	copy(authBytes[:], body[6:22])
	rec["authenticator"] = authBytes
	rec[codec.FieldVersion] = body[22]
	return rec, nil
}

func (c *Codec) decodeConnectResp(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < connectRespSize {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("connect resp body too short")}
	}
	rec := codec.New(codec.ConnectResp)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldStatus] = c.FromWireStatus(binary.BigEndian.Uint32(body[0:4]))
	rec[codec.FieldVersion] = body[20]
	return rec, nil
}

func (c *Codec) decodeSubmit(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < submitFixedSize {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("submit body too short")}
	}
	rec := codec.New(codec.Submit)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldMsgID] = int(binary.BigEndian.Uint64(body[0:8]))
	rec[codec.FieldServiceID] = trimZero(body[12:22])
	rec[codec.FieldTPUDHI] = body[57] != 0
	fmtByte := codec.ContentFormat(body[58])
	rec[codec.FieldMsgFmt] = int(fmtByte)
	rec[codec.FieldSpID] = trimZero(body[59:65])
	rec[codec.FieldSrcID] = trimZero(body[107:128])

	destCount := int(body[128])
	off := 129
	dests := make([]string, 0, destCount)
	for i := 0; i < destCount && off+submitDestSize <= len(body); i++ {
		dests = append(dests, trimZero(body[off:off+submitDestSize]))
		off += submitDestSize
	}
	rec[codec.FieldDestIDs] = dests
	off++ // Dest_terminal_type
	if off >= len(body) {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("submit body truncated before content length")}
	}
	msgLen := int(body[off])
	off++
	if off+msgLen > len(body) {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("submit content truncated")}
	}
	raw := body[off : off+msgLen]
	if rec.GetBool(codec.FieldTPUDHI) && msgLen >= 6 {
		rec[codec.FieldLongSmsRef] = raw[3]
		rec[codec.FieldLongSmsTotal] = int(raw[4])
		rec[codec.FieldLongSmsIndex] = int(raw[5])
		raw = raw[6:]
	}
	text, err := codec.DecodeContent(string(c.variant), raw, fmtByte)
	if err != nil {
		return nil, err
	}
	rec[codec.FieldMsgContent] = text
	return rec, nil
}

func (c *Codec) decodeSubmitResp(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < 9 {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("submit_resp body too short")}
	}
	rec := codec.New(codec.SubmitResp)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldMsgID] = int(binary.BigEndian.Uint64(body[0:8]))
	rec[codec.FieldStatus] = c.FromWireStatus(uint32(body[8]))
	return rec, nil
}

func (c *Codec) decodeDeliver(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < deliverFixedSize {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("deliver body too short")}
	}
	rec := codec.New(codec.Deliver)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldMsgID] = int(binary.BigEndian.Uint64(body[0:8]))
	rec[codec.FieldDestID] = trimZero(body[8:29])
	rec[codec.FieldServiceID] = trimZero(body[29:39])
	registeredDelivery := body[41]
	rec[codec.FieldTPUDHI] = body[40] != 0
	fmtByte := codec.ContentFormat(body[42])
	rec[codec.FieldMsgFmt] = int(fmtByte)
	rec[codec.FieldSrcID] = trimZero(body[43:64])

	msgLen := int(body[65])
	off := 66
	if off+msgLen > len(body) {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("deliver content truncated")}
	}
	raw := body[off : off+msgLen]

	if registeredDelivery != 0 {
		rec[codec.FieldMsgType] = codec.Report
		if len(raw) >= reportBodySize {
			rec[codec.FieldPassageMsgID] = int(binary.BigEndian.Uint64(raw[0:8]))
			rec["stat"] = trimZero(raw[8:15])
		}
		return rec, nil
	}

	if rec.GetBool(codec.FieldTPUDHI) && msgLen >= 6 {
		rec[codec.FieldLongSmsRef] = raw[3]
		rec[codec.FieldLongSmsTotal] = int(raw[4])
		rec[codec.FieldLongSmsIndex] = int(raw[5])
		raw = raw[6:]
	}
	text, err := codec.DecodeContent(string(c.variant), raw, fmtByte)
	if err != nil {
		return nil, err
	}
	rec[codec.FieldMsgContent] = text
	return rec, nil
}

func (c *Codec) decodeDeliverResp(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < 9 {
		return nil, &codec.DecodeError{Variant: string(c.variant), Err: fmt.Errorf("deliver_resp body too short")}
	}
	rec := codec.New(codec.DeliverResp)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldMsgID] = int(binary.BigEndian.Uint64(body[0:8]))
	rec[codec.FieldStatus] = c.FromWireStatus(uint32(body[8]))
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
	case codec.Deliver, codec.Report:
		respKind = codec.DeliverResp
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
	frame, err := c.encodeOne(respKind, r, false)
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
