// Package smgp implements the SMGP 3.0 codec (§6.1), grounded on
// original_source's protocol/smgp.rs: 7-zero-byte authenticator padding,
// a packed 10-byte msg_id, and an ASCII status-report content template
// distinct from CMPP's binary report body.
package smgp

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/smsgate/gateway/internal/codec"
)

const (
	cmdConnect        uint32 = 0x00000001
	cmdConnectResp    uint32 = 0x80000001
	cmdSubmit         uint32 = 0x00000002
	cmdSubmitResp     uint32 = 0x80000002
	cmdDeliver        uint32 = 0x00000003
	cmdDeliverResp    uint32 = 0x80000003
	cmdActiveTest     uint32 = 0x00000004
	cmdActiveTestResp uint32 = 0x80000004
	cmdTerminate      uint32 = 0x00000006
	cmdTerminateResp  uint32 = 0x80000006
)

const (
	headerSize      = 12
	msgIDSize       = 10
	connectBodySize = 30 // ClientID(8)+Auth(16)+LoginMode(1)+TimeStamp(4)+ClientVersion(1)
	deliverFixed    = 69 // msg_id(10)+IsReport(1)+MsgFormat(1)+receive_time(14)+src_id(21)+dest_id(21)+Msg_Length(1)
	reportBodyLen   = 102
)

var msgIDCounter uint32

// Codec implements codec.Codec for SMGP 3.0.
type Codec struct{}

func New() *Codec { return &Codec{} }

func (c *Codec) Variant() codec.ProtocolVariant { return codec.VariantSMGP30 }

func (c *Codec) SupportedVersions() []byte { return []byte{0x30} }

// Auth computes MD5(login ⧺ 7 zero bytes ⧺ password ⧺ MMDDhhmmss), the
// SMGP variant of the shared authenticator scheme (§4.1).
func (c *Codec) Auth(login, password string, ts time.Time) [16]byte {
	buf := make([]byte, 0, len(login)+7+len(password)+10)
	buf = append(buf, login...)
	buf = append(buf, make([]byte, 7)...)
	buf = append(buf, password...)
	buf = append(buf, codec.FormatTimestamp(ts)...)
	return md5.Sum(buf)
}

var statusToWire = map[codec.StatusCode]uint32{
	codec.Success:             0,
	codec.AddError:            2,
	codec.MessageError:        3,
	codec.OtherError:          5,
	codec.AuthError:           21,
	codec.VersionError:        29,
	codec.TrafficRestrictions: 134,
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

func nextMsgID() [msgIDSize]byte {
	n := atomic.AddUint32(&msgIDCounter, 1) % 1000000
	now := time.Now()
	var id [msgIDSize]byte
	id[0] = bcd(int(now.Month()))
	id[1] = bcd(now.Day())
	id[2] = bcd(now.Hour())
	id[3] = bcd(now.Minute())
	id[4] = bcd(now.Second())
	id[5] = 0
	id[6] = 0
	id[7] = bcd(int(n / 10000))
	id[8] = bcd(int(n / 100 % 100))
	id[9] = bcd(int(n % 100))
	return id
}

// bcd packs a two-digit decimal value into one byte, one digit per nibble.
func bcd(v int) byte { return byte((v/10%10)<<4 | v%10) }

func putU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func fillZero(dst []byte, s string, width int) []byte {
	field := make([]byte, width)
	copy(field, s)
	return append(dst, field...)
}

func opcodeFor(kind codec.MsgType) (uint32, bool) {
	switch kind {
	case codec.Connect:
		return cmdConnect, true
	case codec.ConnectResp:
		return cmdConnectResp, true
	case codec.Submit:
		return cmdSubmit, true
	case codec.SubmitResp:
		return cmdSubmitResp, true
	case codec.Deliver, codec.Report:
		return cmdDeliver, true
	case codec.DeliverResp, codec.ReportResp:
		return cmdDeliverResp, true
	case codec.ActiveTest:
		return cmdActiveTest, true
	case codec.ActiveTestResp:
		return cmdActiveTestResp, true
	case codec.Terminate:
		return cmdTerminate, true
	case codec.TerminateResp:
		return cmdTerminateResp, true
	default:
		return 0, false
	}
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
	content, err := codec.EncodeContent(string(codec.VariantSMGP30), rec.GetString(codec.FieldMsgContent), fmtByte)
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
		segRec := rec.Clone()
		segRec[codec.FieldSeqID] = seqIDs[i]
		var frame []byte
		var err error
		if kind == codec.Submit {
			frame, err = c.encodeSubmit(segRec, seg, udh)
		} else {
			frame, err = c.encodeDeliver(segRec, seg, udh, fmtByte)
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
		return c.encodeConnectResp(rec)
	case codec.SubmitResp:
		return c.encodeSubmitResp(rec)
	case codec.DeliverResp, codec.ReportResp:
		return c.encodeDeliverResp(rec)
	case codec.Report:
		return c.encodeReport(rec)
	case codec.ActiveTest, codec.ActiveTestResp, codec.Terminate, codec.TerminateResp:
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
		return nil, &codec.EncodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("unsupported msg_type %s", kind)}
	}
}

func (c *Codec) encodeHeaderOnly(kind codec.MsgType, rec codec.Record) ([]byte, error) {
	op, ok := opcodeFor(kind)
	if !ok {
		return nil, &codec.EncodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("unsupported msg_type %s", kind)}
	}
	dst := make([]byte, 0, headerSize)
	dst = putU32(dst, headerSize)
	dst = putU32(dst, op)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	return dst, nil
}

func (c *Codec) encodeConnect(rec codec.Record) ([]byte, error) {
	total := headerSize + connectBodySize
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdConnect)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	dst = fillZero(dst, rec.GetString(codec.FieldLoginName), 8)
	auth := c.Auth(rec.GetString(codec.FieldLoginName), rec.GetString(codec.FieldPassword), time.Now())
	dst = append(dst, auth[:]...)
	dst = append(dst, 2) // LoginMode: send+receive
	dst = putU32(dst, 0)
	dst = append(dst, byte(rec.GetInt(codec.FieldVersion)))
	return dst, nil
}

func (c *Codec) encodeConnectResp(rec codec.Record) ([]byte, error) {
	total := headerSize + 1 + 16 // Status(1) + AuthenticatorServer(16)
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdConnectResp)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	dst = append(dst, byte(c.ToWireStatus(status)))
	dst = append(dst, make([]byte, 16)...)
	return dst, nil
}

func (c *Codec) encodeSubmitResp(rec codec.Record) ([]byte, error) {
	total := headerSize + msgIDSize + 4
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdSubmitResp)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	id := nextMsgID()
	dst = append(dst, id[:]...)
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	dst = putU32(dst, c.ToWireStatus(status))
	return dst, nil
}

func (c *Codec) encodeDeliverResp(rec codec.Record) ([]byte, error) {
	total := headerSize + msgIDSize + 4
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdDeliverResp)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	id := nextMsgID()
	dst = append(dst, id[:]...)
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	dst = putU32(dst, c.ToWireStatus(status))
	return dst, nil
}

func (c *Codec) encodeSubmit(rec codec.Record, content, udh []byte) ([]byte, error) {
	body := append(append([]byte{}, udh...), content...)
	total := headerSize + msgIDSize + 1 + len(body) // msg_id + Msg_Length(1) + content
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdSubmit)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	id := nextMsgID()
	dst = append(dst, id[:]...)
	dst = append(dst, byte(len(body)))
	dst = append(dst, body...)
	return dst, nil
}

func (c *Codec) encodeDeliver(rec codec.Record, content, udh []byte, fmtByte codec.ContentFormat) ([]byte, error) {
	body := append(append([]byte{}, udh...), content...)
	total := headerSize + deliverFixed + len(body) + 8 // + Reserve
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdDeliver)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	id := nextMsgID()
	dst = append(dst, id[:]...)
	dst = append(dst, 0) // IsReport
	dst = append(dst, byte(fmtByte))
	dst = fillZero(dst, codec.FormatTimestamp(time.Now()), 14)
	dst = fillZero(dst, rec.GetString(codec.FieldSrcID), 21)
	dst = fillZero(dst, rec.GetString(codec.FieldDestID), 21)
	dst = append(dst, byte(len(body)))
	dst = append(dst, body...)
	dst = append(dst, make([]byte, 8)...)
	return dst, nil
}

func (c *Codec) encodeReport(rec codec.Record) ([]byte, error) {
	total := headerSize + deliverFixed + reportBodyLen
	dst := make([]byte, 0, total)
	dst = putU32(dst, uint32(total))
	dst = putU32(dst, cmdDeliver)
	dst = putU32(dst, uint32(rec.GetInt(codec.FieldSeqID)))
	id := nextMsgID()
	dst = append(dst, id[:]...)
	dst = append(dst, 1) // IsReport
	dst = append(dst, 0) // MsgFormat
	dst = fillZero(dst, codec.FormatTimestamp(time.Now()), 14)
	dst = fillZero(dst, rec.GetString(codec.FieldSrcID), 21)
	dst = fillZero(dst, rec.GetString(codec.FieldDestID), 21)
	dst = append(dst, byte(reportBodyLen))

	report := make([]byte, 0, reportBodyLen)
	report = append(report, fmt.Sprintf("id:%x", id)...)
	report = append(report, " sub:001 dlvrd:000 Submit_Date:"...)
	report = append(report, fixedWidth(rec.GetString("submit_time"), 10)...)
	report = append(report, " Done_Date:"...)
	report = append(report, fixedWidth(rec.GetString("done_time"), 10)...)
	report = append(report, " Stat:"...)
	report = append(report, fixedWidth(rec.GetString("stat"), 7)...)
	report = append(report, " Err:000 text:"...)
	if len(report) > reportBodyLen {
		report = report[:reportBodyLen]
	} else if len(report) < reportBodyLen {
		report = append(report, make([]byte, reportBodyLen-len(report))...)
	}
	dst = append(dst, report...)
	return dst, nil
}

func fixedWidth(s string, width int) []byte {
	b := make([]byte, width)
	copy(b, s)
	return b
}

func (c *Codec) Decode(message []byte) (codec.Record, error) {
	if len(message) < headerSize {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("frame too short")}
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
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("unknown command id 0x%08x", op)}
	}
}

func (c *Codec) decodeConnect(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < connectBodySize {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("connect body too short")}
	}
	rec := codec.New(codec.Connect)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldLoginName] = trimZero(body[0:8])
	var auth [16]byte
	copy(auth[:], body[8:24])
	rec["authenticator"] = auth
	rec[codec.FieldVersion] = int(body[29])
	return rec, nil
}

func (c *Codec) decodeConnectResp(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < 1 {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("connect_resp body too short")}
	}
	rec := codec.New(codec.ConnectResp)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldStatus] = c.FromWireStatus(uint32(body[0]))
	return rec, nil
}

func (c *Codec) decodeSubmit(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < msgIDSize+1 {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("submit body too short")}
	}
	rec := codec.New(codec.Submit)
	rec[codec.FieldSeqID] = int(seq)
	msgLen := int(body[msgIDSize])
	raw := body[msgIDSize+1:]
	if len(raw) < msgLen {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("submit content truncated")}
	}
	raw = raw[:msgLen]
	if len(raw) >= 6 && raw[0] == 0x05 && raw[1] == 0x00 && raw[2] == 0x03 {
		rec[codec.FieldLongSmsRef] = raw[3]
		rec[codec.FieldLongSmsTotal] = int(raw[4])
		rec[codec.FieldLongSmsIndex] = int(raw[5])
		raw = raw[6:]
	}
	text, err := codec.DecodeContent(string(codec.VariantSMGP30), raw, codec.FormatGBK)
	if err != nil {
		return nil, err
	}
	rec[codec.FieldMsgContent] = text
	return rec, nil
}

func (c *Codec) decodeSubmitResp(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < msgIDSize+4 {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("submit_resp body too short")}
	}
	rec := codec.New(codec.SubmitResp)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldStatus] = c.FromWireStatus(binary.BigEndian.Uint32(body[msgIDSize : msgIDSize+4]))
	return rec, nil
}

func (c *Codec) decodeDeliver(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < deliverFixed {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("deliver body too short")}
	}
	isReport := body[10] != 0
	fmtByte := codec.ContentFormat(body[11])
	srcID := trimZero(body[26:47])
	destID := trimZero(body[47:68])
	msgLen := int(body[68])
	raw := body[69:]
	if len(raw) < msgLen {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("deliver content truncated")}
	}
	raw = raw[:msgLen]

	rec := codec.New(codec.Deliver)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldSrcID] = srcID
	rec[codec.FieldDestID] = destID

	if isReport {
		rec[codec.FieldMsgType] = codec.Report
		rec["stat"] = string(raw)
		return rec, nil
	}

	if len(raw) >= 6 && raw[0] == 0x05 && raw[1] == 0x00 && raw[2] == 0x03 {
		rec[codec.FieldLongSmsRef] = raw[3]
		rec[codec.FieldLongSmsTotal] = int(raw[4])
		rec[codec.FieldLongSmsIndex] = int(raw[5])
		raw = raw[6:]
	}
	text, err := codec.DecodeContent(string(codec.VariantSMGP30), raw, fmtByte)
	if err != nil {
		return nil, err
	}
	rec[codec.FieldMsgContent] = text
	rec[codec.FieldMsgFmt] = int(fmtByte)
	return rec, nil
}

func (c *Codec) decodeDeliverResp(body []byte, seq uint32) (codec.Record, error) {
	if len(body) < msgIDSize+4 {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMGP30), Err: fmt.Errorf("deliver_resp body too short")}
	}
	rec := codec.New(codec.DeliverResp)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldStatus] = c.FromWireStatus(binary.BigEndian.Uint32(body[msgIDSize : msgIDSize+4]))
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
