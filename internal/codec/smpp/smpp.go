// Package smpp is a placeholder SMPP 3.4 codec (§6.1): only the PDUs this
// gateway actually mediates are implemented — bind, submit_sm, deliver_sm,
// enquire_link, unbind — grounded on the four-word header and C-string
// field conventions shown in the sagostin-gomsggw SMPP PDU fixtures.
package smpp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/smsgate/gateway/internal/codec"
)

// Header is the fixed 16-byte SMPP PDU header: CommandLength, CommandID,
// CommandStatus, SequenceNumber — all big-endian u32.
type Header struct {
	CommandLength  uint32
	CommandID      uint32
	CommandStatus  uint32
	SequenceNumber uint32
}

const (
	cmdBindTransceiver     uint32 = 0x00000009
	cmdBindTransceiverResp uint32 = 0x80000009
	cmdUnbind              uint32 = 0x00000006
	cmdUnbindResp          uint32 = 0x80000006
	cmdSubmitSM            uint32 = 0x00000004
	cmdSubmitSMResp        uint32 = 0x80000004
	cmdDeliverSM           uint32 = 0x00000005
	cmdDeliverSMResp       uint32 = 0x80000005
	cmdEnquireLink         uint32 = 0x00000015
	cmdEnquireLinkResp     uint32 = 0x80000015
	cmdGenericNack         uint32 = 0x80000000

	headerSize = 16
)

// Codec implements codec.Codec for the supported SMPP PDU subset.
type Codec struct{}

func New() *Codec { return &Codec{} }

func (c *Codec) Variant() codec.ProtocolVariant { return codec.VariantSMPP }

func (c *Codec) SupportedVersions() []byte { return []byte{0x34} }

// Auth is unused on the wire (SMPP authenticates via plaintext bind
// password, not a challenge hash) but is implemented for interface
// conformance: it returns the password itself, truncated or zero-padded
// to 16 bytes, not a digest.
func (c *Codec) Auth(login, password string, ts time.Time) [16]byte {
	var out [16]byte
	copy(out[:], password)
	return out
}

var statusToWire = map[codec.StatusCode]uint32{
	codec.Success:             0x00000000,
	codec.MessageError:        0x0000000B,
	codec.AddError:            0x00000014,
	codec.AuthError:           0x0000000E,
	codec.VersionError:        0x00000084,
	codec.TrafficRestrictions: 0x00000058,
	codec.OtherError:          0x000000FF,
}

func (c *Codec) ToWireStatus(s codec.StatusCode) uint32 {
	if v, ok := statusToWire[s]; ok {
		return v
	}
	return 0x000000FF
}

func (c *Codec) FromWireStatus(v uint32) codec.StatusCode {
	for s, wire := range statusToWire {
		if wire == v {
			return s
		}
	}
	return codec.StatusUnknown
}

func cString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

func readCString(body []byte, off int) (string, int, error) {
	for i := off; i < len(body); i++ {
		if body[i] == 0 {
			return string(body[off:i]), i + 1, nil
		}
	}
	return "", 0, fmt.Errorf("unterminated c-string")
}

func opcodeFor(kind codec.MsgType) (uint32, bool) {
	switch kind {
	case codec.Connect:
		return cmdBindTransceiver, true
	case codec.ConnectResp:
		return cmdBindTransceiverResp, true
	case codec.Terminate:
		return cmdUnbind, true
	case codec.TerminateResp:
		return cmdUnbindResp, true
	case codec.Submit:
		return cmdSubmitSM, true
	case codec.SubmitResp:
		return cmdSubmitSMResp, true
	case codec.Deliver, codec.Report:
		return cmdDeliverSM, true
	case codec.DeliverResp, codec.ReportResp:
		return cmdDeliverSMResp, true
	case codec.ActiveTest:
		return cmdEnquireLink, true
	case codec.ActiveTestResp:
		return cmdEnquireLinkResp, true
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
	content, err := codec.EncodeContent(string(codec.VariantSMPP), rec.GetString(codec.FieldMsgContent), fmtByte)
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
		frame, err := c.encodeSM(kind, segRec, body)
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
		return c.encodeBind(rec)
	case codec.ConnectResp:
		return c.encodeBindResp(rec)
	case codec.SubmitResp:
		return c.encodeSubmitResp(rec)
	case codec.DeliverResp, codec.ReportResp:
		return c.encodeDeliverResp(rec)
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
		return nil, &codec.EncodeError{Variant: string(codec.VariantSMPP), Err: fmt.Errorf("unsupported msg_type %s", kind)}
	}
}

func (c *Codec) encodeHeaderOnly(kind codec.MsgType, rec codec.Record) ([]byte, error) {
	op, ok := opcodeFor(kind)
	if !ok {
		return nil, &codec.EncodeError{Variant: string(codec.VariantSMPP), Err: fmt.Errorf("unsupported msg_type %s", kind)}
	}
	dst := make([]byte, 0, headerSize)
	dst = writeHeader(dst, headerSize, op, 0, uint32(rec.GetInt(codec.FieldSeqID)))
	return dst, nil
}

func writeHeader(dst []byte, length, id, status, seq uint32) []byte {
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], length)
	binary.BigEndian.PutUint32(b[4:8], id)
	binary.BigEndian.PutUint32(b[8:12], status)
	binary.BigEndian.PutUint32(b[12:16], seq)
	return append(dst, b[:]...)
}

func (c *Codec) encodeBind(rec codec.Record) ([]byte, error) {
	body := make([]byte, 0, 32)
	body = cString(body, rec.GetString(codec.FieldLoginName))
	body = cString(body, rec.GetString(codec.FieldPassword))
	body = cString(body, "smsgate")
	body = append(body, 0x34, 0, 0, 0) // interface_version, addr_ton, addr_npi, address_range(empty cstring)

	total := headerSize + len(body)
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), cmdBindTransceiver, 0, uint32(rec.GetInt(codec.FieldSeqID)))
	dst = append(dst, body...)
	return dst, nil
}

func (c *Codec) encodeBindResp(rec codec.Record) ([]byte, error) {
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	body := cString(nil, rec.GetString(codec.FieldLoginName))
	total := headerSize + len(body)
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), cmdBindTransceiverResp, c.ToWireStatus(status), uint32(rec.GetInt(codec.FieldSeqID)))
	dst = append(dst, body...)
	return dst, nil
}

func (c *Codec) encodeSM(kind codec.MsgType, rec codec.Record, content []byte) ([]byte, error) {
	op, _ := opcodeFor(kind)
	body := make([]byte, 0, 64+len(content))
	body = cString(body, "") // service_type
	body = append(body, 0, 0)
	body = cString(body, rec.GetString(codec.FieldSrcID))
	body = append(body, 0, 0)
	body = cString(body, rec.GetString(codec.FieldDestID))
	body = append(body, 0)                       // esm_class
	body = append(body, 0)                       // protocol_id
	body = append(body, 0)                       // priority_flag
	body = cString(body, "")                     // schedule_delivery_time
	body = cString(body, "")                     // validity_period
	body = append(body, 1)                       // registered_delivery
	body = append(body, 0)                       // replace_if_present_flag
	body = append(body, byte(rec.GetInt(codec.FieldMsgFmt))) // data_coding
	body = append(body, 0)                       // sm_default_msg_id
	body = append(body, byte(len(content)))      // sm_length
	body = append(body, content...)

	total := headerSize + len(body)
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), op, 0, uint32(rec.GetInt(codec.FieldSeqID)))
	dst = append(dst, body...)
	return dst, nil
}

func (c *Codec) encodeSubmitResp(rec codec.Record) ([]byte, error) {
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	body := cString(nil, fmt.Sprintf("%d", rec.GetInt(codec.FieldMsgID)))
	total := headerSize + len(body)
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), cmdSubmitSMResp, c.ToWireStatus(status), uint32(rec.GetInt(codec.FieldSeqID)))
	dst = append(dst, body...)
	return dst, nil
}

func (c *Codec) encodeDeliverResp(rec codec.Record) ([]byte, error) {
	status, _ := rec[codec.FieldStatus].(codec.StatusCode)
	body := cString(nil, "")
	total := headerSize + len(body)
	dst := make([]byte, 0, total)
	dst = writeHeader(dst, uint32(total), cmdDeliverSMResp, c.ToWireStatus(status), uint32(rec.GetInt(codec.FieldSeqID)))
	dst = append(dst, body...)
	return dst, nil
}

func (c *Codec) Decode(message []byte) (codec.Record, error) {
	if len(message) < headerSize {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: fmt.Errorf("frame too short")}
	}
	op := binary.BigEndian.Uint32(message[4:8])
	status := binary.BigEndian.Uint32(message[8:12])
	seq := binary.BigEndian.Uint32(message[12:16])
	body := message[headerSize:]

	switch op {
	case cmdBindTransceiver:
		return c.decodeBind(body, seq)
	case cmdBindTransceiverResp:
		rec := codec.New(codec.ConnectResp)
		rec[codec.FieldSeqID] = int(seq)
		rec[codec.FieldStatus] = c.FromWireStatus(status)
		return rec, nil
	case cmdSubmitSM:
		return c.decodeSM(codec.Submit, body, seq)
	case cmdDeliverSM:
		return c.decodeSM(codec.Deliver, body, seq)
	case cmdSubmitSMResp, cmdDeliverSMResp:
		kind := codec.SubmitResp
		if op == cmdDeliverSMResp {
			kind = codec.DeliverResp
		}
		rec := codec.New(kind)
		rec[codec.FieldSeqID] = int(seq)
		rec[codec.FieldStatus] = c.FromWireStatus(status)
		return rec, nil
	case cmdEnquireLink:
		return codec.Record{codec.FieldMsgType: codec.ActiveTest, codec.FieldSeqID: int(seq)}, nil
	case cmdEnquireLinkResp:
		return codec.Record{codec.FieldMsgType: codec.ActiveTestResp, codec.FieldSeqID: int(seq)}, nil
	case cmdUnbind:
		return codec.Record{codec.FieldMsgType: codec.Terminate, codec.FieldSeqID: int(seq)}, nil
	case cmdUnbindResp:
		return codec.Record{codec.FieldMsgType: codec.TerminateResp, codec.FieldSeqID: int(seq)}, nil
	case cmdGenericNack:
		rec := codec.New(codec.Unknown)
		rec[codec.FieldSeqID] = int(seq)
		rec[codec.FieldStatus] = c.FromWireStatus(status)
		return rec, nil
	default:
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: fmt.Errorf("unknown command id 0x%08x", op)}
	}
}

func (c *Codec) decodeBind(body []byte, seq uint32) (codec.Record, error) {
	login, off, err := readCString(body, 0)
	if err != nil {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: err}
	}
	password, off, err := readCString(body, off)
	if err != nil {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: err}
	}
	_, off, err = readCString(body, off) // system_type
	if err != nil {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: err}
	}
	rec := codec.New(codec.Connect)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldLoginName] = login
	rec[codec.FieldPassword] = password
	if off < len(body) {
		rec[codec.FieldVersion] = int(body[off]) // interface_version
	}
	return rec, nil
}

func (c *Codec) decodeSM(kind codec.MsgType, body []byte, seq uint32) (codec.Record, error) {
	_, off, err := readCString(body, 0) // service_type
	if err != nil {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: err}
	}
	off += 2 // source addr ton, npi
	src, off2, err := readCString(body, off)
	if err != nil {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: err}
	}
	off = off2 + 2 // dest addr ton, npi
	dest, off3, err := readCString(body, off)
	if err != nil {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: err}
	}
	off = off3
	if off+3 > len(body) {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: fmt.Errorf("sm body truncated before esm_class")}
	}
	off += 3 // esm_class, protocol_id, priority_flag
	_, off, err = readCString(body, off) // schedule_delivery_time
	if err != nil {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: err}
	}
	_, off, err = readCString(body, off) // validity_period
	if err != nil {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: err}
	}
	if off+5 > len(body) {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: fmt.Errorf("sm body truncated before sm_length")}
	}
	fmtByte := codec.ContentFormat(body[off+2])
	smLength := int(body[off+4])
	off += 5
	if off+smLength > len(body) {
		return nil, &codec.DecodeError{Variant: string(codec.VariantSMPP), Err: fmt.Errorf("sm content truncated")}
	}
	raw := body[off : off+smLength]
	if len(raw) >= 6 && raw[0] == 0x05 {
		rec := codec.New(kind)
		rec[codec.FieldSeqID] = int(seq)
		rec[codec.FieldSrcID] = src
		rec[codec.FieldDestID] = dest
		rec[codec.FieldLongSmsRef] = raw[3]
		rec[codec.FieldLongSmsTotal] = int(raw[4])
		rec[codec.FieldLongSmsIndex] = int(raw[5])
		text, err := codec.DecodeContent(string(codec.VariantSMPP), raw[6:], fmtByte)
		if err != nil {
			return nil, err
		}
		rec[codec.FieldMsgContent] = text
		rec[codec.FieldMsgFmt] = int(fmtByte)
		return rec, nil
	}
	text, err := codec.DecodeContent(string(codec.VariantSMPP), raw, fmtByte)
	if err != nil {
		return nil, err
	}
	rec := codec.New(kind)
	rec[codec.FieldSeqID] = int(seq)
	rec[codec.FieldSrcID] = src
	rec[codec.FieldDestID] = dest
	rec[codec.FieldMsgContent] = text
	rec[codec.FieldMsgFmt] = int(fmtByte)
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
