// Package codec defines the generic wire-independent message record and the
// per-protocol-variant Codec interface (§4.1). Each variant package
// (cmpp, smgp, sgip, smpp) supplies a concrete Codec: opcode tables,
// field layouts and an authenticator function, rather than a class
// hierarchy.
package codec

import "fmt"

// MsgType is the canonical message-kind tag shared across every protocol
// variant and the bus (§6.1).
type MsgType int

const (
	Unknown MsgType = iota
	Connect
	ConnectResp
	Terminate
	TerminateResp
	Submit
	SubmitResp
	Deliver
	DeliverResp
	Report
	ReportResp
	ActiveTest
	ActiveTestResp
)

func (t MsgType) String() string {
	switch t {
	case Connect:
		return "Connect"
	case ConnectResp:
		return "ConnectResp"
	case Terminate:
		return "Terminate"
	case TerminateResp:
		return "TerminateResp"
	case Submit:
		return "Submit"
	case SubmitResp:
		return "SubmitResp"
	case Deliver:
		return "Deliver"
	case DeliverResp:
		return "DeliverResp"
	case Report:
		return "Report"
	case ReportResp:
		return "ReportResp"
	case ActiveTest:
		return "ActiveTest"
	case ActiveTestResp:
		return "ActiveTestResp"
	default:
		return "Unknown"
	}
}

// ParseMsgType maps the canonical string tag used on the bus (§6.2, "a
// structured record ... projected to JSON-ish text") back to a MsgType,
// the inverse of String(). Unrecognized tags map to Unknown.
func ParseMsgType(s string) MsgType {
	switch s {
	case "Connect":
		return Connect
	case "ConnectResp":
		return ConnectResp
	case "Terminate":
		return Terminate
	case "TerminateResp":
		return TerminateResp
	case "Submit":
		return Submit
	case "SubmitResp":
		return SubmitResp
	case "Deliver":
		return Deliver
	case "DeliverResp":
		return DeliverResp
	case "Report":
		return Report
	case "ReportResp":
		return ReportResp
	case "ActiveTest":
		return ActiveTest
	case "ActiveTestResp":
		return ActiveTestResp
	default:
		return Unknown
	}
}

// IsResp reports whether the msg_type is itself an acknowledgement, i.e. one
// that EncodeReceipt must never produce a receipt for.
func (t MsgType) IsResp() bool {
	switch t {
	case ConnectResp, TerminateResp, SubmitResp, DeliverResp, ReportResp, ActiveTestResp:
		return true
	default:
		return false
	}
}

// StatusCode is the canonical status set (§4.1), independent of any wire
// numeric encoding.
type StatusCode int

const (
	Success StatusCode = iota
	MessageError
	AddError
	AuthError
	VersionError
	TrafficRestrictions
	OtherError
	StatusUnknown
)

// Well-known field names populated in a Record, per §3 and §6.2.
const (
	FieldMsgType       = "msg_type"
	FieldEntityID      = "entity_id"
	FieldChannelID     = "channel_id"
	FieldConnectionID  = "connection_id"
	FieldSrcID         = "src_id"
	FieldDestID        = "dest_id"
	FieldDestIDs       = "dest_ids"
	FieldMsgContent    = "msg_content"
	FieldMsgFmt        = "msg_fmt"
	FieldMsgID         = "msg_id"
	FieldMsgIDs        = "msg_ids"
	FieldAccountMsgID  = "account_msg_id"
	FieldPassageMsgID  = "passage_msg_id"
	FieldSeqID         = "seq_id"
	FieldSeqIDs        = "seq_ids"
	FieldNodeID        = "node_id"
	FieldStatus        = "status"
	FieldServiceID     = "service_id"
	FieldSpID          = "sp_id"
	FieldWaitReceipt   = "wait_receipt"
	FieldNeedResend    = "need_re_send"
	FieldIsPriority    = "is_priority"
	FieldReceiveTime   = "receive_time"
	FieldTPUDHI        = "tp_udhi"
	FieldLongSmsTotal  = "long_sms_total"
	FieldLongSmsRef    = "long_sms_ref"
	FieldLongSmsIndex  = "long_sms_index"
	FieldManagerType   = "manager_type"
	FieldMT            = "m_t"
	FieldLoginName     = "login_name"
	FieldPassword      = "password"
	FieldVersion       = "version"
	FieldTimestamp     = "timestamp"
)

// internalOnlyFields are stripped from a Record before it is published to
// the bus, per §6.2.
var internalOnlyFields = []string{FieldManagerType, FieldMT, FieldSeqID, FieldSeqIDs}

// Record is the dynamic, protocol-agnostic message map described in §4.1.
// Codecs populate it from wire bytes; the Entity and bus layers read and
// stamp fields on it without ever needing protocol-specific types.
type Record map[string]any

// New returns an empty Record stamped with kind.
func New(kind MsgType) Record {
	r := Record{}
	r[FieldMsgType] = kind
	return r
}

// Kind returns the msg_type field, or Unknown if absent/mistyped.
func (r Record) Kind() MsgType {
	v, ok := r[FieldMsgType]
	if !ok {
		return Unknown
	}
	k, ok := v.(MsgType)
	if !ok {
		return Unknown
	}
	return k
}

func (r Record) GetString(key string) string {
	v, _ := r[key].(string)
	return v
}

func (r Record) GetInt(key string) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case uint8:
		return int(v)
	case float64:
		// A record decoded from the bus's JSON wire format (bus.fromWireRecord)
		// carries every bare number as float64; without this case every
		// integer control-plane field (read_limit, node_id, ...) read back as 0.
		return int(v)
	default:
		return 0
	}
}

func (r Record) GetBool(key string) bool {
	v, _ := r[key].(bool)
	return v
}

func (r Record) GetStringSlice(key string) []string {
	v, _ := r[key].([]string)
	return v
}

func (r Record) GetIntSlice(key string) []int {
	v, _ := r[key].([]int)
	return v
}

// Clone returns a shallow copy, sufficient for passing a Record between
// goroutines that will only replace fields, not mutate slices in place.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StripInternal returns a copy of r with bookkeeping fields removed, ready
// for publication on the bus per §6.2.
func (r Record) StripInternal() Record {
	out := r.Clone()
	for _, f := range internalOnlyFields {
		delete(out, f)
	}
	return out
}

// DecodeError marks a failure local to a single frame: the Connection must
// discard the message and continue (§4.1 Edge cases, §7).
type DecodeError struct {
	Variant string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode: %v", e.Variant, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError marks a failure local to a single outbound record: the record
// is discarded and reported on the failure topic, the Entity continues.
type EncodeError struct {
	Variant string
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("%s: encode: %v", e.Variant, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
