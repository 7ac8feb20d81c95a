package codec

import "time"

// ProtocolVariant names the wire protocol a Codec speaks, per §1/§6.1.
type ProtocolVariant string

const (
	VariantCMPP48 ProtocolVariant = "cmpp48" // CMPP 3.0
	VariantCMPP32 ProtocolVariant = "cmpp32" // CMPP 2.0
	VariantSMGP30 ProtocolVariant = "smgp30"
	VariantSGIP   ProtocolVariant = "sgip"
	VariantSMPP   ProtocolVariant = "smpp" // placeholder, see §6.1
)

// Codec is the per-variant, stateless-per-message translator between wire
// bytes and a Record (§4.1). Each implementation is data — an opcode table,
// a field layout, an authenticator function — dispatched through this one
// interface rather than a class hierarchy (§9).
type Codec interface {
	Variant() ProtocolVariant

	// Decode reads the opcode and sequence id and populates a Record,
	// stamping msg_type with the canonical tag. message is one complete
	// frame as produced by Framer (including the length prefix).
	Decode(message []byte) (Record, error)

	// Encode serialises rec as kind. Long messages are split into UDH
	// segments per §4.1; Encode returns the concatenation of every
	// segment's bytes and the caller resends each via the wire as
	// distinct frames — callers needing per-segment frames should use
	// EncodeSegments instead.
	Encode(kind MsgType, rec Record) ([]byte, error)

	// EncodeSegments is like Encode but returns one frame per long-SMS
	// segment (or a single-element slice when the content fits in one
	// segment).
	EncodeSegments(kind MsgType, rec Record) ([][]byte, error)

	// EncodeReceipt produces the Ack frame matching rec's opcode and the
	// given status. ok is false if rec's msg_type is itself an Ack.
	EncodeReceipt(status StatusCode, rec Record) (frame []byte, ok bool)

	// Auth computes the wire authenticator for login/password/timestamp.
	Auth(login, password string, ts time.Time) [16]byte

	// ToWireStatus/FromWireStatus translate the canonical status set to
	// and from this variant's numeric wire code (§4.1).
	ToWireStatus(StatusCode) uint32
	FromWireStatus(uint32) StatusCode

	// SupportedVersions lists the protocol version bytes/values this
	// Codec accepts during login (§4.2).
	SupportedVersions() []byte
}

// FormatTimestamp renders ts as the MMDDhhmmss authenticator timestamp
// shared by CMPP, SMGP and SGIP (§4.1).
func FormatTimestamp(ts time.Time) string {
	return ts.Format("0102150405")
}
