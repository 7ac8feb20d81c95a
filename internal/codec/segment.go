package codec

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// ContentFormat is the msg_fmt byte selecting the content's on-wire text
// encoding (§4.1, §6.1).
type ContentFormat byte

const (
	FormatASCII   ContentFormat = 0
	FormatUTF16BE ContentFormat = 8
	FormatGBK     ContentFormat = 15
)

const (
	// maxSingleSegmentContent is the content-byte-length boundary above
	// which a Submit/Deliver must be split into UDH segments (§4.1,
	// boundary behavior in §8).
	maxSingleSegmentContent = 140
	// maxUDHSegmentContent is the per-segment payload ceiling once the
	// 6-byte UDH header is subtracted from a 140-byte segment budget.
	maxUDHSegmentContent = 134
)

var segmentRefCounter uint32

// nextSegmentRef returns the shared <ref> byte for one logical long
// message's segments, wrapping at 256 like the single-byte wire field it
// feeds.
func nextSegmentRef() byte {
	return byte(atomic.AddUint32(&segmentRefCounter, 1))
}

// EncodeContent transcodes text per fmt (§4.1: 0=ASCII, 8=UTF-16BE,
// 15=GBK). It returns an *EncodeError-wrappable error on unrepresentable
// input rather than silently substituting characters, per the Encode
// contract in §4.1 and the boundary behavior in §8.
func EncodeContent(variant string, text string, fmtByte ContentFormat) ([]byte, error) {
	switch fmtByte {
	case FormatASCII:
		out := make([]byte, 0, len(text))
		for _, r := range text {
			if r > 0x7f {
				return nil, &EncodeError{Variant: variant, Err: fmt.Errorf("character %q not representable in ASCII", r)}
			}
			out = append(out, byte(r))
		}
		return out, nil
	case FormatUTF16BE:
		enc := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
		out, err := enc.Bytes([]byte(text))
		if err != nil {
			return nil, &EncodeError{Variant: variant, Err: fmt.Errorf("utf-16be: %w", err)}
		}
		return out, nil
	case FormatGBK:
		enc := simplifiedchinese.GBK.NewEncoder()
		out, err := enc.Bytes([]byte(text))
		if err != nil {
			return nil, &EncodeError{Variant: variant, Err: fmt.Errorf("gbk: %w", err)}
		}
		return out, nil
	default:
		return nil, &EncodeError{Variant: variant, Err: fmt.Errorf("unsupported msg_fmt %d", fmtByte)}
	}
}

// DecodeContent is the inverse of EncodeContent, used when parsing an
// inbound Submit/Deliver body.
func DecodeContent(variant string, data []byte, fmtByte ContentFormat) (string, error) {
	switch fmtByte {
	case FormatASCII:
		return string(data), nil
	case FormatUTF16BE:
		dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return "", &DecodeError{Variant: variant, Err: fmt.Errorf("utf-16be: %w", err)}
		}
		return string(out), nil
	case FormatGBK:
		dec := simplifiedchinese.GBK.NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return "", &DecodeError{Variant: variant, Err: fmt.Errorf("gbk: %w", err)}
		}
		return string(out), nil
	default:
		return "", &DecodeError{Variant: variant, Err: fmt.Errorf("unsupported msg_fmt %d", fmtByte)}
	}
}

// AssignSegmentSeqIDs stamps rec's FieldSeqIDs with one sequence id per
// long-SMS segment, derived from rec's own (already-assigned) seq id as a
// base value (base, base+1, ...), so that each segment's *-Ack can be
// correlated against its own retry-cache entry (§3: "a protocol sequence
// id generated for an outbound Submit is unique within the Entity's retry
// cache"). A single-segment message is left with just its own seq id.
func AssignSegmentSeqIDs(rec Record, n int) []int {
	base := rec.GetInt(FieldSeqID)
	if n <= 1 {
		return []int{base}
	}
	ids := make([]int, n)
	for i := range ids {
		ids[i] = base + i
	}
	rec[FieldSeqIDs] = ids
	return ids
}

// UDHHeader builds the 6-byte concatenated-SMS User Data Header:
// 05 00 03 <ref> <total> <index> (§4.1, §6.1).
func UDHHeader(ref, total, index byte) []byte {
	return []byte{0x05, 0x00, 0x03, ref, total, index}
}

// SplitSegments splits encoded content bytes into ≤134-byte chunks, each to
// be prefixed by UDHHeader with a shared ref and 1-based index. A content
// byte-length of exactly 140 yields a single segment with no UDH (§8
// boundary behavior); anything larger is always split, and every segment,
// including a final one shorter than 134 bytes, carries the UDH.
func SplitSegments(content []byte) (segments [][]byte, ref byte, needsUDH bool) {
	if len(content) <= maxSingleSegmentContent {
		return [][]byte{content}, 0, false
	}
	ref = nextSegmentRef()
	for start := 0; start < len(content); start += maxUDHSegmentContent {
		end := start + maxUDHSegmentContent
		if end > len(content) {
			end = len(content)
		}
		segments = append(segments, content[start:end])
	}
	return segments, ref, true
}
