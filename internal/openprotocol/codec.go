package openprotocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Wire Format Constants: Open Protocol message header
// -------------------------------------------------------------------------

// An Open Protocol message on the wire:
//
//	Bytes 0-3:   LLLL  message length, 4-digit decimal, counts the length
//	             field itself and the body but not the trailing NUL
//	Bytes 4-7:   MMMM  message ID, 4-digit decimal
//	Bytes 8-10:  RRR   revision, 3-digit decimal (space padding permitted;
//	             all-space or empty means revision 1)
//	Byte  11:    A     no-ack flag, '0' = ack required, '1' = no ack
//	Bytes 12-13: SS    station id, 2-digit decimal
//	Bytes 14-15: PP    spindle id, 2-digit decimal
//	Bytes 16-19: FFFF  reserved, 4 spaces
//	Bytes 20-:   DATA  ASCII payload
//	Last byte:   NUL   0x00 terminator
const (
	// HeaderSize is the fixed message header size in bytes, including the
	// length field and up to the start of the data field.
	HeaderSize = 20

	// lengthFieldSize is the size of the LLLL length field.
	lengthFieldSize = 4

	// MaxMID is the largest valid message ID (4 decimal digits).
	MaxMID = 9999

	// maxFrameLen is the largest representable LLLL value. A frame whose
	// length field exceeds this is unrepresentable on the wire.
	maxFrameLen = 9999
)

// Header field offsets.
const (
	offMID     = 4
	offRev     = 8
	offNoAck   = 11
	offStation = 12
	offSpindle = 14
	offSpare   = 16
	offData    = 20
)

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for frame decoding failures.
var (
	// ErrMalformedLength indicates the LLLL length field is not a 4-digit
	// decimal number. The stream decoder resets its buffer on this error
	// because the frame boundary has been lost.
	ErrMalformedLength = errors.New("malformed length field")

	// ErrTruncated indicates the buffer holds fewer bytes than the length
	// field announces. Non-fatal: feed more bytes and retry.
	ErrTruncated = errors.New("truncated frame")

	// ErrBadMID indicates the MID field is not numeric.
	ErrBadMID = errors.New("non-numeric MID field")

	// ErrBadRevision indicates the revision field is neither numeric nor
	// blank (blank is interpreted as revision 1).
	ErrBadRevision = errors.New("non-numeric revision field")

	// ErrNotASCII indicates the frame contains bytes outside 7-bit ASCII.
	ErrNotASCII = errors.New("frame contains non-ASCII bytes")

	// ErrMissingTerminator indicates the byte after the announced length
	// is not the NUL terminator.
	ErrMissingTerminator = errors.New("missing NUL terminator")

	// ErrFrameTooLong indicates the encoded frame would exceed the 4-digit
	// length field.
	ErrFrameTooLong = errors.New("frame exceeds maximum length")
)

// -------------------------------------------------------------------------
// Frame
// -------------------------------------------------------------------------

// Frame is one decoded Open Protocol message.
//
// All fields are plain values; the fixed-width ASCII representation is the
// codec's concern. Data holds the raw payload without the header or the
// trailing NUL.
type Frame struct {
	// MID is the numeric message ID (1-9999).
	MID int

	// Rev is the message revision. Decoded blank revisions become 1.
	Rev int

	// NoAck is true when the sender requires no acknowledge ('1' on wire).
	NoAck bool

	// Station is the 2-digit station id.
	Station int

	// Spindle is the 2-digit spindle id.
	Spindle int

	// Data is the ASCII payload.
	Data string
}

// String returns a compact log representation of the frame.
func (f Frame) String() string {
	return fmt.Sprintf("MID %04d rev %d len %d", f.MID, f.Rev, HeaderSize+len(f.Data)+1)
}

// -------------------------------------------------------------------------
// EncodeFrame
// -------------------------------------------------------------------------

// EncodeFrame serializes a frame into its wire representation, including
// the length field and the trailing NUL.
//
// All numeric header fields are zero-padded ASCII decimal. The length field
// counts itself and the body but not the NUL, so for a payload of n bytes
// LLLL = 20 + n.
func EncodeFrame(f Frame) ([]byte, error) {
	bodyLen := HeaderSize + len(f.Data)
	if bodyLen > maxFrameLen {
		return nil, fmt.Errorf("encode frame MID %04d: length %d: %w", f.MID, bodyLen, ErrFrameTooLong)
	}
	if f.MID < 0 || f.MID > MaxMID {
		return nil, fmt.Errorf("encode frame: MID %d out of range: %w", f.MID, ErrBadMID)
	}

	ack := byte('0')
	if f.NoAck {
		ack = '1'
	}

	var b strings.Builder
	b.Grow(bodyLen + 1)
	fmt.Fprintf(&b, "%04d%04d%03d%c%02d%02d    %s", bodyLen, f.MID, f.Rev, ack, f.Station, f.Spindle, f.Data)
	b.WriteByte(0)

	out := []byte(b.String())
	for _, c := range out {
		if c >= 0x80 {
			return nil, fmt.Errorf("encode frame MID %04d: %w", f.MID, ErrNotASCII)
		}
	}
	return out, nil
}

// -------------------------------------------------------------------------
// DecodeFrame
// -------------------------------------------------------------------------

// DecodeFrame decodes a single frame from the front of buf.
//
// Returns the decoded frame and the number of bytes consumed (frame length
// plus NUL terminator). On ErrTruncated zero bytes are consumed and the
// caller should retry with more data. On ErrMalformedLength the frame
// boundary is lost and the caller must reset its buffer.
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < lengthFieldSize {
		return Frame{}, 0, fmt.Errorf("decode frame: have %d bytes: %w", len(buf), ErrTruncated)
	}

	frameLen, err := parseWireInt(buf[:lengthFieldSize])
	if err != nil {
		return Frame{}, 0, fmt.Errorf("decode frame: length field %q: %w", buf[:lengthFieldSize], ErrMalformedLength)
	}
	if frameLen < HeaderSize {
		return Frame{}, 0, fmt.Errorf("decode frame: length %d below header minimum %d: %w",
			frameLen, HeaderSize, ErrMalformedLength)
	}

	// Need the announced length plus the NUL terminator.
	if len(buf) < frameLen+1 {
		return Frame{}, 0, fmt.Errorf("decode frame: need %d bytes, have %d: %w",
			frameLen+1, len(buf), ErrTruncated)
	}

	raw := buf[:frameLen+1]
	consumed := frameLen + 1

	if raw[frameLen] != 0 {
		return Frame{}, consumed, fmt.Errorf("decode frame: trailing byte 0x%02x: %w",
			raw[frameLen], ErrMissingTerminator)
	}
	for _, c := range raw[:frameLen] {
		if c >= 0x80 {
			return Frame{}, consumed, fmt.Errorf("decode frame: %w", ErrNotASCII)
		}
	}

	f := Frame{Data: string(raw[offData:frameLen])}

	f.MID, err = parseWireInt(raw[offMID:offRev])
	if err != nil {
		return Frame{}, consumed, fmt.Errorf("decode frame: MID field %q: %w", raw[offMID:offRev], ErrBadMID)
	}

	f.Rev, err = parseRevision(raw[offRev:offNoAck])
	if err != nil {
		return Frame{}, consumed, fmt.Errorf("decode frame MID %04d: %w", f.MID, err)
	}

	f.NoAck = raw[offNoAck] == '1'

	// Station and spindle are informational; blank fields decode to zero.
	f.Station = parseWireIntLenient(raw[offStation:offSpindle])
	f.Spindle = parseWireIntLenient(raw[offSpindle:offSpare])

	return f, consumed, nil
}

// parseWireInt parses a fixed-width zero-padded ASCII decimal field.
func parseWireInt(b []byte) (int, error) {
	n, err := strconv.Atoi(string(b))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("field %q is not a non-negative decimal", b)
	}
	return n, nil
}

// parseWireIntLenient parses a numeric field, treating blank or malformed
// content as zero.
func parseWireIntLenient(b []byte) int {
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseRevision parses the 3-char revision field. Space padding is allowed
// and an all-blank field means revision 1.
func parseRevision(b []byte) (int, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("revision field %q: %w", b, ErrBadRevision)
	}
	if n == 0 {
		return 1, nil
	}
	return n, nil
}

// -------------------------------------------------------------------------
// Decoder: restartable stream decoder
// -------------------------------------------------------------------------

// Decoder accumulates a TCP byte stream and yields complete frames.
//
// The decoder is restartable: partial frames are retained across Feed calls
// and no unparsed bytes are dropped, with one exception -- a malformed
// length field forces a buffer reset because the frame boundary is lost.
// That reset is the protocol's single at-most-once recovery point.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes from the stream to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Pending reports the number of buffered, not-yet-decoded bytes.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Next extracts the next complete frame from the buffer.
//
// Returns (frame, true, nil) when a frame was decoded, (zero, false, nil)
// when more bytes are needed, and (zero, false, err) when a complete frame
// was consumed but failed to decode. After an ErrMalformedLength error the
// buffer has been reset; after any other error the bad frame has been
// skipped and decoding can continue with the next frame.
func (d *Decoder) Next() (Frame, bool, error) {
	if len(d.buf) == 0 {
		return Frame{}, false, nil
	}

	f, consumed, err := DecodeFrame(d.buf)
	switch {
	case err == nil:
		d.buf = d.buf[consumed:]
		return f, true, nil

	case errors.Is(err, ErrTruncated):
		return Frame{}, false, nil

	case errors.Is(err, ErrMalformedLength):
		d.buf = nil
		return Frame{}, false, err

	default:
		// Frame boundary intact: drop only the bad frame.
		d.buf = d.buf[consumed:]
		return Frame{}, false, err
	}
}
