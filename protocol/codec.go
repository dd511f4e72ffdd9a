package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// All structs in this package encode densely with encoding/binary: every field is fixed-size
// and the declared order is the wire order, so binary.Size is the exact payload size.

// PayloadSize returns the wire size of a payload struct. nil payloads have size 0.
func PayloadSize(payload any) uint32 {
	if payload == nil {
		return 0
	}
	return uint32(binary.Size(payload))
}

// NewHeader builds a header for cmd with the given sequence id and payload size.
func NewHeader(cmd Cmd, seqID uint32, payloadSize uint32) Header {
	return Header{
		Magic:        Magic,
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		Cmd:          uint8(cmd),
		Flags:        0,
		SeqID:        seqID,
		PayloadSize:  payloadSize,
	}
}

// Validate checks the header's magic and major version.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return errors.Errorf("bad protocol magic 0x%08X (want 0x%08X)", h.Magic, Magic)
	}
	if h.VersionMajor != VersionMajor {
		return errors.Errorf("protocol major version mismatch: peer %d.%d, local %d.%d",
			h.VersionMajor, h.VersionMinor, VersionMajor, VersionMinor)
	}
	return nil
}

// WriteMessage sends a header plus optional payload as a single write, so a message is never
// split by a failure between header and payload.
func WriteMessage(w io.Writer, cmd Cmd, seqID uint32, payload any) error {
	hdr := NewHeader(cmd, seqID, PayloadSize(payload))
	var buf bytes.Buffer
	buf.Grow(HeaderSize + int(hdr.PayloadSize))
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return errors.Wrapf(err, "encoding %s header", cmd)
	}
	if payload != nil {
		if err := binary.Write(&buf, binary.LittleEndian, payload); err != nil {
			return errors.Wrapf(err, "encoding %s payload", cmd)
		}
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "sending %s message", cmd)
	}
	return nil
}

// ReadHeader reads and validates a message header.
func ReadHeader(r io.Reader) (Header, error) {
	hdr, err := ReadRawHeader(r)
	if err != nil {
		return hdr, err
	}
	if err := hdr.Validate(); err != nil {
		return hdr, err
	}
	return hdr, nil
}

// ReadRawHeader reads a header without validating it, for peers that must answer a version
// mismatch with a structured response instead of dropping the connection silently.
func ReadRawHeader(r io.Reader) (Header, error) {
	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, errors.Wrap(err, "reading message header")
	}
	return hdr, nil
}

// ReadPayload reads the payload following hdr into the given struct pointer. The header's
// payload size must exactly match the declared wire size of the struct.
func ReadPayload(r io.Reader, hdr *Header, payload any) error {
	want := PayloadSize(payload)
	if hdr.PayloadSize != want {
		return errors.Errorf("%s payload size %d does not match declared size %d",
			Cmd(hdr.Cmd), hdr.PayloadSize, want)
	}
	if want == 0 {
		return nil
	}
	if err := binary.Read(r, binary.LittleEndian, payload); err != nil {
		return errors.Wrapf(err, "reading %s payload", Cmd(hdr.Cmd))
	}
	return nil
}

// DiscardPayload consumes and drops hdr.PayloadSize bytes, used for unknown commands so the
// stream stays framed.
func DiscardPayload(r io.Reader, hdr *Header) error {
	if hdr.PayloadSize == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(hdr.PayloadSize))
	return errors.Wrapf(err, "discarding %s payload", Cmd(hdr.Cmd))
}

// EncodeHeader serializes a header to its 16-byte wire form.
func EncodeHeader(hdr *Header) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	_ = binary.Write(&buf, binary.LittleEndian, hdr)
	return buf.Bytes()
}

// DecodeHeader parses a 16-byte wire header without validating it.
func DecodeHeader(raw []byte) (Header, error) {
	var hdr Header
	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr)
	return hdr, errors.Wrap(err, "decoding message header")
}

// PutShmName copies name into the fixed HELLO name field, truncating to MaxShmName-1 so the
// field stays NUL-terminated.
func PutShmName(dst *[MaxShmName]byte, name string) {
	n := copy(dst[:MaxShmName-1], name)
	for i := n; i < MaxShmName; i++ {
		dst[i] = 0
	}
}

// ShmName extracts the NUL-terminated name from a HELLO request.
func ShmName(src *[MaxShmName]byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src[:])
}
