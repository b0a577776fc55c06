// Package ipc is the root protection domain's out-of-band platform control
// channel: a small length-prefixed request/response protocol over a Unix
// domain socket. The kernel simulation has no firmware to deliver sleep
// transitions or platform queries through, so an operator-side client
// connects here instead and the harness translates its requests into
// ctrl_hw hypercalls on the root EC's behalf.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types.
const (
	// MsgResponse is a successful reply to any request.
	MsgResponse uint16 = 0x0000
	// MsgError is an error reply carrying an encoded IPCError.
	MsgError uint16 = 0x0001

	// MsgSleep requests a platform sleep transition (ctrl_hw).
	MsgSleep uint16 = 0x0100
	// MsgStatus queries the running kernel's CPU and uptime counters.
	MsgStatus uint16 = 0x0101
)

// Error codes carried by MsgError replies.
const (
	ErrCodeOK uint8 = iota
	ErrCodeUnknown
	ErrCodeIO
	ErrCodeInvalidArgument
	ErrCodeDenied
)

// Header prefixes every message on the wire.
type Header struct {
	Type   uint16
	Length uint32
}

const headerSize = 6

// WriteHeader writes h to w in little-endian wire order.
func WriteHeader(w io.Writer, h Header) error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint16(buf[0:], h.Type)
	binary.LittleEndian.PutUint32(buf[2:], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads one header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:   binary.LittleEndian.Uint16(buf[0:]),
		Length: binary.LittleEndian.Uint32(buf[2:]),
	}, nil
}

// IPCError is a structured error crossing the control channel.
type IPCError struct {
	Code    uint8
	Message string
	Op      string
	Path    string
}

func (e *IPCError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Encoder builds a message payload.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Uint8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) Uint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Int32(v int32) { e.Uint32(uint32(v)) }

func (e *Encoder) Int64(v int64) { e.Uint64(uint64(v)) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBytes appends b with a length prefix.
func (e *Encoder) WriteBytes(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Decoder walks a message payload.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder wraps payload for decoding.
func NewDecoder(payload []byte) *Decoder { return &Decoder{buf: payload} }

// Err returns the first decode error encountered, if any.
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Int32() int32 { return int32(d.Uint32()) }

func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

func (d *Decoder) Bool() bool { return d.Uint8() != 0 }

func (d *Decoder) String() string {
	n := int(d.Uint32())
	b := d.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// Bytes reads a length-prefixed byte slice.
func (d *Decoder) Bytes() []byte {
	n := int(d.Uint32())
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// EncodeError encodes an error reply payload.
func EncodeError(enc *Encoder, code uint8, message, op, path string) {
	enc.Uint8(code)
	enc.String(message)
	enc.String(op)
	enc.String(path)
}

// DecodeError decodes an error reply payload.
func DecodeError(dec *Decoder) *IPCError {
	return &IPCError{
		Code:    dec.Uint8(),
		Message: dec.String(),
		Op:      dec.String(),
		Path:    dec.String(),
	}
}
