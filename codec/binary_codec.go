package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"backsync/message"
)

// BinaryCodec packs an envelope as length-prefixed fields:
//
//	id(2+n) req(2+n) event(2+n) data(4+n) error(2+n)
//
// Lengths are big-endian. It is only used on framed TCP connections.
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: short buffer")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Envelope")
	}
	for _, s := range []string{env.ID, env.Req, env.Event, env.Error} {
		if len(s) > 0xFFFF {
			return nil, fmt.Errorf("BinaryCodec: field too long (%d bytes)", len(s))
		}
	}

	total := 2 + len(env.ID) + 2 + len(env.Req) + 2 + len(env.Event) + 4 + len(env.Data) + 2 + len(env.Error)
	buf := make([]byte, 0, total)
	buf = appendString16(buf, env.ID)
	buf = appendString16(buf, env.Req)
	buf = appendString16(buf, env.Event)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(env.Data)))
	buf = append(buf, env.Data...)
	buf = appendString16(buf, env.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Envelope")
	}

	r := reader{buf: data}
	env.ID = r.string16()
	env.Req = r.string16()
	env.Event = r.string16()
	if n := r.uint32(); n > 0 {
		env.Data = append([]byte(nil), r.next(int(n))...)
	} else {
		env.Data = nil
	}
	env.Error = r.string16()
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader walks the buffer and latches the first short-read error.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) string16() string {
	b := r.next(2)
	if b == nil {
		return ""
	}
	return string(r.next(int(binary.BigEndian.Uint16(b))))
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
