package protocol

import "encoding/binary"

// Decoder incrementally decodes frames from a byte stream. Bytes arrive in
// arbitrary chunks via Feed; Next returns a frame once a complete one is
// buffered. Unconsumed bytes are retained between calls, so splitting the
// stream at any point yields the same sequence of frames.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty stream decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes from the stream to the decode buffer
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes waiting to be decoded
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame, or (nil, nil) if more bytes are
// needed. A malformed length field poisons the stream: the error is returned
// and the caller must discard the connection, since resynchronization inside
// a corrupt byte stream is not possible.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.buf) < 4 {
		return nil, nil
	}

	length := binary.BigEndian.Uint32(d.buf[:4])

	// Validate the declared length before waiting for (or allocating) that
	// many bytes
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < frameHeaderSize {
		return nil, ErrInvalidFrameLength
	}

	total := 4 + int(length)
	if len(d.buf) < total {
		return nil, nil
	}

	frame := &Frame{
		Version: d.buf[4],
		Type:    d.buf[5],
		Flags:   d.buf[6],
		Payload: append([]byte(nil), d.buf[7:total]...),
	}

	// Shift out the consumed frame
	d.buf = append(d.buf[:0], d.buf[total:]...)

	return frame, nil
}
