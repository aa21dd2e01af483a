package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeFrame fuzzes the frame decoder with random bytes
func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x03, 0x01, 0x10, 0x00})                   // minimal valid frame
	f.Add([]byte{0x00, 0x00, 0x00, 0x05, 0x01, 0x01, 0x00, 0x48, 0x69})       // frame with payload
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00})                   // absurd length

	var validBuf bytes.Buffer
	msg := &SetNicknameMessage{Nickname: "test"}
	msg.EncodeTo(&validBuf)
	var frameBuf bytes.Buffer
	EncodeFrame(&frameBuf, &Frame{
		Version: ProtocolVersion,
		Type:    TypeSetNickname,
		Payload: validBuf.Bytes(),
	})
	f.Add(frameBuf.Bytes())

	f.Fuzz(func(t *testing.T, data []byte) {
		// Invalid data may error, but must never panic or hang
		frame, err := DecodeFrame(bytes.NewReader(data))
		_ = frame
		_ = err
	})
}

// FuzzDecoder fuzzes the streaming decoder, including chunked feeding
func FuzzDecoder(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x03, 0x01, 0x10, 0x00}, 1)
	f.Add([]byte{0x00, 0x00, 0x00, 0x08, 0x01, 0x01, 0x00}, 3)

	f.Fuzz(func(t *testing.T, data []byte, chunkSize int) {
		if chunkSize < 1 {
			chunkSize = 1
		}

		d := NewDecoder()
		for pos := 0; pos < len(data); pos += chunkSize {
			end := pos + chunkSize
			if end > len(data) {
				end = len(data)
			}
			d.Feed(data[pos:end])

			for {
				frame, err := d.Next()
				if err != nil {
					// Corrupt framing ends the stream
					return
				}
				if frame == nil {
					break
				}
			}
		}
	})
}

// FuzzMessageDecode fuzzes payload decoding for every inbound variant
func FuzzMessageDecode(f *testing.F) {
	seed, _ := (&SendMessageMessage{Content: "hello"}).Encode()
	f.Add(seed)
	seed, _ = (&SetNicknameMessage{Nickname: "alice"}).Encode()
	f.Add(seed)

	f.Fuzz(func(t *testing.T, payload []byte) {
		_ = (&SendMessageMessage{}).Decode(payload)
		_ = (&SetNicknameMessage{}).Decode(payload)
		_ = (&SetTopicMessage{}).Decode(payload)
		_ = (&WhoIsMessage{}).Decode(payload)
		_ = (&PingMessage{}).Decode(payload)
		_ = (&WelcomeMessage{}).Decode(payload)
		_ = (&MessageBroadcastMessage{}).Decode(payload)
		_ = (&ErrorMessage{}).Decode(payload)
	})
}
