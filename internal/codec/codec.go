// Package codec implements the length-prefixed JSON framing shared by every
// connection: a 2-byte little-endian unsigned length followed by that many
// bytes of UTF-8 JSON. Framing resets across a Service swap (§4.1, §4.3).
package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize is the largest payload encode will produce. The source used a
// signed 16-bit length, which corrupts deserialization above 32767 bytes;
// this implementation treats the length as unsigned per spec and rejects
// anything that would not fit in 16 bits.
const MaxFrameSize = 65535

// LengthPrefixSize is the size of the frame length header.
const LengthPrefixSize = 2

// BufSize bounds how large an unconsumed residual tail may grow before it is
// defensively discarded (a length field larger than this indicates desync).
// Control-plane envelopes are small JSON control messages; bulk data never
// goes through this framing (it streams raw after the initial service
// header), so a generous control-message bound is still far below
// MaxFrameSize.
const BufSize = 4096

// ErrFrameTooLarge is returned by Encode when the marshaled object would not
// fit in a 16-bit unsigned length.
var ErrFrameTooLarge = errors.New("codec: frame exceeds 65535 bytes")

// Encode serializes obj compactly and prefixes it with its 2-byte
// little-endian length.
func Encode(obj any) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, LengthPrefixSize+len(body))
	binary.LittleEndian.PutUint16(out, uint16(len(body)))
	copy(out[LengthPrefixSize:], body)
	return out, nil
}

// Decode parses a single JSON object from exactly one frame's body (no
// length prefix) into v.
func Decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// OnFrame is invoked once per fully-decoded frame body (length-prefix and
// length word already stripped) found in the stream. Returning stop=true
// tells DecodeLoop to hand back everything after this frame as newRemain
// without attempting to parse it as further frames — used when a frame
// hands control to a different Service dialect mid-stream (§4.3).
type OnFrame func(body []byte) (stop bool, err error)

// DecodeLoop concatenates remain with readBuf[:n], then repeatedly peels off
// complete frames and invokes onFrame with each frame's raw JSON body. Any
// incomplete tail is returned as the new remain for the next call. This is
// pure and allocation-light so it can be driven identically whether bytes
// arrive as one read or many arbitrarily-chunked reads (§8 testable
// property: decodeLoop is chunk-boundary independent).
func DecodeLoop(readBuf []byte, n int, remain []byte, onFrame OnFrame) (newRemain []byte, err error) {
	buf := append(append([]byte(nil), remain...), readBuf[:n]...)

	for {
		if len(buf) < LengthPrefixSize {
			break
		}
		frameLen := int(binary.LittleEndian.Uint16(buf[:LengthPrefixSize]))
		total := LengthPrefixSize + frameLen
		if len(buf) < total {
			break
		}
		body := buf[LengthPrefixSize:total]
		stop, cbErr := onFrame(body)
		if cbErr != nil {
			return nil, cbErr
		}
		buf = buf[total:]
		if stop {
			return buf, nil
		}
	}

	if len(buf) > BufSize {
		// Defensive: a dangling tail this large indicates desync (a bogus
		// length field pointing past any frame we will ever receive).
		// Discard it rather than growing remain without bound.
		return nil, nil
	}
	return buf, nil
}
