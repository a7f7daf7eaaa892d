package proto

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrMalformed          = errors.New("proto: malformed message")
	ErrUnknownKind        = errors.New("proto: unknown message kind")
	ErrUnsupportedVersion = errors.New("proto: unsupported protocol version")
)

// CompressThreshold is the body size above which frames are lz4 compressed.
// Merged control for busy ticks and request replays cross it; single
// commands and requests never do.
const CompressThreshold = 512

// MaxFrameBody bounds a decoded body. Larger raw bodies and lz4 bodies that
// inflate past it are rejected as malformed.
const MaxFrameBody = 1 << 20

// MaxFrameSize bounds a frame on the wire.
const MaxFrameSize = headerSize + MaxFrameBody

const (
	flagRaw byte = 0
	flagLZ4 byte = 1

	headerSize = 2
)

// Encode renders msg as a binary frame: version byte, flags byte, body.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnknownKind)
	}
	body, err := marshalBody(msg)
	if err != nil {
		return nil, err
	}
	if len(body) < CompressThreshold {
		frame := make([]byte, 0, headerSize+len(body))
		frame = append(frame, Version, flagRaw)
		return append(frame, body...), nil
	}

	var buf bytes.Buffer
	buf.Write([]byte{Version, flagLZ4})
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (Message, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", ErrMalformed, len(frame))
	}
	if frame[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, frame[0])
	}
	body := frame[headerSize:]
	if len(body) > MaxFrameBody {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrMalformed, len(body))
	}
	switch frame[1] {
	case flagRaw:
	case flagLZ4:
		zr := lz4.NewReader(bytes.NewReader(body))
		inflated, err := io.ReadAll(io.LimitReader(zr, MaxFrameBody+1))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
		}
		if len(inflated) > MaxFrameBody {
			return nil, fmt.Errorf("%w: body inflates past %d bytes", ErrMalformed, MaxFrameBody)
		}
		body = inflated
	default:
		return nil, fmt.Errorf("%w: flags %#x", ErrMalformed, frame[1])
	}
	return unmarshalBody(body)
}
