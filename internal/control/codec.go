package control

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed reports an undecodable control encoding.
var ErrMalformed = errors.New("control: malformed encoding")

// Field numbers of the control wire format.
const (
	fieldControlCommand protowire.Number = 1

	fieldCommandType     protowire.Number = 1
	fieldCommandByClient protowire.Number = 2
	fieldCommandPayload  protowire.Number = 3
)

// DigestSize is the length of Control.Digest in bytes.
const DigestSize = 64

// AppendCommand appends the protobuf wire encoding of cmd to b.
func AppendCommand(b []byte, cmd Command) []byte {
	b = protowire.AppendTag(b, fieldCommandType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.Type))
	b = protowire.AppendTag(b, fieldCommandByClient, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(cmd.ByClient)))
	if len(cmd.Payload) > 0 {
		b = protowire.AppendTag(b, fieldCommandPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, cmd.Payload)
	}
	return b
}

// DecodeCommand parses a command encoded by AppendCommand.
func DecodeCommand(b []byte) (Command, error) {
	var cmd Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Command{}, fmt.Errorf("%w: command tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldCommandType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: command type", ErrMalformed)
			}
			cmd.Type = CommandType(v)
			b = b[n:]
		case num == fieldCommandByClient && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: command client", ErrMalformed)
			}
			cmd.ByClient = ClientID(protowire.DecodeZigZag(v))
			b = b[n:]
		case num == fieldCommandPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: command payload", ErrMalformed)
			}
			cmd.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: unknown field %d", ErrMalformed, num)
			}
			b = b[n:]
		}
	}
	return cmd, nil
}

// MarshalBinary encodes the control deterministically: identical command
// sequences always yield identical bytes.
func (c Control) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(nil), nil
}

// AppendBinary appends the encoding of c to b.
func (c Control) AppendBinary(b []byte) []byte {
	var scratch []byte
	for _, cmd := range c.commands {
		scratch = AppendCommand(scratch[:0], cmd)
		b = protowire.AppendTag(b, fieldControlCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	return b
}

// UnmarshalBinary replaces c with the decoded control.
func (c *Control) UnmarshalBinary(b []byte) error {
	decoded := Control{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: control tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldControlCommand || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: unknown field %d", ErrMalformed, num)
			}
			b = b[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: command bytes", ErrMalformed)
		}
		b = b[n:]
		cmd, err := DecodeCommand(raw)
		if err != nil {
			return err
		}
		decoded.commands = append(decoded.commands, cmd)
	}
	*c = decoded
	return nil
}

// Digest hashes the encoding with SHAKE256 (64 byte output).
func (c Control) Digest() []byte {
	h := make([]byte, DigestSize)
	sha3.ShakeSum256(h, c.AppendBinary(nil))
	return h
}
