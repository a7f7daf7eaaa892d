package proto

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"lockstep-net/server/internal/control"
)

const (
	// Version tracks the wire-protocol revision expected by peers.
	Version = 1
)

// Kind identifies an inbound or outbound lockstep message.
type Kind uint8

const (
	KindControl Kind = iota + 1
	KindControlRequest
	KindControlPacket
	KindExecSyncCtrl
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindControlRequest:
		return "controlRequest"
	case KindControlPacket:
		return "controlPacket"
	case KindExecSyncCtrl:
		return "execSyncCtrl"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Delivery tags how a single outbound command travels.
type Delivery uint8

const (
	// DeliveryQueue commands ride in the tick-aligned control batch.
	DeliveryQueue Delivery = iota
	// DeliverySync commands execute at an agreed tick outside tick packing.
	DeliverySync
	// DeliveryDirect commands execute on receipt on every node.
	DeliveryDirect
	// DeliveryPrivate commands execute on receipt; no determinism requirement.
	DeliveryPrivate
)

func (d Delivery) String() string {
	switch d {
	case DeliveryQueue:
		return "queue"
	case DeliverySync:
		return "sync"
	case DeliveryDirect:
		return "direct"
	case DeliveryPrivate:
		return "private"
	default:
		return fmt.Sprintf("delivery(%d)", uint8(d))
	}
}

// Message is implemented by every lockstep wire message.
type Message interface {
	Kind() Kind
}

// Control carries one (owner, tick) control packet.
type Control struct {
	Owner   control.ClientID
	Tick    control.Tick
	Control control.Control
}

// ControlRequest asks peers to resend control starting at FromTick.
type ControlRequest struct {
	FromTick control.Tick
}

// ControlPacket carries a single command with a non-queue delivery type.
type ControlPacket struct {
	Delivery Delivery
	Command  control.Command
}

// ExecSyncCtrl directs peers to execute buffered sync control at UpToTick.
type ExecSyncCtrl struct {
	UpToTick control.Tick
}

func (Control) Kind() Kind        { return KindControl }
func (ControlRequest) Kind() Kind { return KindControlRequest }
func (ControlPacket) Kind() Kind  { return KindControlPacket }
func (ExecSyncCtrl) Kind() Kind   { return KindExecSyncCtrl }

// FromPacket wraps a stored packet for transmission.
func FromPacket(pkt *control.Packet) Control {
	return Control{Owner: pkt.Owner, Tick: pkt.Tick, Control: pkt.Control.Clone()}
}

// Packet converts the message into a store packet stamped with receivedAt.
func (m Control) Packet(receivedAt time.Time) *control.Packet {
	return &control.Packet{
		Owner:      m.Owner,
		Tick:       m.Tick,
		Control:    m.Control.Clone(),
		ReceivedAt: receivedAt,
	}
}

// Field numbers of the message envelope.
const (
	fieldKind     protowire.Number = 1
	fieldOwner    protowire.Number = 2
	fieldTick     protowire.Number = 3
	fieldControl  protowire.Number = 4
	fieldDelivery protowire.Number = 5
	fieldCommand  protowire.Number = 6
)

func marshalBody(msg Message) ([]byte, error) {
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind()))
	switch m := msg.(type) {
	case Control:
		b = appendSigned(b, fieldOwner, int64(m.Owner))
		b = appendSigned(b, fieldTick, int64(m.Tick))
		b = protowire.AppendTag(b, fieldControl, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Control.AppendBinary(nil))
	case ControlRequest:
		b = appendSigned(b, fieldTick, int64(m.FromTick))
	case ControlPacket:
		b = protowire.AppendTag(b, fieldDelivery, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Delivery))
		b = protowire.AppendTag(b, fieldCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, control.AppendCommand(nil, m.Command))
	case ExecSyncCtrl:
		b = appendSigned(b, fieldTick, int64(m.UpToTick))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	return b, nil
}

func appendSigned(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

type envelope struct {
	kind     Kind
	owner    int64
	tick     int64
	control  []byte
	delivery uint64
	command  []byte
}

func unmarshalBody(b []byte) (Message, error) {
	var env envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrMalformed, num)
			}
			b = b[n:]
			switch num {
			case fieldKind:
				env.kind = Kind(v)
			case fieldOwner:
				env.owner = protowire.DecodeZigZag(v)
			case fieldTick:
				env.tick = protowire.DecodeZigZag(v)
			case fieldDelivery:
				env.delivery = v
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrMalformed, num)
			}
			b = b[n:]
			switch num {
			case fieldControl:
				env.control = v
			case fieldCommand:
				env.command = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrMalformed, num)
			}
			b = b[n:]
		}
	}

	if !fitsInt32(env.owner) || !fitsInt32(env.tick) {
		return nil, fmt.Errorf("%w: owner %d tick %d out of range", ErrMalformed, env.owner, env.tick)
	}

	switch env.kind {
	case KindControl:
		msg := Control{Owner: control.ClientID(env.owner), Tick: control.Tick(env.tick)}
		if err := msg.Control.UnmarshalBinary(env.control); err != nil {
			return nil, fmt.Errorf("decode control: %w", err)
		}
		return msg, nil
	case KindControlRequest:
		return ControlRequest{FromTick: control.Tick(env.tick)}, nil
	case KindControlPacket:
		cmd, err := control.DecodeCommand(env.command)
		if err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
		if env.delivery > uint64(DeliveryPrivate) {
			return nil, fmt.Errorf("%w: delivery %d", ErrMalformed, env.delivery)
		}
		return ControlPacket{Delivery: Delivery(env.delivery), Command: cmd}, nil
	case KindExecSyncCtrl:
		return ExecSyncCtrl{UpToTick: control.Tick(env.tick)}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.kind)
	}
}

func fitsInt32(v int64) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}
