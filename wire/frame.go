package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameType identifies a frame on the socket
type FrameType uint8

const (
	FrameHello            FrameType = iota + 1 // Data=device ID, Flag=preferred MTU
	FrameWrite                                 // Central -> peripheral write without response
	FrameNotify                                // Peripheral -> central value update
	FrameSubscribe                             // Flag=1 subscribe, 0 unsubscribe
	FrameNotifyState                           // Reply to FrameSubscribe; Data=error text
	FrameDiscoverServices                      // IDs=service filter
	FrameServices                              // IDs=services found
	FrameDiscoverChannels                      // Service + IDs=channel filter
	FrameChannels                              // Service + IDs=channels found; Data=error text
	FrameServicesChanged                       // IDs=invalidated services
)

var frameNames = map[FrameType]string{
	FrameHello:            "hello",
	FrameWrite:            "write",
	FrameNotify:           "notify",
	FrameSubscribe:        "subscribe",
	FrameNotifyState:      "notify_state",
	FrameDiscoverServices: "discover_services",
	FrameServices:         "services",
	FrameDiscoverChannels: "discover_channels",
	FrameChannels:         "channels",
	FrameServicesChanged:  "services_changed",
}

func (t FrameType) String() string {
	if name, ok := frameNames[t]; ok {
		return name
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

// Frame is one message on the socket. It is encoded as protobuf wire format
// (without a schema) behind a 4-byte big-endian length prefix:
//
//	1: type (varint)  2: service  3: channel  4: data  5: flag (varint)  6: ids (repeated)
type Frame struct {
	Type    FrameType
	Service string
	Channel string
	Data    []byte
	Flag    uint64
	IDs     []string
}

const (
	fieldType    protowire.Number = 1
	fieldService protowire.Number = 2
	fieldChannel protowire.Number = 3
	fieldData    protowire.Number = 4
	fieldFlag    protowire.Number = 5
	fieldIDs     protowire.Number = 6
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	errMissingType   = errors.New("frame has no type")
)

// Marshal encodes the frame body
func (f *Frame) Marshal() []byte {
	b := make([]byte, 0, 16+len(f.Service)+len(f.Channel)+len(f.Data))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if f.Service != "" {
		b = protowire.AppendTag(b, fieldService, protowire.BytesType)
		b = protowire.AppendString(b, f.Service)
	}
	if f.Channel != "" {
		b = protowire.AppendTag(b, fieldChannel, protowire.BytesType)
		b = protowire.AppendString(b, f.Channel)
	}
	if f.Data != nil {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	if f.Flag != 0 {
		b = protowire.AppendTag(b, fieldFlag, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Flag)
	}
	for _, id := range f.IDs {
		b = protowire.AppendTag(b, fieldIDs, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b
}

// UnmarshalFrame decodes a frame body; unknown fields are skipped
func UnmarshalFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("bad frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.Type = FrameType(v)
		case num == fieldFlag && typ == protowire.VarintType:
			f.Flag, n = protowire.ConsumeVarint(b)
		case num == fieldService && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			f.Service = string(v)
		case num == fieldChannel && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			f.Channel = string(v)
		case num == fieldData && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			f.Data = append([]byte{}, v...)
		case num == fieldIDs && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			f.IDs = append(f.IDs, string(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("bad frame field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if f.Type == 0 {
		return nil, errMissingType
	}
	return f, nil
}

// encodeFrame returns the length-prefixed frame ready for the socket
func encodeFrame(f *Frame) []byte {
	body := f.Marshal()
	buf := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	return append(buf, body...)
}

// readFrame reads one length-prefixed frame
func readFrame(r io.Reader) (*Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return UnmarshalFrame(body)
}
