package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/livetag/livetag-go/pkg/key"
)

// ErrMalformed is returned for frames that cannot be interpreted.
var ErrMalformed = errors.New("malformed frame")

// Codec frames messages for the stream.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string

	// Binary reports whether frames are binary rather than text.
	Binary() bool

	Encode(msg Outbound) ([]byte, error)
	Decode(data []byte) (Inbound, error)
}

// CodecByName returns the codec for a configuration name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec frames messages as JSON text.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Binary() bool { return false }

// Encode implements Codec.
func (JSONCodec) Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return inboundFromMap(m)
}

var mapStringAnyType = reflect.TypeOf(map[string]any(nil))

// encMode is the CBOR encoder mode for stream messages.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for stream messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnixMicro,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    mapStringAnyType,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// CBORCodec frames messages as CBOR using the JSON field names.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }
func (CBORCodec) Binary() bool { return true }

// Encode implements Codec.
func (CBORCodec) Encode(msg Outbound) ([]byte, error) {
	return encMode.Marshal(msg)
}

// Decode implements Codec.
func (CBORCodec) Decode(data []byte) (Inbound, error) {
	var m map[string]any
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return inboundFromMap(m)
}

func inboundFromMap(m map[string]any) (Inbound, error) {
	var in Inbound
	if m == nil {
		return in, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	in.Channel = stringOf(m["channel"])
	in.Message = stringOf(m["message"])

	if raw, ok := m["time"]; ok && raw != nil {
		ts, err := ParseTimestamp(raw)
		if err != nil {
			return Inbound{}, err
		}
		in.Time = &ts
	}

	if raw, ok := m["data"]; ok && raw != nil {
		obj, ok := toStringMap(raw)
		if !ok {
			// Non-object payloads (acks, lists) carry no delta.
			return in, nil
		}
		if in.Channel == key.ChannelReference {
			ref := &Reference{}
			if err := ref.fromMap(obj); err != nil {
				return Inbound{}, err
			}
			in.Reference = ref
			return in, nil
		}
		d := &Delta{}
		if err := d.fromMap(obj); err != nil {
			return Inbound{}, err
		}
		if d.Time.IsZero() && in.Time != nil {
			d.Time = *in.Time
		}
		in.Data = d
	}
	return in, nil
}
