package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mithrel/cncserver/pkg/api"
)

// maxFrame bounds a single envelope on the wire.
const maxFrame = 16 << 20

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrMissingCommand = errors.New("envelope missing command")
)

// writeFrame writes a varint length prefix followed by b in a single Write.
func writeFrame(w io.Writer, b []byte) error {
	var lenbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenbuf[:], uint64(len(b)))
	buf := make([]byte, 0, n+len(b))
	buf = append(buf, lenbuf[:n]...)
	buf = append(buf, b...)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame. The reader must be reused
// across calls on the same stream.
func readFrame(br *bufio.Reader) ([]byte, error) {
	ln, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if ln > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, ln)
	}
	buf := make([]byte, ln)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// CodecByName returns the codec registered under name ("proto", "cbor" or "json").
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "proto", "protobuf":
		return ProtoCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want proto|cbor|json)", name)
	}
}

// ProtoCodec encodes envelopes as a protobuf Struct so arbitrary payloads
// survive without generated message types.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(env api.Envelope) ([]byte, error) {
	data, err := toValue(env.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", env.Command, err)
	}
	st := &structpb.Struct{Fields: map[string]*structpb.Value{
		"command": structpb.NewStringValue(string(env.Command)),
		"data":    data,
	}}
	if env.Type != "" {
		st.Fields["type"] = structpb.NewStringValue(env.Type)
	}
	if env.Message != "" {
		st.Fields["message"] = structpb.NewStringValue(env.Message)
	}
	return proto.Marshal(st)
}

func (ProtoCodec) Unmarshal(b []byte) (api.Envelope, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return api.Envelope{}, err
	}
	f := st.GetFields()
	env := api.Envelope{
		Command: api.Command(f["command"].GetStringValue()),
		Type:    f["type"].GetStringValue(),
		Message: f["message"].GetStringValue(),
	}
	if env.Command == "" {
		return api.Envelope{}, ErrMissingCommand
	}
	if v, ok := f["data"]; ok {
		env.Data = v.AsInterface()
	}
	return env, nil
}

// toValue converts a payload to a structpb.Value, going through JSON for
// types structpb does not accept directly (typed slices, structs).
func toValue(v any) (*structpb.Value, error) {
	if v == nil {
		return structpb.NewNullValue(), nil
	}
	if pv, err := structpb.NewValue(v); err == nil {
		return pv, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	// Payloads decoded into any must come back as map[string]any, not the
	// CBOR default map[interface{}]interface{}.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec encodes envelopes with deterministic CBOR.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(env api.Envelope) ([]byte, error) {
	return cborEnc.Marshal(env)
}

func (CBORCodec) Unmarshal(b []byte) (api.Envelope, error) {
	var env api.Envelope
	if err := cborDec.Unmarshal(b, &env); err != nil {
		return api.Envelope{}, err
	}
	if env.Command == "" {
		return api.Envelope{}, ErrMissingCommand
	}
	return env, nil
}

// JSONCodec encodes envelopes as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(env api.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Unmarshal(b []byte) (api.Envelope, error) {
	var env api.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return api.Envelope{}, err
	}
	if env.Command == "" {
		return api.Envelope{}, ErrMissingCommand
	}
	return env, nil
}
