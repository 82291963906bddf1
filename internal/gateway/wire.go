package gateway

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Gateway messages are encoded in the protobuf wire format described by
// proto/dispatcher/v1/worker_gateway.proto. Zero values are not written,
// matching proto3 field presence.

// wireMessage is implemented by every gateway request and response.
type wireMessage interface {
	appendWire(e *encoder)
	readWire(d *decoder, f field)
}

func marshalWire(m wireMessage) ([]byte, error) {
	var e encoder
	m.appendWire(&e)
	return e.b, e.err
}

func unmarshalWire(b []byte, m wireMessage) error {
	var d decoder
	for len(b) > 0 && d.err == nil {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		size := protowire.ConsumeFieldValue(num, typ, b[n:])
		if size < 0 {
			return protowire.ParseError(size)
		}
		m.readWire(&d, field{num: num, typ: typ, raw: b[n : n+size]})
		b = b[n+size:]
	}
	return d.err
}

// wireCodec is installed on both ends of the gateway connection instead of
// the registry codec, so the etcd client keeps the default one.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("gateway: cannot marshal %T", v)
	}
	return marshalWire(m)
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("gateway: cannot unmarshal into %T", v)
	}
	return unmarshalWire(data, m)
}

func (wireCodec) Name() string {
	return "proto"
}

type encoder struct {
	b   []byte
	err error
}

func (e *encoder) tag(num protowire.Number, typ protowire.Type) {
	e.b = protowire.AppendTag(e.b, num, typ)
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.tag(num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

func (e *encoder) strings(num protowire.Number, vs []string) {
	for _, v := range vs {
		e.tag(num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, v)
	}
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.tag(num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(v))
}

func (e *encoder) int64(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.tag(num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, uint64(v))
}

func (e *encoder) double(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	e.tag(num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, math.Float64bits(v))
}

func (e *encoder) time(num protowire.Number, t time.Time) {
	if t.IsZero() {
		return
	}
	e.embed(num, timestamppb.New(t))
}

func (e *encoder) duration(num protowire.Number, d time.Duration) {
	if d == 0 {
		return
	}
	e.embed(num, durationpb.New(d))
}

func (e *encoder) embed(num protowire.Number, m proto.Message) {
	b, err := proto.Marshal(m)
	if err != nil {
		e.fail(err)
		return
	}
	e.tag(num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, b)
}

func (e *encoder) message(num protowire.Number, m wireMessage) {
	b, err := marshalWire(m)
	if err != nil {
		e.fail(err)
		return
	}
	e.tag(num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, b)
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// field is a single field read off the wire, value still encoded.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

type decoder struct {
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) expect(f field, typ protowire.Type) bool {
	if f.typ != typ {
		d.fail(fmt.Errorf("gateway: field %d has wire type %d, want %d", f.num, f.typ, typ))
		return false
	}
	return true
}

func (d *decoder) bytes(f field) []byte {
	if !d.expect(f, protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(f.raw)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return nil
	}
	return v
}

func (d *decoder) string(f field) string {
	return string(d.bytes(f))
}

func (d *decoder) varint(f field) uint64 {
	if !d.expect(f, protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return 0
	}
	return v
}

func (d *decoder) bool(f field) bool {
	return protowire.DecodeBool(d.varint(f))
}

func (d *decoder) int64(f field) int64 {
	return int64(d.varint(f))
}

func (d *decoder) double(f field) float64 {
	if !d.expect(f, protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(f.raw)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return 0
	}
	return math.Float64frombits(v)
}

func (d *decoder) time(f field) time.Time {
	ts := new(timestamppb.Timestamp)
	if !d.embed(f, ts) {
		return time.Time{}
	}
	return ts.AsTime()
}

func (d *decoder) duration(f field) time.Duration {
	pb := new(durationpb.Duration)
	if !d.embed(f, pb) {
		return 0
	}
	return pb.AsDuration()
}

func (d *decoder) embed(f field, m proto.Message) bool {
	b := d.bytes(f)
	if d.err != nil {
		return false
	}
	if err := proto.Unmarshal(b, m); err != nil {
		d.fail(err)
		return false
	}
	return true
}

func (d *decoder) message(f field, m wireMessage) {
	b := d.bytes(f)
	if d.err != nil {
		return
	}
	if err := unmarshalWire(b, m); err != nil {
		d.fail(err)
	}
}
