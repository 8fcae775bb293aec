// Package wire encodes gossip messages as tagged protobuf-wire records so
// older and newer nodes can skip fields they do not understand.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/andybalholm/brotli"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolVersion is written into every message.
const ProtocolVersion = 1

// Kind identifies the payload carried by a Message.
type Kind uint8

const (
	KindHeartbeat Kind = iota + 1
	KindProbe
	KindSparse
	KindDense
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindProbe:
		return "probe"
	case KindSparse:
		return "sparse"
	case KindDense:
		return "dense"
	default:
		return "unknown"
	}
}

// Heartbeat advertises liveness and the sender's model identity.
type Heartbeat struct {
	ModelHash string
	Version   uint64
}

// Probe carries what peers need to score the sender: its embedding summary
// and optional position.
type Probe struct {
	Embedding []float32
	Position  *common.GeoPoint
}

// Message is one decoded gossip message. Exactly one payload matching Kind
// is set. Sender identity is not part of the encoding; it comes from the
// sealing layer.
type Message struct {
	Kind      Kind
	Heartbeat *Heartbeat
	Probe     *Probe
	Sparse    *common.SparseUpdate
	Dense     *common.TensorSnapshot
}

// Top-level field numbers.
const (
	fieldProtocol  protowire.Number = 1
	fieldKind      protowire.Number = 2
	fieldHeartbeat protowire.Number = 3
	fieldProbe     protowire.Number = 4
	fieldSparse    protowire.Number = 5
	fieldDense     protowire.Number = 6
)

// Dense payload encodings.
const (
	denseRaw    = 0
	denseBrotli = 1
)

// Config holds codec limits.
type Config struct {
	// CompressThreshold is the raw dense size (bytes) above which brotli is
	// used. Zero disables compression.
	CompressThreshold int `json:"compress_threshold" mapstructure:"compress_threshold"`
	CompressLevel     int `json:"compress_level" mapstructure:"compress_level"`
	// MaxDim bounds decoded vector lengths.
	MaxDim int `json:"max_dim" mapstructure:"max_dim"`
}

// DefaultConfig returns codec defaults.
func DefaultConfig() Config {
	return Config{
		CompressThreshold: 4 * 1024,
		CompressLevel:     brotli.DefaultCompression,
		MaxDim:            1 << 20,
	}
}

func (c Config) Validate() error {
	if c.CompressThreshold < 0 || c.MaxDim < 0 {
		return fmt.Errorf("wire compress_threshold and max_dim must not be negative")
	}
	if c.CompressLevel < brotli.BestSpeed || c.CompressLevel > brotli.BestCompression {
		return fmt.Errorf("wire compress_level %d outside [%d,%d]", c.CompressLevel, brotli.BestSpeed, brotli.BestCompression)
	}
	return nil
}

// Codec encodes and decodes Messages. It is stateless and safe for
// concurrent use.
type Codec struct {
	config Config
}

// NewCodec creates a codec.
func NewCodec(config Config) *Codec {
	if config.MaxDim <= 0 {
		config.MaxDim = DefaultConfig().MaxDim
	}
	return &Codec{config: config}
}

// Encode serialises msg.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	b := protowire.AppendTag(nil, fieldProtocol, protowire.VarintType)
	b = protowire.AppendVarint(b, ProtocolVersion)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind))

	switch msg.Kind {
	case KindHeartbeat:
		if msg.Heartbeat == nil {
			return nil, fmt.Errorf("heartbeat message without payload")
		}
		b = protowire.AppendTag(b, fieldHeartbeat, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeHeartbeat(msg.Heartbeat))
	case KindProbe:
		if msg.Probe == nil {
			return nil, fmt.Errorf("probe message without payload")
		}
		b = protowire.AppendTag(b, fieldProbe, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeProbe(msg.Probe))
	case KindSparse:
		if msg.Sparse == nil {
			return nil, fmt.Errorf("sparse message without payload")
		}
		b = protowire.AppendTag(b, fieldSparse, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSparse(msg.Sparse))
	case KindDense:
		if msg.Dense == nil {
			return nil, fmt.Errorf("dense message without payload")
		}
		payload, err := c.encodeDense(msg.Dense)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldDense, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	default:
		return nil, fmt.Errorf("unknown message kind %d", msg.Kind)
	}
	return b, nil
}

// Decode parses raw into a Message. Any structural problem yields a
// MALFORMED_MESSAGE error.
func (c *Codec) Decode(raw []byte) (*Message, error) {
	msg := &Message{}
	var protocol uint64
	var body []byte
	var bodyField protowire.Number

	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldProtocol && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			protocol = v
			return n, nil
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.Kind = Kind(v)
			return n, nil
		case num >= fieldHeartbeat && num <= fieldDense && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			body, bodyField = v, num
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return nil, common.ErrMalformed("invalid framing", err)
	}
	if protocol != ProtocolVersion {
		return nil, common.ErrMalformed("unsupported protocol version", nil).
			WithContext("version", protocol)
	}
	if fieldForKind(msg.Kind) != bodyField {
		return nil, common.ErrMalformed("payload does not match kind", nil).
			WithContext("kind", msg.Kind.String())
	}

	switch msg.Kind {
	case KindHeartbeat:
		msg.Heartbeat, err = decodeHeartbeat(body)
	case KindProbe:
		msg.Probe, err = c.decodeProbe(body)
	case KindSparse:
		msg.Sparse, err = c.decodeSparse(body)
	case KindDense:
		msg.Dense, err = c.decodeDense(body)
	}
	if err != nil {
		return nil, common.ErrMalformed(msg.Kind.String()+" payload", err)
	}
	return msg, nil
}

func fieldForKind(k Kind) protowire.Number {
	switch k {
	case KindHeartbeat:
		return fieldHeartbeat
	case KindProbe:
		return fieldProbe
	case KindSparse:
		return fieldSparse
	case KindDense:
		return fieldDense
	default:
		return -1
	}
}

// skipField tells walk to skip a field the callback does not handle. It is
// far outside the range of protowire error codes.
const skipField = -1 << 30

// walk iterates the fields of b. fn returns the bytes consumed, or skipField.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// ========== HEARTBEAT ==========

func encodeHeartbeat(h *Heartbeat) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, h.ModelHash)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	return protowire.AppendVarint(b, h.Version)
}

func decodeHeartbeat(body []byte) (*Heartbeat, error) {
	h := &Heartbeat{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.ModelHash = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.Version = v
			return n, nil
		}
		return skipField, nil
	})
	return h, err
}

// ========== PROBE ==========

func encodeProbe(p *Probe) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, packFloats(p.Embedding))
	if p.Position != nil {
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.Position.Latitude))
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.Position.Longitude))
	}
	return b
}

func (c *Codec) decodeProbe(body []byte) (*Probe, error) {
	p := &Probe{}
	var lat, lon *float64
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			vals, err := c.unpackFloats(v)
			if err != nil {
				return 0, err
			}
			p.Embedding = vals
			return n, nil
		case (num == 2 || num == 3) && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			f := math.Float64frombits(v)
			if num == 2 {
				lat = &f
			} else {
				lon = &f
			}
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		pos := common.GeoPoint{Latitude: *lat, Longitude: *lon}
		if !pos.Valid() {
			return nil, fmt.Errorf("position out of range")
		}
		p.Position = &pos
	}
	return p, nil
}

// ========== SPARSE ==========

// encodeSparse writes indices sorted and delta-encoded as packed varints.
func encodeSparse(u *common.SparseUpdate) []byte {
	entries := append([]common.SparseEntry(nil), u.Entries...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	var idx []byte
	vals := make([]float32, len(entries))
	var last uint32
	for i, e := range entries {
		idx = protowire.AppendVarint(idx, uint64(e.Index-last))
		last = e.Index
		vals[i] = e.Value
	}

	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, u.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, idx)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, packFloats(vals))
}

func (c *Codec) decodeSparse(body []byte) (*common.SparseUpdate, error) {
	u := &common.SparseUpdate{}
	var idx []uint32
	var vals []float32
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Version = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			decoded, err := c.decodeDeltaIndices(v)
			if err != nil {
				return 0, err
			}
			idx = decoded
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			decoded, err := c.unpackFloats(v)
			if err != nil {
				return 0, err
			}
			vals = decoded
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return nil, err
	}
	if len(idx) != len(vals) {
		return nil, fmt.Errorf("index/value count mismatch: %d != %d", len(idx), len(vals))
	}
	u.Entries = make([]common.SparseEntry, len(idx))
	for i := range idx {
		u.Entries[i] = common.SparseEntry{Index: idx[i], Value: vals[i]}
	}
	return u, nil
}

func (c *Codec) decodeDeltaIndices(b []byte) ([]uint32, error) {
	var out []uint32
	var acc uint64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		acc += v
		if acc > math.MaxUint32 {
			return nil, fmt.Errorf("index overflow")
		}
		out = append(out, uint32(acc))
		if len(out) > c.config.MaxDim {
			return nil, fmt.Errorf("too many indices")
		}
	}
	return out, nil
}

// ========== DENSE ==========

func (c *Codec) encodeDense(s *common.TensorSnapshot) ([]byte, error) {
	data := packFloats(s.Values)
	encoding := denseRaw
	if c.config.CompressThreshold > 0 && len(data) > c.config.CompressThreshold {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, c.config.CompressLevel)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("compress snapshot: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress snapshot: %w", err)
		}
		if buf.Len() < len(data) {
			data = buf.Bytes()
			encoding = denseBrotli
		}
	}

	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, s.Hash)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(s.Values)))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(encoding))
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	return protowire.AppendBytes(b, data), nil
}

func (c *Codec) decodeDense(body []byte) (*common.TensorSnapshot, error) {
	s := &common.TensorSnapshot{}
	var dim, encoding uint64
	var data []byte
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Version = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.Hash = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			dim = v
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			encoding = v
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			data = v
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return nil, err
	}
	if dim > uint64(c.config.MaxDim) {
		return nil, fmt.Errorf("snapshot dimension %d exceeds limit %d", dim, c.config.MaxDim)
	}

	want := int(dim) * 4
	switch encoding {
	case denseRaw:
	case denseBrotli:
		// Read one byte past the expected size to detect oversized streams.
		raw, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(data)), int64(want)+1))
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
		data = raw
	default:
		return nil, fmt.Errorf("unknown dense encoding %d", encoding)
	}
	if len(data) != want {
		return nil, fmt.Errorf("snapshot carries %d bytes, want %d", len(data), want)
	}
	s.Values = make([]float32, dim)
	for i := range s.Values {
		s.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return s, nil
}

// ========== HELPERS ==========

func packFloats(vals []float32) []byte {
	b := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func (c *Codec) unpackFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("packed floats length %d not a multiple of 4", len(b))
	}
	if len(b)/4 > c.config.MaxDim {
		return nil, fmt.Errorf("too many values")
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
