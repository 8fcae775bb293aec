package wire

import (
	"math"
	"testing"

	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodec_SparseDeltaIndices(t *testing.T) {
	c := NewCodec(DefaultConfig())
	update := &common.SparseUpdate{
		Version: 7,
		Entries: []common.SparseEntry{
			{Index: 900, Value: -0.5},
			{Index: 3, Value: 0.25},
			{Index: 4, Value: 1},
		},
	}

	raw, err := c.Encode(&Message{Kind: KindSparse, Sparse: update})
	require.NoError(t, err)
	msg, err := c.Decode(raw)
	require.NoError(t, err)

	require.Equal(t, KindSparse, msg.Kind)
	assert.Equal(t, uint64(7), msg.Sparse.Version)
	assert.Equal(t, []common.SparseEntry{
		{Index: 3, Value: 0.25},
		{Index: 4, Value: 1},
		{Index: 900, Value: -0.5},
	}, msg.Sparse.Entries, "indices come back absolute and sorted")
	assert.Equal(t, uint32(900), update.Entries[0].Index, "encoding does not reorder the caller's slice")
}

func TestCodec_DenseCompressedAboveThreshold(t *testing.T) {
	c := NewCodec(Config{CompressThreshold: 64, CompressLevel: 5})
	values := make([]float32, 4096)
	for i := range values {
		values[i] = float32(i % 7)
	}
	snap := &common.TensorSnapshot{Values: values, Hash: "abc", Version: 3}

	raw, err := c.Encode(&Message{Kind: KindDense, Dense: snap})
	require.NoError(t, err)
	assert.Less(t, len(raw), len(values)*4/2, "repetitive snapshot must compress")

	msg, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, values, msg.Dense.Values)
	assert.Equal(t, "abc", msg.Dense.Hash)
	assert.Equal(t, uint64(3), msg.Dense.Version)
}

func TestCodec_DenseRawBelowThreshold(t *testing.T) {
	c := NewCodec(DefaultConfig())
	snap := &common.TensorSnapshot{Values: []float32{1, float32(math.Pi)}, Hash: "h"}

	raw, err := c.Encode(&Message{Kind: KindDense, Dense: snap})
	require.NoError(t, err)
	msg, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, snap.Values, msg.Dense.Values)
}

func TestCodec_HeartbeatAndProbe(t *testing.T) {
	c := NewCodec(DefaultConfig())

	raw, err := c.Encode(&Message{Kind: KindHeartbeat, Heartbeat: &Heartbeat{ModelHash: "ff00", Version: 12}})
	require.NoError(t, err)
	msg, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, &Heartbeat{ModelHash: "ff00", Version: 12}, msg.Heartbeat)

	pos := &common.GeoPoint{Latitude: 51.5, Longitude: -0.12}
	raw, err = c.Encode(&Message{Kind: KindProbe, Probe: &Probe{Embedding: []float32{0.1, -0.2}, Position: pos}})
	require.NoError(t, err)
	msg, err = c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.2}, msg.Probe.Embedding)
	assert.Equal(t, pos, msg.Probe.Position)

	raw, err = c.Encode(&Message{Kind: KindProbe, Probe: &Probe{Embedding: []float32{1}}})
	require.NoError(t, err)
	msg, err = c.Decode(raw)
	require.NoError(t, err)
	assert.Nil(t, msg.Probe.Position)
}

func TestCodec_SkipsUnknownFields(t *testing.T) {
	c := NewCodec(DefaultConfig())
	raw, err := c.Encode(&Message{Kind: KindHeartbeat, Heartbeat: &Heartbeat{ModelHash: "x", Version: 1}})
	require.NoError(t, err)

	raw = protowire.AppendTag(raw, 99, protowire.BytesType)
	raw = protowire.AppendBytes(raw, []byte("future field"))

	msg, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "x", msg.Heartbeat.ModelHash)
}

func TestCodec_RejectsMalformed(t *testing.T) {
	c := NewCodec(Config{MaxDim: 16})
	good, err := c.Encode(&Message{Kind: KindSparse, Sparse: &common.SparseUpdate{
		Entries: []common.SparseEntry{{Index: 1, Value: 1}},
	}})
	require.NoError(t, err)

	bigDense, err := NewCodec(DefaultConfig()).Encode(&Message{Kind: KindDense, Dense: &common.TensorSnapshot{
		Values: make([]float32, 32),
	}})
	require.NoError(t, err)

	wrongVersion := protowire.AppendTag(nil, fieldProtocol, protowire.VarintType)
	wrongVersion = protowire.AppendVarint(wrongVersion, 99)

	kindMismatch := protowire.AppendTag(nil, fieldProtocol, protowire.VarintType)
	kindMismatch = protowire.AppendVarint(kindMismatch, ProtocolVersion)
	kindMismatch = protowire.AppendTag(kindMismatch, fieldKind, protowire.VarintType)
	kindMismatch = protowire.AppendVarint(kindMismatch, uint64(KindDense))

	tests := map[string][]byte{
		"truncated":      good[:len(good)-2],
		"garbage":        {0xff, 0xff, 0xff},
		"wrong version":  wrongVersion,
		"kind mismatch":  kindMismatch,
		"dim over limit": bigDense,
		"empty":          nil,
		"count mismatch": sparseWithCounts(2, 1),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrMalformedMessage)
		})
	}
}

func sparseWithCounts(indices, values int) []byte {
	var idx []byte
	for i := 0; i < indices; i++ {
		idx = protowire.AppendVarint(idx, 1)
	}
	body := protowire.AppendTag(nil, 2, protowire.BytesType)
	body = protowire.AppendBytes(body, idx)
	body = protowire.AppendTag(body, 3, protowire.BytesType)
	body = protowire.AppendBytes(body, packFloats(make([]float32, values)))

	b := protowire.AppendTag(nil, fieldProtocol, protowire.VarintType)
	b = protowire.AppendVarint(b, ProtocolVersion)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(KindSparse))
	b = protowire.AppendTag(b, fieldSparse, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func TestCodec_EncodeRequiresPayload(t *testing.T) {
	c := NewCodec(DefaultConfig())
	_, err := c.Encode(&Message{Kind: KindSparse})
	assert.Error(t, err)
	_, err = c.Encode(&Message{Kind: Kind(42)})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.CompressLevel = 12
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.MaxDim = -1
	assert.Error(t, cfg.Validate())
}
