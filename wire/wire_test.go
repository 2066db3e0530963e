package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/pmidvault/vault-go/wire"
)

func TestEnvelope(t *testing.T) {
	in := &wire.Envelope{
		Kind:      wire.KindSynchronise,
		MessageID: 42,
		Sender:    "vault-1",
		Group:     "pmid-a",
		Payload:   []byte("payload"),
	}

	out, err := wire.UnmarshalEnvelope(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEnvelopeWithoutKind(t *testing.T) {
	in := &wire.Envelope{MessageID: 1, Sender: "vault-1"}
	_, err := wire.UnmarshalEnvelope(in.Marshal())
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestWalkMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   []byte
	}{
		{name: "truncated tag", in: []byte{0x80}},
		{name: "truncated varint", in: []byte{0x08, 0xff}},
		{name: "length overflows buffer", in: []byte{0x12, 0x05, 'a'}},
		{name: "garbage", in: []byte("not a protobuf message at all")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := wire.Walk(tc.in, func(wire.Field) error { return nil })
			assert.ErrorIs(t, err, wire.ErrMalformed)
		})
	}
}

func TestFieldTypeMismatch(t *testing.T) {
	var enc wire.Encoder
	enc.String(1, "text")
	enc.Int(2, -7)

	var seen int
	err := wire.Walk(enc.Encoded(), func(f wire.Field) error {
		seen++
		switch f.Num {
		case 1:
			_, err := f.Uint()
			assert.ErrorIs(t, err, wire.ErrMalformed)
		case 2:
			v, err := f.Int()
			require.NoError(t, err)
			assert.Equal(t, int64(-7), v)
			_, err = f.Bytes()
			assert.ErrorIs(t, err, wire.ErrMalformed)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestWalkSkipsFixedWidthFields(t *testing.T) {
	b := protowire.AppendTag(nil, 9, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 99)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 5)

	var got []protowire.Number
	require.NoError(t, wire.Walk(b, func(f wire.Field) error {
		got = append(got, f.Num)
		return nil
	}))
	assert.Equal(t, []protowire.Number{1}, got)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "PutRequest", wire.KindPutRequest.String())
	assert.Equal(t, "Kind(99)", wire.Kind(99).String())
}
