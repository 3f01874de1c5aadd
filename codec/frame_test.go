package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeData(t *testing.T) {
	b := EncodeData(42, []byte("hello"))
	data, ack, err := Decode(b)
	require.NoError(t, err)
	require.Nil(t, ack)
	require.Equal(t, uint64(42), data.Seq)
	require.Equal(t, []byte("hello"), data.Payload)
}

func TestEncodeDecodeAck(t *testing.T) {
	ranges := []AckRange{{Start: 3, End: 3}, {Start: 1, End: 1}}
	b, err := EncodeAck(ranges)
	require.NoError(t, err)
	data, ack, err := Decode(b)
	require.NoError(t, err)
	require.Nil(t, data)
	require.Equal(t, []AckRange{{1, 1}, {3, 3}}, ack.Ranges)
}

func TestCoalesceRanges(t *testing.T) {
	in := []AckRange{{1, 2}, {4, 5}, {3, 3}, {10, 12}}
	out := CoalesceRanges(in)
	require.Equal(t, []AckRange{{1, 5}, {10, 12}}, out)
}

func TestEncodeAckTooManyRanges(t *testing.T) {
	ranges := make([]AckRange, MaxAckRanges+1)
	for i := range ranges {
		ranges[i] = AckRange{Start: uint64(i * 2), End: uint64(i * 2)}
	}
	_, err := EncodeAck(ranges)
	require.ErrorIs(t, err, ErrTooManyRanges)
}

func TestDecodeMalformed(t *testing.T) {
	_, _, err := Decode(nil)
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = Decode([]byte{0x01, 0x00})
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = Decode([]byte{0x02, 0x01, 0x00})
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = Decode([]byte{0x42})
	require.ErrorIs(t, err, ErrUnknownFrame)
}

func TestAckMaxAndContains(t *testing.T) {
	ack := &AckFrame{Ranges: []AckRange{{1, 2}, {4, 5}}}
	max, ok := ack.Max()
	require.True(t, ok)
	require.Equal(t, uint64(5), max)
	require.True(t, ack.Contains(2))
	require.False(t, ack.Contains(3))

	empty := &AckFrame{}
	_, ok = empty.Max()
	require.False(t, ok)
}
