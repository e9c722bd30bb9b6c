// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeString(t *testing.T) {
	tt := []struct {
		desc   string
		raw    []byte
		offset int
		want   string
		next   int
		err    error
	}{
		{desc: "ascii", raw: []byte{0, 3, 'a', '/', 'b'}, want: "a/b", next: 5},
		{desc: "offset", raw: []byte{9, 9, 0, 1, 'x', 9}, offset: 2, want: "x", next: 5},
		{desc: "empty", raw: []byte{0, 0}, want: "", next: 2},
		{desc: "multibyte", raw: append([]byte{0, 6}, "世界"...), want: "世界", next: 8},
		{desc: "short prefix", raw: []byte{0}, err: ErrMalformedOffsetUintOutOfRange},
		{desc: "short body", raw: []byte{0, 4, 'a'}, err: ErrMalformedOffsetBytesOutOfRange},
		{desc: "offset past end", raw: []byte{0, 1, 'a'}, offset: 4, err: ErrMalformedOffsetUintOutOfRange},
		{desc: "invalid utf8", raw: []byte{0, 2, 0xc3, 0x28}, err: ErrMalformedInvalidUTF8},
		{desc: "null character", raw: []byte{0, 2, 'a', 0}, err: ErrMalformedInvalidUTF8},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			s, next, err := decodeString(tx.raw, tx.offset)
			if tx.err != nil {
				require.ErrorIs(t, err, tx.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tx.want, s)
			require.Equal(t, tx.next, next)
		})
	}
}

func TestDecodeStringZeroWidthNoBreak(t *testing.T) { // [MQTT-1.5.4-3]
	s, _, err := decodeString([]byte{0, 3, 0xef, 0xbb, 0xbf}, 0)
	require.NoError(t, err)
	require.Equal(t, "\ufeff", s)
}

func TestDecodeStringIsCopied(t *testing.T) {
	raw := []byte{0, 1, 'a'}
	s, _, err := decodeString(raw, 0)
	require.NoError(t, err)
	raw[2] = 'b'
	require.Equal(t, "a", s)
}

func TestDecodeBytes(t *testing.T) {
	b, next, err := decodeBytes([]byte{0, 2, 0xde, 0xad, 0xff}, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad}, b)
	require.Equal(t, 4, next)

	_, _, err = decodeBytes([]byte{0, 9, 1}, 0)
	require.ErrorIs(t, err, ErrMalformedOffsetBytesOutOfRange)

	_, _, err = decodeBytes([]byte{}, 0)
	require.ErrorIs(t, err, ErrMalformedOffsetUintOutOfRange)
}

func TestDecodeByte(t *testing.T) {
	v, next, err := decodeByte([]byte{1, 2}, 1)
	require.NoError(t, err)
	require.Equal(t, byte(2), v)
	require.Equal(t, 2, next)

	_, _, err = decodeByte([]byte{1, 2}, 2)
	require.ErrorIs(t, err, ErrMalformedOffsetByteOutOfRange)

	_, _, err = decodeByte([]byte{1}, -1)
	require.ErrorIs(t, err, ErrMalformedOffsetByteOutOfRange)
}

func TestDecodeByteBool(t *testing.T) {
	v, next, err := decodeByteBool([]byte{0, 1, 2}, 1)
	require.NoError(t, err)
	require.True(t, v)
	require.Equal(t, 2, next)

	v, _, err = decodeByteBool([]byte{0, 1, 2}, 2)
	require.NoError(t, err)
	require.False(t, v)

	_, _, err = decodeByteBool([]byte{}, 0)
	require.ErrorIs(t, err, ErrMalformedOffsetBoolOutOfRange)
}

func TestDecodeUints(t *testing.T) {
	u16, next, err := decodeUint16([]byte{0xff, 0x7f, 0xff}, 1)
	require.NoError(t, err)
	require.Equal(t, uint16(32767), u16)
	require.Equal(t, 3, next)

	_, _, err = decodeUint16([]byte{0xff}, 0)
	require.ErrorIs(t, err, ErrMalformedOffsetUintOutOfRange)

	u32, next, err := decodeUint32([]byte{0, 0, 1, 0}, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(256), u32)
	require.Equal(t, 4, next)

	_, _, err = decodeUint32([]byte{0, 0, 1}, 0)
	require.ErrorIs(t, err, ErrMalformedOffsetUintOutOfRange)
}

func TestEncodeScalars(t *testing.T) {
	require.Equal(t, byte(1), encodeBool(true))
	require.Equal(t, byte(0), encodeBool(false))
	require.Equal(t, []byte{0x7f, 0xff}, encodeUint16(32767))
	require.Equal(t, []byte{0xff, 0xff}, encodeUint16(math.MaxUint16))
	require.Equal(t, []byte{0, 0, 0, 7}, encodeUint32(7))
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, encodeUint32(math.MaxUint32))
}

func TestEncodePrefixed(t *testing.T) {
	require.Equal(t, []byte{0, 0}, encodeString(""))
	require.Equal(t, []byte{0, 3, 'a', '/', 'b'}, encodeString("a/b"))
	require.Equal(t, []byte{0, 2, 0xde, 0xad}, encodeBytes([]byte{0xde, 0xad}))

	s, _, err := decodeString(encodeString("世界"), 0)
	require.NoError(t, err)
	require.Equal(t, "世界", s)
}

func TestVariableByteInteger(t *testing.T) {
	tt := []struct {
		value int64
		raw   []byte
	}{
		{value: 0, raw: []byte{0x00}},
		{value: 127, raw: []byte{0x7f}},
		{value: 128, raw: []byte{0x80, 0x01}},
		{value: 16383, raw: []byte{0xff, 0x7f}},
		{value: 16384, raw: []byte{0x80, 0x80, 0x01}},
		{value: 2097151, raw: []byte{0xff, 0xff, 0x7f}},
		{value: 2097152, raw: []byte{0x80, 0x80, 0x80, 0x01}},
		{value: maxVarint, raw: []byte{0xff, 0xff, 0xff, 0x7f}},
	}

	for _, tx := range tt {
		b := new(bytes.Buffer)
		encodeLength(b, tx.value)
		require.Equal(t, tx.raw, b.Bytes(), "value %d", tx.value)

		n, bu, err := DecodeLength(bytes.NewReader(tx.raw))
		require.NoError(t, err)
		require.Equal(t, int(tx.value), n)
		require.Equal(t, len(tx.raw), bu)
	}
}

func TestDecodeLengthErrors(t *testing.T) {
	_, _, err := DecodeLength(bytes.NewReader([]byte{}))
	require.ErrorIs(t, err, io.EOF)

	_, _, err = DecodeLength(bytes.NewReader([]byte{0x80, 0x80}))
	require.ErrorIs(t, err, io.EOF)

	_, bu, err := DecodeLength(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x01}))
	require.ErrorIs(t, err, ErrMalformedVariableByteInteger)
	require.Equal(t, 4, bu)
}

func TestValidUTF8(t *testing.T) {
	require.True(t, validUTF8([]byte("testing")))
	require.True(t, validUTF8([]byte{}))
	require.False(t, validUTF8([]byte{0xff, 0xff}))
	require.False(t, validUTF8([]byte{'t', 0x00, 's'}))
}
