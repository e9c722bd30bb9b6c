// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"
)

// maxVarint is the largest value a four byte variable byte integer can hold.
const maxVarint = 268435455

// field returns the n bytes of buf starting at offset, and the offset which follows them.
func field(buf []byte, offset, n int, code Code) ([]byte, int, error) {
	if offset < 0 || n < 0 || len(buf)-offset < n {
		return nil, 0, code
	}

	return buf[offset : offset+n], offset + n, nil
}

// decodeByte extracts a single byte.
func decodeByte(buf []byte, offset int) (byte, int, error) {
	b, next, err := field(buf, offset, 1, ErrMalformedOffsetByteOutOfRange)
	if err != nil {
		return 0, 0, err
	}

	return b[0], next, nil
}

// decodeByteBool extracts a single byte as a bool, considering only the lowest bit.
func decodeByteBool(buf []byte, offset int) (bool, int, error) {
	b, next, err := field(buf, offset, 1, ErrMalformedOffsetBoolOutOfRange)
	if err != nil {
		return false, 0, err
	}

	return b[0]&1 == 1, next, nil
}

// decodeUint16 extracts a big endian two byte integer.
func decodeUint16(buf []byte, offset int) (uint16, int, error) {
	b, next, err := field(buf, offset, 2, ErrMalformedOffsetUintOutOfRange)
	if err != nil {
		return 0, 0, err
	}

	return binary.BigEndian.Uint16(b), next, nil
}

// decodeUint32 extracts a big endian four byte integer.
func decodeUint32(buf []byte, offset int) (uint32, int, error) {
	b, next, err := field(buf, offset, 4, ErrMalformedOffsetUintOutOfRange)
	if err != nil {
		return 0, 0, err
	}

	return binary.BigEndian.Uint32(b), next, nil
}

// decodeBytes extracts length-prefixed binary data. The returned slice
// shares memory with buf.
func decodeBytes(buf []byte, offset int) ([]byte, int, error) {
	length, next, err := decodeUint16(buf, offset)
	if err != nil {
		return []byte{}, 0, err
	}

	b, next, err := field(buf, next, int(length), ErrMalformedOffsetBytesOutOfRange)
	if err != nil {
		return []byte{}, 0, err
	}

	return b, next, nil
}

// decodeString extracts a length-prefixed UTF-8 string.
func decodeString(buf []byte, offset int) (string, int, error) {
	b, next, err := decodeBytes(buf, offset)
	if err != nil {
		return "", 0, err
	}

	if !validUTF8(b) { // [MQTT-1.5.4-1] [MQTT-3.1.3-5]
		return "", 0, ErrMalformedInvalidUTF8
	}

	return string(b), next, nil
}

// validUTF8 reports whether b is well-formed UTF-8 free of null characters.
func validUTF8(b []byte) bool {
	return bytes.IndexByte(b, 0) < 0 && utf8.Valid(b) // [MQTT-1.5.4-1] [MQTT-1.5.4-2]
}

func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodeUint16(val uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, val)
}

func encodeUint32(val uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, val)
}

// appendPrefixed appends a two byte length followed by val.
func appendPrefixed[T ~string | ~[]byte](dst []byte, val T) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(val)))
	return append(dst, val...)
}

// encodeBytes encodes binary data with its length prefix.
func encodeBytes(val []byte) []byte {
	return appendPrefixed(make([]byte, 0, 2+len(val)), val)
}

// encodeString encodes a string with its length prefix.
func encodeString(val string) []byte {
	return appendPrefixed(make([]byte, 0, 2+len(val)), val)
}

// appendLength appends length as a variable byte integer.
func appendLength(dst []byte, length int64) []byte {
	for { // [MQTT-1.5.5-1]
		digit := byte(length & 0x7f)
		length >>= 7
		if length == 0 {
			return append(dst, digit)
		}
		dst = append(dst, digit|0x80)
	}
}

// encodeLength writes length to b as a variable byte integer.
func encodeLength(b *bytes.Buffer, length int64) {
	var scratch [4]byte
	b.Write(appendLength(scratch[:0], length))
}

// DecodeLength reads a variable byte integer from b, returning the value and
// the number of bytes consumed.
func DecodeLength(b io.ByteReader) (n, bu int, err error) {
	var value, shift uint32
	for bu = 1; ; bu++ {
		digit, err := b.ReadByte()
		if err != nil {
			return 0, bu, err
		}

		value |= uint32(digit&0x7f) << shift
		if value > maxVarint || (bu == 4 && digit&0x80 != 0) {
			return 0, bu, ErrMalformedVariableByteInteger
		}

		if digit&0x80 == 0 {
			return int(value), bu, nil
		}
		shift += 7
	}
}
