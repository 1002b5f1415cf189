package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeflateInflateRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"ascii", "hello, queue"},
		{"multi-byte", "héllo wörld ✓ 日本語 🚀"},
		{"repetitive", strings.Repeat("abc", 10000)},
		{"larger than one deflate chunk", strings.Repeat("0123456789", 12000)},
		{"binary-ish", string([]byte{0, 1, 2, 255, 254, 0, 0})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, err := Deflate([]byte(tt.input))
			require.NoError(t, err)

			inflated, err := Inflate(compressed)
			require.NoError(t, err)

			assert.True(t, bytes.Equal([]byte(tt.input), inflated), "round trip must be byte-for-byte")
		})
	}
}

func TestDeflateCompressesRepetitiveInput(t *testing.T) {
	input := []byte(strings.Repeat("a", 4096))

	compressed, err := Deflate(input)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(input))
}

func TestInflateMalformedInput(t *testing.T) {
	compressed, err := Deflate([]byte(strings.Repeat("payload ", 500)))
	require.NoError(t, err)

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"garbage", []byte("this is not a zlib stream")},
		{"truncated", compressed[:len(compressed)/2]},
		{"missing checksum", compressed[:len(compressed)-2]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Inflate(tt.input)
			require.Error(t, err)
			assert.Nil(t, out, "malformed input must not yield partial data")
			assert.True(t, errors.Is(err, ErrDataFormat))
		})
	}
}

func TestInflateCorruptedChecksum(t *testing.T) {
	compressed, err := Deflate([]byte("checksum protected"))
	require.NoError(t, err)

	corrupt := append([]byte(nil), compressed...)
	corrupt[len(corrupt)-1] ^= 0xff

	_, err = Inflate(corrupt)
	assert.ErrorIs(t, err, ErrDataFormat)
}

func TestCharsetRoundTrip(t *testing.T) {
	tests := []struct {
		charset string
		text    string
	}{
		{"", "plain ✓"},
		{"UTF-8", "plain ✓"},
		{"iso-8859-1", "café"},
		{"windows-1252", "naïve €"},
	}

	for _, tt := range tests {
		t.Run(tt.charset, func(t *testing.T) {
			b, err := Encode(tt.charset, tt.text)
			require.NoError(t, err)

			s, err := Decode(tt.charset, b)
			require.NoError(t, err)
			assert.Equal(t, tt.text, s)
		})
	}
}

func TestLatin1EncodesSingleBytes(t *testing.T) {
	b, err := Encode("iso-8859-1", "é")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xe9}, b)
}

func TestLookupCharsetUnknown(t *testing.T) {
	_, err := LookupCharset("no-such-charset")
	assert.Error(t, err)

	_, err = Encode("no-such-charset", "x")
	assert.Error(t, err)
}
