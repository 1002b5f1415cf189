package codec

import (
	"strings"

	"github.com/samber/oops"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// isUTF8 reports whether name selects the native string encoding.
func isUTF8(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}

// LookupCharset resolves a charset name such as "iso-8859-1" or
// "windows-1252". An empty name or UTF-8 resolves to a nil encoding.
func LookupCharset(name string) (encoding.Encoding, error) {
	if isUTF8(name) {
		return nil, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, oops.
			Code("UNKNOWN_CHARSET").
			In("codec").
			With("charset", name).
			Wrapf(err, "unsupported charset")
	}
	return enc, nil
}

// Encode converts text into the byte form used on the wire for charset.
func Encode(charset, text string) ([]byte, error) {
	enc, err := LookupCharset(charset)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return []byte(text), nil
	}

	b, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, oops.
			Code("ENCODE_FAILED").
			In("codec").
			With("charset", charset).
			Wrapf(err, "text cannot be represented in charset")
	}
	return b, nil
}

// Decode converts wire bytes in charset back into text.
func Decode(charset string, b []byte) (string, error) {
	enc, err := LookupCharset(charset)
	if err != nil {
		return "", err
	}
	if enc == nil {
		return string(b), nil
	}

	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", oops.
			Code("DECODE_FAILED").
			In("codec").
			With("charset", charset).
			Wrapf(err, "bytes are not valid in charset")
	}
	return string(out), nil
}
