// Package codec implements the message body encodings used on the wire:
// zlib-framed DEFLATE compression and optional charset transcoding.
package codec

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

var log = logger.GetGoI2PLogger()

// ErrDataFormat indicates a compressed payload that cannot be inflated.
var ErrDataFormat = errors.New("codec: malformed compressed data")

const (
	// deflateChunkSize bounds each write into the compressor
	deflateChunkSize = 50000

	// inflateChunkSize is the size of each decompressed chunk
	inflateChunkSize = 1024
)

// Deflate compresses raw with DEFLATE inside a zlib stream.
func Deflate(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)

	for offset := 0; offset < len(raw); offset += deflateChunkSize {
		end := offset + deflateChunkSize
		if end > len(raw) {
			end = len(raw)
		}
		if _, err := w.Write(raw[offset:end]); err != nil {
			return nil, oops.
				Code("DEFLATE_FAILED").
				In("codec").
				With("input_size", len(raw)).
				Wrapf(err, "failed to deflate message body")
		}
	}

	if err := w.Close(); err != nil {
		return nil, oops.
			Code("DEFLATE_FAILED").
			In("codec").
			With("input_size", len(raw)).
			Wrapf(err, "failed to finish deflate stream")
	}

	log.WithFields(logrus.Fields{
		"input_size":  len(raw),
		"output_size": out.Len(),
	}).Debug("compression sequence complete")

	return out.Bytes(), nil
}

// Inflate decompresses a zlib stream produced by Deflate.
//
// Decompression stops at end of stream, or when a read yields zero bytes
// without reaching the end; the latter is treated as completion. Truncated
// or corrupt input is reported as ErrDataFormat.
func Inflate(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, wrapDataFormat(err, len(compressed))
	}
	defer r.Close()

	out := bytes.NewBuffer(make([]byte, 0, len(compressed)))
	chunk := make([]byte, inflateChunkSize)

	for {
		n, err := r.Read(chunk)
		out.Write(chunk[:n])

		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapDataFormat(err, len(compressed))
		}
		if n == 0 {
			log.WithField("inflated", out.Len()).Debug("zero-length inflate chunk, treating as complete")
			break
		}
	}

	log.WithFields(logrus.Fields{
		"input_size":  len(compressed),
		"output_size": out.Len(),
	}).Debug("decompression sequence complete")

	return out.Bytes(), nil
}

func wrapDataFormat(err error, size int) error {
	return oops.
		Code("INFLATE_FAILED").
		In("codec").
		With("input_size", size).
		With("cause", err.Error()).
		Wrapf(ErrDataFormat, "failed to inflate message body")
}
