package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum JSON size before compression is
	// considered. zstd overhead is not worth it for smaller values.
	compressionThreshold = 2048

	// maxValueSize caps both stored and decompressed value sizes,
	// guarding against compression bombs on read.
	maxValueSize = 10 * 1024 * 1024
)

// Value encoding markers, first byte of every stored value.
const (
	encodingPlain byte = 0 // [marker][json]
	encodingZstd  byte = 1 // [marker][4-byte uncompressed size][zstd frame]
)

var (
	// ErrValueTooLarge is returned when a value exceeds maxValueSize.
	ErrValueTooLarge = errors.New("value exceeds maximum size")

	// ErrDecompressionBomb is returned when a compressed value claims or
	// produces more than maxValueSize bytes.
	ErrDecompressionBomb = errors.New("decompressed value exceeds maximum size")
)

// codec serializes entities to JSON, compressing values past the threshold.
// EncodeAll/DecodeAll on the shared encoder and decoder are goroutine-safe.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources. The codec must not be used after.
func (c *codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode marshals v and prepends the encoding marker, compressing when the
// JSON clears the threshold and compression actually wins.
func (c *codec) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	if len(data) > maxValueSize {
		return nil, ErrValueTooLarge
	}

	if len(data) < compressionThreshold {
		return plainValue(data), nil
	}

	compressed := c.encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return plainValue(data), nil
	}

	out := make([]byte, 5+len(compressed))
	out[0] = encodingZstd
	binary.BigEndian.PutUint32(out[1:5], uint32(len(data)))
	copy(out[5:], compressed)
	return out, nil
}

// decode unmarshals a stored value into v.
func (c *codec) decode(raw []byte, v any) error {
	if len(raw) == 0 {
		return errors.New("empty value")
	}

	switch raw[0] {
	case encodingPlain:
		if err := json.Unmarshal(raw[1:], v); err != nil {
			return fmt.Errorf("unmarshaling value: %w", err)
		}
		return nil

	case encodingZstd:
		if len(raw) < 5 {
			return errors.New("truncated compressed value")
		}
		size := binary.BigEndian.Uint32(raw[1:5])
		if size > maxValueSize {
			return ErrDecompressionBomb
		}

		data, err := c.decoder.DecodeAll(raw[5:], make([]byte, 0, size))
		if err != nil {
			return fmt.Errorf("decompressing value: %w", err)
		}
		if len(data) > maxValueSize {
			return ErrDecompressionBomb
		}

		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("unmarshaling value: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown value encoding %d", raw[0])
	}
}

func plainValue(data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = encodingPlain
	copy(out[1:], data)
	return out
}
