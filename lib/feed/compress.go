// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feed

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used for one
// block record. Tags are stored in record headers (1 byte each); the
// values are protocol constants — changing them breaks every existing
// feed.
type CompressionTag uint8

const (
	// CompressionNone indicates an uncompressed payload. Used when
	// probing shows the block is incompressible (already-compressed
	// file chunks, small CRDT changes).
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. Selected when
	// a probe shows a modest ratio, below the zstd threshold.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd at the default level. Selected
	// when a probe shows text-like ratios — CRDT change envelopes
	// over prose compress well.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// zstdEncoder and zstdDecoder are reused across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("feed: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("feed: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible is returned when compressed output would not be
// smaller than the input; callers fall back to CompressionNone.
var errIncompressible = errors.New("feed: block is incompressible")

// compressBlock compresses data with the given algorithm. For
// CompressionNone the input is returned unchanged (no copy).
func compressBlock(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("feed: lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("feed: unsupported compression tag: %d", tag)
	}
}

// decompressBlock reverses compressBlock. The rawLen must match the
// original block length exactly; a mismatch is an error, not a
// truncation.
func decompressBlock(compressed []byte, tag CompressionTag, rawLen int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != rawLen {
			return nil, fmt.Errorf("feed: uncompressed block is %d bytes, header says %d", len(compressed), rawLen)
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, rawLen)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("feed: lz4 decompress: %w", err)
		}
		if read != rawLen {
			return nil, fmt.Errorf("feed: lz4 decompress produced %d bytes, header says %d", read, rawLen)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("feed: zstd decompress: %w", err)
		}
		if len(result) != rawLen {
			return nil, fmt.Errorf("feed: zstd decompress produced %d bytes, header says %d", len(result), rawLen)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("feed: unsupported compression tag: %d", tag)
	}
}

// selectCompression probes a block to choose its algorithm: zstd for
// text-like ratios, lz4 for modest ratios, none otherwise.
func selectCompression(data []byte) CompressionTag {
	if len(data) == 0 {
		return CompressionNone
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// compressAuto compresses with the probed best algorithm, falling back
// to CompressionNone for incompressible blocks.
func compressAuto(data []byte) ([]byte, CompressionTag, error) {
	tag := selectCompression(data)
	compressed, err := compressBlock(data, tag)
	if err != nil {
		if errors.Is(err, errIncompressible) {
			return data, CompressionNone, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}
