package artifact

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
)

type codec uint8

const (
	codecNone codec = 0
	codecLZ4  codec = 1
	codecZSTD codec = 2
)

func (c codec) String() string {
	switch c {
	case codecNone:
		return string(constants.CompressionNone)
	case codecLZ4:
		return string(constants.CompressionLZ4)
	case codecZSTD:
		return string(constants.CompressionZSTD)
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

func codecFor(c constants.Compression) (codec, error) {
	switch c {
	case constants.CompressionNone, "":
		return codecNone, nil
	case constants.CompressionLZ4:
		return codecLZ4, nil
	case constants.CompressionZSTD:
		return codecZSTD, nil
	}
	return 0, fmt.Errorf("unknown compression %q", c)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// compress returns the encoded payload and the codec actually used. Data
// that does not shrink by at least 10% is stored as is.
func compress(data []byte, c codec) ([]byte, codec, error) {
	if c == codecNone || len(data) == 0 {
		return data, codecNone, nil
	}

	var out []byte
	switch c {
	case codecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		out = buf[:n]
	case codecZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, 0, fmt.Errorf("zstd encoder: %w", err)
		}
		out = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, 0, fmt.Errorf("unknown codec %d", c)
	}

	if len(out) == 0 || float64(len(out)) > float64(len(data))*0.9 {
		return data, codecNone, nil
	}
	return out, c, nil
}

func decompress(data []byte, c codec, size int) ([]byte, error) {
	switch c {
	case codecNone:
		if len(data) != size {
			return nil, fmt.Errorf("%w: stored payload is %d bytes, header says %d", ErrCorrupt, len(data), size)
		}
		return data, nil
	case codecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, header says %d", ErrCorrupt, n, size)
		}
		return out, nil
	case codecZSTD:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, header says %d", ErrCorrupt, len(out), size)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, c)
}
