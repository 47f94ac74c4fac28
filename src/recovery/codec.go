package recovery

import (
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
	CompressionLZ4    Compression = "lz4"
)

func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case CompressionNone, CompressionSnappy, CompressionLZ4:
		return c, nil
	case "":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unknown log compression %q", s)
	}
}

// codec ids as stored in the log
const (
	codecRaw uint8 = iota
	codecSnappy
	codecLZ4
)

// encodeImage compresses a page image. Images that don't shrink are kept
// raw.
func encodeImage(c Compression, src []byte) (uint8, []byte, error) {
	if len(src) == 0 {
		return codecRaw, src, nil
	}

	switch c {
	case CompressionSnappy:
		enc := snappy.Encode(nil, src)
		if len(enc) < len(src) {
			return codecSnappy, enc, nil
		}
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, buf, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("lz4: %w", err)
		}
		// zero means incompressible
		if n > 0 && n < len(src) {
			return codecLZ4, buf[:n], nil
		}
	}
	return codecRaw, src, nil
}

func decodeImage(codec uint8, rawLen int, src []byte) ([]byte, error) {
	switch codec {
	case codecRaw:
		if len(src) != rawLen {
			return nil, fmt.Errorf("%w: raw image of %d bytes, expected %d", ErrCorruptLog, len(src), rawLen)
		}
		return src, nil
	case codecSnappy:
		dst, err := snappy.Decode(make([]byte, rawLen), src)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %w", ErrCorruptLog, err)
		}
		if len(dst) != rawLen {
			return nil, fmt.Errorf("%w: snappy image of %d bytes, expected %d", ErrCorruptLog, len(dst), rawLen)
		}
		return dst, nil
	case codecLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", ErrCorruptLog, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: lz4 image of %d bytes, expected %d", ErrCorruptLog, n, rawLen)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorruptLog, codec)
	}
}
