package compression

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Every stored stream starts with one format byte. The payload itself is
// never inspected, so user data that happens to look like a zstd frame is
// returned as written.
const (
	formatRaw  byte = 0x00
	formatZstd byte = 0x01
)

// ErrUnknownFormat is returned by Reader for a stream whose format byte is
// not one this package writes.
var ErrUnknownFormat = errors.New("compression: unknown stream format")

type Compressor struct {
	level   zstd.EncoderLevel
	enabled bool
}

// NewCompressor maps level 1..3 onto zstd speed presets. Any other level uses
// the default preset.
func NewCompressor(level int, enabled bool) *Compressor {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 2:
		encoderLevel = zstd.SpeedDefault
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	return &Compressor{level: encoderLevel, enabled: enabled}
}

// Writer writes the format byte to w and wraps it so that bytes written to
// the result are stored in that format. Callers must Close the returned
// writer to flush the frame; closing does not close w.
func (c *Compressor) Writer(w io.Writer) (io.WriteCloser, error) {
	format := formatRaw
	if c.enabled {
		format = formatZstd
	}
	if _, err := w.Write([]byte{format}); err != nil {
		return nil, fmt.Errorf("compression: write format: %w", err)
	}

	if !c.enabled {
		return nopWriteCloser{w}, nil
	}
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
	)
}

// Reader strips the format byte from r and returns a reader yielding the
// original bytes. Streams written with compression on or off are both
// readable regardless of c's own setting.
func (c *Compressor) Reader(r io.Reader) (io.ReadCloser, error) {
	var format [1]byte
	if _, err := io.ReadFull(r, format[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty stream", ErrUnknownFormat)
		}
		return nil, fmt.Errorf("compression: read format: %w", err)
	}

	switch format[0] {
	case formatRaw:
		return io.NopCloser(r), nil
	case formatZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFormat, format[0])
	}
}

var layerEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
})

// EncodeAll compresses a whole buffer into a bare zstd frame, without the
// format byte. Backup layers use it; their media type already says zstd.
func EncodeAll(data []byte) ([]byte, error) {
	enc, err := layerEncoder()
	if err != nil {
		return nil, fmt.Errorf("compression: create encoder: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
