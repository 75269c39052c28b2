// Package compress wraps LZ4 block compression for frame payloads with a
// skip-if-not-useful policy: tiny frames and frames that barely shrink are
// passed through untouched.
package compress

import (
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v3"

	"github.com/winrun-dev/winrun/internal/config"
)

// Result is the outcome of one compression attempt. When IsCompressed is
// false, Data is the input unchanged.
type Result struct {
	Data           []byte
	IsCompressed   bool
	OriginalSize   int
	CompressedSize int
}

// Stats tracks compressor effectiveness across frames.
type Stats struct {
	TotalFrames      uint64
	CompressedFrames uint64
	BytesIn          uint64
	BytesOut         uint64
	BytesSaved       uint64
	// AverageRatio is mean(compressed/original) over frames actually kept
	// compressed; 1.0 when none have been yet.
	AverageRatio float64
}

// Compressor applies LZ4 block compression according to policy.
type Compressor struct {
	cfg config.CompressionConfig

	mu        sync.Mutex
	stats     Stats
	ratioSum  float64
	scratch   []byte
	hashTable [1 << 16]int
}

// New creates a compressor with the given policy.
func New(cfg config.CompressionConfig) *Compressor {
	return &Compressor{cfg: cfg}
}

// Compress attempts to shrink src. The input is returned unchanged (with
// IsCompressed false) when compression is disabled, src is below the
// minimum size, or the compressed output does not beat the configured
// ratio. The returned Data aliases an internal buffer only on the
// compressed path and stays valid until the next Compress call.
func (c *Compressor) Compress(src []byte) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalFrames++
	c.stats.BytesIn += uint64(len(src))

	if !c.cfg.Enabled || len(src) < c.cfg.MinSizeToCompress {
		c.stats.BytesOut += uint64(len(src))
		return passthrough(src), nil
	}

	bound := lz4.CompressBlockBound(len(src))
	if cap(c.scratch) < bound {
		c.scratch = make([]byte, bound)
	}
	dst := c.scratch[:bound]

	var (
		n   int
		err error
	)
	if c.cfg.Level > 0 {
		n, err = lz4.CompressBlockHC(src, dst, c.cfg.Level)
	} else {
		n, err = lz4.CompressBlock(src, dst, c.hashTable[:])
	}
	if err != nil {
		return Result{}, fmt.Errorf("lz4 compress: %w", err)
	}

	// n == 0 means incompressible input; treat it like a ratio miss.
	if n == 0 || float64(n)/float64(len(src)) > c.cfg.MaxCompressionRatio {
		c.stats.BytesOut += uint64(len(src))
		return passthrough(src), nil
	}

	c.stats.CompressedFrames++
	c.stats.BytesOut += uint64(n)
	c.stats.BytesSaved += uint64(len(src) - n)
	c.ratioSum += float64(n) / float64(len(src))

	return Result{
		Data:           dst[:n],
		IsCompressed:   true,
		OriginalSize:   len(src),
		CompressedSize: n,
	}, nil
}

// Decompress expands a compressed payload. The caller must supply the
// original size recorded at compression time.
func Decompress(src []byte, expectedUncompressedSize int) ([]byte, error) {
	dst := make([]byte, expectedUncompressedSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != expectedUncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, expectedUncompressedSize)
	}
	return dst, nil
}

// Stats returns a snapshot of the compressor counters.
func (c *Compressor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats
	if st.CompressedFrames == 0 {
		st.AverageRatio = 1.0
	} else {
		st.AverageRatio = c.ratioSum / float64(st.CompressedFrames)
	}
	return st
}

func passthrough(src []byte) Result {
	return Result{
		Data:           src,
		IsCompressed:   false,
		OriginalSize:   len(src),
		CompressedSize: len(src),
	}
}
