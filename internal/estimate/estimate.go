// Package estimate guesses how well a file would compress without
// compressing it: a handful of evenly spaced blocks run through a
// fast LZ4 block coder stand in for the whole file.
package estimate

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// DefaultBlockSize is the sample block size.
	DefaultBlockSize = 64 << 10

	// DefaultThreshold is the ratio at or above which a file is not
	// worth handing to the filesystem.
	DefaultThreshold = 0.95

	// Sampled files get one sample per whole MiB, clamped to
	// [minSamples, maxSamples].
	sampleUnit = 1 << 20

	minSamples = 4
	maxSamples = 16
)

// Result is one estimate.
type Result struct {
	// Ratio is estimated compressed/original size, in (0, 1.5].
	// Values above 1 mean the samples expanded.
	Ratio float64

	// Sampled is false when the whole file was read, i.e. the ratio
	// is exact rather than an estimate.
	Sampled bool
}

// Estimator probes files for compressibility. It holds one reusable
// scratch pair and is not safe for concurrent use.
type Estimator struct {
	blockSize int
	src       []byte
	dst       []byte
	coder     lz4.Compressor
}

// New returns an Estimator with the given sample block size;
// blockSize <= 0 selects DefaultBlockSize.
func New(blockSize int) *Estimator {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Estimator{
		blockSize: blockSize,
		src:       make([]byte, blockSize),
		dst:       make([]byte, lz4.CompressBlockBound(blockSize)),
	}
}

// Estimate probes r, whose total length is length bytes.
func (e *Estimator) Estimate(r io.ReaderAt, length int64) (Result, error) {
	if length <= 0 {
		return Result{Ratio: 1.0}, nil
	}

	if length <= int64(e.blockSize) {
		in, out, err := e.sample(r, 0, int(length))
		if err != nil {
			return Result{}, err
		}
		return Result{Ratio: clamp(float64(out) / float64(in))}, nil
	}

	samples := length / sampleUnit
	if samples < minSamples {
		samples = minSamples
	}
	if samples > maxSamples {
		samples = maxSamples
	}
	step := (length - int64(e.blockSize)) / samples

	var totalIn, totalOut int64
	for i := int64(0); i < samples; i++ {
		in, out, err := e.sample(r, i*step, e.blockSize)
		if err != nil {
			return Result{}, err
		}
		totalIn += int64(in)
		totalOut += int64(out)
	}

	return Result{
		Ratio:   clamp(float64(totalOut) / float64(totalIn)),
		Sampled: true,
	}, nil
}

// sample reads n bytes at off and returns input and encoded sizes.
// An incompressible block (coder yields nothing smaller) counts as
// out == in.
func (e *Estimator) sample(r io.ReaderAt, off int64, n int) (in, out int, err error) {
	buf := e.src[:n]
	if _, err := io.ReadFull(io.NewSectionReader(r, off, int64(n)), buf); err != nil {
		return 0, 0, fmt.Errorf("read sample at %d: %w", off, err)
	}

	encoded, err := e.coder.CompressBlock(buf, e.dst)
	if err != nil {
		return 0, 0, fmt.Errorf("encode sample: %w", err)
	}
	if encoded == 0 || encoded >= n {
		encoded = n
	}
	return n, encoded, nil
}

func clamp(r float64) float64 {
	if r > 1.5 {
		return 1.5
	}
	if r <= 0 {
		return 0.01
	}
	return r
}
