// Package phash implements the 64-bit DCT perceptual hash codec (spec §4.1):
// decode -> greyscale -> resize to 32x32 -> 2D DCT -> 8x8 low-frequency block
// -> median threshold -> 16-char hex digest, plus Hamming distance and the
// duplicate predicate used by the capture buffer (C2).
package phash

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"sort"

	ximage "golang.org/x/image/draw"
)

const (
	hashSize  = 8  // 8x8 low-frequency block -> 64 bits
	imageSize = 32 // resize target before DCT
)

// ErrDecode is returned when the input bytes cannot be decoded as an image.
// The capture buffer treats this as the fatal "decode_failed" rejection
// reason from spec §4.1.
type ErrDecode struct{ Cause error }

func (e *ErrDecode) Error() string { return fmt.Sprintf("phash: decode failed: %v", e.Cause) }
func (e *ErrDecode) Unwrap() error { return e.Cause }

// Compute derives the 16-char lowercase hex pHash of raw image bytes. The
// function is pure over bytes and independent of file format (jpeg/png/gif
// are all decodable via the stdlib registry below).
func Compute(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", &ErrDecode{Cause: err}
	}
	return ComputeImage(img), nil
}

// ComputeImage derives the pHash of an already-decoded image.Image.
func ComputeImage(img image.Image) string {
	grey := toGreyscaleNoAlpha(img)
	small := resize32(grey)
	coeffs := dct2D(small)

	// Low-frequency 8x8 block (including DC at [0][0]).
	block := make([]float64, hashSize*hashSize)
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			block[y*hashSize+x] = coeffs[y][x]
		}
	}

	median := medianExcludingDC(block)

	var bitsOut uint64
	for i, v := range block {
		if v > median {
			bitsOut |= 1 << uint(63-i)
		}
	}

	return fmt.Sprintf("%016x", bitsOut)
}

// medianExcludingDC computes the median of the 63 non-DC coefficients
// (block[0] is the DC term) while still returning a value comparable
// against every entry of block, DC included, as spec §4.1 requires
// ("bit i is 1 iff coefficient i > median" over all 64 coefficients).
func medianExcludingDC(block []float64) float64 {
	rest := make([]float64, 0, len(block)-1)
	for i, v := range block {
		if i == 0 {
			continue
		}
		rest = append(rest, v)
	}
	sort.Float64s(rest)
	n := len(rest)
	if n%2 == 1 {
		return rest[n/2]
	}
	return (rest[n/2-1] + rest[n/2]) / 2
}

// toGreyscaleNoAlpha strips alpha (composites onto opaque black, matching a
// typical screenshot's assumed-opaque background) and converts to 8-bit
// greyscale.
func toGreyscaleNoAlpha(img image.Image) *image.Gray {
	bounds := img.Bounds()
	opaque := image.NewRGBA(bounds)
	draw.Draw(opaque, bounds, image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(opaque, bounds, img, bounds.Min, draw.Over)

	grey := image.NewGray(bounds)
	draw.Draw(grey, bounds, opaque, bounds.Min, draw.Src)
	return grey
}

// resize32 bilinearly resizes to imageSize x imageSize.
func resize32(src *image.Gray) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, imageSize, imageSize))
	ximage.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), ximage.Over, nil)
	return dst
}

// dct2D computes the 2-D type-II DCT of a 32x32 greyscale image and returns
// the full 32x32 coefficient matrix; callers take the top-left 8x8 block.
func dct2D(img *image.Gray) [][]float64 {
	n := imageSize
	pixels := make([][]float64, n)
	for y := 0; y < n; y++ {
		pixels[y] = make([]float64, n)
		for x := 0; x < n; x++ {
			pixels[y][x] = float64(img.GrayAt(x, y).Y)
		}
	}

	// Separable DCT: rows then columns.
	rowDCT := make([][]float64, n)
	for y := 0; y < n; y++ {
		rowDCT[y] = dct1D(pixels[y])
	}

	result := make([][]float64, n)
	for i := 0; i < n; i++ {
		result[i] = make([]float64, n)
	}
	col := make([]float64, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = rowDCT[y][x]
		}
		out := dct1D(col)
		for y := 0; y < n; y++ {
			result[y][x] = out[y]
		}
	}

	return result
}

// dct1D computes a naive O(n^2) type-II DCT of a single row/column. n=32 so
// this is cheap enough to not warrant an FFT-based implementation.
func dct1D(in []float64) []float64 {
	n := len(in)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += in[i] * math.Cos(math.Pi/float64(n)*(float64(i)+0.5)*float64(k))
		}
		alpha := math.Sqrt(2.0 / float64(n))
		if k == 0 {
			alpha = math.Sqrt(1.0 / float64(n))
		}
		out[k] = alpha * sum
	}
	return out
}

// Hamming returns the Hamming distance between two 16-char hex pHashes. It
// returns -1 if either hash is malformed (not treated as fatal by callers;
// malformed input degrades to "never a duplicate").
func Hamming(a, b string) int {
	av, aerr := parseHex(a)
	bv, berr := parseHex(b)
	if aerr != nil || berr != nil {
		return -1
	}
	return bits.OnesCount64(av ^ bv)
}

func parseHex(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("phash: invalid hash length %d", len(s))
	}
	var v uint64
	_, err := fmt.Sscanf(s, "%016x", &v)
	return v, err
}

// IsDuplicate reports whether current is within threshold Hamming distance
// of last (spec §4.1's duplicate predicate). A missing last hash (first
// capture for a source) is never a duplicate.
func IsDuplicate(current, last string, threshold int) bool {
	if last == "" {
		return false
	}
	d := Hamming(current, last)
	if d < 0 {
		return false
	}
	return d <= threshold
}
