package ocr

import (
	"image"
	"image/color"
)

// region is a pixel rectangle (origin top-left) to crop before OCR.
type region struct {
	Left   int
	Top    int
	Width  int
	Height int
}

// cropToRegion crops src to r, clamping the rectangle to src's bounds (spec
// §4.7: "clamp and crop {left, top, width, height} to image bounds"). A nil
// region is a no-op.
func cropToRegion(src image.Image, r *region) image.Image {
	if r == nil {
		return src
	}
	b := src.Bounds()

	left := clampInt(r.Left, b.Min.X, b.Max.X)
	top := clampInt(r.Top, b.Min.Y, b.Max.Y)
	right := clampInt(r.Left+r.Width, left, b.Max.X)
	bottom := clampInt(r.Top+r.Height, top, b.Max.Y)
	if right <= left || bottom <= top {
		return src
	}

	crop := image.Rect(left, top, right, bottom)
	sub, ok := src.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return src
	}
	return sub.SubImage(crop)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// toGreyscale converts to 8-bit greyscale, matching phash's opaque-composite
// approach for consistency across the codebase's image pipelines.
func toGreyscale(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, src.At(x, y))
		}
	}
	return dst
}

// normalize min-max stretches grey's intensity range to fill [0,255], which
// helps OCR on low-contrast UI captures (e.g. dark-mode screenshots).
func normalize(grey *image.Gray) *image.Gray {
	b := grey.Bounds()
	lo, hi := uint8(255), uint8(0)
	for _, v := range grey.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return grey
	}

	out := image.NewGray(b)
	scale := 255.0 / float64(hi-lo)
	for i, v := range grey.Pix {
		out.Pix[i] = uint8(clampFloat((float64(v)-float64(lo))*scale, 0, 255))
	}
	return out
}

// sharpen applies a mild 3x3 unsharp kernel to counteract the softness
// introduced by the source screenshot's JPEG compression.
func sharpen(grey *image.Gray) *image.Gray {
	b := grey.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)

	kernel := [3][3]float64{
		{0, -0.25, 0},
		{-0.25, 2, -0.25},
		{0, -0.25, 0},
	}

	at := func(x, y int) float64 {
		x = clampInt(x, 0, w-1)
		y = clampInt(y, 0, h-1)
		return float64(grey.GrayAt(x, y).Y)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					sum += kernel[ky+1][kx+1] * at(x+kx, y+ky)
				}
			}
			out.SetGray(x, y, color.Gray{Y: uint8(clampFloat(sum, 0, 255))})
		}
	}
	return out
}

// linearContrast applies spec §4.7's contrast-stretch formula:
// newPixel = clamp(alpha*pixel + beta, 0, 255).
func linearContrast(grey *image.Gray, alpha, beta float64) *image.Gray {
	out := image.NewGray(grey.Bounds())
	for i, v := range grey.Pix {
		out.Pix[i] = uint8(clampFloat(alpha*float64(v)+beta, 0, 255))
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// prepareForOCR runs the full pipeline: crop -> greyscale -> normalize ->
// sharpen -> contrast stretch (spec §4.7).
func prepareForOCR(src image.Image, r *region) *image.Gray {
	cropped := cropToRegion(src, r)
	grey := toGreyscale(cropped)
	grey = normalize(grey)
	grey = sharpen(grey)
	grey = linearContrast(grey, 1.2, -20)
	return grey
}
