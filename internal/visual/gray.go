package visual

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
)

// Luma weights used for RGB to grayscale conversion (ITU-R 709).
const (
	lumaR = 0.2125
	lumaG = 0.7154
	lumaB = 0.0721
)

// Gray is a single-channel image with intensities in [0,1].
type Gray struct {
	W, H int
	Pix  []float64
}

func newGray(w, h int) *Gray {
	return &Gray{W: w, H: h, Pix: make([]float64, w*h)}
}

// At returns the intensity at (x, y) with coordinates clamped to the image.
// Clamping a one-pixel overhang is the same as half-sample reflection.
func (g *Gray) At(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= g.W {
		x = g.W - 1
	}
	if y < 0 {
		y = 0
	} else if y >= g.H {
		y = g.H - 1
	}
	return g.Pix[y*g.W+x]
}

// Load decodes a PNG or JPEG file.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// ToGray converts img to luminance in [0,1]. Alpha is ignored.
func ToGray(img image.Image) *Gray {
	b := img.Bounds()
	g := newGray(b.Dx(), b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, gr, bl, _ := img.At(x, y).RGBA()
			g.Pix[i] = (lumaR*float64(r) + lumaG*float64(gr) + lumaB*float64(bl)) / 0xffff
			i++
		}
	}
	return g
}

// Resize scales img to w x h with bilinear interpolation. When an axis
// shrinks, the source is first blurred with a Gaussian of
// sigma = (scale-1)/2 on that axis so downscaling does not alias.
func Resize(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	sx := antialiasSigma(b.Dx(), w)
	sy := antialiasSigma(b.Dy(), h)
	src := img
	if sx > 0 || sy > 0 {
		src = gaussianBlur(img, sx, sy)
	}
	dst := image.NewRGBA64(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func antialiasSigma(in, out int) float64 {
	if out <= 0 || in <= out {
		return 0
	}
	return (float64(in)/float64(out) - 1) / 2
}

// gaussianKernel returns a normalised kernel truncated at four sigma.
func gaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(4*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		d := float64(i - radius)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// reflect maps i into [0,n) mirroring about the edges (d c b a | a b c d).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// gaussianBlur applies a separable Gaussian blur to every channel.
func gaussianBlur(img image.Image, sigmaX, sigmaY float64) *image.RGBA64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	const channels = 4
	buf := make([]float64, w*h*channels)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*w + x) * channels
			buf[i], buf[i+1], buf[i+2], buf[i+3] = float64(r), float64(g), float64(bl), float64(a)
		}
	}

	tmp := make([]float64, len(buf))
	kx := gaussianKernel(sigmaX)
	rx := len(kx) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < channels; c++ {
				var v float64
				for k, wt := range kx {
					v += wt * buf[(y*w+reflect(x+k-rx, w))*channels+c]
				}
				tmp[(y*w+x)*channels+c] = v
			}
		}
	}

	ky := gaussianKernel(sigmaY)
	ry := len(ky) / 2
	out := image.NewRGBA64(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var px [channels]float64
			for c := 0; c < channels; c++ {
				for k, wt := range ky {
					px[c] += wt * tmp[(reflect(y+k-ry, h)*w+x)*channels+c]
				}
			}
			o := out.PixOffset(x, y)
			for c := 0; c < channels; c++ {
				v := uint16(math.Round(math.Min(math.Max(px[c], 0), 0xffff)))
				out.Pix[o+2*c] = uint8(v >> 8)
				out.Pix[o+2*c+1] = uint8(v)
			}
		}
	}
	return out
}

// StdDev returns the population standard deviation of the intensities.
func (g *Gray) StdDev() float64 {
	n := float64(len(g.Pix))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range g.Pix {
		sum += v
	}
	mean := sum / n
	var sq float64
	for _, v := range g.Pix {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / n)
}

// Sobel returns the gradient magnitude normalised so that a full-range step
// edge yields 1/sqrt(2). Each axis uses the [1,2,1]/4 smoothing kernel.
func Sobel(g *Gray) *Gray {
	out := newGray(g.W, g.H)
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			tl, t, tr := g.At(x-1, y-1), g.At(x, y-1), g.At(x+1, y-1)
			l, r := g.At(x-1, y), g.At(x+1, y)
			bl, b, br := g.At(x-1, y+1), g.At(x, y+1), g.At(x+1, y+1)

			gy := ((tl + 2*t + tr) - (bl + 2*b + br)) / 4
			gx := ((tl + 2*l + bl) - (tr + 2*r + br)) / 4
			out.Pix[y*g.W+x] = math.Sqrt((gx*gx + gy*gy) / 2)
		}
	}
	return out
}

// EdgeRatio is the fraction of pixels whose Sobel magnitude exceeds 0.1.
func EdgeRatio(g *Gray) float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	edges := Sobel(g)
	n := 0
	for _, v := range edges.Pix {
		if v > edgeMagnitude {
			n++
		}
	}
	return float64(n) / float64(len(edges.Pix))
}

const edgeMagnitude = 0.1
