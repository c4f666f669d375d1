package visual

import "fmt"

const (
	ssimWindow = 7
	ssimK1     = 0.01
	ssimK2     = 0.03
)

// integral is a summed-area table with one extra leading row and column.
type integral struct {
	w   int
	sum []float64
}

func newIntegral(w, h int, f func(i int) float64) *integral {
	stride := w + 1
	s := make([]float64, stride*(h+1))
	for y := 0; y < h; y++ {
		var row float64
		for x := 0; x < w; x++ {
			row += f(y*w + x)
			s[(y+1)*stride+x+1] = s[y*stride+x+1] + row
		}
	}
	return &integral{w: w, sum: s}
}

// box returns the sum over the n x n window with top-left corner (x, y).
func (in *integral) box(x, y, n int) float64 {
	stride := in.w + 1
	x2, y2 := x+n, y+n
	return in.sum[y2*stride+x2] - in.sum[y*stride+x2] - in.sum[y2*stride+x] + in.sum[y*stride+x]
}

// SSIM computes the mean structural similarity of two equally sized
// grayscale images with data range 1. Local statistics use a 7x7 uniform
// window with sample covariance, averaged over every window that lies
// fully inside the image.
func SSIM(a, b *Gray) (float64, error) {
	if a.W != b.W || a.H != b.H {
		return 0, fmt.Errorf("ssim: dimension mismatch %dx%d vs %dx%d", a.W, a.H, b.W, b.H)
	}
	if a.W < ssimWindow || a.H < ssimWindow {
		return 0, fmt.Errorf("ssim: image %dx%d smaller than %dx%d window", a.W, a.H, ssimWindow, ssimWindow)
	}

	sx := newIntegral(a.W, a.H, func(i int) float64 { return a.Pix[i] })
	sy := newIntegral(a.W, a.H, func(i int) float64 { return b.Pix[i] })
	sxx := newIntegral(a.W, a.H, func(i int) float64 { return a.Pix[i] * a.Pix[i] })
	syy := newIntegral(a.W, a.H, func(i int) float64 { return b.Pix[i] * b.Pix[i] })
	sxy := newIntegral(a.W, a.H, func(i int) float64 { return a.Pix[i] * b.Pix[i] })

	const np = ssimWindow * ssimWindow
	const covNorm = float64(np) / float64(np-1)
	const c1 = ssimK1 * ssimK1
	const c2 = ssimK2 * ssimK2

	var total float64
	var count int
	for y := 0; y+ssimWindow <= a.H; y++ {
		for x := 0; x+ssimWindow <= a.W; x++ {
			ux := sx.box(x, y, ssimWindow) / np
			uy := sy.box(x, y, ssimWindow) / np
			uxx := sxx.box(x, y, ssimWindow) / np
			uyy := syy.box(x, y, ssimWindow) / np
			uxy := sxy.box(x, y, ssimWindow) / np

			vx := covNorm * (uxx - ux*ux)
			vy := covNorm * (uyy - uy*uy)
			vxy := covNorm * (uxy - ux*uy)

			num := (2*ux*uy + c1) * (2*vxy + c2)
			den := (ux*ux + uy*uy + c1) * (vx + vy + c2)
			total += num / den
			count++
		}
	}
	return total / float64(count), nil
}
