// Package visual judges captured screenshots: blank detection, edge-density
// based UI detection and structural similarity against a baseline.
package visual

import (
	"fmt"
	"image"
)

// Thresholds tune the verifier. Blank is expressed in 8-bit intensity units.
type Thresholds struct {
	Blank       float64 `mapstructure:"blank"`
	EdgeDensity float64 `mapstructure:"edge"`
	SSIM        float64 `mapstructure:"ssim"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Blank: 3, EdgeDensity: 0.005, SSIM: 0.95}
}

// Verifier classifies screenshots against configured thresholds.
type Verifier struct {
	Thresholds Thresholds
}

// New creates a Verifier.
func New(t Thresholds) *Verifier {
	return &Verifier{Thresholds: t}
}

// IsBlank reports whether the image is effectively one colour, along with
// the measured standard deviation in [0,1].
func (v *Verifier) IsBlank(img image.Image) (bool, float64) {
	std := ToGray(img).StdDev()
	return std < v.Thresholds.Blank/255, std
}

// HasUIElements reports whether enough of the image is edges to suggest
// rendered UI, along with the measured edge ratio.
func (v *Verifier) HasUIElements(img image.Image) (bool, float64) {
	ratio := EdgeRatio(ToGray(img))
	return ratio > v.Thresholds.EdgeDensity, ratio
}

// Compare scores img against baseline. The baseline is resized to img's
// dimensions when they differ.
func (v *Verifier) Compare(img, baseline image.Image) (float64, bool, error) {
	if img.Bounds().Size() != baseline.Bounds().Size() {
		baseline = Resize(baseline, img.Bounds().Dx(), img.Bounds().Dy())
	}
	score, err := SSIM(ToGray(img), ToGray(baseline))
	if err != nil {
		return 0, false, err
	}
	return score, score >= v.Thresholds.SSIM, nil
}

// Verify checks the screenshot at imagePath and, when baselinePath is
// non-empty, compares it to the baseline. The message always explains the
// outcome and carries the SSIM score when a comparison ran.
func (v *Verifier) Verify(imagePath, baselinePath string) (bool, string) {
	img, err := Load(imagePath)
	if err != nil {
		return false, fmt.Sprintf("cannot read image: %v", err)
	}

	if blank, _ := v.IsBlank(img); blank {
		return false, "image is blank (failed render)"
	}
	if ok, _ := v.HasUIElements(img); !ok {
		return false, "no UI elements detected"
	}

	if baselinePath == "" {
		return true, "screenshot looks valid"
	}

	baseline, err := Load(baselinePath)
	if err != nil {
		return false, fmt.Sprintf("cannot read baseline: %v", err)
	}
	score, passed, err := v.Compare(img, baseline)
	if err != nil {
		return false, fmt.Sprintf("cannot compare with baseline: %v", err)
	}
	if !passed {
		return false, fmt.Sprintf("SSIM %.3f below threshold %g", score, v.Thresholds.SSIM)
	}
	return true, fmt.Sprintf("screenshot matches baseline (SSIM %.3f)", score)
}
