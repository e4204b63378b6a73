// Package masking applies mosaic and blur redaction to video frames using
// detection logs and a masking policy.
package masking

import (
	"fmt"
	"math"
	"strings"
)

// Range selects which regions of a frame receive the effect.
type Range int

const (
	RangeNone Range = iota
	RangeBackground
	RangeSelected
	RangeUnselected
)

func (r Range) String() string {
	switch r {
	case RangeNone:
		return "none"
	case RangeBackground:
		return "background"
	case RangeSelected:
		return "selected"
	case RangeUnselected:
		return "unselected"
	default:
		return fmt.Sprintf("range(%d)", int(r))
	}
}

// ParseRange accepts a range name or its legacy numeric code ("0".."3").
func ParseRange(s string) (Range, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0":
		return RangeNone, nil
	case "background", "bg", "1":
		return RangeBackground, nil
	case "selected", "2":
		return RangeSelected, nil
	case "unselected", "3":
		return RangeUnselected, nil
	default:
		return 0, fmt.Errorf("unknown masking range %q", s)
	}
}

// Tool selects the redaction effect.
type Tool int

const (
	ToolMosaic Tool = iota
	ToolBlur
)

func (t Tool) String() string {
	switch t {
	case ToolMosaic:
		return "mosaic"
	case ToolBlur:
		return "blur"
	default:
		return fmt.Sprintf("tool(%d)", int(t))
	}
}

// ParseTool accepts a tool name or its legacy numeric code ("0" mosaic, "1" blur).
func ParseTool(s string) (Tool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mosaic", "0":
		return ToolMosaic, nil
	case "blur", "1":
		return ToolBlur, nil
	default:
		return 0, fmt.Errorf("unknown masking tool %q", s)
	}
}

// Policy is the complete masking decision input.
type Policy struct {
	Range    Range
	Tool     Tool
	Strength int
}

func (p Policy) String() string {
	return fmt.Sprintf("%s/%s/%d", p.Range, p.Tool, p.Strength)
}

// scale converts canvas pixels into source pixels. It is fixed at 1.0 until
// resolution-aware scaling is introduced.
const scale = 1.0

// MaxStrength is the strongest accepted masking level. Stronger values are
// treated as MaxStrength.
const MaxStrength = 1000

// clampStrength bounds lvl to [0, MaxStrength].
func clampStrength(lvl int) int {
	return min(max(lvl, 0), MaxStrength)
}

// MosaicDivisor returns the downsampling divisor for strength lvl.
func MosaicDivisor(lvl int) int {
	return clampStrength(lvl)*2 + 10
}

// BlurKernelSize returns the odd Gaussian kernel size for strength lvl on a
// w×h region, capped so tiny regions never get an oversized kernel.
func BlurKernelSize(lvl int, s float64, w, h int) int {
	canvas := float64(clampStrength(lvl)*2 + 10)
	src := math.Max(1.0, canvas/math.Max(s, 1e-6))
	k := max(3, 2*int(math.RoundToEven(src))+1)
	if k%2 == 0 {
		k++
	}
	if limit := 2*max(w, h) - 1; k > limit {
		k = limit
	}
	return k
}

// gaussianSigma derives the spread from the kernel size the way OpenCV does
// when sigma is left at zero.
func gaussianSigma(k int) float64 {
	return 0.3*((float64(k)-1)*0.5-1) + 0.8
}
