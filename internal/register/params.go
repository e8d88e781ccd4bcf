// Package register implements linear stack alignment: translation-only
// registration of the frames of a multi-frame stack against a running
// reference, using the fixed SIFT-style parameter set the harness applies
// to every job.
package register

import (
	"fmt"
	"strings"
)

// TransformationModel enumerates the geometric models the aligner knows
// about. Only Translation is applied by this harness.
type TransformationModel int

const (
	Translation TransformationModel = iota
	Rigid
	Similarity
	Affine
)

func (m TransformationModel) String() string {
	switch m {
	case Translation:
		return "Translation"
	case Rigid:
		return "Rigid"
	case Similarity:
		return "Similarity"
	case Affine:
		return "Affine"
	default:
		return fmt.Sprintf("TransformationModel(%d)", int(m))
	}
}

// Params is the registration parameter record. It is hard-coded: every job
// in one harness process runs with DefaultParams, with no per-job override.
type Params struct {
	InitialGaussianBlur              float64
	StepsPerScaleOctave              int
	MinimumImageSize                 int
	MaximumImageSize                 int
	FeatureDescriptorSize            int
	FeatureDescriptorOrientationBins int
	ClosestNextClosestRatio          float64
	MaximalAlignmentError            float64
	InlierRatio                      float64
	ExpectedTransformation           TransformationModel
	Interpolate                      bool
	ShowTransformationMatrix         bool
}

// DefaultParams returns the fixed parameter set used for every job.
func DefaultParams() Params {
	return Params{
		InitialGaussianBlur:              1.60,
		StepsPerScaleOctave:              3,
		MinimumImageSize:                 64,
		MaximumImageSize:                 1024,
		FeatureDescriptorSize:            4,
		FeatureDescriptorOrientationBins: 8,
		ClosestNextClosestRatio:          0.92,
		MaximalAlignmentError:            25,
		InlierRatio:                      0.05,
		ExpectedTransformation:           Translation,
		Interpolate:                      true,
		ShowTransformationMatrix:         true,
	}
}

// Describe renders the human-readable parameter block that opens every
// execution log.
func (p Params) Describe() string {
	var b strings.Builder
	b.WriteString("Linear Stack Alignment with SIFT parameter:\n\n")
	fmt.Fprintf(&b, "initial_gaussian_blur = %.2f\n", p.InitialGaussianBlur)
	fmt.Fprintf(&b, "steps_per_scale_octave = %d\n", p.StepsPerScaleOctave)
	fmt.Fprintf(&b, "minimum_image_size = %d\n", p.MinimumImageSize)
	fmt.Fprintf(&b, "maximum_image_size = %d\n", p.MaximumImageSize)
	fmt.Fprintf(&b, "feature_descriptor_size = %d\n", p.FeatureDescriptorSize)
	fmt.Fprintf(&b, "feature_descriptor_orientation_bins = %d\n", p.FeatureDescriptorOrientationBins)
	fmt.Fprintf(&b, "closest/next_closest_ratio = %.2f\n", p.ClosestNextClosestRatio)
	fmt.Fprintf(&b, "maximal_alignment_error = %g\n", p.MaximalAlignmentError)
	fmt.Fprintf(&b, "inlier_ratio = %.2f\n", p.InlierRatio)
	fmt.Fprintf(&b, "expected_transformation = %s\n", p.ExpectedTransformation)
	if p.Interpolate {
		b.WriteString("interpolate\n")
	}
	if p.ShowTransformationMatrix {
		b.WriteString("show_transformation_matrix\n")
	}
	return b.String()
}
