package embedding

import (
	"fmt"

	"chronofact/internal/core"
)

// =============================================================================
// MULTIMODAL FUSION
// =============================================================================

// Fusion modes for combining text and image vectors from the shared space.
const (
	FusionTextOnly      = "text_only"
	FusionImageOnly     = "image_only"
	FusionMean          = "mean"
	FusionTextWeighted  = "text_weighted"
	FusionImageWeighted = "image_weighted"
)

// Fuse combines a text vector and an image vector into a single multimodal
// vector. Both inputs come from the same shared space. The result is
// L2-normalized. alpha is the weight of the named modality in the weighted
// modes and must be in [0, 1].
//
// When only one modality is present it is used regardless of mode, so any
// nonempty input produces a vector.
func Fuse(textVec, imageVec []float32, mode string, alpha float64) ([]float32, error) {
	if len(textVec) == 0 && len(imageVec) == 0 {
		return nil, fmt.Errorf("%w: fusion requires at least one modality", core.ErrInvalidRequest)
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: fusion alpha %.2f out of range [0,1]", core.ErrInvalidRequest, alpha)
	}

	if len(imageVec) == 0 {
		return normalizedCopy(textVec), nil
	}
	if len(textVec) == 0 {
		return normalizedCopy(imageVec), nil
	}

	if len(textVec) != len(imageVec) {
		return nil, fmt.Errorf("%w: fusion dimension mismatch: text %d vs image %d",
			core.ErrInvalidRequest, len(textVec), len(imageVec))
	}

	var wText, wImage float64
	switch mode {
	case FusionTextOnly:
		return normalizedCopy(textVec), nil
	case FusionImageOnly:
		return normalizedCopy(imageVec), nil
	case FusionMean:
		wText, wImage = 0.5, 0.5
	case FusionTextWeighted:
		wText, wImage = alpha, 1-alpha
	case FusionImageWeighted:
		wText, wImage = 1-alpha, alpha
	default:
		return nil, fmt.Errorf("%w: unknown fusion mode %q", core.ErrInvalidRequest, mode)
	}

	fused := make([]float32, len(textVec))
	for i := range fused {
		fused[i] = float32(wText*float64(textVec[i]) + wImage*float64(imageVec[i]))
	}
	Normalize(fused)
	return fused, nil
}

func normalizedCopy(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	Normalize(out)
	return out
}
