// Package vision turns an attached image into searchable text. The analyzer
// guards size and format, then asks the generator's multimodal provider for
// a short description and the entities visible in the frame.
package vision

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"chronofact/internal/core"
)

// DefaultMaxImageBytes caps accepted images at 8 MiB.
const DefaultMaxImageBytes = 8 << 20

// Describer produces a visual context from raw image bytes. It is satisfied
// by *generator.Generator.
type Describer interface {
	AnalyzeImage(ctx context.Context, image []byte, mimeType, topic string) (core.VisualContext, error)
}

// Analyzer validates and describes attached images.
type Analyzer struct {
	gen      Describer
	maxBytes int
	logger   *zap.Logger
}

// NewAnalyzer creates an Analyzer. maxBytes <= 0 selects the default cap.
func NewAnalyzer(gen Describer, maxBytes int, logger *zap.Logger) *Analyzer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &Analyzer{gen: gen, maxBytes: maxBytes, logger: logger.Named("vision")}
}

// Describe checks the image and returns its visual context. The topic, when
// known, focuses the description on query-relevant detail.
func (a *Analyzer) Describe(ctx context.Context, image []byte, topic string) (core.VisualContext, error) {
	if len(image) == 0 {
		return core.VisualContext{}, fmt.Errorf("%w: image is empty", core.ErrInvalidRequest)
	}
	if len(image) > a.maxBytes {
		return core.VisualContext{}, fmt.Errorf("%w: image is %d bytes, limit is %d", core.ErrPayloadTooLarge, len(image), a.maxBytes)
	}
	mime, err := sniffImageType(image)
	if err != nil {
		return core.VisualContext{}, err
	}

	vc, err := a.gen.AnalyzeImage(ctx, image, mime, topic)
	if err != nil {
		return core.VisualContext{}, err
	}
	a.logger.Debug("image described",
		zap.String("mime_type", mime),
		zap.Int("bytes", len(image)),
		zap.Int("entities", len(vc.Entities)))
	return vc, nil
}

// sniffImageType identifies the format from the content itself; client-sent
// headers are never trusted.
func sniffImageType(image []byte) (string, error) {
	mime := http.DetectContentType(image)
	switch mime {
	case "image/jpeg", "image/png", "image/webp", "image/gif":
		return mime, nil
	}
	return "", fmt.Errorf("%w: unsupported image format %s (want jpeg, png, webp, or gif)", core.ErrInvalidRequest, mime)
}
