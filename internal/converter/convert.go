package converter

import (
	"bytes"
	"fmt"

	"github.com/Shaance/image-converter/internal/config"
	"github.com/Shaance/image-converter/internal/processor"
	"github.com/gabriel-vasile/mimetype"
)

// TargetMimes are the formats a batch may be converted to.
var TargetMimes = map[string]string{
	"image/jpeg": ".jpeg",
	"image/png":  ".png",
}

type Converter struct {
	MaxDimension int
	JPEGQuality  int
}

func New(cfg config.ImageConfig) Converter {
	return Converter{MaxDimension: cfg.MaxDimension, JPEGQuality: cfg.JPEGQuality}
}

// Convert sniffs payload and re-encodes it as targetMime. It returns the encoded bytes
// and the file extension for the target. Errors wrapping
// processor.ErrUnsupportedFormat will fail the same way on every retry.
func (c Converter) Convert(payload []byte, targetMime string) ([]byte, string, error) {
	ext, ok := TargetMimes[targetMime]
	if !ok {
		return nil, "", fmt.Errorf("%w: target %s", processor.ErrUnsupportedFormat, targetMime)
	}

	source := mimetype.Detect(payload)
	imgp := &processor.ImageProcessor{}
	if err := imgp.Load(bytes.NewReader(payload), source.String()); err != nil {
		return nil, "", err
	}
	imgp.Fit(c.MaxDimension)

	out, err := imgp.Encode(targetMime, c.JPEGQuality)
	if err != nil {
		return nil, "", fmt.Errorf("error encoding to %s: %w", targetMime, err)
	}
	return out, ext, nil
}
