package processor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// decodable lists the source types the processor can read.
var decodable = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/webp": {},
	"image/gif":  {},
	"image/bmp":  {},
	"image/tiff": {},
}

// CanDecode reports whether mime is a readable source type.
func CanDecode(mime string) bool {
	_, ok := decodable[mime]
	return ok
}

// Load images, apply actions on them and then encode
type ImageProcessor struct {
	img image.Image
}

// Load decodes r according to its sniffed mime type. EXIF orientation is applied so
// converted photos are not rotated.
func (i *ImageProcessor) Load(r io.Reader, mime string) error {
	if !CanDecode(mime) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, mime)
	}

	var (
		img image.Image
		err error
	)
	if mime == "image/webp" {
		img, err = webp.Decode(r)
	} else {
		img, err = imaging.Decode(r, imaging.AutoOrientation(true))
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", mime, err)
	}
	i.img = img
	return nil
}

// Fit scales the image down so neither side exceeds maxDim. Zero keeps the size.
func (i *ImageProcessor) Fit(maxDim int) {
	if maxDim <= 0 {
		return
	}
	w, h := i.GetBounds()
	if w <= maxDim && h <= maxDim {
		return
	}
	i.img = imaging.Fit(i.img, maxDim, maxDim, imaging.Lanczos)
}

// Encode writes the image in the target mime type.
func (i *ImageProcessor) Encode(targetMime string, quality int) ([]byte, error) {
	switch targetMime {
	case "image/jpeg":
		return i.GetJPEG(quality)
	case "image/png":
		return i.GetPNG()
	default:
		return nil, fmt.Errorf("%w: cannot encode %s", ErrUnsupportedFormat, targetMime)
	}
}

func (i *ImageProcessor) GetPNG() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := png.Encode(buf, i.img)
	return buf.Bytes(), err
}

func (i *ImageProcessor) GetJPEG(quality int) ([]byte, error) {
	buf := new(bytes.Buffer)
	err := jpeg.Encode(buf, i.img, &jpeg.Options{Quality: quality})
	return buf.Bytes(), err
}

func (i *ImageProcessor) GetBounds() (int, int) {
	return i.img.Bounds().Size().X, i.img.Bounds().Size().Y
}
