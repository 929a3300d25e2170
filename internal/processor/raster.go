package processor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeDimensions reads the pixel size and format from a raster header
// without decoding the pixels
func DecodeDimensions(data []byte) (width, height int, format string, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, "", fmt.Errorf("failed to decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, format, nil
}

// EnsureDimensions fills Width and Height from the raster when the extractor
// did not report them. Records that already carry both are left alone.
func EnsureDimensions(img *ImageRecord, load ImageLoader) error {
	if img.Width > 0 && img.Height > 0 {
		return nil
	}
	if load == nil {
		load = LoadImageData
	}

	data, err := load(img)
	if err != nil {
		return err
	}

	w, h, _, err := DecodeDimensions(data)
	if err != nil {
		return fmt.Errorf("%s: %w", img.Filename, err)
	}
	img.Width, img.Height = w, h
	return nil
}
