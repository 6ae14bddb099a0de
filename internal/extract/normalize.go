package extract

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"

	"questpay/internal/fault"
)

// NormalizeImage decodes receipt bytes and caps the longest edge at maxEdge
// before the bytes are handed to the extractor. Bytes that do not decode as
// an image are an extraction failure, not a transient one.
func NormalizeImage(data []byte, maxEdge int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.KindExtraction, err, "unreadable receipt image")
	}
	bounds := img.Bounds()
	if maxEdge <= 0 || (bounds.Dx() <= maxEdge && bounds.Dy() <= maxEdge) {
		return data, nil
	}

	resized := imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fault.Wrap(fault.KindExtraction, err, "re-encode normalized receipt")
	}
	return buf.Bytes(), nil
}
