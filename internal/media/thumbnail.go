package media

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// thumbnailBounds is the bounding box thumbnails are fitted into.
const thumbnailBounds = 320

// generateThumbnail produces JPEG thumbnail bytes for image media.
// It returns nil for non-image mime types or undecodable bytes;
// thumbnail failure never fails the admission.
func generateThumbnail(data []byte, mimeType string) []byte {
	if !strings.HasPrefix(mimeType, "image/") {
		return nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	thumb := imaging.Fit(img, thumbnailBounds, thumbnailBounds, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil
	}
	return buf.Bytes()
}
