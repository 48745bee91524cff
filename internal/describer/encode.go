package describer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/kerixyz/video-streamlit/internal/models"
)

// MaxEdge is the longest side, in pixels, of frames sent to a model.
const MaxEdge = 768

// EncodeJPEG encodes a frame as JPEG, downscaling so neither side exceeds
// maxEdge. maxEdge <= 0 keeps the original size.
func EncodeJPEG(f models.Frame, maxEdge int) ([]byte, error) {
	if f.Width <= 0 || f.Height <= 0 || len(f.Pix) < f.Width*f.Height*3 {
		return nil, fmt.Errorf("%w: frame %d has no pixel data", ErrRejected, f.Index)
	}

	var img image.Image = f.Image()
	if w, h := scaled(f.Width, f.Height, maxEdge); w != f.Width || h != f.Height {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("%w: encode frame %d: %v", ErrRejected, f.Index, err)
	}
	return buf.Bytes(), nil
}

// DataURL embeds JPEG bytes as a base64 data URL.
func DataURL(jpegData []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)
}

func scaled(w, h, maxEdge int) (int, int) {
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return w, h
	}
	if w >= h {
		return maxEdge, max(1, h*maxEdge/w)
	}
	return max(1, w*maxEdge/h), maxEdge
}
