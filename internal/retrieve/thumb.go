package retrieve

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"lanvault/internal/models"
	"lanvault/internal/pathauth"
)

const DefaultThumbSize = 256

// Thumbnail returns a JPEG no larger than max pixels on either side for
// the image at p. Results are cached under <state>/thumbs keyed by path,
// size and modification time.
func (s *Service) Thumbnail(p string, roots []string, max int) ([]byte, error) {
	if max <= 0 || max > 2048 {
		max = DefaultThumbSize
	}
	canon, err := pathauth.Resolve(p, roots)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(canon)
	if err != nil {
		return nil, classify(err, p)
	}
	if !st.Mode().IsRegular() || !IsImage(canon) {
		return nil, fmt.Errorf("%w: no thumbnail for %s", models.ErrNotFound, p)
	}

	sum := sha256.Sum256([]byte(canon))
	key := fmt.Sprintf("%s-%d-%d.jpg", hex.EncodeToString(sum[:12]), st.ModTime().UnixNano(), max)
	cached := filepath.Join(s.thumbDir, key)
	if b, err := os.ReadFile(cached); err == nil {
		return b, nil
	}

	b, err := makeThumb(canon, max)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", models.ErrNotFound, p, err)
	}
	if err := os.WriteFile(cached, b, 0o644); err != nil {
		s.log.WithError(err).Debug("thumbnail cache write")
	}
	return b, nil
}

func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else if h > max {
		nh = max
		nw = int(float64(w) * (float64(max) / float64(h)))
	}
	nw, nh = atLeastOne(nw), atLeastOne(nh)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
