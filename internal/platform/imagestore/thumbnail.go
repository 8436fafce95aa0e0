package imagestore

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/image/draw"
)

const thumbnailMaxDim = 256

// WriteThumbnail renders the first pixel-data frame of a parsed dataset to a
// bounded JPEG next to the other thumbnails and returns its path. Datasets
// without decodable pixel data return an error; callers treat thumbnails as
// best-effort.
func (s *Store) WriteThumbnail(sopInstanceUID string, ds *dicom.Dataset) (string, error) {
	src, err := firstFrameImage(ds)
	if err != nil {
		return "", err
	}

	path, err := s.guard(filepath.Join(s.thumbRoot, sopInstanceUID+".jpg"), s.thumbRoot)
	if err != nil {
		return "", err
	}

	thumb := scaleToFit(src, thumbnailMaxDim)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create thumbnail %s: %w", sopInstanceUID, err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, thumb, &jpeg.Options{Quality: 85}); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("encode thumbnail %s: %w", sopInstanceUID, err)
	}
	return path, nil
}

func firstFrameImage(ds *dicom.Dataset) (image.Image, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %w", err)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, fmt.Errorf("pixel data holds no frames")
	}
	img, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// scaleToFit shrinks an image so its longest side is at most maxDim,
// preserving aspect ratio. Images already within bounds are returned scaled
// 1:1 into an RGBA buffer so the JPEG encoder always sees a known format.
func scaleToFit(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := 1.0
	if w > maxDim || h > maxDim {
		if w >= h {
			scale = float64(maxDim) / float64(w)
		} else {
			scale = float64(maxDim) / float64(h)
		}
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
