package util

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the frame number of the image file, or -1 when the name holds
	// no number.
	Frame int
}

// Decode decodes the image file.
func (f ImageFile) Decode() (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	return img, errors.Wrapf(err, "could not decode %s", f.Path)
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Files named after a frame number ("frame-12.jpg" or "12.jpg") are sorted by
// that number, the others by path after them.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
// - error: Error if loading fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []ImageFile
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(file.Name()))
		switch ext {
		case ".jpg", ".jpeg", ".png":
			imgPath := filepath.Join(dir, file.Name())
			data, readErr := os.ReadFile(imgPath)
			if readErr != nil {
				return nil, readErr
			}
			frame, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(file.Name(), "frame-"), filepath.Ext(file.Name())))
			if err != nil {
				frame = -1
			}
			images = append(images, ImageFile{
				Path:  imgPath,
				Data:  data,
				Frame: frame,
			})
		}
	}

	sort.SliceStable(images, func(i, j int) bool {
		fi, fj := images[i].Frame, images[j].Frame
		if (fi < 0) != (fj < 0) {
			return fi >= 0
		}
		if fi != fj {
			return fi < fj
		}
		return images[i].Path < images[j].Path
	})

	return images, nil
}
