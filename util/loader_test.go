package util

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestLoadDirectoryImages(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for _, name := range []string{"frame-10.png", "frame-2.png", "street.png", "alley.PNG"} {
		writePNG(t, filepath.Join(dir, name), img)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	images, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, images, 4)

	var names []string
	for _, f := range images {
		names = append(names, filepath.Base(f.Path))
	}
	assert.Equal(t, []string{"frame-2.png", "frame-10.png", "alley.PNG", "street.png"}, names)
	assert.Equal(t, 2, images[0].Frame)
	assert.Equal(t, -1, images[3].Frame)

	decoded, err := images[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), decoded.Bounds())

	_, err = ImageFile{Path: "bad.png", Data: []byte("nope")}.Decode()
	assert.Error(t, err)

	_, err = LoadDirectoryImageFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestImageToTensor(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	img.Set(1, 0, color.RGBA{R: 0, G: 102, B: 255, A: 255})

	x := ImageToTensor(img)
	assert.Equal(t, []int{3, 1, 2}, []int(x.Shape()))
	assert.InDeltaSlice(t, []float32{1, 0, 0, 0.4, 0.2, 1}, x.Data().([]float32), 1e-6)
}
