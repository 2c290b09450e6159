package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeAndInspect(t *testing.T) {
	t.Parallel()

	data := encodePNG(t, 120, 80)
	img, info, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Info{Width: 120, Height: 80, Format: "png"}, info)
	assert.Equal(t, 120, img.Bounds().Dx())

	header, err := Inspect(data)
	require.NoError(t, err)
	assert.Equal(t, info, header)

	_, _, err = Decode([]byte("<html>not an image</html>"))
	require.ErrorIs(t, err, ErrInvalidImage)
	_, err = Inspect(nil)
	require.ErrorIs(t, err, ErrInvalidImage)
}

func TestCheckDimensions(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckDimensions(Info{Width: 64, Height: 64}, 64))
	require.ErrorIs(t, CheckDimensions(Info{Width: 200, Height: 63}, 64), ErrTooSmall)
	require.NoError(t, CheckDimensions(Info{Width: 1, Height: 1}, 0))
}

func TestPaddedRect(t *testing.T) {
	t.Parallel()

	bounds := image.Rect(0, 0, 200, 200)
	box := crawler.BoundingBox{X1: 50, Y1: 50, X2: 150, Y2: 150}
	assert.Equal(t, image.Rect(40, 40, 160, 160), PaddedRect(box, 0.1, bounds))

	edge := crawler.BoundingBox{X1: 0, Y1: 5, X2: 100, Y2: 100}
	assert.Equal(t, image.Rect(0, 0, 110, 110), PaddedRect(edge, 0.1, bounds))

	outside := crawler.BoundingBox{X1: 300, Y1: 300, X2: 400, Y2: 400}
	assert.True(t, PaddedRect(outside, 0.1, bounds).Empty())
}

func TestCropFace(t *testing.T) {
	t.Parallel()

	img, _, err := Decode(encodePNG(t, 200, 200))
	require.NoError(t, err)

	thumb, err := CropFace(img, crawler.BoundingBox{X1: 50, Y1: 50, X2: 150, Y2: 150}, 0.1, 0)
	require.NoError(t, err)
	_, info, err := Decode(thumb)
	require.NoError(t, err)
	assert.Equal(t, Info{Width: 120, Height: 120, Format: "jpeg"}, info)

	scaled, err := CropFace(img, crawler.BoundingBox{X1: 0, Y1: 0, X2: 200, Y2: 100}, 0, 50)
	require.NoError(t, err)
	_, info, err = Decode(scaled)
	require.NoError(t, err)
	assert.Equal(t, 50, info.Width)
	assert.Equal(t, 25, info.Height)

	_, err = CropFace(img, crawler.BoundingBox{X1: 500, Y1: 500, X2: 600, Y2: 600}, 0.1, 0)
	require.ErrorIs(t, err, ErrInvalidImage)
}
