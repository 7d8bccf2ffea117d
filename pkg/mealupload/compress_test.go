package mealupload

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noiseImage returns an opaque image that compresses poorly.
func noiseImage(w, h int) *image.RGBA {
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

func encodeTestPNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeTestJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

func TestCompressor_NeedsCompression(t *testing.T) {
	c := NewCompressor(WithThreshold(100))

	assert.False(t, c.NeedsCompression(NewUploadCandidate("a.jpg", MimeJPEG, make([]byte, 99))))
	assert.True(t, c.NeedsCompression(NewUploadCandidate("a.jpg", MimeJPEG, make([]byte, 100))))
	assert.True(t, NewCompressor().NeedsCompression(NewUploadCandidate("a.jpg", MimeJPEG, make([]byte, DefaultCompressThreshold))))
}

func TestCompressor_UnderThresholdPassesThrough(t *testing.T) {
	data := []byte("not even an image")
	res, err := NewCompressor().Compress(context.Background(), NewUploadCandidate("lunch.jpg", MimeJPEG, data))
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, data, res.Data)
	assert.Equal(t, "lunch.jpg", res.FileName)
	assert.Equal(t, 1.0, res.Ratio)
}

func TestCompressor_PNGStaysPNG(t *testing.T) {
	data := encodeTestPNG(t, noiseImage(800, 600))
	c := NewCompressor(WithThreshold(1024), WithMaxDimension(400))

	res, err := c.Compress(context.Background(), NewUploadCandidate("plate.png", MimePNG, data))
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, MimePNG, res.MimeType)
	assert.Equal(t, "plate.png", res.FileName)
	assert.Less(t, res.CompressedSize, res.OriginalSize)
	assert.Less(t, res.Ratio, 1.0)

	img, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 300, img.Bounds().Dy())
}

func TestCompressor_JPEGIsResized(t *testing.T) {
	data := encodeTestJPEG(t, noiseImage(1000, 500), 100)
	c := NewCompressor(WithThreshold(1024), WithMaxDimension(500))

	res, err := c.Compress(context.Background(), NewUploadCandidate("bowl.jpeg", MimeJPEG, data))
	require.NoError(t, err)

	assert.Equal(t, MimeJPEG, res.MimeType)
	assert.Equal(t, "bowl.jpeg", res.FileName)
	assert.Less(t, len(res.Data), len(data))

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Width)
	assert.Equal(t, 250, cfg.Height)
}

func TestCompressor_QualityStepsDownToTarget(t *testing.T) {
	data := encodeTestJPEG(t, noiseImage(600, 600), 100)
	c := NewCompressor(WithThreshold(1024), WithTargetSize(1), WithQuality(80, 40))

	res, err := c.Compress(context.Background(), NewUploadCandidate("a.jpg", MimeJPEG, data))
	require.NoError(t, err)

	// An unreachable target ends at the minimum quality.
	src, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	want := encodeTestJPEG(t, src, 40)
	assert.Equal(t, len(want), len(res.Data))
}

func TestCompressor_HEICWithDecoderBecomesJPEG(t *testing.T) {
	var decoded bool
	heic := func(r io.Reader) (image.Image, error) {
		decoded = true
		return noiseImage(300, 200), nil
	}
	c := NewCompressor(WithThreshold(1024), WithDecoder(MimeHEIC, heic))

	data := bytes.Repeat([]byte{0x42}, 3<<20)
	res, err := c.Compress(context.Background(), NewUploadCandidate("dinner.heic", MimeHEIC, data))
	require.NoError(t, err)

	assert.True(t, decoded)
	assert.Equal(t, MimeJPEG, res.MimeType)
	assert.Equal(t, "dinner.jpg", res.FileName)
	assert.Equal(t, int64(3<<20), res.OriginalSize)
	assert.Equal(t, int64(len(res.Data)), res.CompressedSize)

	_, err = jpeg.DecodeConfig(bytes.NewReader(res.Data))
	assert.NoError(t, err)
}

func TestCompressor_DefaultDecoders(t *testing.T) {
	c := NewCompressor()
	for _, mt := range []string{MimeJPEG, MimePNG, MimeHEIC, MimeHEIF, "image/HEIC"} {
		assert.True(t, c.Decodes(mt), mt)
	}
	assert.False(t, c.Decodes("image/gif"))
}

func TestCompressor_CorruptHEICFails(t *testing.T) {
	c := NewCompressor(WithThreshold(1024))

	_, err := c.Compress(context.Background(), NewUploadCandidate("dinner.heic", MimeHEIC, make([]byte, 4096)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompression)
}

func TestCompressor_KeepsOriginalWhenNotSmaller(t *testing.T) {
	big := func(r io.Reader) (image.Image, error) {
		return noiseImage(400, 400), nil
	}
	c := NewCompressor(WithThreshold(0), WithDecoder(MimeJPEG, big))

	data := []byte("tiny")
	res, err := c.Compress(context.Background(), NewUploadCandidate("a.jpg", MimeJPEG, data))
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, data, res.Data)
	assert.Equal(t, 1.0, res.Ratio)
}

func TestCompressor_KeptOriginalHasNormalizedType(t *testing.T) {
	big := func(r io.Reader) (image.Image, error) {
		return noiseImage(400, 400), nil
	}
	c := NewCompressor(WithThreshold(0), WithDecoder(MimeJPEG, big))

	res, err := c.Compress(context.Background(), NewUploadCandidate("a.jpg", "image/JPEG; q=1", []byte("tiny")))
	require.NoError(t, err)
	assert.Equal(t, MimeJPEG, res.MimeType)

	res, err = NewCompressor().Compress(context.Background(), NewUploadCandidate("b.jpg", " Image/Jpeg ", []byte("tiny")))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, MimeJPEG, res.MimeType)
}

func TestCompressor_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCompressor(WithThreshold(0)).Compress(ctx, NewUploadCandidate("a.jpg", MimeJPEG, []byte("x")))
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestReplaceExtension(t *testing.T) {
	assert.Equal(t, "meal.jpg", replaceExtension("meal.HEIC", MimeJPEG))
	assert.Equal(t, "photo.png", replaceExtension("photo", MimePNG))
	assert.Equal(t, "meal.jpg", replaceExtension("", MimeJPEG))
}
