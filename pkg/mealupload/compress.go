package mealupload

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/gen2brain/heic"
	"github.com/nfnt/resize"
)

// Compressor defaults.
const (
	DefaultCompressThreshold int64 = 2 << 20
	DefaultMaxDimension      uint  = 1920
	DefaultJPEGQuality             = 80
	DefaultMinJPEGQuality          = 40
	DefaultTargetSize        int64 = 1 << 20
)

// DecodeFunc decodes one image format.
type DecodeFunc func(io.Reader) (image.Image, error)

// Compressor shrinks large images before upload. HEIC and HEIF inputs are
// decoded in pure Go and normalized to JPEG.
type Compressor struct {
	threshold    int64
	maxDimension uint
	quality      int
	minQuality   int
	targetSize   int64
	decoders     map[string]DecodeFunc
}

// CompressorOption configures a Compressor.
type CompressorOption func(*Compressor)

// WithThreshold sets the size at or above which images are compressed.
func WithThreshold(n int64) CompressorOption {
	return func(c *Compressor) {
		c.threshold = n
	}
}

// WithMaxDimension bounds the output width and height in pixels.
func WithMaxDimension(px uint) CompressorOption {
	return func(c *Compressor) {
		c.maxDimension = px
	}
}

// WithQuality sets the starting and minimum JPEG quality.
func WithQuality(start, min int) CompressorOption {
	return func(c *Compressor) {
		c.quality = start
		c.minQuality = min
	}
}

// WithTargetSize sets the output size the JPEG quality search aims for.
func WithTargetSize(n int64) CompressorOption {
	return func(c *Compressor) {
		c.targetSize = n
	}
}

// WithDecoder registers a decoder for a MIME type, e.g. a HEIC decoder.
func WithDecoder(mimeType string, fn DecodeFunc) CompressorOption {
	return func(c *Compressor) {
		c.decoders[normalizeMimeType(mimeType)] = fn
	}
}

// NewCompressor creates a Compressor with the package defaults.
func NewCompressor(opts ...CompressorOption) *Compressor {
	c := &Compressor{
		threshold:    DefaultCompressThreshold,
		maxDimension: DefaultMaxDimension,
		quality:      DefaultJPEGQuality,
		minQuality:   DefaultMinJPEGQuality,
		targetSize:   DefaultTargetSize,
		decoders: map[string]DecodeFunc{
			MimeJPEG: jpeg.Decode,
			MimePNG:  png.Decode,
			MimeHEIC: heic.Decode,
			MimeHEIF: heic.Decode,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.minQuality <= 0 || c.minQuality > c.quality {
		c.minQuality = c.quality
	}
	return c
}

// Decodes reports whether a decoder is registered for mimeType.
func (c *Compressor) Decodes(mimeType string) bool {
	_, ok := c.decoders[normalizeMimeType(mimeType)]
	return ok
}

// NeedsCompression reports whether c is at or above the threshold.
func (c *Compressor) NeedsCompression(cand UploadCandidate) bool {
	return int64(len(cand.Data)) >= c.threshold
}

// Compress returns a smaller rendition of cand, or cand unchanged when it is
// under the threshold or re-encoding would not shrink it.
func (c *Compressor) Compress(ctx context.Context, cand UploadCandidate) (CompressionResult, error) {
	original := int64(len(cand.Data))
	passthrough := CompressionResult{
		Data:           cand.Data,
		MimeType:       normalizeMimeType(cand.MimeType),
		FileName:       cand.FileName,
		OriginalSize:   original,
		CompressedSize: original,
		Ratio:          1,
		Skipped:        true,
	}
	if !c.NeedsCompression(cand) {
		return passthrough, nil
	}
	if ctx.Err() != nil {
		return CompressionResult{}, contextError(ctx, StageCompress)
	}

	mt := normalizeMimeType(cand.MimeType)
	decode, ok := c.decoders[mt]
	if !ok {
		decode = decodeRegistered
	}
	img, err := decode(bytes.NewReader(cand.Data))
	if err != nil {
		return CompressionResult{}, newError(StageCompress, CategoryCompression,
			"could not read the image for compression", err)
	}

	img = resize.Thumbnail(c.maxDimension, c.maxDimension, img, resize.Lanczos3)

	outType := MimeJPEG
	var out []byte
	if mt == MimePNG {
		outType = MimePNG
		out, err = encodePNG(img)
	} else {
		out, err = c.encodeJPEG(ctx, img)
	}
	if err != nil {
		if ctx.Err() != nil {
			return CompressionResult{}, contextError(ctx, StageCompress)
		}
		return CompressionResult{}, newError(StageCompress, CategoryCompression,
			"could not compress the image", err)
	}

	if int64(len(out)) >= original {
		passthrough.Skipped = false
		return passthrough, nil
	}

	name := cand.FileName
	if outType != mt {
		name = replaceExtension(name, outType)
	}
	return CompressionResult{
		Data:           out,
		MimeType:       outType,
		FileName:       name,
		OriginalSize:   original,
		CompressedSize: int64(len(out)),
		Ratio:          float64(len(out)) / float64(original),
	}, nil
}

// encodeJPEG lowers quality in steps of 10 until the output fits the target.
func (c *Compressor) encodeJPEG(ctx context.Context, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	for q := c.quality; ; q -= 10 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, err
		}
		if int64(buf.Len()) <= c.targetSize || q-10 < c.minQuality {
			return bytes.Clone(buf.Bytes()), nil
		}
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRegistered(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

// replaceExtension rewrites the extension so downstream content-type
// inference from the name matches the new payload.
func replaceExtension(name, mimeType string) string {
	ext := ".jpg"
	if mimeType == MimePNG {
		ext = ".png"
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = "meal"
	}
	return base + ext
}
