package mealupload

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// MaxUploadSize is the default byte ceiling for an accepted image.
const MaxUploadSize int64 = 10 << 20

// Validator rejects candidates before any network activity.
type Validator struct {
	MaxSize int64
	Allowed map[string]bool
}

// DefaultValidator accepts JPEG, PNG, HEIC and HEIF up to MaxUploadSize.
func DefaultValidator() Validator {
	return Validator{
		MaxSize: MaxUploadSize,
		Allowed: map[string]bool{
			MimeJPEG: true,
			MimePNG:  true,
			MimeHEIC: true,
			MimeHEIF: true,
		},
	}
}

// Validate checks c against the default validator.
func Validate(c UploadCandidate) error {
	return DefaultValidator().Validate(c)
}

// Validate checks the MIME type first, then the raw byte size.
func (v Validator) Validate(c UploadCandidate) error {
	mt := normalizeMimeType(c.MimeType)
	if !v.Allowed[mt] {
		return newError(StageValidate, CategoryValidation,
			fmt.Sprintf("unsupported file type %q: please choose a JPEG, PNG or HEIC photo", c.MimeType), nil)
	}

	size := int64(len(c.Data))
	if v.MaxSize > 0 && size > v.MaxSize {
		return newError(StageValidate, CategoryValidation,
			fmt.Sprintf("file too large: %s exceeds the %s limit",
				humanize.IBytes(uint64(size)), humanize.IBytes(uint64(v.MaxSize))), nil)
	}
	return nil
}
