package mealupload

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies a pipeline failure by the action a user can take.
type Category string

const (
	CategoryNone          Category = ""
	CategoryValidation    Category = "validation"
	CategoryConnectivity  Category = "connectivity"
	CategoryAuthorization Category = "authorization"
	CategoryQuota         Category = "quota"
	CategoryServer        Category = "server"
	CategoryRejected      Category = "rejected"
	CategoryCompression   Category = "compression"
	CategoryCanceled      Category = "canceled"
)

// Retryable reports whether re-running the pipeline may succeed without the
// user changing anything.
func (c Category) Retryable() bool {
	return c == CategoryConnectivity || c == CategoryServer
}

// Stage names the pipeline step that produced an error.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageCompress   Stage = "compress"
	StageUploadSlot Stage = "upload-slot"
	StageTransfer   Stage = "transfer"
	StageAnalyze    Stage = "analyze"
	StageQuota      Stage = "quota"
)

// Category sentinels, matched by errors.Is against any *Error of that category.
var (
	ErrValidation    = errors.New("validation failed")
	ErrConnectivity  = errors.New("connectivity problem")
	ErrAuthorization = errors.New("upload slot rejected")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrServer        = errors.New("server error")
	ErrRejected      = errors.New("request rejected")
	ErrCompression   = errors.New("compression failed")
	ErrCanceled      = errors.New("canceled")
)

var (
	// ErrRunInProgress is returned when Run is called while another run is active.
	ErrRunInProgress = errors.New("pipeline run already in progress")

	// ErrTimeout is the cause attached to stage contexts whose budget ran out.
	ErrTimeout = errors.New("request timed out")
)

var categorySentinels = map[Category]error{
	CategoryValidation:    ErrValidation,
	CategoryConnectivity:  ErrConnectivity,
	CategoryAuthorization: ErrAuthorization,
	CategoryQuota:         ErrQuotaExceeded,
	CategoryServer:        ErrServer,
	CategoryRejected:      ErrRejected,
	CategoryCompression:   ErrCompression,
	CategoryCanceled:      ErrCanceled,
}

// Error is a classified pipeline failure.
type Error struct {
	Category Category
	Stage    Stage
	// Status is the HTTP status, or 0 when no response was received.
	Status int
	// Message is safe to show to the user.
	Message   string
	RequestID string
	// Quota is the snapshot embedded in a quota-exceeded response, if any.
	Quota   *QuotaSnapshot
	Upgrade bool
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Stage, e.Category, e.Message)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the category sentinel of e.
func (e *Error) Is(target error) bool {
	sentinel, ok := categorySentinels[e.Category]
	return ok && sentinel == target
}

// CategoryOf returns the category of err, or CategoryNone if err is not a
// pipeline error.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryNone
}

// IsQuotaExceeded reports whether err is a quota-exceeded failure.
func IsQuotaExceeded(err error) bool {
	return CategoryOf(err) == CategoryQuota
}

func newError(stage Stage, category Category, message string, err error) *Error {
	return &Error{Stage: stage, Category: category, Message: message, Err: err}
}

// contextError classifies a finished context. Deadlines, whether a stage budget
// or the caller's own, are connectivity problems; a cancelled parent is not.
func contextError(ctx context.Context, stage Stage) *Error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return newError(stage, CategoryConnectivity,
			"the request timed out, please check your connection and try again", cause)
	}
	return newError(stage, CategoryCanceled, "the upload was canceled", cause)
}
