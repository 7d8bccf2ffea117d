package mealupload

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PipelineState is the run state of a Pipeline.
type PipelineState string

// Pipeline states (typed).
const (
	StateIdle        PipelineState = "idle"
	StateCompressing PipelineState = "compressing"
	StateUploading   PipelineState = "uploading"
	StateAnalyzing   PipelineState = "analyzing"
	StateComplete    PipelineState = "complete"
	StateError       PipelineState = "error"
)

// Terminal reports whether the state ends a run.
func (s PipelineState) Terminal() bool {
	return s == StateComplete || s == StateError
}

// order ranks states for forward-only transitions.
func (s PipelineState) order() int {
	switch s {
	case StateIdle:
		return 0
	case StateCompressing:
		return 1
	case StateUploading:
		return 2
	case StateAnalyzing:
		return 3
	case StateComplete, StateError:
		return 4
	}
	return -1
}

// MIME types accepted by the pipeline.
const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeHEIC = "image/heic"
	MimeHEIF = "image/heif"
)

// UploadCandidate is the user-selected image before any processing.
type UploadCandidate struct {
	Data     []byte
	MimeType string
	Size     int64
	FileName string
}

// NewUploadCandidate builds a candidate whose declared size matches the payload.
func NewUploadCandidate(fileName, mimeType string, data []byte) UploadCandidate {
	return UploadCandidate{
		Data:     data,
		MimeType: mimeType,
		Size:     int64(len(data)),
		FileName: fileName,
	}
}

// CandidateFromFile reads a local image and infers its MIME type from the
// extension, falling back to content sniffing.
func CandidateFromFile(path string) (UploadCandidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadCandidate{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return NewUploadCandidate(filepath.Base(path), detectMimeType(path, data), data), nil
}

func detectMimeType(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return MimeJPEG
	case ".png":
		return MimePNG
	case ".heic":
		return MimeHEIC
	case ".heif":
		return MimeHEIF
	}
	return http.DetectContentType(data)
}

// normalizeMimeType lowercases a MIME type and drops any parameters.
func normalizeMimeType(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// CompressionResult is the payload produced by the Compressor for one run.
type CompressionResult struct {
	Data           []byte
	MimeType       string
	FileName       string
	OriginalSize   int64
	CompressedSize int64
	Ratio          float64
	// Skipped is true when the candidate was under the threshold and passed through.
	Skipped bool
}

// UploadSlot is a single-use, time-limited destination for a direct upload.
type UploadSlot struct {
	UploadURL string    `json:"uploadUrl"`
	BlobName  string    `json:"blobName"`
	ExpiresIn int       `json:"expiresIn"`
	IssuedAt  time.Time `json:"-"`
}

// ExpiresAt returns the wall-clock expiry, or the zero time when unknown.
func (s UploadSlot) ExpiresAt() time.Time {
	if s.ExpiresIn <= 0 || s.IssuedAt.IsZero() {
		return time.Time{}
	}
	return s.IssuedAt.Add(time.Duration(s.ExpiresIn) * time.Second)
}

// Expired reports whether the slot is known to have expired at now.
func (s UploadSlot) Expired(now time.Time) bool {
	exp := s.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}

// Confidence is the coarse estimate-quality tier of an analysis.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid reports whether c is one of the known tiers.
func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// FoodItem is one recognised item of a meal with its estimated macros in grams.
type FoodItem struct {
	Name     string   `json:"name"`
	Portion  string   `json:"portion"`
	Protein  float64  `json:"protein"`
	Carbs    *float64 `json:"carbs,omitempty"`
	Fat      *float64 `json:"fat,omitempty"`
	Calories *float64 `json:"calories,omitempty"`
}

// AnalysisResult is the terminal success artifact of a run.
type AnalysisResult struct {
	MealAnalysisID string     `json:"mealAnalysisId"`
	Foods          []FoodItem `json:"foods"`
	TotalProtein   float64    `json:"totalProtein"`
	TotalCarbs     *float64   `json:"totalCarbs,omitempty"`
	TotalFat       *float64   `json:"totalFat,omitempty"`
	TotalCalories  *float64   `json:"totalCalories,omitempty"`
	Confidence     Confidence `json:"confidence"`
	Notes          string     `json:"notes,omitempty"`
	BlobName       string     `json:"blobName"`
	RequestID      string     `json:"requestId"`
}

// UnlimitedRemaining is the Remaining sentinel for plans without a limit.
const UnlimitedRemaining = -1

// QuotaSnapshot mirrors the server's rolling-window usage counters.
// The client never derives these values; it only displays and stores them.
type QuotaSnapshot struct {
	Used       int    `json:"used"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Plan       string `json:"plan"`
	WindowDays int    `json:"windowDays,omitempty"`
}

// Unlimited reports whether the snapshot carries the unlimited sentinel.
func (q QuotaSnapshot) Unlimited() bool {
	return q.Remaining == UnlimitedRemaining
}

// Exhausted reports whether no analyses are left in the window.
func (q QuotaSnapshot) Exhausted() bool {
	if q.Unlimited() {
		return false
	}
	return q.Remaining <= 0
}

// Low reports whether at most threshold analyses are left but some remain.
func (q QuotaSnapshot) Low(threshold int) bool {
	if q.Unlimited() {
		return false
	}
	return q.Remaining > 0 && q.Remaining <= threshold
}

// Status is a copy of the orchestrator's record for one pipeline instance.
type Status struct {
	RunID         string
	State         PipelineState
	Result        *AnalysisResult
	Err           error
	ErrorMessage  string
	Category      Category
	QuotaExceeded bool
	Quota         *QuotaSnapshot
}
