// Package devapi is a local control plane for developing against the meal
// upload pipeline: it issues upload slots, accepts signed uploads, runs a
// canned analysis and keeps per-user usage over a rolling window.
package devapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/meal-snap/pkg/mealupload"
)

// Server defaults.
const (
	DefaultSlotTTL = 5 * time.Minute
)

type userKey struct{}

// Server serves the control-plane endpoints.
type Server struct {
	store          BlobStore
	uploads        *MemoryStore
	ledger         *Ledger
	identityHeader string
	slotTTL        time.Duration
	maxSize        int64
	allowed        map[string]bool
	logger         *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithIdentityHeader sets the header carrying the caller identity.
func WithIdentityHeader(h string) Option {
	return func(s *Server) {
		s.identityHeader = h
	}
}

// WithSlotTTL sets how long an upload URL stays valid.
func WithSlotTTL(d time.Duration) Option {
	return func(s *Server) {
		s.slotTTL = d
	}
}

// WithMaxUploadSize sets the largest accepted upload.
func WithMaxUploadSize(n int64) Option {
	return func(s *Server) {
		s.maxSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server. When store is a *MemoryStore the server also accepts
// the signed PUTs itself.
func New(store BlobStore, ledger *Ledger, opts ...Option) *Server {
	v := mealupload.DefaultValidator()
	s := &Server{
		store:          store,
		ledger:         ledger,
		identityHeader: mealupload.DefaultIdentityHeader,
		slotTTL:        DefaultSlotTTL,
		maxSize:        v.MaxSize,
		allowed:        v.Allowed,
		logger:         slog.Default(),
	}
	if m, ok := store.(*MemoryStore); ok {
		s.uploads = m
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the router for the control plane.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if s.uploads != nil {
		r.Put("/upload/*", s.handleUpload)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)
		r.Post("/upload-url", s.handleUploadURL)
		r.Post("/meals/analyze", s.handleAnalyze)
		r.Get("/usage", s.handleUsage)
	})
	return r
}

func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(s.identityHeader))
		if user == "" {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "caller identity is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

type uploadURLRequest struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	contentType := strings.ToLower(req.ContentType)
	if !s.allowed[contentType] {
		writeError(w, r, http.StatusBadRequest, "unsupported_type",
			fmt.Sprintf("content type %q is not supported", req.ContentType))
		return
	}
	if req.FileSize <= 0 || req.FileSize > s.maxSize {
		writeError(w, r, http.StatusBadRequest, "invalid_size",
			fmt.Sprintf("file size must be between 1 and %d bytes", s.maxSize))
		return
	}

	key := fmt.Sprintf("%s%s%s", userPrefix(user), uuid.NewString(), extensionFor(req.FileName, contentType))
	uploadURL, err := s.store.PresignPut(r.Context(), key, contentType, s.slotTTL)
	if err != nil {
		s.logger.Error("Failed to issue upload URL", "blob_name", key, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "could not issue an upload URL")
		return
	}

	s.logger.Info("Upload URL issued", "user", user, "blob_name", key, "size", req.FileSize)
	render.JSON(w, r, mealupload.UploadSlot{
		UploadURL: uploadURL,
		BlobName:  key,
		ExpiresIn: int(s.slotTTL.Seconds()),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeError(w, r, http.StatusBadRequest, "missing_object_key", "object key is required in URL path")
		return
	}
	if err := s.uploads.signer.Verify(r); err != nil {
		s.logger.Warn("Upload signature validation failed", "blob_name", key, "err", err)
		writeError(w, r, http.StatusForbidden, "invalid_signature", err.Error())
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxSize))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds the size limit")
		return
	}
	s.uploads.Put(key, r.Header.Get("Content-Type"), data)

	s.logger.Info("Upload stored", "blob_name", key, "size", len(data))
	w.WriteHeader(http.StatusCreated)
}

type analyzeRequest struct {
	BlobName string `json:"blobName"`
}

type analyzeResponse struct {
	mealupload.AnalysisResult
	Quota mealupload.QuotaSnapshot `json:"quota"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BlobName == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "blobName is required")
		return
	}
	if !strings.HasPrefix(req.BlobName, userPrefix(user)) {
		writeError(w, r, http.StatusForbidden, "forbidden", "the photo belongs to another user")
		return
	}

	exists, err := s.store.Exists(r.Context(), req.BlobName)
	if err != nil {
		s.logger.Error("Failed to look up blob", "blob_name", req.BlobName, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "could not read the uploaded photo")
		return
	}
	if !exists {
		writeError(w, r, http.StatusNotFound, "blob_not_found", "the photo has not been uploaded")
		return
	}

	snap, ok := s.ledger.Consume(user)
	if !ok {
		s.logger.Info("Quota exceeded", "user", user, "used", snap.Used, "limit", snap.Limit)
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, map[string]any{
			"error": "quota_exceeded",
			"message": fmt.Sprintf("You have used all %d meal analyses for the last %d days. Upgrade to Pro for unlimited analyses.",
				snap.Limit, snap.WindowDays),
			"quota":     snap,
			"upgrade":   true,
			"requestId": middleware.GetReqID(r.Context()),
		})
		return
	}

	result := cannedAnalysis(req.BlobName)
	result.RequestID = middleware.GetReqID(r.Context())
	s.logger.Info("Meal analyzed", "user", user, "blob_name", req.BlobName,
		"meal_analysis_id", result.MealAnalysisID, "remaining", snap.Remaining)
	render.JSON(w, r, analyzeResponse{AnalysisResult: result, Quota: snap})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.ledger.Snapshot(userFrom(r.Context())))
}

func userPrefix(user string) string {
	return "meals/" + url.PathEscape(user) + "/"
}

// extensionFor keeps a recognised extension from the file name and otherwise
// derives one from the content type.
func extensionFor(fileName, contentType string) string {
	switch ext := strings.ToLower(path.Ext(fileName)); ext {
	case ".jpg", ".jpeg", ".png", ".heic", ".heif":
		return ext
	}
	switch contentType {
	case mealupload.MimePNG:
		return ".png"
	case mealupload.MimeHEIC:
		return ".heic"
	case mealupload.MimeHEIF:
		return ".heif"
	}
	return ".jpg"
}

func cannedAnalysis(blobName string) mealupload.AnalysisResult {
	foods := []mealupload.FoodItem{
		{Name: "grilled chicken breast", Portion: "150 g", Protein: 46.5, Carbs: ptr(0), Fat: ptr(5.4), Calories: ptr(248)},
		{Name: "brown rice", Portion: "1 cup", Protein: 5.0, Carbs: ptr(45), Fat: ptr(1.8), Calories: ptr(216)},
		{Name: "steamed broccoli", Portion: "1 cup", Protein: 2.6, Carbs: ptr(6), Fat: ptr(0.3), Calories: ptr(31)},
	}
	var protein, carbs, fat, calories float64
	for _, f := range foods {
		protein += f.Protein
		carbs += *f.Carbs
		fat += *f.Fat
		calories += *f.Calories
	}
	return mealupload.AnalysisResult{
		MealAnalysisID: uuid.NewString(),
		Foods:          foods,
		TotalProtein:   protein,
		TotalCarbs:     &carbs,
		TotalFat:       &fat,
		TotalCalories:  &calories,
		Confidence:     mealupload.ConfidenceHigh,
		Notes:          "Portions estimated from a single photo.",
		BlobName:       blobName,
	}
}

func ptr(v float64) *float64 {
	return &v
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{
		"error":     code,
		"message":   message,
		"requestId": middleware.GetReqID(r.Context()),
	})
}
