package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/meal-snap/internal/devapi"
	"github.com/tendant/meal-snap/pkg/mealupload"
)

func newDevServer(t *testing.T, opts ...devapi.LedgerOption) string {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + srv.Listener.Addr().String()

	store := devapi.NewMemoryStore(baseURL, devapi.NewSigner("test-secret"))
	api := devapi.New(store, devapi.NewLedger(opts...),
		devapi.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv.Config.Handler = api.Routes()
	srv.Start()
	t.Cleanup(srv.Close)
	return srv.URL
}

func writePhoto(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "lunch.jpg")
	require.NoError(t, os.WriteFile(p, []byte("not really a jpeg"), 0o600))
	return p
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestAnalyzeCommand(t *testing.T) {
	baseURL := newDevServer(t)
	photo := writePhoto(t)

	out, _, err := execute(t, "analyze", photo, "--base-url", baseURL, "--user", "user-1", "--log-format", "json")
	require.NoError(t, err)

	assert.Contains(t, out, "Analyzing lunch.jpg (image/jpeg")
	assert.Contains(t, out, "  uploading\n")
	assert.Contains(t, out, "  analyzing\n")
	assert.Contains(t, out, "  complete\n")
	assert.Contains(t, out, "grilled chicken breast")
	assert.Contains(t, out, "Plan FREE: 4 of 5 analyses left in the last 7 days")
}

func TestAnalyzeCommand_JSON(t *testing.T) {
	baseURL := newDevServer(t)

	out, _, err := execute(t, "analyze", writePhoto(t), "--json", "--base-url", baseURL, "--user", "user-1")
	require.NoError(t, err)

	var result mealupload.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.NotEmpty(t, result.MealAnalysisID)
	assert.Len(t, result.Foods, 3)
}

func TestAnalyzeCommand_QuotaExceeded(t *testing.T) {
	baseURL := newDevServer(t, devapi.WithFreeLimit(1))
	photo := writePhoto(t)

	_, _, err := execute(t, "analyze", photo, "--base-url", baseURL, "--user", "user-1")
	require.NoError(t, err)

	_, stderr, err := execute(t, "analyze", photo, "--base-url", baseURL, "--user", "user-1")
	require.Error(t, err)
	assert.True(t, mealupload.IsQuotaExceeded(err))
	assert.Contains(t, stderr, "Error (quota):")
	assert.Contains(t, stderr, "Upgrade to Pro")
}

func TestAnalyzeCommand_UnsupportedFile(t *testing.T) {
	baseURL := newDevServer(t)
	p := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o600))

	_, stderr, err := execute(t, "analyze", p, "--base-url", baseURL, "--user", "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, mealupload.ErrValidation)
	assert.Contains(t, stderr, "Error (validation):")
}

func TestAnalyzeCommand_WritesMetrics(t *testing.T) {
	baseURL := newDevServer(t)
	metricsFile := filepath.Join(t.TempDir(), "mealsnap.prom")

	_, _, err := execute(t, "analyze", writePhoto(t), "--json", "--metrics-file", metricsFile,
		"--base-url", baseURL, "--user", "user-1")
	require.NoError(t, err)

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `mealupload_runs_total{category="",outcome="complete"} 1`)
	assert.Contains(t, string(data), "mealupload_quota_remaining 4")
}

func TestQuotaCommand(t *testing.T) {
	baseURL := newDevServer(t, devapi.WithProUsers("pro-user"))

	out, _, err := execute(t, "quota", "--base-url", baseURL, "--user", "user-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan FREE: 5 of 5 analyses left")

	out, _, err = execute(t, "quota", "--base-url", baseURL, "--user", "pro-user")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan PRO: unlimited analyses (0 used)")
}

func TestQuotaCommand_Unauthorized(t *testing.T) {
	baseURL := newDevServer(t)
	t.Setenv("MEALSNAP_USER", "")

	_, _, err := execute(t, "quota", "--base-url", baseURL)
	assert.Error(t, err)
}

func TestAnalyzeCommand_QuotaExceededWithoutSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	writeBody := func(w http.ResponseWriter, status int, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
	mux.HandleFunc("POST /upload-url", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `{"uploadUrl":"`+srv.URL+`/blob","blobName":"meals/user-1/1.jpg","expiresIn":300}`)
	})
	mux.HandleFunc("PUT /blob", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /meals/analyze", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusTooManyRequests, `{"error":"quota_exceeded","message":"Weekly limit reached"}`)
	})
	mux.HandleFunc("GET /usage", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `{"used":5,"limit":5,"remaining":0,"plan":"FREE","windowDays":7}`)
	})

	_, stderr, err := execute(t, "analyze", writePhoto(t), "--base-url", srv.URL, "--user", "user-1")
	require.Error(t, err)
	assert.True(t, mealupload.IsQuotaExceeded(err))
	assert.Contains(t, stderr, "Error (quota): Weekly limit reached")
	assert.Contains(t, stderr, "Plan FREE: 0 of 5 analyses left in the last 7 days")
	assert.Contains(t, stderr, "You're out of analyses.")
}
