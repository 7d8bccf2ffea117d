package mealupload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Client defaults.
const (
	DefaultSlotTimeout    = 30 * time.Second
	DefaultAnalyzeTimeout = 90 * time.Second
	DefaultIdentityHeader = "X-User-Id"

	maxResponseBody = 1 << 20
)

const (
	msgServerError  = "Something went wrong on our end. Please try again later."
	msgNetworkError = "network error, please check your connection and try again"
	msgQuotaDefault = "You have used all of your meal analyses for this period."
	msgBusy         = "The service is busy. Please wait a moment and try again."
)

// Client talks to the control-plane endpoints: upload slots, analysis and usage.
// Every request carries the caller identity header supplied by the host.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	identityHeader string
	identity       string
	slotTimeout    time.Duration
	analyzeTimeout time.Duration
	limiter        *rate.Limiter
	logger         *slog.Logger
	now            func() time.Time
}

// ClientOption is a functional option for configuring a Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Its Timeout should be zero; each
// call applies its own budget.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithIdentity sets the header used for quota attribution and its value.
func WithIdentity(header, value string) ClientOption {
	return func(c *Client) {
		if header != "" {
			c.identityHeader = header
		}
		c.identity = value
	}
}

// WithSlotTimeout sets the budget for upload-slot and usage requests.
func WithSlotTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.slotTimeout = d
	}
}

// WithAnalyzeTimeout sets the budget for the analysis request.
func WithAnalyzeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.analyzeTimeout = d
	}
}

// WithAnalyzeRateLimit throttles analysis requests on the client side.
func WithAnalyzeRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a control-plane client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		identityHeader: DefaultIdentityHeader,
		slotTimeout:    DefaultSlotTimeout,
		analyzeTimeout: DefaultAnalyzeTimeout,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type slotRequest struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

// RequestUploadSlot asks the control plane for a direct-upload destination.
func (c *Client) RequestUploadSlot(ctx context.Context, fileName string, size int64, contentType string) (UploadSlot, error) {
	status, body, err := c.call(ctx, StageUploadSlot, c.slotTimeout, http.MethodPost, "/upload-url", slotRequest{
		FileName:    fileName,
		FileSize:    size,
		ContentType: contentType,
	})
	if err != nil {
		return UploadSlot{}, err
	}
	if !isSuccess(status) {
		return UploadSlot{}, classifyResponse(StageUploadSlot, status, body)
	}

	var slot UploadSlot
	if err := json.Unmarshal(body, &slot); err != nil {
		return UploadSlot{}, serverError(StageUploadSlot, status, fmt.Errorf("failed to decode upload slot: %w", err))
	}
	if slot.UploadURL == "" || slot.BlobName == "" {
		return UploadSlot{}, serverError(StageUploadSlot, status, errors.New("upload slot is missing uploadUrl or blobName"))
	}
	slot.IssuedAt = c.now()

	c.logger.Debug("upload slot issued", "blob_name", slot.BlobName, "expires_in", slot.ExpiresIn)
	return slot, nil
}

// AnalysisResponse is a successful analysis and the quota fragment sent with it.
type AnalysisResponse struct {
	Result AnalysisResult
	Quota  *QuotaSnapshot
}

type analyzeResponseBody struct {
	AnalysisResult
	Quota   *QuotaSnapshot `json:"quota,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Analyze runs the AI analysis for an uploaded object.
func (c *Client) Analyze(ctx context.Context, blobName string) (*AnalysisResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, contextError(ctx, StageAnalyze)
			}
			return nil, newError(StageAnalyze, CategoryConnectivity, "too many requests, please wait a moment and try again", err)
		}
	}

	status, body, err := c.call(ctx, StageAnalyze, c.analyzeTimeout, http.MethodPost, "/meals/analyze",
		map[string]string{"blobName": blobName})
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, classifyResponse(StageAnalyze, status, body)
	}

	var rb analyzeResponseBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return nil, serverError(StageAnalyze, status, fmt.Errorf("failed to decode analysis: %w", err))
	}
	if rb.MealAnalysisID == "" {
		if rb.Error != "" || rb.Message != "" {
			return nil, classifyResponse(StageAnalyze, status, body)
		}
		return nil, serverError(StageAnalyze, status, errors.New("analysis is missing mealAnalysisId"))
	}
	if rb.BlobName == "" {
		rb.BlobName = blobName
	}
	return &AnalysisResponse{Result: rb.AnalysisResult, Quota: rb.Quota}, nil
}

// FetchQuota reads the caller's current usage snapshot.
func (c *Client) FetchQuota(ctx context.Context) (QuotaSnapshot, error) {
	status, body, err := c.call(ctx, StageQuota, c.slotTimeout, http.MethodGet, "/usage", nil)
	if err != nil {
		return QuotaSnapshot{}, err
	}
	if !isSuccess(status) {
		return QuotaSnapshot{}, classifyResponse(StageQuota, status, body)
	}
	var snap QuotaSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return QuotaSnapshot{}, serverError(StageQuota, status, fmt.Errorf("failed to decode usage: %w", err))
	}
	return snap, nil
}

// call performs one JSON request with its own timeout. Any HTTP response is
// returned as status and body; only transport failures become errors.
func (c *Client) call(ctx context.Context, stage Stage, timeout time.Duration, method, path string, in any) (int, []byte, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	defer cancel()

	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != "" {
		req.Header.Set(c.identityHeader, c.identity)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, transportError(ctx, stage, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, transportError(ctx, stage, err)
	}
	return resp.StatusCode, data, nil
}

type apiErrorBody struct {
	Error     string         `json:"error"`
	Message   string         `json:"message,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Quota     *QuotaSnapshot `json:"quota,omitempty"`
	Upgrade   bool           `json:"upgrade,omitempty"`
}

// classifyResponse maps a control-plane error response onto the taxonomy.
// Only the analysis call consumes quota: there a 429 status or a "quota"
// mention in the body, whatever the status, is a quota error. A 429 from any
// other call is a transient server condition.
func classifyResponse(stage Stage, status int, body []byte) *Error {
	var eb apiErrorBody
	// Non-JSON bodies are classified by status alone.
	_ = json.Unmarshal(body, &eb)

	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}

	e := &Error{Stage: stage, Status: status, RequestID: eb.RequestID}
	switch {
	case stage == StageAnalyze &&
		(status == http.StatusTooManyRequests || mentionsQuota(eb.Error) || mentionsQuota(eb.Message)):
		e.Category = CategoryQuota
		e.Quota = eb.Quota
		e.Upgrade = eb.Upgrade
		e.Message = msg
		if e.Message == "" {
			e.Message = msgQuotaDefault
		}
	case status == http.StatusTooManyRequests:
		e.Category = CategoryServer
		e.Message = msgBusy
		if msg != "" {
			e.Err = errors.New(msg)
		}
	case status >= 400 && status < 500:
		e.Category = CategoryRejected
		e.Message = msg
		if e.Message == "" {
			e.Message = rejectedMessage(stage)
		}
	default:
		e.Category = CategoryServer
		e.Message = msgServerError
		if msg != "" {
			e.Err = errors.New(msg)
		}
	}
	return e
}

// mentionsQuota is a compatibility shim for backends that report quota
// exhaustion in the message instead of with a 429.
func mentionsQuota(s string) bool {
	return strings.Contains(strings.ToLower(s), "quota")
}

func rejectedMessage(stage Stage) string {
	if stage == StageAnalyze {
		return "This photo could not be analyzed. Please try a clearer photo of your meal."
	}
	return "The request was rejected."
}

func serverError(stage Stage, status int, err error) *Error {
	e := newError(stage, CategoryServer, msgServerError, err)
	e.Status = status
	return e
}

func transportError(ctx context.Context, stage Stage, err error) *Error {
	if ctx.Err() != nil {
		return contextError(ctx, stage)
	}
	return newError(stage, CategoryConnectivity, msgNetworkError, err)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
