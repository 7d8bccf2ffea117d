package mealupload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Transferer defaults.
const (
	DefaultTransferAttempts = 3
	DefaultAttemptTimeout   = 60 * time.Second
	DefaultRetryBaseDelay   = time.Second

	// BlobTypeHeader marks the PUT as a single block-blob write for Azure-style storage.
	BlobTypeHeader = "x-ms-blob-type"
)

// ProgressFunc is called during a transfer attempt with the bytes sent so far.
type ProgressFunc func(attempt int, bytesSent int64)

// Transferer uploads payloads directly to an UploadSlot.
type Transferer struct {
	httpClient     *http.Client
	maxAttempts    int
	attemptTimeout time.Duration
	baseDelay      time.Duration
	headers        map[string]string
	progressFunc   ProgressFunc
	logger         *slog.Logger
	now            func() time.Time
}

// TransferOption is a functional option for configuring a Transferer
type TransferOption func(*Transferer)

// WithTransferHTTPClient sets a custom HTTP client
func WithTransferHTTPClient(hc *http.Client) TransferOption {
	return func(t *Transferer) {
		t.httpClient = hc
	}
}

// WithRetry configures the attempt ceiling and the base backoff delay. The
// wait before attempt n+1 is base * 2^n.
func WithRetry(attempts int, baseDelay time.Duration) TransferOption {
	return func(t *Transferer) {
		t.maxAttempts = attempts
		t.baseDelay = baseDelay
	}
}

// WithAttemptTimeout sets the budget of a single PUT.
func WithAttemptTimeout(d time.Duration) TransferOption {
	return func(t *Transferer) {
		t.attemptTimeout = d
	}
}

// WithTransferHeader adds a header to every PUT.
func WithTransferHeader(key, value string) TransferOption {
	return func(t *Transferer) {
		t.headers[key] = value
	}
}

// WithProgress sets a progress callback function
func WithProgress(fn ProgressFunc) TransferOption {
	return func(t *Transferer) {
		t.progressFunc = fn
	}
}

// WithTransferLogger sets the logger.
func WithTransferLogger(l *slog.Logger) TransferOption {
	return func(t *Transferer) {
		t.logger = l
	}
}

// NewTransferer creates a Transferer with 3 attempts, 60s per attempt and
// 2s/4s backoff.
func NewTransferer(opts ...TransferOption) *Transferer {
	t := &Transferer{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxAttempts:    DefaultTransferAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		baseDelay:      DefaultRetryBaseDelay,
		headers:        map[string]string{BlobTypeHeader: "BlockBlob"},
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxAttempts < 1 {
		t.maxAttempts = 1
	}
	return t
}

// Transfer PUTs payload to the slot and returns the number of attempts made.
// Authorization failures stop immediately; transport failures, timeouts, 408,
// 429 and 5xx are retried up to the attempt ceiling.
//
// A slot rejected by storage costs exactly one attempt. A slot whose expiry has
// already passed on the local clock is not sent at all: Transfer returns an
// authorization error with zero attempts.
func (t *Transferer) Transfer(ctx context.Context, slot UploadSlot, payload []byte, contentType string) (int, error) {
	if slot.Expired(t.now()) {
		return 0, newError(StageTransfer, CategoryAuthorization,
			"the upload link expired, please try again", fmt.Errorf("slot for %s expired at %s", slot.BlobName, slot.ExpiresAt()))
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, t.put(ctx, attempts, slot.UploadURL, payload, contentType)
	},
		backoff.WithBackOff(&doublingBackOff{base: t.baseDelay}),
		backoff.WithMaxTries(uint(t.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.logger.Warn("blob transfer attempt failed, retrying",
				"blob_name", slot.BlobName, "attempt", attempts, "next_in", next, "err", err)
		}),
	)
	if err == nil {
		return attempts, nil
	}

	var pe *Error
	switch {
	case errors.As(err, &pe):
		return attempts, pe
	case ctx.Err() != nil:
		return attempts, contextError(ctx, StageTransfer)
	}
	return attempts, newError(StageTransfer, CategoryConnectivity,
		"the photo upload failed, please check your connection and try again",
		fmt.Errorf("upload failed after %d attempts: %w", attempts, err))
}

// put performs one attempt with its own timeout and a fresh body reader.
func (t *Transferer) put(ctx context.Context, attempt int, uploadURL string, payload []byte, contentType string) error {
	if ctx.Err() != nil {
		return backoff.Permanent(contextError(ctx, StageTransfer))
	}

	actx, cancel := context.WithTimeoutCause(ctx, t.attemptTimeout, ErrTimeout)
	defer cancel()

	var body io.Reader = bytes.NewReader(payload)
	if t.progressFunc != nil {
		body = &progressReader{reader: body, attempt: attempt, callback: t.progressFunc}
	}

	req, err := http.NewRequestWithContext(actx, http.MethodPut, uploadURL, body)
	if err != nil {
		return backoff.Permanent(newError(StageTransfer, CategoryAuthorization,
			"the upload link is invalid", fmt.Errorf("failed to create request: %w", err)))
	}
	req.ContentLength = int64(len(payload))
	req.Header.Set("Content-Type", contentType)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(contextError(ctx, StageTransfer))
		}
		if errors.Is(context.Cause(actx), ErrTimeout) {
			return fmt.Errorf("attempt %d: %w", attempt, ErrTimeout)
		}
		return fmt.Errorf("attempt %d: %w", attempt, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()

	if isSuccess(resp.StatusCode) {
		return nil
	}

	statusErr := fmt.Errorf("attempt %d: upload failed with status: %s", attempt, resp.Status)
	if retryableStatus(resp.StatusCode) {
		return statusErr
	}
	e := newError(StageTransfer, CategoryAuthorization,
		"the upload link was rejected by storage, please try again", statusErr)
	e.Status = resp.StatusCode
	return backoff.Permanent(e)
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// doublingBackOff waits base*2, base*4, ... between attempts.
type doublingBackOff struct {
	base time.Duration
	n    int
}

func (b *doublingBackOff) NextBackOff() time.Duration {
	b.n++
	return b.base << b.n
}

func (b *doublingBackOff) Reset() {
	b.n = 0
}

// progressReader wraps an io.Reader to track upload progress
type progressReader struct {
	reader    io.Reader
	bytesRead int64
	attempt   int
	callback  ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.bytesRead += int64(n)
	if pr.callback != nil && n > 0 {
		pr.callback(pr.attempt, pr.bytesRead)
	}
	return n, err
}
