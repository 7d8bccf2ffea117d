package mealupload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tendant/meal-snap/pkg/mealupload"

// SlotRequester issues upload slots. *Client implements it.
type SlotRequester interface {
	RequestUploadSlot(ctx context.Context, fileName string, size int64, contentType string) (UploadSlot, error)
}

// BlobTransferer moves a payload into an upload slot. *Transferer implements it.
type BlobTransferer interface {
	Transfer(ctx context.Context, slot UploadSlot, payload []byte, contentType string) (int, error)
}

// Analyzer runs the analysis of an uploaded object. *Client implements it.
type Analyzer interface {
	Analyze(ctx context.Context, blobName string) (*AnalysisResponse, error)
}

// Pipeline is the upload state machine. It owns the only mutable record of a
// run; the stages it calls are stateless with respect to a run. One run may be
// active per Pipeline at a time.
type Pipeline struct {
	validator  Validator
	compressor *Compressor
	slots      SlotRequester
	transfer   BlobTransferer
	analyzer   Analyzer
	reconciler *Reconciler
	hooks      Hooks
	fallback   bool
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu      sync.Mutex
	running bool
	record  Status
	subs    map[int]StateChangeHook
	nextSub int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithValidator replaces the default validator.
func WithValidator(v Validator) Option {
	return func(p *Pipeline) {
		p.validator = v
	}
}

// WithCompressor replaces the default compressor. A nil compressor disables
// compression.
func WithCompressor(c *Compressor) Option {
	return func(p *Pipeline) {
		p.compressor = c
	}
}

// WithSlotRequester sets the upload-slot stage.
func WithSlotRequester(s SlotRequester) Option {
	return func(p *Pipeline) {
		p.slots = s
	}
}

// WithTransferer sets the blob transfer stage.
func WithTransferer(t BlobTransferer) Option {
	return func(p *Pipeline) {
		p.transfer = t
	}
}

// WithAnalyzer sets the analysis stage.
func WithAnalyzer(a Analyzer) Option {
	return func(p *Pipeline) {
		p.analyzer = a
	}
}

// WithReconciler sets the quota reconciler. Without one, quota information is
// only kept in the run record.
func WithReconciler(r *Reconciler) Option {
	return func(p *Pipeline) {
		p.reconciler = r
	}
}

// WithHooks adds lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) {
		p.hooks.Merge(h)
	}
}

// WithCompressionFallback uploads the original bytes when compression fails
// instead of ending the run.
func WithCompressionFallback(enabled bool) Option {
	return func(p *Pipeline) {
		p.fallback = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// New creates a Pipeline. The slot requester, transferer and analyzer are required.
func New(opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		validator:  DefaultValidator(),
		compressor: NewCompressor(),
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		record:     Status{State: StateIdle},
		subs:       make(map[int]StateChangeHook),
	}
	for _, opt := range opts {
		opt(p)
	}

	switch {
	case p.slots == nil:
		return nil, errors.New("mealupload: slot requester is required")
	case p.transfer == nil:
		return nil, errors.New("mealupload: transferer is required")
	case p.analyzer == nil:
		return nil, errors.New("mealupload: analyzer is required")
	}
	return p, nil
}

// Status returns a copy of the current run record.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.record
	if st.Result != nil {
		r := *st.Result
		st.Result = &r
	}
	if st.Quota != nil {
		q := *st.Quota
		st.Quota = &q
	}
	return st
}

// Subscribe registers fn for state transitions and returns an unsubscribe func.
func (p *Pipeline) Subscribe(fn StateChangeHook) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Reset clears the result and error state and returns to idle.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrRunInProgress
	}
	from := p.record.State
	runID := p.record.RunID
	p.record = Status{State: StateIdle}
	p.mu.Unlock()

	if from != StateIdle {
		p.emit(context.Background(), Transition{RunID: runID, From: from, To: StateIdle, At: p.now()})
	}
	return nil
}

// Run processes cand from the beginning. Calling Run after a previous run has
// ended starts a fresh run; there is no resumption of a stalled one.
func (p *Pipeline) Run(ctx context.Context, cand UploadCandidate) (*AnalysisResult, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil, ErrRunInProgress
	}
	p.running = true
	from := p.record.State
	runID := uuid.NewString()
	p.record = Status{RunID: runID, State: StateIdle}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	if from != StateIdle {
		p.emit(ctx, Transition{RunID: runID, From: from, To: StateIdle, At: p.now()})
	}

	ctx, span := p.tracer.Start(ctx, "mealupload.run", trace.WithAttributes(
		attribute.String("mealupload.run_id", runID),
		attribute.String("mealupload.mime_type", cand.MimeType),
		attribute.Int("mealupload.size", len(cand.Data)),
	))
	defer span.End()

	p.logger.Info("meal upload started", "run_id", runID, "file_name", cand.FileName,
		"mime_type", cand.MimeType, "size", len(cand.Data))

	result, err := p.run(ctx, runID, cand)
	if err != nil {
		var pe *Error
		errors.As(err, &pe)
		span.RecordError(pe)
		span.SetStatus(codes.Error, string(pe.Category))
		p.fail(ctx, runID, pe)
		return nil, pe
	}

	p.complete(ctx, runID, result)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, runID string, cand UploadCandidate) (*AnalysisResult, error) {
	if err := p.stage(ctx, runID, StageValidate, func(context.Context) error {
		return p.validator.Validate(cand)
	}); err != nil {
		return nil, err
	}

	payload := CompressionResult{
		Data:           cand.Data,
		MimeType:       normalizeMimeType(cand.MimeType),
		FileName:       cand.FileName,
		OriginalSize:   int64(len(cand.Data)),
		CompressedSize: int64(len(cand.Data)),
		Ratio:          1,
		Skipped:        true,
	}
	if p.compressor != nil && p.compressor.NeedsCompression(cand) {
		p.transition(ctx, runID, StateCompressing)
		var compressed CompressionResult
		err := p.stage(ctx, runID, StageCompress, func(ctx context.Context) error {
			var err error
			compressed, err = p.compressor.Compress(ctx, cand)
			return err
		})
		switch {
		case err == nil:
			payload = compressed
			p.logger.Info("image compressed", "run_id", runID, "original_size", compressed.OriginalSize,
				"compressed_size", compressed.CompressedSize, "mime_type", compressed.MimeType)
		case p.fallback && CategoryOf(err) == CategoryCompression:
			p.logger.Warn("compression failed, uploading original", "run_id", runID, "err", err)
		default:
			return nil, err
		}
	}

	p.transition(ctx, runID, StateUploading)

	var slot UploadSlot
	if err := p.stage(ctx, runID, StageUploadSlot, func(ctx context.Context) error {
		var err error
		slot, err = p.slots.RequestUploadSlot(ctx, payload.FileName, int64(len(payload.Data)), payload.MimeType)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, runID, StageTransfer, func(ctx context.Context) error {
		attempts, err := p.transfer.Transfer(ctx, slot, payload.Data, payload.MimeType)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("mealupload.transfer_attempts", attempts))
		p.logger.Debug("blob transfer finished", "run_id", runID, "blob_name", slot.BlobName,
			"attempts", attempts, "err", err)
		return err
	}); err != nil {
		return nil, err
	}

	p.transition(ctx, runID, StateAnalyzing)

	var resp *AnalysisResponse
	err := p.stage(ctx, runID, StageAnalyze, func(ctx context.Context) error {
		var err error
		resp, err = p.analyzer.Analyze(ctx, slot.BlobName)
		return err
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Category == CategoryQuota && p.reconciler != nil {
			p.reconciler.Reconcile(pe.Quota, pe.Quota == nil)
		}
		return nil, err
	}

	if p.reconciler != nil {
		p.reconciler.Reconcile(resp.Quota, true)
	}
	result := resp.Result
	return &result, nil
}

// stage runs fn in its own span, reports it to hooks and makes sure any error
// leaving it is a classified *Error.
func (p *Pipeline) stage(ctx context.Context, runID string, stage Stage, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "mealupload."+string(stage))
	defer span.End()

	start := p.now()
	err := fn(ctx)
	if err != nil {
		err = classifyStageError(ctx, stage, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.hooks.stageComplete(ctx, runID, stage, p.now().Sub(start), err)
	return err
}

func classifyStageError(ctx context.Context, stage Stage, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if ctx.Err() != nil {
		return contextError(ctx, stage)
	}
	switch stage {
	case StageValidate:
		return newError(stage, CategoryValidation, "the photo is not valid", err)
	case StageCompress:
		return newError(stage, CategoryCompression, "could not compress the image", err)
	case StageTransfer:
		return newError(stage, CategoryConnectivity, msgNetworkError, err)
	}
	return newError(stage, CategoryServer, msgServerError, err)
}

// transition moves the run forward. Backward or repeated moves are ignored.
func (p *Pipeline) transition(ctx context.Context, runID string, to PipelineState) {
	p.mu.Lock()
	from := p.record.State
	if p.record.RunID != runID || to.order() <= from.order() {
		p.mu.Unlock()
		p.logger.Warn("ignored pipeline transition", "run_id", runID, "from", from, "to", to)
		return
	}
	p.record.State = to
	p.mu.Unlock()

	p.emit(ctx, Transition{RunID: runID, From: from, To: to, At: p.now()})
}

func (p *Pipeline) fail(ctx context.Context, runID string, pe *Error) {
	p.mu.Lock()
	from := p.record.State
	p.record.State = StateError
	p.record.Err = pe
	p.record.ErrorMessage = pe.Message
	p.record.Category = pe.Category
	if pe.Category == CategoryQuota {
		p.record.QuotaExceeded = true
		if pe.Quota != nil {
			q := *pe.Quota
			p.record.Quota = &q
		}
	}
	p.mu.Unlock()

	p.logger.Warn("meal upload failed", "run_id", runID, "stage", pe.Stage,
		"category", pe.Category, "status", pe.Status, "request_id", pe.RequestID, "err", pe)
	p.emit(ctx, Transition{RunID: runID, From: from, To: StateError, At: p.now()})
	p.hooks.failed(ctx, runID, pe)
}

func (p *Pipeline) complete(ctx context.Context, runID string, result *AnalysisResult) {
	p.mu.Lock()
	from := p.record.State
	p.record.State = StateComplete
	p.record.Result = result
	p.mu.Unlock()

	p.logger.Info("meal upload complete", "run_id", runID, "meal_analysis_id", result.MealAnalysisID,
		"request_id", result.RequestID, "confidence", result.Confidence,
		"total_protein", fmt.Sprintf("%.1f", result.TotalProtein))
	p.emit(ctx, Transition{RunID: runID, From: from, To: StateComplete, At: p.now()})
	p.hooks.completed(ctx, runID, result)
}

func (p *Pipeline) emit(ctx context.Context, t Transition) {
	p.mu.Lock()
	subs := make([]StateChangeHook, 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range p.hooks.OnStateChange {
		fn(ctx, t)
	}
	for _, fn := range subs {
		fn(ctx, t)
	}
}
