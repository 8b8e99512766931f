package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/articleflow/articleflow/internal/gcp"
	"github.com/articleflow/articleflow/internal/models"
	"github.com/articleflow/articleflow/internal/ocr"
	"github.com/articleflow/articleflow/internal/registry"
	"github.com/avast/retry-go/v4"
	"github.com/googleapis/gax-go/v2"
)

type ProcessorConfig struct {
	ProjectID        string
	Bucket           string
	InputPrefix      string
	TextPrefix       string
	MetadataPrefix   string
	ErrorPrefix      string
	HandoffPrefix    string
	RetryAttempts    uint
	RetryDelay       time.Duration
	MinAvgConfidence float64
	MaxLowRatio      float64
	EnforceQuality   bool
	CollectionName   string
	WorkflowID       string
	WorkflowLocation string
}

// objectStore is the slice of the bucket gateway the processor uses.
type objectStore interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket, prefix string) ([]*storage.ObjectAttrs, error)
	SaveAtomically(ctx context.Context, bucket, key string, content []byte) (bool, error)
}

// textExtractor runs one detection attempt.
type textExtractor interface {
	Extract(ctx context.Context, doc ocr.Document) (*models.ExtractionResult, error)
}

// documentRegistry tracks per-document state. The field holding it is nil
// when no Firestore collection is configured.
type documentRegistry interface {
	FindCompleted(ctx context.Context, bucket, key, generation string) (*models.DocumentRecord, error)
	Create(ctx context.Context, bucket, key, generation string) (string, error)
	MarkCompleted(ctx context.Context, id string, result *models.ExtractionResult, textKey, metadataKey string) error
	MarkFailed(ctx context.Context, id, status, detail string) error
}

// executionStarter launches a workflow execution.
type executionStarter interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// Processor runs uploaded documents through text extraction and persists
// the text, metadata, and error outputs back to the bucket. Documents are
// handled one at a time.
type Processor struct {
	store      objectStore
	extractor  textExtractor
	registry   documentRegistry
	executions executionStarter
	config     ProcessorConfig
}

// GCSEvent is the subset of the storage object payload the processor needs.
type GCSEvent struct {
	Bucket     string `json:"bucket"`
	Name       string `json:"name"`
	Generation string `json:"generation"`
}

// LoadProcessorConfig reads the processor settings from the environment.
func LoadProcessorConfig() (ProcessorConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return ProcessorConfig{}, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	bucket := gcp.GetEnv("DOCUMENTS_BUCKET", "")
	if bucket == "" {
		return ProcessorConfig{}, fmt.Errorf("DOCUMENTS_BUCKET environment variable must be set")
	}

	config := ProcessorConfig{
		ProjectID:        projectID,
		Bucket:           bucket,
		InputPrefix:      gcp.GetEnv("INPUT_PREFIX", "input-articles/"),
		TextPrefix:       gcp.GetEnv("TEXT_PREFIX", "extracted-texts/"),
		MetadataPrefix:   gcp.GetEnv("METADATA_PREFIX", "extraction-metadata/"),
		ErrorPrefix:      gcp.GetEnv("ERROR_PREFIX", "processing-errors/"),
		HandoffPrefix:    gcp.GetEnv("HANDOFF_PREFIX", "handoff-markers/"),
		RetryAttempts:    uint(gcp.GetEnvInt("RETRY_ATTEMPTS", 3)),
		RetryDelay:       gcp.GetEnvDuration("RETRY_DELAY", 5*time.Second),
		MinAvgConfidence: gcp.GetEnvFloat("MIN_AVG_CONFIDENCE", 85),
		MaxLowRatio:      gcp.GetEnvFloat("MAX_LOW_CONFIDENCE_RATIO", 0.1),
		EnforceQuality:   gcp.GetEnvBool("ENFORCE_QUALITY_GATE", false),
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", ""),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}
	return config, nil
}

// NewProcessor wires the processor against the real GCP clients. The
// Firestore registry and the workflow hand-off are only attached when
// their environment variables name a collection and a workflow.
func NewProcessor(ctx context.Context) (*Processor, error) {
	config, err := LoadProcessorConfig()
	if err != nil {
		return nil, err
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	store := gcp.NewStorage(storageClient)

	visionClient, err := gcp.NewImageAnnotator(ctx)
	if err != nil {
		return nil, err
	}

	ocrConfig := ocr.Config{
		SyncSizeLimit:   gcp.GetEnvInt64("SYNC_SIZE_LIMIT_BYTES", 0),
		MaxDocumentSize: gcp.GetEnvInt64("MAX_DOCUMENT_SIZE_BYTES", 0),
		PollInterval:    gcp.GetEnvDuration("POLL_INTERVAL", 0),
		MaxWait:         gcp.GetEnvDuration("MAX_ASYNC_WAIT", 0),
		LowConfidence:   gcp.GetEnvFloat("LOW_CONFIDENCE_THRESHOLD", 0),
		WorkspacePrefix: gcp.GetEnv("WORKSPACE_PREFIX", ""),
	}

	p := &Processor{
		store:     store,
		extractor: ocr.NewExtractor(ocrConfig, store, visionClient),
		config:    config,
	}

	if config.CollectionName != "" {
		firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
		if err != nil {
			return nil, err
		}
		reg, err := registry.New(firestoreClient, config.CollectionName)
		if err != nil {
			return nil, err
		}
		p.registry = reg
	}
	if config.WorkflowID != "" {
		executionsClient, err := gcp.NewExecutionsClient(ctx)
		if err != nil {
			return nil, err
		}
		p.executions = executionsClient
	}

	slog.Info("Document processor initialized.",
		"bucket", config.Bucket,
		"inputPrefix", config.InputPrefix,
		"registry", p.registry != nil,
		"workflowId", config.WorkflowID)
	return p, nil
}

// Config returns the processor's effective configuration.
func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// Process runs one document end to end and returns its terminal record.
// Every failure is terminal here: the error document is persisted and the
// outcome reported in the result, so callers never see an error to retry.
func (p *Processor) Process(ctx context.Context, e GCSEvent) models.ProcessingResult {
	started := time.Now()
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing document.")

	if prior := p.findPrior(ctx, logCtx, e); prior != nil {
		return *prior
	}

	recordID := p.createRecord(ctx, logCtx, e)
	if recordID != "" {
		logCtx = logCtx.With("documentId", recordID)
	}

	result, err := p.extract(ctx, logCtx, ocr.Document{Bucket: e.Bucket, Key: e.Name})
	if err != nil {
		return p.fail(ctx, logCtx, e, recordID, started, err)
	}
	if err := p.checkQuality(logCtx, result); err != nil {
		return p.fail(ctx, logCtx, e, recordID, started, err)
	}

	textKey := p.config.TextKey(e.Name)
	metadataKey := p.config.MetadataKey(e.Name)

	if err := p.store.Upload(ctx, p.config.Bucket, textKey, []byte(result.Text), "text/plain; charset=utf-8"); err != nil {
		return p.fail(ctx, logCtx, e, recordID, started, fmt.Errorf("failed to store extracted text: %w", err))
	}

	metadata := models.ExtractionMetadata{
		OriginalFile:      e.Name,
		TextFile:          textKey,
		Confidence:        result.Confidence,
		ExtractionMethod:  result.Method,
		PageCount:         result.PageCount,
		CharacterCount:    result.CharacterCount,
		WordCount:         result.WordCount,
		IsHighQuality:     result.Confidence.HighQuality(p.config.MinAvgConfidence, p.config.MaxLowRatio),
		ProcessingSeconds: time.Since(started).Seconds(),
		Timestamp:         time.Now().UTC(),
	}
	metadataBytes, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return p.fail(ctx, logCtx, e, recordID, started, fmt.Errorf("failed to marshal extraction metadata: %w", err))
	}
	if err := p.store.Upload(ctx, p.config.Bucket, metadataKey, metadataBytes, "application/json"); err != nil {
		return p.fail(ctx, logCtx, e, recordID, started, fmt.Errorf("failed to store extraction metadata: %w", err))
	}

	if recordID != "" {
		if err := p.registry.MarkCompleted(ctx, recordID, result, textKey, metadataKey); err != nil {
			logCtx.Error("Failed to mark document record completed.", "error", err)
		}
	}

	p.triggerHandoff(ctx, logCtx, e.Name, textKey, metadataKey, result.PageCount)

	elapsed := time.Since(started).Seconds()
	logCtx.Info("Document processed.",
		"textKey", textKey,
		"metadataKey", metadataKey,
		"method", result.Method,
		"pages", result.PageCount,
		"seconds", elapsed)

	return models.ProcessingResult{
		Status:         models.StatusCompleted,
		OriginalKey:    e.Name,
		TextKey:        textKey,
		MetadataKey:    metadataKey,
		ProcessingTime: elapsed,
		Timestamp:      time.Now().UTC(),
	}
}

// extract runs the detection with the configured retry policy. Validation
// and timeout errors are terminal on first occurrence; service errors are
// retried with a fixed delay between attempts.
func (p *Processor) extract(ctx context.Context, logCtx *slog.Logger, doc ocr.Document) (*models.ExtractionResult, error) {
	var result *models.ExtractionResult
	err := retry.Do(
		func() error {
			var err error
			result, err = p.extractor.Extract(ctx, doc)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(p.config.RetryAttempts),
		retry.Delay(p.config.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(ocr.Retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logCtx.Warn("Text detection attempt failed, retrying.", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkQuality applies the confidence thresholds. A below-threshold result
// fails the document only when the gate is enforced; otherwise the verdict
// is logged and recorded in the metadata.
func (p *Processor) checkQuality(logCtx *slog.Logger, result *models.ExtractionResult) error {
	if result.Confidence.HighQuality(p.config.MinAvgConfidence, p.config.MaxLowRatio) {
		return nil
	}
	logCtx.Warn("Extraction confidence is below the quality thresholds.",
		"avgConfidence", result.Confidence.Average,
		"lowRatio", result.Confidence.LowRatio())
	if !p.config.EnforceQuality {
		return nil
	}
	return &ocr.QualityError{Average: result.Confidence.Average, LowRatio: result.Confidence.LowRatio()}
}

// findPrior returns the completed result recorded for this exact object
// generation, if the registry holds one. Re-delivered events for an
// already-processed object come back here instead of re-running detection.
func (p *Processor) findPrior(ctx context.Context, logCtx *slog.Logger, e GCSEvent) *models.ProcessingResult {
	if p.registry == nil || e.Generation == "" {
		return nil
	}
	record, err := p.registry.FindCompleted(ctx, e.Bucket, e.Name, e.Generation)
	if err != nil {
		logCtx.Warn("Duplicate check failed, processing anyway.", "error", err)
		return nil
	}
	if record == nil {
		return nil
	}
	logCtx.Info("Document generation already processed. Skipping extraction.", "textKey", record.TextKey)
	return &models.ProcessingResult{
		Status:      models.StatusCompleted,
		OriginalKey: e.Name,
		TextKey:     record.TextKey,
		MetadataKey: record.MetadataKey,
		Timestamp:   time.Now().UTC(),
	}
}

// createRecord opens the registry record for this attempt. An empty ID
// disables the follow-up registry writes.
func (p *Processor) createRecord(ctx context.Context, logCtx *slog.Logger, e GCSEvent) string {
	if p.registry == nil {
		return ""
	}
	id, err := p.registry.Create(ctx, e.Bucket, e.Name, e.Generation)
	if err != nil {
		logCtx.Error("Failed to create document record, continuing without one.", "error", err)
		return ""
	}
	return id
}

// fail records a terminal failure: the error document, the registry row,
// and the returned result all carry the same message. Timed-out detection
// jobs get the timeout status, everything else is failed.
func (p *Processor) fail(ctx context.Context, logCtx *slog.Logger, e GCSEvent, recordID string, started time.Time, cause error) models.ProcessingResult {
	status := models.StatusFailed
	var timeoutErr *ocr.TimeoutError
	if errors.As(cause, &timeoutErr) {
		status = models.StatusTimeout
	}
	logCtx.Error("Document processing failed.", "status", status, "error", cause)

	p.writeErrorDocument(ctx, logCtx, e.Name, status, cause.Error(), started)

	if recordID != "" {
		if err := p.registry.MarkFailed(ctx, recordID, status, cause.Error()); err != nil {
			logCtx.Error("Failed to mark document record failed.", "error", err)
		}
	}

	return models.ProcessingResult{
		Status:         status,
		OriginalKey:    e.Name,
		ErrorMessage:   cause.Error(),
		ProcessingTime: time.Since(started).Seconds(),
		Timestamp:      time.Now().UTC(),
	}
}

// writeErrorDocument persists the failure next to the other outputs. A
// failure to record the failure is only logged.
func (p *Processor) writeErrorDocument(ctx context.Context, logCtx *slog.Logger, key, status, message string, started time.Time) {
	errorDoc := models.ErrorDocument{
		OriginalFile:        key,
		Status:              status,
		ErrorMessage:        message,
		ProcessingTimestamp: started.UTC(),
		ErrorTimestamp:      time.Now().UTC(),
	}
	content, err := json.MarshalIndent(errorDoc, "", "  ")
	if err != nil {
		logCtx.Error("Failed to marshal error document.", "error", err)
		return
	}
	if err := p.store.Upload(ctx, p.config.Bucket, p.config.ErrorKey(key), content, "application/json"); err != nil {
		logCtx.Error("Failed to store error document.", "error", err)
	}
}

// triggerHandoff starts the downstream workflow for a completed document.
// The atomic marker object makes the hand-off at most once per input key
// even when events are re-delivered. Hand-off problems never fail the
// document; its outputs are already stored.
func (p *Processor) triggerHandoff(ctx context.Context, logCtx *slog.Logger, originalKey, textKey, metadataKey string, pageCount int) {
	if p.executions == nil {
		return
	}

	payload := models.HandoffPayload{
		OriginalKey: originalKey,
		TextKey:     textKey,
		MetadataKey: metadataKey,
		PageCount:   pageCount,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		logCtx.Error("Failed to marshal hand-off payload.", "error", err)
		return
	}

	markerKey := p.config.MarkerKey(originalKey)
	created, err := p.store.SaveAtomically(ctx, p.config.Bucket, markerKey, payloadBytes)
	if err != nil {
		logCtx.Error("Failed to write hand-off marker.", "error", err)
		return
	}
	if !created {
		logCtx.Info("Hand-off marker already present. Skipping workflow trigger.", "marker", markerKey)
		return
	}

	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s",
			p.config.ProjectID, p.config.WorkflowLocation, p.config.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	if _, err := p.executions.CreateExecution(ctx, req); err != nil {
		logCtx.Error("Failed to trigger workflow execution.", "error", err)
		return
	}
	logCtx.Info("Hand-off to workflow complete.", "marker", markerKey)
}

// ProcessBatch runs every processable notification in order and aggregates
// the outcomes. Objects outside the input prefix, non-PDFs, and hidden
// files are skipped without a result row.
func (p *Processor) ProcessBatch(ctx context.Context, batch models.BatchRequest) models.BatchResponse {
	started := time.Now()
	results := make([]models.ProcessingResult, 0, len(batch.Notifications))

	for _, n := range batch.Notifications {
		if ok, reason := p.config.ShouldProcess(n.Name); !ok {
			slog.Info("Skipping object.", "gcsObject", n.Name, "reason", reason)
			continue
		}
		bucket := n.Bucket
		if bucket == "" {
			bucket = p.config.Bucket
		}
		results = append(results, p.processSafely(ctx, GCSEvent{
			Bucket:     bucket,
			Name:       n.Name,
			Generation: n.Generation,
		}))
	}

	summary := models.BatchSummary{
		TotalProcessed:        len(results),
		ProcessingTimeSeconds: time.Since(started).Seconds(),
	}
	for _, r := range results {
		if r.Succeeded() {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}

	return models.BatchResponse{
		Message: fmt.Sprintf("Processed %d documents: %d successful, %d failed.",
			summary.TotalProcessed, summary.Successful, summary.Failed),
		Summary:   summary,
		Results:   results,
		Timestamp: time.Now().UTC(),
	}
}

// processSafely confines a panic to the affected document's result so one
// bad document cannot take down the rest of the batch.
func (p *Processor) processSafely(ctx context.Context, e GCSEvent) (result models.ProcessingResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while processing document.", "gcsObject", e.Name, "panic", r)
			result = models.ProcessingResult{
				Status:       models.StatusFailed,
				OriginalKey:  e.Name,
				ErrorMessage: fmt.Sprintf("panic: %v", r),
				Timestamp:    time.Now().UTC(),
			}
		}
	}()
	return p.Process(ctx, e)
}

// ListProcessed returns one row per extracted text object.
func (p *Processor) ListProcessed(ctx context.Context) ([]models.ProcessedDocument, error) {
	objects, err := p.store.List(ctx, p.config.Bucket, p.config.TextPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list processed documents: %w", err)
	}

	docs := make([]models.ProcessedDocument, 0, len(objects))
	for _, attrs := range objects {
		if !strings.HasSuffix(attrs.Name, ".txt") {
			continue
		}
		docs = append(docs, models.ProcessedDocument{
			Name:      strings.TrimSuffix(strings.TrimPrefix(attrs.Name, p.config.TextPrefix), ".txt"),
			TextKey:   attrs.Name,
			SizeBytes: attrs.Size,
			Updated:   attrs.Updated,
		})
	}
	return docs, nil
}

// ProcessedText fetches the extracted text stored for one document name,
// as listed by ListProcessed.
func (p *Processor) ProcessedText(ctx context.Context, name string) ([]byte, error) {
	return p.store.Download(ctx, p.config.Bucket, p.config.TextPrefix+name+".txt")
}

// Metadata fetches the extraction metadata stored for one document name.
func (p *Processor) Metadata(ctx context.Context, name string) (*models.ExtractionMetadata, error) {
	data, err := p.store.Download(ctx, p.config.Bucket, p.config.MetadataPrefix+name+".json")
	if err != nil {
		return nil, err
	}
	var metadata models.ExtractionMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to decode extraction metadata: %w", err)
	}
	return &metadata, nil
}
