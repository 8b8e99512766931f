package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/articleflow/articleflow/internal/models"
	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/encoding/protojson"
)

// Config tunes one Extractor. Zero values fall back to the production
// defaults below.
type Config struct {
	SyncSizeLimit   int64 // at or above this many bytes, detection goes async
	MaxDocumentSize int64
	SyncPageLimit   int // service cap on pages per inline annotation call
	PollInterval    time.Duration
	MaxWait         time.Duration
	LowConfidence   float64 // percent threshold for the low-confidence count
	WorkspacePrefix string  // async result shards are written under this prefix
	ShardBatchSize  int32   // pages per async result shard
}

const (
	defaultSyncSizeLimit   = 5 * 1024 * 1024
	defaultMaxDocumentSize = 500 * 1024 * 1024
	defaultSyncPageLimit   = 5
	defaultPollInterval    = 5 * time.Second
	defaultMaxWait         = 5 * time.Minute
	defaultLowConfidence   = 80.0
	defaultWorkspacePrefix = "vision-workspace/"
	defaultShardBatchSize  = 20
)

func (c *Config) applyDefaults() {
	if c.SyncSizeLimit <= 0 {
		c.SyncSizeLimit = defaultSyncSizeLimit
	}
	if c.MaxDocumentSize <= 0 {
		c.MaxDocumentSize = defaultMaxDocumentSize
	}
	if c.SyncPageLimit <= 0 {
		c.SyncPageLimit = defaultSyncPageLimit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.LowConfidence <= 0 {
		c.LowConfidence = defaultLowConfidence
	}
	if c.WorkspacePrefix == "" {
		c.WorkspacePrefix = defaultWorkspacePrefix
	}
	if c.ShardBatchSize <= 0 {
		c.ShardBatchSize = defaultShardBatchSize
	}
}

// Document names one object in a bucket.
type Document struct {
	Bucket string
	Key    string
}

// URI is the gs:// form of the document reference.
func (d Document) URI() string {
	return fmt.Sprintf("gs://%s/%s", d.Bucket, d.Key)
}

// ObjectStore is the slice of the bucket gateway the extractor uses.
type ObjectStore interface {
	Attrs(ctx context.Context, bucket, key string) (*storage.ObjectAttrs, error)
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket, prefix string) ([]*storage.ObjectAttrs, error)
	Delete(ctx context.Context, bucket, key string) error
}

// textJob is a running asynchronous detection operation. Poll returns a nil
// response while the job is still in flight.
type textJob interface {
	Name() string
	Poll(ctx context.Context, opts ...gax.CallOption) (*visionpb.AsyncBatchAnnotateFilesResponse, error)
	Metadata() (*visionpb.OperationMetadata, error)
}

// annotator submits detection work to the Vision service.
type annotator interface {
	detectSync(ctx context.Context, req *visionpb.BatchAnnotateFilesRequest) (*visionpb.BatchAnnotateFilesResponse, error)
	detectAsync(ctx context.Context, req *visionpb.AsyncBatchAnnotateFilesRequest) (textJob, error)
}

type visionAnnotator struct {
	client *vision.ImageAnnotatorClient
}

var (
	_ annotator = (*visionAnnotator)(nil)
	_ textJob   = (*vision.AsyncBatchAnnotateFilesOperation)(nil)
)

func (v *visionAnnotator) detectSync(ctx context.Context, req *visionpb.BatchAnnotateFilesRequest) (*visionpb.BatchAnnotateFilesResponse, error) {
	return v.client.BatchAnnotateFiles(ctx, req)
}

func (v *visionAnnotator) detectAsync(ctx context.Context, req *visionpb.AsyncBatchAnnotateFilesRequest) (textJob, error) {
	op, err := v.client.AsyncBatchAnnotateFiles(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Extractor validates a document, picks the sync or async detection path by
// size, and reduces the service's annotations to an ExtractionResult. It
// performs no retries of its own.
type Extractor struct {
	cfg          Config
	store        ObjectStore
	api          annotator
	checkContent func([]byte) (int, error)
}

// NewExtractor builds an Extractor on top of the bucket gateway and a
// Vision client.
func NewExtractor(cfg Config, store ObjectStore, client *vision.ImageAnnotatorClient) *Extractor {
	return newExtractor(cfg, store, &visionAnnotator{client: client})
}

func newExtractor(cfg Config, store ObjectStore, api annotator) *Extractor {
	cfg.applyDefaults()
	return &Extractor{
		cfg:          cfg,
		store:        store,
		api:          api,
		checkContent: checkPDFContent,
	}
}

// Extract runs one document through text detection. Errors are the typed
// errors of this package; Retryable tells the caller which ones are worth
// another attempt.
func (x *Extractor) Extract(ctx context.Context, doc Document) (*models.ExtractionResult, error) {
	logCtx := slog.With("bucket", doc.Bucket, "object", doc.Key)

	validation, err := x.Validate(ctx, doc)
	if err != nil {
		return nil, err
	}
	for _, warning := range validation.Warnings {
		logCtx.Warn("Validation warning.", "warning", warning)
	}

	method := methodForSize(validation.Size, x.cfg.SyncSizeLimit)
	logCtx.Info("Document validated.", "sizeBytes", validation.Size, "method", method)

	if method == models.MethodAsync {
		return x.extractAsync(ctx, logCtx, doc)
	}
	return x.extractSync(ctx, logCtx, doc)
}

// methodForSize selects the extraction path from the object size alone.
func methodForSize(size, syncLimit int64) string {
	if size >= syncLimit {
		return models.MethodAsync
	}
	return models.MethodSync
}

// Validate checks existence, extension, and size without fetching content.
// A rejected document yields a *ValidationError; a failed check yields a
// *ServiceError.
func (x *Extractor) Validate(ctx context.Context, doc Document) (*models.ValidationResult, error) {
	result := &models.ValidationResult{
		Format: strings.TrimPrefix(strings.ToLower(path.Ext(doc.Key)), "."),
	}

	attrs, err := x.store.Attrs(ctx, doc.Bucket, doc.Key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			result.Error = fmt.Sprintf("object %s does not exist", doc.URI())
			return result, &ValidationError{Reason: result.Error}
		}
		return result, &ServiceError{Op: "stat document", Err: err}
	}
	result.Size = attrs.Size

	if result.Format != "pdf" {
		result.Error = fmt.Sprintf("unsupported format %q, only PDF is handled", result.Format)
		return result, &ValidationError{Reason: result.Error}
	}
	if attrs.Size == 0 {
		result.Error = "object is empty"
		return result, &ValidationError{Reason: result.Error}
	}
	if attrs.Size > x.cfg.MaxDocumentSize {
		result.Error = fmt.Sprintf("document size %d exceeds the %d byte limit", attrs.Size, x.cfg.MaxDocumentSize)
		return result, &ValidationError{Reason: result.Error}
	}
	if ct := attrs.ContentType; ct != "" && ct != "application/pdf" && ct != "application/octet-stream" {
		result.Warnings = append(result.Warnings, fmt.Sprintf("content type %q does not look like a PDF", ct))
	}

	result.Valid = true
	return result, nil
}

func (x *Extractor) extractSync(ctx context.Context, logCtx *slog.Logger, doc Document) (*models.ExtractionResult, error) {
	content, err := x.store.Download(ctx, doc.Bucket, doc.Key)
	if err != nil {
		return nil, &ServiceError{Op: "download document", Err: err}
	}

	pdfPages, err := x.checkContent(content)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	requested := pdfPages
	if requested > x.cfg.SyncPageLimit {
		logCtx.Warn("Document exceeds the inline annotation page cap, text may be truncated.",
			"pageCount", pdfPages, "pageCap", x.cfg.SyncPageLimit)
		requested = x.cfg.SyncPageLimit
	}

	req := &visionpb.BatchAnnotateFilesRequest{
		Requests: []*visionpb.AnnotateFileRequest{{
			InputConfig: &visionpb.InputConfig{
				Content:  content,
				MimeType: "application/pdf",
			},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			Pages:    pageRange(requested),
		}},
	}

	resp, err := x.api.detectSync(ctx, req)
	if err != nil {
		return nil, &ServiceError{Op: "synchronous text detection", Err: err}
	}
	if len(resp.GetResponses()) == 0 {
		return nil, &ServiceError{Op: "synchronous text detection", Err: errors.New("empty response")}
	}
	fileResp := resp.GetResponses()[0]
	if fileResp.GetError() != nil {
		return nil, &ServiceError{Op: "synchronous text detection", Err: errors.New(fileResp.GetError().GetMessage())}
	}

	pageCount := int(fileResp.GetTotalPages())
	if pageCount == 0 {
		pageCount = pdfPages
	}
	return x.reduce(logCtx, fileResp.GetResponses(), models.MethodSync, pageCount)
}

func (x *Extractor) extractAsync(ctx context.Context, logCtx *slog.Logger, doc Document) (*models.ExtractionResult, error) {
	outputPrefix := x.cfg.WorkspacePrefix + uuid.NewString() + "/"

	req := &visionpb.AsyncBatchAnnotateFilesRequest{
		Requests: []*visionpb.AsyncAnnotateFileRequest{{
			InputConfig: &visionpb.InputConfig{
				GcsSource: &visionpb.GcsSource{Uri: doc.URI()},
				MimeType:  "application/pdf",
			},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			OutputConfig: &visionpb.OutputConfig{
				GcsDestination: &visionpb.GcsDestination{
					Uri: fmt.Sprintf("gs://%s/%s", doc.Bucket, outputPrefix),
				},
				BatchSize: x.cfg.ShardBatchSize,
			},
		}},
	}

	job, err := x.api.detectAsync(ctx, req)
	if err != nil {
		return nil, &ServiceError{Op: "start text detection job", Err: err}
	}
	logCtx = logCtx.With("job", job.Name())
	logCtx.Info("Text detection job submitted.", "outputPrefix", outputPrefix)

	if err := x.awaitJob(ctx, logCtx, job); err != nil {
		return nil, err
	}

	responses, pageCount, err := x.fetchShards(ctx, logCtx, doc.Bucket, outputPrefix)
	if err != nil {
		return nil, err
	}
	x.cleanupWorkspace(ctx, logCtx, doc.Bucket, outputPrefix)

	return x.reduce(logCtx, responses, models.MethodAsync, pageCount)
}

// awaitJob polls the job at the configured interval until it completes,
// fails, or the wait budget lapses.
func (x *Extractor) awaitJob(ctx context.Context, logCtx *slog.Logger, job textJob) error {
	deadline := time.Now().Add(x.cfg.MaxWait)
	for {
		resp, err := job.Poll(ctx)
		if err != nil {
			return &ServiceError{Op: "text detection job", Err: err}
		}
		if resp != nil {
			logCtx.Info("Text detection job completed.")
			return nil
		}
		if !time.Now().Before(deadline) {
			return &TimeoutError{Job: job.Name(), Waited: x.cfg.MaxWait}
		}

		state := "UNKNOWN"
		if md, mdErr := job.Metadata(); mdErr == nil && md != nil {
			state = md.GetState().String()
		}
		logCtx.Info("Text detection job still running, waiting.",
			"state", state, "pollInterval", x.cfg.PollInterval.String())

		select {
		case <-time.After(x.cfg.PollInterval):
		case <-ctx.Done():
			return &ServiceError{Op: "await text detection job", Err: ctx.Err()}
		}
	}
}

// fetchShards downloads and decodes the job's paginated output shards in
// page order.
func (x *Extractor) fetchShards(ctx context.Context, logCtx *slog.Logger, bucket, prefix string) ([]*visionpb.AnnotateImageResponse, int, error) {
	objects, err := x.store.List(ctx, bucket, prefix)
	if err != nil {
		return nil, 0, &ServiceError{Op: "list detection output", Err: err}
	}

	var names []string
	for _, attrs := range objects {
		if strings.HasSuffix(attrs.Name, ".json") {
			names = append(names, attrs.Name)
		}
	}
	if len(names) == 0 {
		return nil, 0, &ServiceError{
			Op:  "list detection output",
			Err: fmt.Errorf("no result shards under gs://%s/%s", bucket, prefix),
		}
	}
	sortShardNames(names)

	unmarshal := protojson.UnmarshalOptions{DiscardUnknown: true}
	var responses []*visionpb.AnnotateImageResponse
	pageCount := 0
	for _, name := range names {
		data, err := x.store.Download(ctx, bucket, name)
		if err != nil {
			return nil, 0, &ServiceError{Op: "download result shard", Err: err}
		}
		var shard visionpb.AnnotateFileResponse
		if err := unmarshal.Unmarshal(data, &shard); err != nil {
			return nil, 0, &ServiceError{Op: "decode result shard " + name, Err: err}
		}
		responses = append(responses, shard.GetResponses()...)
		if total := int(shard.GetTotalPages()); total > pageCount {
			pageCount = total
		}
	}
	logCtx.Info("Result shards fetched.", "shards", len(names), "annotatedPages", len(responses))

	if pageCount == 0 {
		pageCount = len(responses)
	}
	return responses, pageCount, nil
}

// cleanupWorkspace removes the job's result shards once they are decoded.
// Failures are logged and otherwise ignored.
func (x *Extractor) cleanupWorkspace(ctx context.Context, logCtx *slog.Logger, bucket, prefix string) {
	objects, err := x.store.List(ctx, bucket, prefix)
	if err != nil {
		logCtx.Warn("Failed to list workspace for cleanup.", "error", err)
		return
	}
	for _, attrs := range objects {
		if err := x.store.Delete(ctx, bucket, attrs.Name); err != nil {
			logCtx.Warn("Failed to delete workspace object.", "object", attrs.Name, "error", err)
		}
	}
}

// reduce turns per-page annotations into the final result: ordered text
// plus confidence statistics.
func (x *Extractor) reduce(logCtx *slog.Logger, responses []*visionpb.AnnotateImageResponse, method string, pageCount int) (*models.ExtractionResult, error) {
	blocks := collectBlocks(responses)
	if msgs := pageErrors(responses); len(msgs) > 0 {
		if len(blocks) == 0 {
			return nil, &ServiceError{Op: "annotate document", Err: errors.New(strings.Join(msgs, "; "))}
		}
		logCtx.Warn("Some pages could not be annotated.", "pageErrors", strings.Join(msgs, "; "))
	}

	text := assembleText(blocks)
	stats := models.NewConfidenceStats(blockConfidences(blocks), x.cfg.LowConfidence)
	result := models.NewExtractionResult(text, stats, method, pageCount)

	logCtx.Info("Text extraction complete.",
		"method", method,
		"pages", pageCount,
		"blocks", stats.Total,
		"characters", result.CharacterCount,
		"avgConfidence", stats.Average,
	)
	return &result, nil
}
