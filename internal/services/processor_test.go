package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/articleflow/articleflow/internal/models"
	"github.com/articleflow/articleflow/internal/ocr"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	uploads      map[string][]byte
	contentTypes map[string]string
	uploadErr    map[string]error
	objects      map[string][]byte
	listed       []*storage.ObjectAttrs
	listErr      error
	markers      map[string][]byte
}

func newStubStore() *stubStore {
	return &stubStore{
		uploads:      map[string][]byte{},
		contentTypes: map[string]string{},
		uploadErr:    map[string]error{},
		objects:      map[string][]byte{},
		markers:      map[string][]byte{},
	}
}

func (s *stubStore) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := s.uploadErr[key]; err != nil {
		return err
	}
	s.uploads[key] = data
	s.contentTypes[key] = contentType
	return nil
}

func (s *stubStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	content, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return content, nil
}

func (s *stubStore) List(ctx context.Context, bucket, prefix string) ([]*storage.ObjectAttrs, error) {
	return s.listed, s.listErr
}

func (s *stubStore) SaveAtomically(ctx context.Context, bucket, key string, content []byte) (bool, error) {
	if _, exists := s.markers[key]; exists {
		return false, nil
	}
	s.markers[key] = content
	return true, nil
}

type extractOutcome struct {
	result *models.ExtractionResult
	err    error
	panics bool
}

// stubExtractor plays back outcomes in order, repeating the last one when
// it runs out.
type stubExtractor struct {
	outcomes []extractOutcome
	calls    int
	docs     []ocr.Document
}

func (s *stubExtractor) Extract(ctx context.Context, doc ocr.Document) (*models.ExtractionResult, error) {
	i := s.calls
	s.calls++
	s.docs = append(s.docs, doc)
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	outcome := s.outcomes[i]
	if outcome.panics {
		panic("extractor blew up")
	}
	return outcome.result, outcome.err
}

type failedMark struct {
	id     string
	status string
	detail string
}

type stubRegistry struct {
	prior     *models.DocumentRecord
	findErr   error
	createErr error
	nextID    int
	finds     int
	created   []string
	completed []string
	failed    []failedMark
}

func (r *stubRegistry) FindCompleted(ctx context.Context, bucket, key, generation string) (*models.DocumentRecord, error) {
	r.finds++
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.prior, nil
}

func (r *stubRegistry) Create(ctx context.Context, bucket, key, generation string) (string, error) {
	if r.createErr != nil {
		return "", r.createErr
	}
	r.nextID++
	id := fmt.Sprintf("doc-%d", r.nextID)
	r.created = append(r.created, id)
	return id, nil
}

func (r *stubRegistry) MarkCompleted(ctx context.Context, id string, result *models.ExtractionResult, textKey, metadataKey string) error {
	r.completed = append(r.completed, id)
	return nil
}

func (r *stubRegistry) MarkFailed(ctx context.Context, id, status, detail string) error {
	r.failed = append(r.failed, failedMark{id: id, status: status, detail: detail})
	return nil
}

type stubExecutions struct {
	reqs []*executionspb.CreateExecutionRequest
	err  error
}

func (s *stubExecutions) CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return &executionspb.Execution{}, nil
}

func testConfig() ProcessorConfig {
	return ProcessorConfig{
		ProjectID:        "demo-project",
		Bucket:           "documents",
		InputPrefix:      "input-articles/",
		TextPrefix:       "extracted-texts/",
		MetadataPrefix:   "extraction-metadata/",
		ErrorPrefix:      "processing-errors/",
		HandoffPrefix:    "handoff-markers/",
		RetryAttempts:    3,
		RetryDelay:       time.Millisecond,
		MinAvgConfidence: 85,
		MaxLowRatio:      0.1,
		WorkflowLocation: "us-central1",
	}
}

func testProcessor(store objectStore, x textExtractor) *Processor {
	return &Processor{store: store, extractor: x, config: testConfig()}
}

func goodResult() *models.ExtractionResult {
	result := models.NewExtractionResult("Extracted text body.",
		models.NewConfidenceStats([]float64{95, 96, 90, 92}, 80), models.MethodSync, 2)
	return &result
}

var alphaEvent = GCSEvent{Bucket: "documents", Name: "input-articles/alpha.pdf"}

func TestProcessSuccess(t *testing.T) {
	store := newStubStore()
	x := &stubExtractor{outcomes: []extractOutcome{{result: goodResult()}}}
	p := testProcessor(store, x)

	result := p.Process(context.Background(), alphaEvent)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "input-articles/alpha.pdf", result.OriginalKey)
	assert.Equal(t, "extracted-texts/alpha.txt", result.TextKey)
	assert.Equal(t, "extraction-metadata/alpha.json", result.MetadataKey)
	assert.Empty(t, result.ErrorMessage)
	assert.GreaterOrEqual(t, result.ProcessingTime, 0.0)
	assert.Equal(t, 1, x.calls)
	assert.Equal(t, ocr.Document{Bucket: "documents", Key: "input-articles/alpha.pdf"}, x.docs[0])

	assert.Equal(t, []byte("Extracted text body."), store.uploads["extracted-texts/alpha.txt"])
	assert.Equal(t, "text/plain; charset=utf-8", store.contentTypes["extracted-texts/alpha.txt"])
	assert.Equal(t, "application/json", store.contentTypes["extraction-metadata/alpha.json"])

	var metadata models.ExtractionMetadata
	require.NoError(t, json.Unmarshal(store.uploads["extraction-metadata/alpha.json"], &metadata))
	assert.Equal(t, "input-articles/alpha.pdf", metadata.OriginalFile)
	assert.Equal(t, "extracted-texts/alpha.txt", metadata.TextFile)
	assert.Equal(t, models.MethodSync, metadata.ExtractionMethod)
	assert.Equal(t, 2, metadata.PageCount)
	assert.Equal(t, 3, metadata.WordCount)
	assert.True(t, metadata.IsHighQuality)
	assert.InDelta(t, 93.25, metadata.Confidence.Average, 1e-9)

	for key := range store.uploads {
		assert.False(t, strings.HasPrefix(key, "processing-errors/"), "unexpected error document %s", key)
	}
}

func TestProcessValidationFailureNoRetry(t *testing.T) {
	store := newStubStore()
	x := &stubExtractor{outcomes: []extractOutcome{
		{err: &ocr.ValidationError{Reason: `unsupported format "docx"`}},
	}}
	p := testProcessor(store, x)

	result := p.Process(context.Background(), alphaEvent)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "unsupported format")
	assert.Equal(t, 1, x.calls)

	var errorDoc models.ErrorDocument
	require.NoError(t, json.Unmarshal(store.uploads["processing-errors/alpha_error.json"], &errorDoc))
	assert.Equal(t, "input-articles/alpha.pdf", errorDoc.OriginalFile)
	assert.Equal(t, models.StatusFailed, errorDoc.Status)
	assert.Contains(t, errorDoc.ErrorMessage, "unsupported format")
	assert.False(t, errorDoc.ErrorTimestamp.IsZero())

	_, hasText := store.uploads["extracted-texts/alpha.txt"]
	assert.False(t, hasText)
	_, hasMetadata := store.uploads["extraction-metadata/alpha.json"]
	assert.False(t, hasMetadata)
}

func TestProcessServiceErrorExhaustsRetries(t *testing.T) {
	x := &stubExtractor{outcomes: []extractOutcome{
		{err: &ocr.ServiceError{Op: "text detection", Err: errors.New("unavailable")}},
	}}
	p := testProcessor(newStubStore(), x)

	result := p.Process(context.Background(), alphaEvent)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, 3, x.calls)
	assert.Contains(t, result.ErrorMessage, "unavailable")
}

func TestProcessRetryThenSuccess(t *testing.T) {
	x := &stubExtractor{outcomes: []extractOutcome{
		{err: &ocr.ServiceError{Op: "text detection", Err: errors.New("deadline exceeded")}},
		{result: goodResult()},
	}}
	p := testProcessor(newStubStore(), x)

	result := p.Process(context.Background(), alphaEvent)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, 2, x.calls)
}

func TestProcessTimeoutStatus(t *testing.T) {
	store := newStubStore()
	x := &stubExtractor{outcomes: []extractOutcome{
		{err: &ocr.TimeoutError{Job: "operations/op-1", Waited: 3 * time.Second}},
	}}
	p := testProcessor(store, x)

	result := p.Process(context.Background(), alphaEvent)

	assert.Equal(t, models.StatusTimeout, result.Status)
	assert.Equal(t, 1, x.calls, "timeouts are terminal, not retried")

	var errorDoc models.ErrorDocument
	require.NoError(t, json.Unmarshal(store.uploads["processing-errors/alpha_error.json"], &errorDoc))
	assert.Equal(t, models.StatusTimeout, errorDoc.Status)
}

func TestProcessDuplicateSkipsExtraction(t *testing.T) {
	t.Run("prior generation found", func(t *testing.T) {
		store := newStubStore()
		x := &stubExtractor{outcomes: []extractOutcome{{result: goodResult()}}}
		reg := &stubRegistry{prior: &models.DocumentRecord{
			Status:      models.StatusCompleted,
			TextKey:     "extracted-texts/alpha.txt",
			MetadataKey: "extraction-metadata/alpha.json",
		}}
		p := testProcessor(store, x)
		p.registry = reg

		evt := alphaEvent
		evt.Generation = "1724400000000000"
		result := p.Process(context.Background(), evt)

		assert.Equal(t, models.StatusCompleted, result.Status)
		assert.Equal(t, "extracted-texts/alpha.txt", result.TextKey)
		assert.Zero(t, x.calls)
		assert.Empty(t, store.uploads)
		assert.Empty(t, reg.created)
	})

	t.Run("no generation processes anyway", func(t *testing.T) {
		x := &stubExtractor{outcomes: []extractOutcome{{result: goodResult()}}}
		reg := &stubRegistry{prior: &models.DocumentRecord{Status: models.StatusCompleted}}
		p := testProcessor(newStubStore(), x)
		p.registry = reg

		result := p.Process(context.Background(), alphaEvent)

		assert.Equal(t, models.StatusCompleted, result.Status)
		assert.Zero(t, reg.finds)
		assert.Equal(t, 1, x.calls)
	})

	t.Run("lookup failure processes anyway", func(t *testing.T) {
		x := &stubExtractor{outcomes: []extractOutcome{{result: goodResult()}}}
		reg := &stubRegistry{findErr: errors.New("firestore unavailable")}
		p := testProcessor(newStubStore(), x)
		p.registry = reg

		evt := alphaEvent
		evt.Generation = "1724400000000000"
		result := p.Process(context.Background(), evt)

		assert.Equal(t, models.StatusCompleted, result.Status)
		assert.Equal(t, 1, x.calls)
	})
}

func TestProcessRegistryLifecycle(t *testing.T) {
	t.Run("success marks completed", func(t *testing.T) {
		reg := &stubRegistry{}
		p := testProcessor(newStubStore(), &stubExtractor{outcomes: []extractOutcome{{result: goodResult()}}})
		p.registry = reg

		result := p.Process(context.Background(), alphaEvent)

		require.True(t, result.Succeeded())
		assert.Equal(t, []string{"doc-1"}, reg.created)
		assert.Equal(t, []string{"doc-1"}, reg.completed)
		assert.Empty(t, reg.failed)
	})

	t.Run("failure marks failed with status", func(t *testing.T) {
		reg := &stubRegistry{}
		p := testProcessor(newStubStore(), &stubExtractor{outcomes: []extractOutcome{
			{err: &ocr.TimeoutError{Job: "operations/op-3", Waited: time.Minute}},
		}})
		p.registry = reg

		result := p.Process(context.Background(), alphaEvent)

		assert.Equal(t, models.StatusTimeout, result.Status)
		require.Len(t, reg.failed, 1)
		assert.Equal(t, "doc-1", reg.failed[0].id)
		assert.Equal(t, models.StatusTimeout, reg.failed[0].status)
		assert.Empty(t, reg.completed)
	})

	t.Run("create failure continues without record", func(t *testing.T) {
		reg := &stubRegistry{createErr: errors.New("quota")}
		p := testProcessor(newStubStore(), &stubExtractor{outcomes: []extractOutcome{{result: goodResult()}}})
		p.registry = reg

		result := p.Process(context.Background(), alphaEvent)

		assert.True(t, result.Succeeded())
		assert.Empty(t, reg.completed)
	})
}

func TestProcessQualityGate(t *testing.T) {
	lowConfidence := func() *models.ExtractionResult {
		result := models.NewExtractionResult("Fuzzy text.",
			models.NewConfidenceStats([]float64{70, 72, 60, 90}, 80), models.MethodSync, 1)
		return &result
	}

	t.Run("advisory by default", func(t *testing.T) {
		store := newStubStore()
		p := testProcessor(store, &stubExtractor{outcomes: []extractOutcome{{result: lowConfidence()}}})

		result := p.Process(context.Background(), alphaEvent)

		require.True(t, result.Succeeded())
		var metadata models.ExtractionMetadata
		require.NoError(t, json.Unmarshal(store.uploads["extraction-metadata/alpha.json"], &metadata))
		assert.False(t, metadata.IsHighQuality)
	})

	t.Run("enforced gate fails the document", func(t *testing.T) {
		store := newStubStore()
		x := &stubExtractor{outcomes: []extractOutcome{{result: lowConfidence()}}}
		p := testProcessor(store, x)
		p.config.EnforceQuality = true

		result := p.Process(context.Background(), alphaEvent)

		assert.Equal(t, models.StatusFailed, result.Status)
		assert.Contains(t, result.ErrorMessage, "quality below threshold")
		assert.Equal(t, 1, x.calls)
		_, hasText := store.uploads["extracted-texts/alpha.txt"]
		assert.False(t, hasText)
	})
}

func TestProcessHandoff(t *testing.T) {
	store := newStubStore()
	x := &stubExtractor{outcomes: []extractOutcome{{result: goodResult()}}}
	execs := &stubExecutions{}
	p := testProcessor(store, x)
	p.executions = execs
	p.config.WorkflowID = "post-process"

	result := p.Process(context.Background(), alphaEvent)
	require.True(t, result.Succeeded())

	require.Len(t, execs.reqs, 1)
	assert.Equal(t, "projects/demo-project/locations/us-central1/workflows/post-process", execs.reqs[0].GetParent())

	var payload models.HandoffPayload
	require.NoError(t, json.Unmarshal([]byte(execs.reqs[0].GetExecution().GetArgument()), &payload))
	assert.Equal(t, "input-articles/alpha.pdf", payload.OriginalKey)
	assert.Equal(t, "extracted-texts/alpha.txt", payload.TextKey)
	assert.Equal(t, "extraction-metadata/alpha.json", payload.MetadataKey)
	assert.Equal(t, 2, payload.PageCount)
	assert.Contains(t, store.markers, "handoff-markers/alpha.json")

	// A replay of the same document re-writes the outputs but the marker
	// keeps the workflow from being triggered twice.
	second := p.Process(context.Background(), alphaEvent)
	require.True(t, second.Succeeded())
	assert.Len(t, execs.reqs, 1)
}

func TestProcessHandoffFailureKeepsDocumentCompleted(t *testing.T) {
	store := newStubStore()
	execs := &stubExecutions{err: errors.New("workflow not found")}
	p := testProcessor(store, &stubExtractor{outcomes: []extractOutcome{{result: goodResult()}}})
	p.executions = execs
	p.config.WorkflowID = "post-process"

	result := p.Process(context.Background(), alphaEvent)

	assert.True(t, result.Succeeded())
	assert.Len(t, execs.reqs, 1)
	_, hasText := store.uploads["extracted-texts/alpha.txt"]
	assert.True(t, hasText)
}

func TestProcessOutputUploadFailure(t *testing.T) {
	store := newStubStore()
	store.uploadErr["extracted-texts/alpha.txt"] = errors.New("quota exceeded")
	p := testProcessor(store, &stubExtractor{outcomes: []extractOutcome{{result: goodResult()}}})

	result := p.Process(context.Background(), alphaEvent)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "failed to store extracted text")

	var errorDoc models.ErrorDocument
	require.NoError(t, json.Unmarshal(store.uploads["processing-errors/alpha_error.json"], &errorDoc))
	assert.Contains(t, errorDoc.ErrorMessage, "quota exceeded")
}

func TestProcessBatch(t *testing.T) {
	store := newStubStore()
	x := &stubExtractor{outcomes: []extractOutcome{
		{result: goodResult()},
		{err: &ocr.ValidationError{Reason: "object is empty"}},
	}}
	p := testProcessor(store, x)

	response := p.ProcessBatch(context.Background(), models.BatchRequest{Notifications: []models.Notification{
		{Name: "input-articles/alpha.pdf"},
		{Name: "input-articles/notes.txt"},
		{Name: "input-articles/_draft.pdf"},
		{Name: "input-articles/beta.pdf", Bucket: "other-bucket"},
	}})

	assert.Equal(t, 2, response.Summary.TotalProcessed)
	assert.Equal(t, 1, response.Summary.Successful)
	assert.Equal(t, 1, response.Summary.Failed)
	assert.GreaterOrEqual(t, response.Summary.ProcessingTimeSeconds, 0.0)
	assert.Equal(t, "Processed 2 documents: 1 successful, 1 failed.", response.Message)
	assert.False(t, response.Timestamp.IsZero())

	require.Len(t, response.Results, 2)
	assert.Equal(t, models.StatusCompleted, response.Results[0].Status)
	assert.Equal(t, models.StatusFailed, response.Results[1].Status)

	// The default bucket fills in when a notification leaves it empty.
	require.Len(t, x.docs, 2)
	assert.Equal(t, "documents", x.docs[0].Bucket)
	assert.Equal(t, "other-bucket", x.docs[1].Bucket)
}

func TestProcessBatchConfinesPanic(t *testing.T) {
	x := &stubExtractor{outcomes: []extractOutcome{
		{panics: true},
		{result: goodResult()},
	}}
	p := testProcessor(newStubStore(), x)

	response := p.ProcessBatch(context.Background(), models.BatchRequest{Notifications: []models.Notification{
		{Name: "input-articles/bad.pdf"},
		{Name: "input-articles/good.pdf"},
	}})

	require.Len(t, response.Results, 2)
	assert.Equal(t, models.StatusFailed, response.Results[0].Status)
	assert.Contains(t, response.Results[0].ErrorMessage, "panic")
	assert.Equal(t, models.StatusCompleted, response.Results[1].Status)
	assert.Equal(t, 1, response.Summary.Successful)
	assert.Equal(t, 1, response.Summary.Failed)
}

func TestListProcessed(t *testing.T) {
	store := newStubStore()
	now := time.Now()
	store.listed = []*storage.ObjectAttrs{
		{Name: "extracted-texts/alpha.txt", Size: 120, Updated: now},
		{Name: "extracted-texts/2024/beta.txt", Size: 64, Updated: now},
		{Name: "extracted-texts/notes.md", Size: 5, Updated: now},
	}
	p := testProcessor(store, nil)

	docs, err := p.ListProcessed(context.Background())
	require.NoError(t, err)

	require.Len(t, docs, 2)
	assert.Equal(t, "alpha", docs[0].Name)
	assert.Equal(t, "extracted-texts/alpha.txt", docs[0].TextKey)
	assert.Equal(t, int64(120), docs[0].SizeBytes)
	assert.Equal(t, "2024/beta", docs[1].Name)
}

func TestProcessedTextAndMetadata(t *testing.T) {
	store := newStubStore()
	store.objects["extracted-texts/alpha.txt"] = []byte("hello")
	raw, err := json.Marshal(models.ExtractionMetadata{
		OriginalFile: "input-articles/alpha.pdf",
		TextFile:     "extracted-texts/alpha.txt",
		PageCount:    2,
	})
	require.NoError(t, err)
	store.objects["extraction-metadata/alpha.json"] = raw
	p := testProcessor(store, nil)

	text, err := p.ProcessedText(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), text)

	metadata, err := p.Metadata(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, metadata.PageCount)

	_, err = p.ProcessedText(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrObjectNotExist)
}
