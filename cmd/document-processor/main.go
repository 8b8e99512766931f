package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/articleflow/articleflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	processorInstance *services.Processor
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the CloudEvent function. The framework routes storage events here.
	functions.CloudEvent("ProcessDocument", processDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// processDocument is the Cloud Function entry point for object-finalized
// events on the documents bucket.
func processDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		processorInstance, initErr = services.NewProcessor(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	if ok, reason := processorInstance.Config().ShouldProcess(gcsEvent.Name); !ok {
		slog.Info("Ignoring object.", "gcsObject", gcsEvent.Name, "reason", reason)
		return nil
	}

	// Process never returns an error: every failure is persisted as an error
	// document, so re-delivering the event could not change the outcome.
	result := processorInstance.Process(ctx, gcsEvent)
	if !result.Succeeded() {
		slog.Warn("Document finished in a terminal failure state.",
			"gcsObject", gcsEvent.Name, "status", result.Status, "error", result.ErrorMessage)
	}
	return nil
}
