package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/articleflow/articleflow/internal/models"
	"github.com/articleflow/articleflow/internal/services"
)

var (
	processorInstance *services.Processor
	once              sync.Once
	initErr           error
)

func init() {
	// Register the HTTP function with the framework.
	// "HandleBatchProcess" is the entry point name configured in GCP.
	functions.HTTP("HandleBatchProcess", handleBatchProcess)
}

// main is required by the Go Functions Framework.
func main() {}

// handleBatchProcess serves the batch surface: POST runs a batch of
// notifications through the processor, GET lists the processed documents
// or, with ?name=, returns one document's extracted text.
func handleBatchProcess(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		processorInstance, initErr = services.NewProcessor(context.Background())
	})
	if initErr != nil {
		log.Printf("CRITICAL: Processor initialization failed: %v", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodPost:
		handleBatch(w, r)
	case http.MethodGet:
		handleQuery(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func handleBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("ERROR: Could not decode request body: %v", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res := processorInstance.ProcessBatch(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Printf("ERROR: Failed to write response: %v", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

func handleQuery(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		text, err := processorInstance.ProcessedText(r.Context(), name)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				http.Error(w, "Not Found: no extracted text for "+name, http.StatusNotFound)
				return
			}
			log.Printf("ERROR: Failed to fetch extracted text for %q: %v", name, err)
			http.Error(w, "Internal Server Error: failed to fetch text", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write(text); err != nil {
			log.Printf("ERROR: Failed to write response: %v", err)
		}
		return
	}

	docs, err := processorInstance.ListProcessed(r.Context())
	if err != nil {
		log.Printf("ERROR: Failed to list processed documents: %v", err)
		http.Error(w, "Internal Server Error: failed to list documents", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(docs); err != nil {
		log.Printf("ERROR: Failed to write response: %v", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
