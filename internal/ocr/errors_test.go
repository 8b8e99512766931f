package ocr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation error", &ValidationError{Reason: "not a PDF"}, false},
		{"timeout error", &TimeoutError{Job: "op-1", Waited: time.Second}, false},
		{"quality error", &QualityError{Average: 70, LowRatio: 0.5}, false},
		{"service error", &ServiceError{Op: "detect", Err: errors.New("unavailable")}, true},
		{"wrapped service error", fmt.Errorf("attempt 2: %w", &ServiceError{Op: "detect", Err: errors.New("unavailable")}), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestServiceErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &ServiceError{Op: "download document", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "download document: connection reset", err.Error())
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Job: "operations/op-7", Waited: 5 * time.Minute}
	assert.Equal(t, "text detection job operations/op-7 did not complete within 5m0s", err.Error())
}
