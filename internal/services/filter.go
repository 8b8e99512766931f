package services

import (
	"fmt"
	"path"
	"strings"
)

// ShouldProcess reports whether key names a document this pipeline handles,
// with a human-readable reason when it does not. Hidden and temporary
// files (basenames starting with "." or "_") are ignored so that partial
// uploads and tooling droppings never enter the pipeline.
func (c ProcessorConfig) ShouldProcess(key string) (bool, string) {
	if !strings.HasPrefix(key, c.InputPrefix) {
		return false, fmt.Sprintf("outside the %q prefix", c.InputPrefix)
	}
	if !strings.HasSuffix(strings.ToLower(key), ".pdf") {
		return false, "not a PDF"
	}
	base := path.Base(key)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return false, "hidden or temporary file"
	}
	return true, ""
}
