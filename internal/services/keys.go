package services

import (
	"path"
	"strings"
)

// outputKey maps an input object key to an output key: the input prefix is
// swapped for outputPrefix and the extension for suffix. Sub-paths under
// the input prefix carry over unchanged.
func outputKey(key, inputPrefix, outputPrefix, suffix string) string {
	base := strings.TrimPrefix(key, inputPrefix)
	base = strings.TrimSuffix(base, path.Ext(base))
	return outputPrefix + base + suffix
}

// TextKey returns the destination key for the extracted text of key.
func (c ProcessorConfig) TextKey(key string) string {
	return outputKey(key, c.InputPrefix, c.TextPrefix, ".txt")
}

// MetadataKey returns the destination key for the extraction metadata of key.
func (c ProcessorConfig) MetadataKey(key string) string {
	return outputKey(key, c.InputPrefix, c.MetadataPrefix, ".json")
}

// ErrorKey returns the destination key for the error document of key.
func (c ProcessorConfig) ErrorKey(key string) string {
	return outputKey(key, c.InputPrefix, c.ErrorPrefix, "_error.json")
}

// MarkerKey returns the destination key for the hand-off marker of key.
func (c ProcessorConfig) MarkerKey(key string) string {
	return outputKey(key, c.InputPrefix, c.HandoffPrefix, ".json")
}
