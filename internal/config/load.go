// Package config loads the three declarative documents that drive a run:
// the list file (which histogram files to train and validate on), the run
// configuration (binning and training options) and the model file (which
// architecture to build and how to compile it).
//
// All three are JSON documents. Comments and trailing commas are accepted
// (HuJSON) so settings files can be annotated by hand.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/orcanet/orcanet/internal/errs"
)

// maxDocumentSize bounds every settings document read from disk.
const maxDocumentSize = 1 * 1024 * 1024 // 1MB

var documentExtensions = map[string]bool{
	".json":   true,
	".jsonc":  true,
	".hujson": true,
}

// decodeDocument reads path, standardises HuJSON to plain JSON and decodes it
// into v. Unknown keys are rejected so a misspelt option never silently falls
// back to its default.
func decodeDocument(path string, v any) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); !documentExtensions[ext] {
		return errs.Configf("%s: settings file must have a .json, .jsonc or .hujson extension, got %q", cleanPath, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat settings file: %w", err)
	}
	if fileInfo.Size() > maxDocumentSize {
		return errs.Configf("%s: settings file too large: %d bytes (max %d)", cleanPath, fileInfo.Size(), maxDocumentSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	return decodeBytes(cleanPath, data, v)
}

func decodeBytes(name string, data []byte, v any) error {
	std, err := hujson.Standardize(data)
	if err != nil {
		return errs.Configf("%s: %v", name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Configf("%s: %v", name, err)
	}
	return nil
}
