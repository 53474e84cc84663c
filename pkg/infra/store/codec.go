package store

import (
	"encoding/json"
	"fmt"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

func encodeDocument(doc *pipeline.Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal run document: %w", err)
	}
	return string(raw), nil
}

func decodeDocument(raw string) (*pipeline.Document, error) {
	var doc pipeline.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode run document: %w", err)
	}
	return normalize(&doc), nil
}

// normalize restores the empty maps that omitempty drops on the way out.
func normalize(doc *pipeline.Document) *pipeline.Document {
	if doc.StageOutputs == nil {
		doc.StageOutputs = make(map[string]pipeline.StageOutput)
	}
	if doc.StageErrors == nil {
		doc.StageErrors = make(map[string]pipeline.StageError)
	}
	if doc.Dispatches == nil {
		doc.Dispatches = make(map[string]pipeline.Dispatch)
	}
	if doc.JoinClaimed == nil {
		doc.JoinClaimed = make(map[string]bool)
	}
	return doc
}
