// ============================================================================
// AI Orchestrator Output Normalizer
// ============================================================================
//
// Package: internal/normalizer
// File: normalizer.go
// Purpose: Turns noisy model text into a structured result or a typed failure.
//
// Pipeline (each stage is total and individually testable):
//   1. StripLineComments, StripTrailingCommas
//   2. QuoteBareKeys
//   3. LocateObject            -> ErrNoJSONFound when no {...} span exists
//   4. parse, then TruncateBalanced + parse once more
//                              -> ErrUnparsableJSON carrying the raw text
//   5. coerce                  -> mode-specific shape with safe defaults
//
// The retry-with-amended-prompt policy is not part of this package; the
// orchestrator owns it so that it stays an observable step.
//
// ============================================================================

package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

var (
	// ErrNoJSONFound means the text contains no brace-delimited span.
	ErrNoJSONFound = errors.New("no JSON object found in model output")
	// ErrUnparsableJSON means a span was found but could not be parsed.
	ErrUnparsableJSON = errors.New("model output is not parseable JSON")
)

// RepairError is returned by Normalize. Kind is ErrNoJSONFound or
// ErrUnparsableJSON; Raw is the original text.
type RepairError struct {
	Kind  error
	Raw   string
	Cause error
}

func (e *RepairError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
	}
	return e.Kind.Error()
}

func (e *RepairError) Unwrap() error { return e.Kind }

// Normalize repairs raw and coerces it into the result shape for mode.
func Normalize(raw string, mode types.Mode) (types.Result, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Coerce(mode, parsed), nil
}

// Parse runs repair stages 1-4 and returns the decoded object.
func Parse(raw string) (map[string]any, error) {
	cleaned := QuoteBareKeys(StripTrailingCommas(StripLineComments(raw)))

	span, ok := LocateObject(cleaned)
	if !ok {
		return nil, &RepairError{Kind: ErrNoJSONFound, Raw: raw}
	}

	obj, err := decode(span)
	if err == nil {
		return obj, nil
	}
	if truncated, ok := TruncateBalanced(span); ok {
		if obj, retryErr := decode(truncated); retryErr == nil {
			return obj, nil
		}
	}
	return nil, &RepairError{Kind: ErrUnparsableJSON, Raw: raw, Cause: err}
}

func decode(span string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(span), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}
