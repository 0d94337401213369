package guideline

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Validation failure reasons. Callers branch on these to decide whether a
// re-generation with a different model is worth attempting.
const (
	ReasonNotJSON           = "not-json"
	ReasonEmptyDocument     = "empty-document"
	ReasonMissingField      = "missing-field"
	ReasonDuplicateSection  = "duplicate-section"
	ReasonWeightSumMismatch = "weight-sum-mismatch"
)

// ValidationError reports why a model response could not be accepted as a
// guideline document.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("guideline validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("guideline validation failed: %s: %s", e.Reason, e.Detail)
}

// Validate parses raw model output into a Document. The primary path is a
// strict JSON parse; if that fails, Validate attempts a single tolerant
// repair (code-fence stripping, then extraction of the first balanced JSON
// object) and parses the repaired text once more. Repaired output is held to
// exactly the same structural and weight checks as directly parsed output.
func Validate(raw string) (*Document, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		repaired, ok := repairJSON(raw)
		if !ok {
			return nil, &ValidationError{Reason: ReasonNotJSON, Detail: "no JSON object found in response"}
		}
		doc, err = parseDocument(repaired)
		if err != nil {
			return nil, &ValidationError{Reason: ReasonNotJSON, Detail: err.Error()}
		}
	}

	if err := CheckDocument(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func parseDocument(raw string) (*Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// CheckDocument enforces the structural invariants that make a document
// usable for scoring. Invalid weights are never coerced: a bad weight sum
// would skew every application score derived from the document. Documents
// arriving from callers (save requests) pass through the same checks as
// model output.
func CheckDocument(doc *Document) error {
	if len(doc.Categories) == 0 {
		return &ValidationError{Reason: ReasonEmptyDocument, Detail: "document has no categories"}
	}

	seen := make(map[string]bool, len(doc.Categories))
	for i, cat := range doc.Categories {
		if cat.Section == "" {
			return &ValidationError{Reason: ReasonMissingField, Detail: fmt.Sprintf("category %d: missing section", i)}
		}
		if cat.Name == "" {
			return &ValidationError{Reason: ReasonMissingField, Detail: fmt.Sprintf("category %q: missing name", cat.Section)}
		}
		if len(cat.Criteria) == 0 {
			return &ValidationError{Reason: ReasonMissingField, Detail: fmt.Sprintf("category %q: missing criteria", cat.Section)}
		}
		if seen[cat.Section] {
			return &ValidationError{Reason: ReasonDuplicateSection, Detail: cat.Section}
		}
		seen[cat.Section] = true

		for _, band := range RequiredBands {
			if strings.TrimSpace(cat.ScoringBands[band]) == "" {
				return &ValidationError{
					Reason: ReasonMissingField,
					Detail: fmt.Sprintf("category %q: missing scoring band %s", cat.Section, band),
				}
			}
		}
	}

	if sum := doc.WeightSum(); math.Abs(sum-WeightTotal) > WeightEpsilon {
		return &ValidationError{
			Reason: ReasonWeightSumMismatch,
			Detail: fmt.Sprintf("weights sum to %.4f, expected %.2f", sum, WeightTotal),
		}
	}

	return nil
}

// repairJSON attempts to recover a JSON object from model output that was
// wrapped in prose or markdown. It strips code fences first, then falls back
// to extracting the first balanced top-level object. Returns false when no
// balanced object exists.
func repairJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)

	// Markdown code fence: ```json ... ``` or ``` ... ```
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}
