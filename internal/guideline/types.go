package guideline

import (
	"time"
)

// Required scoring bands for every category, keyed by score range.
const (
	BandLow  = "1-3"
	BandMid  = "4-5"
	BandHigh = "6-7"
	BandTop  = "8-10"
)

// RequiredBands lists the scoring bands every category must describe.
var RequiredBands = []string{BandLow, BandMid, BandHigh, BandTop}

// WeightTotal is the sum all category weights of a document must reach.
const WeightTotal = 1.0

// WeightEpsilon is the tolerance applied when checking the weight sum.
const WeightEpsilon = 0.01

// Category is one weighted evaluation category of a guideline document.
type Category struct {
	Section      string            `json:"section"`
	Name         string            `json:"name"`
	Weight       float64           `json:"weight"`
	Criteria     []string          `json:"criteria"`
	RedFlags     []string          `json:"red_flags,omitempty"`
	ScoringBands map[string]string `json:"scoring_bands"`
}

// Document is a complete set of scoring guidelines. Documents only exist
// past the validator boundary, so a Document value is always structurally
// valid.
type Document struct {
	Categories []Category `json:"categories"`
}

// WeightSum returns the sum of all category weights.
func (d *Document) WeightSum() float64 {
	var sum float64
	for _, c := range d.Categories {
		sum += c.Weight
	}
	return sum
}

// Draft is the transient result of one generation call. It lives in memory
// and in the cache until a caller explicitly saves it as a version.
type Draft struct {
	Document    Document  `json:"document"`
	ModelUsed   string    `json:"model_used"`
	GeneratedAt time.Time `json:"generated_at"`
	Cached      bool      `json:"cached"`
}

// Version is a persisted, immutable guideline record for a program.
type Version struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ProgramID      string    `json:"program_id"`
	Version        int       `json:"version"`
	Document       Document  `json:"document"`
	ModelUsed      string    `json:"model_used"`
	IsActive       bool      `json:"is_active"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
