package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/vdplabs/guidance/internal/calibration"
)

// ErrNoCategories indicates the builder was constructed with an empty base
// category set. This is a programming error, not user input.
var ErrNoCategories = errors.New("prompt builder has no base categories")

// DefaultCharBudget caps the length of any single free-text answer rendered
// into the prompt, keeping the total prompt inside the gateway token ceiling.
const DefaultCharBudget = 400

// BaseCategory is one fixed evaluation category every generated document
// must cover.
type BaseCategory struct {
	Section string
	Name    string
}

// BaseCategories is the fixed evaluation rubric for startup applications.
var BaseCategories = []BaseCategory{
	{Section: "problem_solution_fit", Name: "Problem-Solution Fit"},
	{Section: "customer_business_model", Name: "Customer Profile & Business Model"},
	{Section: "product_technology", Name: "Product & Technology"},
	{Section: "team_assessment", Name: "Team Assessment"},
	{Section: "market_opportunity", Name: "Market Opportunity"},
	{Section: "competition_differentiation", Name: "Competition & Differentiation"},
	{Section: "financial_overview", Name: "Financial Overview"},
	{Section: "validation_achievements", Name: "Validation & Achievements"},
}

// WeightHints carries per-section emphasis derived from importance-scale
// answers, for callers that post-process drafts.
type WeightHints map[string]float64

// Builder renders calibration snapshots into generation prompts. Building
// is deterministic: the same snapshot always yields byte-identical text.
type Builder struct {
	categories []BaseCategory
	charBudget int
}

// NewBuilder creates a Builder over the default category set.
func NewBuilder() *Builder {
	return &Builder{categories: BaseCategories, charBudget: DefaultCharBudget}
}

// NewBuilderWithCategories creates a Builder over a custom category set.
func NewBuilderWithCategories(categories []BaseCategory, charBudget int) *Builder {
	if charBudget <= 0 {
		charBudget = DefaultCharBudget
	}
	return &Builder{categories: categories, charBudget: charBudget}
}

// Build renders the prompt for a snapshot. Answer keys ending in "_weight"
// or "_priority" with numeric 1-10 values are treated as importance scales:
// they adjust the emphasis language and produce weight hints. All other
// answers are rendered verbatim, truncated at the character budget.
func (b *Builder) Build(snapshot *calibration.Snapshot) (string, WeightHints, error) {
	if len(b.categories) == 0 {
		return "", nil, ErrNoCategories
	}

	hints := make(WeightHints)
	var prefs strings.Builder
	for _, key := range snapshot.Keys() {
		value := snapshot.Answers[key]
		if scale, ok := importanceScale(key, value); ok {
			hints[strings.TrimSuffix(strings.TrimSuffix(key, "_weight"), "_priority")] = scale
			fmt.Fprintf(&prefs, "- %s: %s (%s importance)\n", displayKey(key), value, emphasis(scale))
			continue
		}
		fmt.Fprintf(&prefs, "- %s: %s\n", displayKey(key), b.truncate(value))
	}

	var sb strings.Builder
	sb.WriteString("You are an expert startup accelerator evaluator. Based on these accelerator preferences, generate comprehensive scoring guidelines for evaluating startup applications:\n\n")
	sb.WriteString("ACCELERATOR PREFERENCES:\n")
	sb.WriteString(prefs.String())
	sb.WriteString("\nGenerate guidelines for these evaluation categories, adjusting weights based on the preferences above:\n\n")
	for i, cat := range b.categories {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, cat.Name)
	}
	sb.WriteString("\nFor each category, provide:\n")
	sb.WriteString("- Weight as a decimal fraction; all weights must sum to exactly 1.0\n")
	sb.WriteString("- Key evaluation criteria (3-5 bullet points)\n")
	sb.WriteString("- Red flags to watch for (2-3 bullet points)\n")
	sb.WriteString("- Scoring guidance for the 1-10 scale\n\n")
	sb.WriteString("Respond with ONLY a valid JSON object in this exact format:\n")
	sb.WriteString(formatExample)
	sb.WriteString("\nGive higher weights to categories that align with the stated priorities.")

	return sb.String(), hints, nil
}

const formatExample = `{
  "categories": [
    {
      "section": "problem_solution_fit",
      "name": "Problem-Solution Fit",
      "weight": 0.15,
      "criteria": [
        "Clear problem definition and market pain point identification",
        "Solution directly addresses the identified problem"
      ],
      "red_flags": [
        "Vague or non-existent problem definition"
      ],
      "scoring_bands": {
        "1-3": "Poor problem-solution alignment",
        "4-5": "Basic understanding but unclear fit",
        "6-7": "Good alignment with some validation",
        "8-10": "Excellent fit with strong validation"
      }
    }
  ]
}
`

// truncate caps free-text answers at the character budget, backing up to a
// rune boundary so multi-byte answers never render as broken UTF-8.
func (b *Builder) truncate(s string) string {
	if len(s) <= b.charBudget {
		return s
	}
	cut := b.charBudget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// importanceScale recognizes 1-10 importance answers by key suffix and
// normalizes them to [0.1, 1.0].
func importanceScale(key, value string) (float64, bool) {
	if !strings.HasSuffix(key, "_weight") && !strings.HasSuffix(key, "_priority") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 1 || n > 10 {
		return 0, false
	}
	return float64(n) / 10.0, true
}

func emphasis(scale float64) string {
	switch {
	case scale >= 0.8:
		return "critical"
	case scale >= 0.6:
		return "high"
	case scale >= 0.4:
		return "moderate"
	default:
		return "low"
	}
}

func displayKey(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}
