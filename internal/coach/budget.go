package coach

import "math"

// QuestionType tags a detected question for budgeting.
type QuestionType string

const (
	TypeBehavioral   QuestionType = "behavioral"
	TypeTechnical    QuestionType = "technical"
	TypeSystemDesign QuestionType = "system_design"
	TypeSituational  QuestionType = "situational"
	TypeBackground   QuestionType = "background"
	TypeQuick        QuestionType = "quick"
	TypeGeneral      QuestionType = "general"
)

// Budget holds the answer-time thresholds for one question, in seconds.
type Budget struct {
	TargetSeconds int `json:"target_seconds"`
	SoftSeconds   int `json:"soft_threshold_seconds"`
	HardSeconds   int `json:"hard_threshold_seconds"`
}

// BudgetTable maps each question type to its default budget. Treat as
// read-only once constructed.
type BudgetTable map[QuestionType]Budget

// DefaultBudgets is the built-in table.
var DefaultBudgets = BudgetTable{
	TypeBehavioral:   {TargetSeconds: 120, SoftSeconds: 90, HardSeconds: 150},
	TypeTechnical:    {TargetSeconds: 90, SoftSeconds: 70, HardSeconds: 120},
	TypeSystemDesign: {TargetSeconds: 180, SoftSeconds: 150, HardSeconds: 240},
	TypeSituational:  {TargetSeconds: 90, SoftSeconds: 70, HardSeconds: 120},
	TypeBackground:   {TargetSeconds: 60, SoftSeconds: 45, HardSeconds: 90},
	TypeQuick:        {TargetSeconds: 30, SoftSeconds: 20, HardSeconds: 45},
	TypeGeneral:      {TargetSeconds: 60, SoftSeconds: 45, HardSeconds: 60},
}

// Known reports whether the table has a budget for t.
func (bt BudgetTable) Known(t QuestionType) bool {
	_, ok := bt[t]
	return ok
}

// Recommendations are honoured within this factor of the table's target.
const (
	minBudgetScale = 0.25
	maxBudgetScale = 4.0
)

// For returns the budget for a classification result. Unknown types fall back
// to TypeGeneral. A positive, finite recommendation scales all three
// thresholds by recommended/target, clamped to [minBudgetScale,
// maxBudgetScale] and rounded to whole seconds of at least one.
func (bt BudgetTable) For(t QuestionType, recommendedSeconds *float64) Budget {
	b, ok := bt[t]
	if !ok {
		b = bt[TypeGeneral]
	}
	if recommendedSeconds == nil || b.TargetSeconds <= 0 {
		return b
	}
	rec := *recommendedSeconds
	if rec <= 0 || math.IsNaN(rec) || math.IsInf(rec, 0) {
		return b
	}
	f := min(max(rec/float64(b.TargetSeconds), minBudgetScale), maxBudgetScale)
	scale := func(v int) int { return max(int(math.Round(float64(v)*f)), 1) }
	return Budget{
		TargetSeconds: scale(b.TargetSeconds),
		SoftSeconds:   scale(b.SoftSeconds),
		HardSeconds:   scale(b.HardSeconds),
	}
}
