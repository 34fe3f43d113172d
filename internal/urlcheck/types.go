package urlcheck

import (
	"fmt"
	"strings"
	"time"
)

// Action is the enforcement decision for a candidate URL.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// Weight returns the ordering of an action. Higher values are more restrictive.
func (a Action) Weight() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionWarn:
		return 1
	case ActionBlock:
		return 2
	default:
		return -1
	}
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool { return a.Weight() >= 0 }

func (a Action) String() string { return string(a) }

// Downgrade returns the action one level less restrictive than a.
func (a Action) Downgrade() Action {
	switch a {
	case ActionBlock:
		return ActionWarn
	default:
		return ActionAllow
	}
}

// MaxAction returns the more restrictive of the two actions.
func MaxAction(a, b Action) Action {
	if b.Weight() > a.Weight() {
		return b
	}
	return a
}

// Confidence describes how sure the producing path is of its verdict.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Method records which evaluation path produced an assessment.
type Method string

const (
	MethodRule          Method = "rule"
	MethodML            Method = "ml"
	MethodOverride      Method = "override"
	MethodBypass        Method = "bypass"
	MethodErrorFallback Method = "error-fallback"
	MethodCache         Method = "cache"
)

// Assessment is the single result type produced by every scoring path.
type Assessment struct {
	URL         string     `json:"url"`
	Hostname    string     `json:"hostname,omitempty"`
	RiskScore   int        `json:"riskScore"`
	Reasons     []string   `json:"reasons"`
	Action      Action     `json:"action"`
	Confidence  Confidence `json:"confidence"`
	Method      Method     `json:"method"`
	OperationID string     `json:"operationId,omitempty"`
	EvaluatedAt time.Time  `json:"evaluatedAt,omitempty"`
}

// ClampScore bounds a score to the 0..100 range.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// AddReason appends a reason unless it is already present.
func (a *Assessment) AddReason(reason string) {
	for _, r := range a.Reasons {
		if r == reason {
			return
		}
	}
	a.Reasons = append(a.Reasons, reason)
}

// Clone returns a deep copy so callers can mutate reasons safely.
func (a Assessment) Clone() Assessment {
	out := a
	out.Reasons = append([]string(nil), a.Reasons...)
	return out
}

// String returns a compact human-readable form.
func (a Assessment) String() string {
	parts := []string{
		fmt.Sprintf("action=%s", a.Action),
		fmt.Sprintf("score=%d", a.RiskScore),
		fmt.Sprintf("method=%s", a.Method),
	}
	if len(a.Reasons) > 0 {
		parts = append(parts, fmt.Sprintf("reasons=%d", len(a.Reasons)))
	}
	return strings.Join(parts, " ")
}

// AllowAssessment builds an allow result for the given candidate and method.
func AllowAssessment(c Candidate, method Method, confidence Confidence, reasons ...string) Assessment {
	return Assessment{
		URL:        c.NormalizedURL,
		Hostname:   c.Hostname,
		RiskScore:  0,
		Reasons:    append([]string{}, reasons...),
		Action:     ActionAllow,
		Confidence: confidence,
		Method:     method,
	}
}
