// Package policy decides what happens to a candidate URL. It layers the known-bad
// cache, the trust lists, the ML adapter and the rule scorer in a fixed order and
// returns exactly one assessment per evaluation.
package policy

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"strings"

	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/mlclient"
	"github.com/phishguard/phishguard/internal/urlcheck"
	"github.com/phishguard/phishguard/pkg/observability"
)

// ReasonMLFallback is attached when the ML adapter failed and rules decided instead.
const ReasonMLFallback = "ML unavailable, rule-based fallback"

// Stage names the step of the decision order that produced an outcome.
type Stage string

const (
	StageInternal   Stage = "internal"
	StageKnownBad   Stage = "known-bad"
	StageBypass     Stage = "infrastructure"
	StageTrusted    Stage = "trusted"
	StageEarlyAllow Stage = "early-allow"
	StageML         Stage = "ml"
	StageRules      Stage = "rules"
)

// KnownBadMatch describes a hit in the known-bad host cache.
type KnownBadMatch struct {
	Source        string
	MatchedDomain string
}

// KnownBad looks up hosts in the known-bad cache.
type KnownBad interface {
	Lookup(host string) (KnownBadMatch, bool)
}

// Predictor is the part of the ML client the engine needs.
type Predictor interface {
	Available() bool
	Thresholds() mlclient.Thresholds
	Predict(ctx context.Context, rawURL string) (mlclient.Prediction, error)
}

// InternalError wraps a panic recovered while deciding.
type InternalError struct {
	URL   string
	Value any
	Stack string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("policy internal error evaluating %q: %v", e.URL, e.Value)
}

// Outcome is an assessment plus what the engine did to reach it.
type Outcome struct {
	Assessment urlcheck.Assessment
	Candidate  urlcheck.Candidate
	Features   urlcheck.Features
	Stage      Stage
	MLCalled   bool
	MLError    error
	KnownBad   *KnownBadMatch
}

// Engine is immutable after construction and safe for concurrent use. ML settings
// live in the Predictor and may change underneath it.
type Engine struct {
	extractor  *urlcheck.Extractor
	scorer     *urlcheck.Scorer
	trust      *urlcheck.Trust
	ml         Predictor
	knownBad   KnownBad
	earlyAllow bool
}

type Option func(*Engine)

// WithPredictor enables the ML stage.
func WithPredictor(p Predictor) Option { return func(e *Engine) { e.ml = p } }

// WithKnownBad enables the known-bad cache stage.
func WithKnownBad(k KnownBad) Option { return func(e *Engine) { e.knownBad = k } }

// NewEngine compiles the rule and trust configuration. selfHosts are treated as
// service infrastructure (the ML backend host, the API host).
func NewEngine(cfg *config.Config, selfHosts []string, opts ...Option) (*Engine, error) {
	trust, err := urlcheck.NewTrust(cfg.Trust, selfHosts...)
	if err != nil {
		return nil, fmt.Errorf("trust config: %w", err)
	}
	e := &Engine{
		extractor:  urlcheck.NewExtractor(cfg.Rules),
		scorer:     urlcheck.NewScorer(cfg.Rules),
		trust:      trust,
		earlyAllow: cfg.Policy.EarlyAllowEnabled(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Scorer exposes the rule scorer for callers that score outside Decide.
func (e *Engine) Scorer() *urlcheck.Scorer { return e.scorer }

// Evaluate returns the assessment for raw.
func (e *Engine) Evaluate(ctx context.Context, raw string) (urlcheck.Assessment, error) {
	out, err := e.Decide(ctx, raw)
	if err != nil {
		return urlcheck.Assessment{}, err
	}
	return out.Assessment, nil
}

// Decide runs the decision order for raw. Normalization failures are returned as
// urlcheck.ErrInvalidURL or urlcheck.ErrRejected; a panic in a later step is
// returned as *InternalError.
func (e *Engine) Decide(ctx context.Context, raw string) (out Outcome, err error) {
	c, err := urlcheck.Normalize(raw)
	if err != nil {
		return Outcome{}, err
	}

	ctx, span := observability.PolicyEvalSpan(ctx)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Candidate: c}
			err = &InternalError{URL: c.NormalizedURL, Value: r, Stack: string(debug.Stack())}
			observability.RecordError(span, err)
		}
	}()

	out = e.decide(ctx, c)
	observability.RecordDecision(span, string(out.Assessment.Action), string(out.Assessment.Method), out.Assessment.RiskScore)
	return out, nil
}

func (e *Engine) decide(ctx context.Context, c urlcheck.Candidate) Outcome {
	out := Outcome{Candidate: c}

	if c.IsInternal() {
		out.Stage = StageInternal
		out.Assessment = urlcheck.AllowAssessment(c, urlcheck.MethodBypass, urlcheck.ConfidenceHigh, "Internal or non-web URL")
		return out
	}

	if e.knownBad != nil {
		if m, ok := e.knownBad.Lookup(c.Hostname); ok {
			out.Stage = StageKnownBad
			out.KnownBad = &m
			out.Assessment = urlcheck.Assessment{
				URL:        c.NormalizedURL,
				Hostname:   c.Hostname,
				RiskScore:  100,
				Reasons:    []string{fmt.Sprintf("Known phishing host (%s via %s)", m.MatchedDomain, m.Source)},
				Action:     urlcheck.ActionBlock,
				Confidence: urlcheck.ConfidenceHigh,
				Method:     urlcheck.MethodCache,
			}
			return out
		}
	}

	if reason, ok := e.trust.Bypass(c.Hostname); ok {
		out.Stage = StageBypass
		out.Assessment = urlcheck.AllowAssessment(c, urlcheck.MethodBypass, urlcheck.ConfidenceHigh, reason)
		return out
	}

	out.Features = e.extractor.Extract(c)
	lower := strings.ToLower(c.NormalizedURL)

	if domain, ok := e.trust.TrustedDomain(c.Hostname); ok && trustedShape(out.Features) {
		out.Stage = StageTrusted
		out.Assessment = urlcheck.AllowAssessment(c, urlcheck.MethodBypass, urlcheck.ConfidenceHigh,
			fmt.Sprintf("Trusted domain (%s)", domain))
		return out
	}

	if e.earlyAllow && e.safeEnough(out.Features, c.Hostname, lower) {
		out.Stage = StageEarlyAllow
		out.Assessment = urlcheck.AllowAssessment(c, urlcheck.MethodBypass, urlcheck.ConfidenceMedium,
			fmt.Sprintf("Reputable domain (%s)", out.Features.RegistrableDomain))
		return out
	}

	if e.ml != nil && e.ml.Available() {
		out.MLCalled = true
		th := e.ml.Thresholds()
		p, err := e.ml.Predict(ctx, c.NormalizedURL)
		if err == nil {
			out.Stage = StageML
			out.Assessment = e.trust.Downgrade(p.Assess(c, th), mlCaps(th))
			return out
		}
		out.MLError = err
	}

	out.Stage = StageRules
	a := e.scorer.Assess(c, out.Features)
	if out.MLError != nil {
		a.AddReason(ReasonMLFallback)
	}
	block, warn := e.scorer.Thresholds()
	out.Assessment = e.trust.Downgrade(a, urlcheck.Caps{Block: block, Warn: warn})
	return out
}

// trustedShape reports whether a URL on a trusted domain may skip scoring. Plain
// http and credential-smuggling shapes still go through the later steps, where
// the trusted-domain downgrade applies.
func trustedShape(f urlcheck.Features) bool {
	return f.Web && !f.InsecureHTTP && !f.HasAt && !f.EmailPattern && !f.IsIP
}

// safeEnough reports whether the candidate qualifies for the early allow: https on a
// registrable domain under a reputable TLD with no risk signal at all.
func (e *Engine) safeEnough(f urlcheck.Features, hostname, lower string) bool {
	switch {
	case f.InsecureHTTP, f.IsIP, f.HasAt, f.Shortener, f.Homograph, f.EmailPattern:
		return false
	case f.RegistrableDomain == "" || !f.ReputableTLD:
		return false
	case f.BrandImpersonation != "" || f.CharSubstitution != "":
		return false
	case f.LabelCount > 5:
		return false
	}
	return !e.scorer.HasKeywordSignal(f, hostname, lower)
}

// MalformedAssessment scores a token that could not be normalized. Only text
// scanning uses it.
func (e *Engine) MalformedAssessment(raw string) urlcheck.Assessment {
	points := e.scorer.MalformedPoints()
	action, conf := e.scorer.Threshold(points)
	a := urlcheck.Assessment{
		URL:        raw,
		RiskScore:  points,
		Reasons:    []string{},
		Action:     action,
		Confidence: conf,
		Method:     urlcheck.MethodRule,
	}
	if points > 0 {
		a.Reasons = append(a.Reasons, "Malformed link")
	}
	return a
}

func mlCaps(th mlclient.Thresholds) urlcheck.Caps {
	return urlcheck.Caps{
		Block: int(math.Round(th.Block * 100)),
		Warn:  int(math.Round(th.Warn * 100)),
	}
}
