package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/phishguard/phishguard/internal/mlclient"
	"github.com/phishguard/phishguard/internal/policy"
	"github.com/phishguard/phishguard/internal/urlcheck"
	"github.com/phishguard/phishguard/pkg/observability"
	"github.com/phishguard/phishguard/pkg/types"
)

// Reasons attached by the service itself.
const (
	ReasonFailOpen   = "Internal error, failing open"
	ReasonNotChecked = "Not a checkable URL"
)

// analysis is one evaluation result together with its provenance.
type analysis struct {
	assessment urlcheck.Assessment
	leaderOp   string
	stage      policy.Stage
	mlCalled   bool
	mlErr      error
	invalid    error
	fault      error
	latency    time.Duration
	collapsed  bool
}

// Analyze evaluates one URL. It never fails closed: a fault inside the engine
// yields allow with method error-fallback. The only errors returned are
// ErrDraining and the caller's context error.
func (s *Service) Analyze(ctx context.Context, raw string) (urlcheck.Assessment, error) {
	res, err := s.analyze(ctx, raw, types.SourceAnalyze, KindAnalyze, true)
	if err != nil {
		return urlcheck.Assessment{}, err
	}
	return res.assessment, nil
}

func (s *Service) analyze(ctx context.Context, raw, source string, kind OperationKind, external bool) (analysis, error) {
	op, err := s.begin(kind, "", external)
	if err != nil {
		return analysis{}, err
	}
	defer s.end(op)

	opType := observability.OpAnalyzeURL
	if kind == KindScanText {
		opType = observability.OpScanText
	}
	ctx, span := observability.TraceOperation(ctx, &observability.Operation{Type: opType, ID: op.ID, URL: raw})
	defer span.End()

	res, err := s.evaluateOnce(ctx, op, raw)
	if err != nil {
		observability.RecordError(span, err)
		return analysis{}, err
	}
	res.assessment.OperationID = op.ID
	res.assessment.EvaluatedAt = s.clock.Now().UTC()
	observability.RecordDecision(span, string(res.assessment.Action), string(res.assessment.Method), res.assessment.RiskScore)

	s.finalize(ctx, op, source, &res)
	return res, nil
}

// evaluateOnce serves repeats from the dedup window and collapses concurrent
// evaluations of the same URL into one engine call.
func (s *Service) evaluateOnce(ctx context.Context, op *PendingOperation, raw string) (analysis, error) {
	c, err := urlcheck.Normalize(raw)
	if err != nil {
		return analysis{leaderOp: op.ID, assessment: s.unchecked(op, raw, err), invalid: err}, nil
	}

	key := s.dedupKey(c.NormalizedURL)
	if a, ok := s.recent.Get(key); ok {
		return analysis{assessment: a.Clone(), collapsed: true}, nil
	}

	// The shared evaluation must not die with whichever caller started it.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		res := s.evaluate(flightCtx, op, raw)
		if res.fault == nil {
			s.recent.Add(key, res.assessment.Clone())
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return analysis{}, ctx.Err()
	case r := <-ch:
		res := r.Val.(analysis)
		res.assessment = res.assessment.Clone()
		if res.leaderOp != op.ID {
			res.collapsed = true
		}
		return res, nil
	}
}

func (s *Service) evaluate(ctx context.Context, op *PendingOperation, raw string) analysis {
	start := s.clock.Now()
	decide := s.engine.Load().Decide
	if s.decideFn != nil {
		decide = s.decideFn
	}

	var out policy.Outcome
	err := s.runOperation(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = decide(ctx, raw)
		return err
	})

	res := analysis{
		leaderOp: op.ID,
		stage:    out.Stage,
		mlCalled: out.MLCalled,
		mlErr:    out.MLError,
		latency:  s.clock.Since(start),
	}
	switch {
	case err == nil:
		res.assessment = out.Assessment
	case errors.Is(err, urlcheck.ErrInvalidURL), errors.Is(err, urlcheck.ErrRejected):
		res.assessment, res.invalid = s.unchecked(op, raw, err), err
	default:
		res.assessment, res.fault = failOpen(raw, out.Candidate), err
	}

	if out.MLCalled {
		s.metrics.IncMLRequest()
	}
	if out.MLError != nil {
		s.metrics.IncMLError(mlErrorKind(out.MLError))
	}
	s.noteCircuit()
	return res
}

// noteCircuit counts each distinct opening of the ML circuit once.
func (s *Service) noteCircuit() {
	b := s.ml.Breaker()
	if b.Allow() {
		return
	}
	gen := b.Generation()
	if s.seenOpen.Swap(gen) != gen {
		s.metrics.IncCircuitOpen()
	}
}

// finalize updates counters, confirms confidently blocked hosts and hands the
// decision to the sinks.
func (s *Service) finalize(ctx context.Context, op *PendingOperation, source string, res *analysis) {
	a := res.assessment
	now := s.clock.Now()

	s.stats.record(scanRecord{
		action:    a.Action,
		method:    a.Method,
		stage:     res.stage,
		mlError:   res.mlErr != nil,
		collapsed: res.collapsed,
		unchecked: res.invalid != nil,
	}, now)
	if res.collapsed {
		s.metrics.IncDedupCollapsed()
	}

	if res.fault != nil {
		s.logger.Error("evaluation failed; failing open", "op_id", op.ID, "url", a.URL, "error", res.fault)
		var ie *policy.InternalError
		if errors.As(res.fault, &ie) {
			s.logger.Debug("policy panic stack", "op_id", op.ID, "stack", ie.Stack)
		}
		s.errlog.add(ErrorLogEntry{
			Timestamp:   now.UTC(),
			OperationID: op.ID,
			Kind:        op.Kind,
			URL:         a.URL,
			Error:       res.fault.Error(),
		})
	}

	if !res.collapsed && s.base.Policy.ConfirmBlocksEnabled() &&
		a.Action == urlcheck.ActionBlock && a.Confidence == urlcheck.ConfidenceHigh &&
		a.Method != urlcheck.MethodCache && a.Hostname != "" {
		if s.threats.Confirm(a.Hostname, now.UTC()) {
			s.logger.Info("host confirmed as phishing", "host", a.Hostname, "method", a.Method, "score", a.RiskScore)
		}
	}

	ev := decisionEvent(op, source, a)
	ev.Stage = string(res.stage)
	ev.LatencyMS = res.latency.Milliseconds()
	ev.Collapsed = res.collapsed
	if res.mlErr != nil {
		ev.MLError = res.mlErr.Error()
	}
	ev.TraceID = observability.ExtractTraceID(ctx)
	ev.SpanID = observability.ExtractSpanID(ctx)
	s.record(ev)
}

// ReportAnalysis folds an assessment produced outside the engine into the
// counters and the decision history.
func (s *Service) ReportAnalysis(ctx context.Context, a urlcheck.Assessment) error {
	op, err := s.begin(KindAnalyze, "report", true)
	if err != nil {
		return err
	}
	defer s.end(op)

	now := s.clock.Now()
	s.stats.record(scanRecord{action: a.Action, method: a.Method}, now)
	a.OperationID = op.ID
	if a.EvaluatedAt.IsZero() {
		a.EvaluatedAt = now.UTC()
	}
	ev := decisionEvent(op, types.SourceReport, a)
	ev.TraceID = observability.ExtractTraceID(ctx)
	s.record(ev)
	return nil
}

// record writes ev to the sinks in the background. The write is a tracked
// operation, so shutdown waits for it, and persistence failures are retried.
func (s *Service) record(ev types.DecisionEvent) {
	op, _ := s.begin(KindRecord, ev.Source, false)
	go func() {
		defer s.end(op)
		err := s.runOperation(s.opCtx, op, func(ctx context.Context) error {
			return s.sink.AppendDecision(ctx, ev)
		})
		if err != nil && !Retryable(err) {
			s.logger.Warn("decision sink write failed", "decision_id", ev.ID, "error", err)
		}
	}()
}

func decisionEvent(op *PendingOperation, source string, a urlcheck.Assessment) types.DecisionEvent {
	return types.DecisionEvent{
		ID:          uuid.NewString(),
		Timestamp:   a.EvaluatedAt,
		OperationID: op.ID,
		Source:      source,
		URL:         a.URL,
		Hostname:    a.Hostname,
		Action:      string(a.Action),
		RiskScore:   a.RiskScore,
		Confidence:  string(a.Confidence),
		Method:      string(a.Method),
		Reasons:     append([]string(nil), a.Reasons...),
	}
}

func failOpen(raw string, c urlcheck.Candidate) urlcheck.Assessment {
	u := c.NormalizedURL
	if u == "" {
		u = raw
	}
	return urlcheck.Assessment{
		URL:        u,
		Hostname:   c.Hostname,
		RiskScore:  0,
		Reasons:    []string{ReasonFailOpen},
		Action:     urlcheck.ActionAllow,
		Confidence: urlcheck.ConfidenceLow,
		Method:     urlcheck.MethodErrorFallback,
	}
}

// unchecked is the result for input the engine cannot evaluate. Malformed input
// is not evidence of phishing, except as a low-weight signal in scanned text.
func (s *Service) unchecked(op *PendingOperation, raw string, err error) urlcheck.Assessment {
	if op.Kind == KindScanText && errors.Is(err, urlcheck.ErrInvalidURL) {
		return s.engine.Load().MalformedAssessment(raw)
	}
	return urlcheck.Assessment{
		URL:        raw,
		RiskScore:  0,
		Reasons:    []string{ReasonNotChecked},
		Action:     urlcheck.ActionAllow,
		Confidence: urlcheck.ConfidenceLow,
		Method:     urlcheck.MethodRule,
	}
}

func mlErrorKind(err error) string {
	switch {
	case errors.Is(err, mlclient.ErrTimeout):
		return "timeout"
	case errors.Is(err, mlclient.ErrHTTPStatus):
		return "http_status"
	case errors.Is(err, mlclient.ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, mlclient.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
