package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phishguard/phishguard/internal/mlclient"
	"github.com/phishguard/phishguard/internal/urlcheck"
)

// MessageType is the closed set of commands and queries the service accepts.
type MessageType string

const (
	MsgGetStats         MessageType = "GET_STATS"
	MsgResetStats       MessageType = "RESET_STATS"
	MsgAnalyzeURL       MessageType = "ANALYZE_URL"
	MsgGetMLConfig      MessageType = "GET_ML_CONFIG"
	MsgUpdateMLConfig   MessageType = "UPDATE_ML_CONFIG"
	MsgTestMLBackend    MessageType = "TEST_ML_BACKEND"
	MsgGetServiceStatus MessageType = "GET_SERVICE_STATUS"
	MsgShutdownService  MessageType = "SHUTDOWN_SERVICE"
	MsgUpdateStats      MessageType = "UPDATE_STATS"
	MsgScanText         MessageType = "SCAN_TEXT"
)

// MessageTypes lists every accepted type.
var MessageTypes = []MessageType{
	MsgGetStats, MsgResetStats, MsgAnalyzeURL, MsgGetMLConfig, MsgUpdateMLConfig,
	MsgTestMLBackend, MsgGetServiceStatus, MsgShutdownService, MsgUpdateStats, MsgScanText,
}

// Input limits applied before anything reaches the engine.
const (
	MaxURLBytes  = urlcheck.MaxURLLength
	MaxTextBytes = 64 << 10
)

// Error codes carried in failed responses.
const (
	CodeUnknownType    = "unknown_type"
	CodeInvalidRequest = "invalid_request"
	CodeDraining       = "draining"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// Message is a tagged request. Payload is decoded according to Type.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the reply to a Message. Exactly one of Data and Error is set.
type Response struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type analyzePayload struct {
	URL string `json:"url"`
}

type scanTextPayload struct {
	Text string `json:"text"`
}

type updateMLConfigPayload struct {
	Config json.RawMessage `json:"config"`
}

type updateStatsPayload struct {
	Analysis *urlcheck.Assessment `json:"analysis"`
}

// MLConfigView is the GET_ML_CONFIG reply.
type MLConfigView struct {
	Config    MLSettings           `json:"config"`
	Health    mlclient.HealthState `json:"health"`
	Available bool                 `json:"available"`
}

// BackendTest is the TEST_ML_BACKEND reply.
type BackendTest struct {
	Healthy bool                   `json:"healthy"`
	Report  *mlclient.HealthReport `json:"report,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Status is the GET_SERVICE_STATUS reply.
type Status struct {
	Draining       bool                 `json:"draining"`
	UptimeSeconds  int64                `json:"uptimeSeconds"`
	Pending        []PendingOperation   `json:"pending"`
	ML             mlclient.HealthState `json:"ml"`
	MLEnabled      bool                 `json:"mlEnabled"`
	KnownBadHosts  int                  `json:"knownBadHosts"`
	FeedsRefreshed time.Time            `json:"feedsRefreshedAt,omitempty"`
	Jobs           []JobStatus          `json:"jobs"`
	RecentErrors   int                  `json:"recentErrors"`
}

// Handle dispatches one message. It never panics on malformed input; every
// failure is a Response with an error code.
func (s *Service) Handle(ctx context.Context, msg Message) Response {
	switch msg.Type {
	case MsgGetStats:
		return ok(s.Statistics())

	case MsgResetStats:
		s.stats.reset(s.clock.Now())
		s.logger.Info("statistics reset by request")
		return ok(s.Statistics())

	case MsgAnalyzeURL:
		var p analyzePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return invalid(err)
		}
		if err := validateURL(p.URL); err != nil {
			return invalid(err)
		}
		a, err := s.Analyze(ctx, p.URL)
		if err != nil {
			return failure(err)
		}
		return ok(a)

	case MsgGetMLConfig:
		return ok(MLConfigView{Config: s.MLSettings(), Health: s.ml.Health(), Available: s.ml.Available()})

	case MsgUpdateMLConfig:
		var p updateMLConfigPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return invalid(err)
		}
		if len(p.Config) == 0 || string(p.Config) == "null" {
			return invalid(fmt.Errorf("config is required"))
		}
		next := s.MLSettings()
		if err := json.Unmarshal(p.Config, &next); err != nil {
			return invalid(fmt.Errorf("decode config: %w", err))
		}
		applied, err := s.UpdateMLConfig(ctx, next)
		if err != nil {
			return failure(err)
		}
		return ok(applied)

	case MsgTestMLBackend:
		return ok(s.TestMLBackend(ctx))

	case MsgGetServiceStatus:
		return ok(s.Status())

	case MsgShutdownService:
		if s.Draining() {
			return ok(map[string]bool{"draining": true})
		}
		go func() {
			if err := s.Shutdown(context.Background()); err != nil {
				s.logger.Error("shutdown", "error", err)
			}
		}()
		return ok(map[string]bool{"draining": true})

	case MsgUpdateStats:
		var p updateStatsPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return invalid(err)
		}
		if err := validateAnalysis(p.Analysis); err != nil {
			return invalid(err)
		}
		if err := s.ReportAnalysis(ctx, *p.Analysis); err != nil {
			return failure(err)
		}
		return ok(s.Statistics())

	case MsgScanText:
		var p scanTextPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return invalid(err)
		}
		if p.Text == "" {
			return invalid(fmt.Errorf("text is required"))
		}
		if len(p.Text) > MaxTextBytes {
			return invalid(fmt.Errorf("text exceeds %d bytes", MaxTextBytes))
		}
		res, err := s.ScanText(ctx, p.Text)
		if err != nil {
			return failure(err)
		}
		return ok(res)

	default:
		return Response{Error: &ResponseError{
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("unknown message type %q", msg.Type),
		}}
	}
}

// TestMLBackend queries the predictor health endpoint without touching the
// circuit breaker.
func (s *Service) TestMLBackend(ctx context.Context) BackendTest {
	rep, err := s.ml.Check(ctx)
	if err != nil {
		return BackendTest{Error: err.Error()}
	}
	return BackendTest{Healthy: rep.Healthy(), Report: &rep}
}

// Status reports the service lifecycle state.
func (s *Service) Status() Status {
	return Status{
		Draining:       s.Draining(),
		UptimeSeconds:  int64(s.Uptime().Seconds()),
		Pending:        s.Pending(),
		ML:             s.ml.Health(),
		MLEnabled:      s.ml.Enabled(),
		KnownBadHosts:  s.threats.Size(),
		FeedsRefreshed: s.threats.Cache().LastRefresh,
		Jobs:           s.Jobs(),
		RecentErrors:   len(s.errlog.snapshot()),
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func validateURL(u string) error {
	if u == "" {
		return fmt.Errorf("url is required")
	}
	if len(u) > MaxURLBytes {
		return fmt.Errorf("url exceeds %d bytes", MaxURLBytes)
	}
	return nil
}

func validateAnalysis(a *urlcheck.Assessment) error {
	if a == nil {
		return fmt.Errorf("analysis is required")
	}
	if !a.Action.Valid() {
		return fmt.Errorf("invalid action %q", a.Action)
	}
	switch a.Method {
	case "":
		a.Method = urlcheck.MethodRule
	case urlcheck.MethodRule, urlcheck.MethodML, urlcheck.MethodOverride,
		urlcheck.MethodBypass, urlcheck.MethodErrorFallback, urlcheck.MethodCache:
	default:
		return fmt.Errorf("invalid method %q", a.Method)
	}
	if a.RiskScore < 0 || a.RiskScore > 100 {
		return fmt.Errorf("riskScore must be within 0..100")
	}
	if len(a.URL) > MaxURLBytes {
		return fmt.Errorf("url exceeds %d bytes", MaxURLBytes)
	}
	if len(a.Reasons) > 32 {
		a.Reasons = a.Reasons[:32]
	}
	return nil
}

func ok(data any) Response { return Response{OK: true, Data: data} }

func invalid(err error) Response {
	return Response{Error: &ResponseError{Code: CodeInvalidRequest, Message: err.Error()}}
}

func failure(err error) Response {
	code := CodeInternal
	switch {
	case errors.Is(err, ErrDraining):
		code = CodeDraining
	case errors.Is(err, ErrInvalidConfig):
		code = CodeInvalidRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = CodeUnavailable
	}
	return Response{Error: &ResponseError{Code: code, Message: err.Error()}}
}
