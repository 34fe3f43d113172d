package mlclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/phishguard/phishguard/internal/urlcheck"
)

// Prediction is a validated predictor response. Probability is the model's
// phishing probability in [0,1].
type Prediction struct {
	Phishing    bool    `json:"phishing"`
	Probability float64 `json:"probability"`
}

// Thresholds are the phishing probabilities at which a prediction becomes a block or a warn.
type Thresholds struct {
	Block float64
	Warn  float64
}

// DefaultThresholds keep ML blocking conservative.
var DefaultThresholds = Thresholds{Block: 0.90, Warn: 0.70}

// Certainty is how sure the model is of its own label.
func (p Prediction) Certainty() float64 {
	if p.Phishing {
		return p.Probability
	}
	return 1 - p.Probability
}

// Score is the phishing probability on the 0..100 scale.
func (p Prediction) Score() int {
	return urlcheck.ClampScore(int(math.Round(p.Probability * 100)))
}

// Decide maps the prediction to a candidate action and confidence. A safe
// prediction is always allow.
func (p Prediction) Decide(th Thresholds) (urlcheck.Action, urlcheck.Confidence) {
	action := urlcheck.ActionAllow
	if p.Phishing {
		switch {
		case p.Probability >= th.Block:
			action = urlcheck.ActionBlock
		case p.Probability >= th.Warn:
			action = urlcheck.ActionWarn
		}
	}
	switch c := p.Certainty(); {
	case c >= 0.90:
		return action, urlcheck.ConfidenceHigh
	case c >= 0.70:
		return action, urlcheck.ConfidenceMedium
	default:
		return action, urlcheck.ConfidenceLow
	}
}

// Assess packages the prediction as an assessment for c.
func (p Prediction) Assess(c urlcheck.Candidate, th Thresholds) urlcheck.Assessment {
	action, conf := p.Decide(th)
	label := "safe"
	if p.Phishing {
		label = "phishing"
	}
	return urlcheck.Assessment{
		URL:        c.NormalizedURL,
		Hostname:   c.Hostname,
		RiskScore:  p.Score(),
		Reasons:    []string{fmt.Sprintf("ML model: %s (%.0f%% certainty)", label, p.Certainty()*100)},
		Action:     action,
		Confidence: conf,
		Method:     urlcheck.MethodML,
	}
}

type predictResponse struct {
	Prediction  json.RawMessage `json:"prediction"`
	Confidence  *float64        `json:"confidence"`
	Probability *float64        `json:"probability"`
	Error       string          `json:"error"`
}

// ParseResponse validates a predictor body. It accepts "confidence",
// "probability" or both (confidence wins) and a prediction given as 0/1, "0"/"1"
// or a boolean.
func ParseResponse(body []byte) (Prediction, error) {
	var r predictResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&r); err != nil {
		return Prediction{}, fmt.Errorf("%w: decode: %v", ErrInvalidResponse, err)
	}
	if len(r.Prediction) == 0 || string(r.Prediction) == "null" {
		if r.Error != "" {
			return Prediction{}, fmt.Errorf("%w: predictor error: %s", ErrInvalidResponse, r.Error)
		}
		return Prediction{}, fmt.Errorf("%w: missing prediction", ErrInvalidResponse)
	}
	phishing, err := parseLabel(r.Prediction)
	if err != nil {
		return Prediction{}, err
	}

	p := r.Confidence
	if p == nil {
		p = r.Probability
	}
	if p == nil {
		return Prediction{}, fmt.Errorf("%w: missing confidence", ErrInvalidResponse)
	}
	if math.IsNaN(*p) || *p < 0 || *p > 1 {
		return Prediction{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidResponse, *p)
	}
	return Prediction{Phishing: phishing, Probability: *p}, nil
}

func parseLabel(raw json.RawMessage) (bool, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("%w: prediction: %v", ErrInvalidResponse, err)
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		switch t {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil && (n == 0 || n == 1) {
			return n == 1, nil
		}
	}
	return false, fmt.Errorf("%w: prediction %s is not 0 or 1", ErrInvalidResponse, string(raw))
}

// HealthReport is the predictor's health endpoint body. All fields are optional.
type HealthReport struct {
	Status      string `json:"status,omitempty"`
	ModelLoaded *bool  `json:"model_loaded,omitempty"`
	Version     string `json:"version,omitempty"`
	StatusCode  int    `json:"statusCode"`
	LatencyMS   int64  `json:"latencyMs"`
}

// Healthy reports whether the report describes a usable predictor.
func (h HealthReport) Healthy() bool {
	if h.StatusCode != 200 {
		return false
	}
	if h.ModelLoaded != nil && !*h.ModelLoaded {
		return false
	}
	return true
}
