package service

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phishguard/phishguard/internal/urlcheck"
	"github.com/phishguard/phishguard/pkg/types"
)

const (
	// maxScanTokens bounds the work one SCAN_TEXT request can cause.
	maxScanTokens = 100
	// scanParallelism caps concurrent token evaluations per request.
	scanParallelism = 8
)

// scanTimeout bounds a whole SCAN_TEXT request. Tokens still unanswered when it
// expires are left out and the result is marked TimedOut.
var scanTimeout = 30 * time.Second

// TokenKind tells whether a scanned token looked like a link or an address.
type TokenKind string

const (
	TokenURL   TokenKind = "url"
	TokenEmail TokenKind = "email"
)

var (
	urlToken   = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'` + "`" + `]+`)
	emailToken = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
)

// TokenResult is the assessment of one token found in scanned text.
type TokenResult struct {
	Token      string              `json:"token"`
	Kind       TokenKind           `json:"kind"`
	Malformed  bool                `json:"malformed,omitempty"`
	Assessment urlcheck.Assessment `json:"assessment"`
}

// ScanResult is the SCAN_TEXT reply. Action and RiskScore are the maxima over
// all tokens.
type ScanResult struct {
	Tokens    []TokenResult   `json:"tokens"`
	Action    urlcheck.Action `json:"action"`
	RiskScore int             `json:"riskScore"`
	Truncated bool            `json:"truncated,omitempty"`
	TimedOut  bool            `json:"timedOut,omitempty"`
}

// ScanText extracts link-like and address-like tokens from text and evaluates
// each one. Tokens that cannot be parsed add the low-weight malformed-link
// signal instead of being dropped.
func (s *Service) ScanText(ctx context.Context, text string) (ScanResult, error) {
	op, err := s.begin(KindScanText, "", true)
	if err != nil {
		return ScanResult{}, err
	}
	defer s.end(op)

	tokens, truncated := extractTokens(text, maxScanTokens)

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	done := make([]bool, len(tokens))
	g, gctx := errgroup.WithContext(scanCtx)
	g.SetLimit(scanParallelism)
	for i := range tokens {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return scanErr(ctx, err)
			}
			res, err := s.analyze(gctx, tokens[i].Token, types.SourceScanText, KindScanText, false)
			if err != nil {
				return scanErr(ctx, err)
			}
			tokens[i].Assessment = res.assessment
			tokens[i].Malformed = errors.Is(res.invalid, urlcheck.ErrInvalidURL)
			done[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScanResult{}, err
	}

	out := ScanResult{Tokens: make([]TokenResult, 0, len(tokens)), Action: urlcheck.ActionAllow, Truncated: truncated}
	for i, tok := range tokens {
		if !done[i] {
			out.TimedOut = true
			continue
		}
		out.Tokens = append(out.Tokens, tok)
		out.Action = urlcheck.MaxAction(out.Action, tok.Assessment.Action)
		if tok.Assessment.RiskScore > out.RiskScore {
			out.RiskScore = tok.Assessment.RiskScore
		}
	}
	if out.TimedOut {
		s.logger.Warn("text scan deadline reached", "tokens", len(tokens), "answered", len(out.Tokens), "timeout", scanTimeout)
	}
	return out, nil
}

// scanErr drops the scan's own deadline so unanswered tokens are skipped; the
// caller's cancellation and draining still fail the request.
func scanErr(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return nil
	}
	return err
}

type tokenSpan struct {
	start, end int
	kind       TokenKind
}

// extractTokens returns distinct tokens in order of appearance. An address that
// sits inside a link is part of that link.
func extractTokens(text string, limit int) ([]TokenResult, bool) {
	var spans []tokenSpan
	for _, m := range urlToken.FindAllStringIndex(text, -1) {
		spans = append(spans, tokenSpan{m[0], m[1], TokenURL})
	}
	for _, m := range emailToken.FindAllStringIndex(text, -1) {
		if !inside(spans, m[0]) {
			spans = append(spans, tokenSpan{m[0], m[1], TokenEmail})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var out []TokenResult
	seen := make(map[string]struct{})
	for _, sp := range spans {
		tok := trimToken(text[sp.start:sp.end])
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		if len(out) == limit {
			return out, true
		}
		seen[tok] = struct{}{}
		out = append(out, TokenResult{Token: tok, Kind: sp.kind})
	}
	return out, false
}

func inside(spans []tokenSpan, pos int) bool {
	for _, sp := range spans {
		if pos >= sp.start && pos < sp.end {
			return true
		}
	}
	return false
}

// trimToken drops punctuation that ends a sentence rather than a link.
func trimToken(tok string) string {
	tok = strings.TrimRight(tok, ".,;:!?")
	for _, pair := range [][2]string{{"(", ")"}, {"[", "]"}, {"{", "}"}} {
		for strings.HasSuffix(tok, pair[1]) && strings.Count(tok, pair[0]) < strings.Count(tok, pair[1]) {
			tok = strings.TrimSuffix(tok, pair[1])
		}
	}
	return strings.TrimRight(tok, ".,;:!?")
}
