package urlcheck

import (
	"fmt"
	"strings"

	"github.com/phishguard/phishguard/internal/config"
)

// Scorer is the deterministic rule set. It turns a feature record into additive risk
// points and an ordered list of reasons. It performs no I/O.
type Scorer struct {
	w              config.RuleWeights
	blockThreshold int
	warnThreshold  int
	maxLabels      int
	hyphenLimit    int
	digitLimit     int
	longURL        int
	veryLongURL    int
	legitimate     map[string]struct{}
}

// NewScorer builds a scorer from the rule configuration. cfg is expected to have passed
// through config defaults; zero thresholds fall back to the built-in values anyway.
func NewScorer(cfg config.RulesConfig) *Scorer {
	d := config.DefaultRulesConfig()
	s := &Scorer{
		w:              cfg.Weights,
		blockThreshold: pick(cfg.BlockThreshold, d.BlockThreshold),
		warnThreshold:  pick(cfg.WarnThreshold, d.WarnThreshold),
		maxLabels:      pick(cfg.MaxLabels, d.MaxLabels),
		hyphenLimit:    pick(cfg.HyphenThreshold, d.HyphenThreshold),
		digitLimit:     pick(cfg.DigitThreshold, d.DigitThreshold),
		longURL:        pick(cfg.LongURLLength, d.LongURLLength),
		veryLongURL:    pick(cfg.VeryLongURLLength, d.VeryLongURLLength),
		legitimate:     toSet(DefaultTrustedDomains, ""),
	}
	if s.w == (config.RuleWeights{}) {
		s.w = d.Weights
	}
	return s
}

// Thresholds returns the block and warn point thresholds.
func (s *Scorer) Thresholds() (block, warn int) { return s.blockThreshold, s.warnThreshold }

// Score evaluates every signal against f and returns the capped point total with one
// reason per fired signal, in catalog order. Overlapping signals compound.
func (s *Scorer) Score(f Features, hostname, fullURLLower string) (int, []string) {
	points := 0
	var reasons []string
	add := func(weight int, reason string) {
		if weight <= 0 {
			return
		}
		points += weight
		reasons = append(reasons, reason)
	}

	if f.SuspiciousTLD {
		add(s.w.SuspiciousTLD, "Suspicious TLD")
	}
	if f.Shortener {
		add(s.w.Shortener, "URL shortener")
	}
	if f.BrandImpersonation != "" {
		add(s.w.BrandImpersonation, fmt.Sprintf("Brand spoofing detected (%s)", f.BrandImpersonation))
	}
	if f.HasAt {
		add(s.w.AtSymbol, "@ symbol in URL (credential obfuscation)")
	}
	if f.IsIP {
		add(s.w.IPAddress, "IP address instead of domain")
	}
	if f.Homograph {
		add(s.w.Homograph, "Homograph or non-ASCII hostname")
	}
	if f.CharSubstitution != "" {
		add(s.w.CharSubstitution, fmt.Sprintf("Character substitution spoof (%s)", f.CharSubstitution))
	}
	if f.HyphenCount >= s.hyphenLimit {
		add(s.w.Hyphens, "Excessive hyphens in hostname")
	}
	if f.DigitCount >= s.digitLimit {
		add(s.w.Digits, "Excessive digits in hostname")
	}
	if f.LabelCount > s.maxLabels {
		add(s.w.Subdomains, "Excessive subdomains")
	}
	switch {
	case f.URLLength > s.veryLongURL:
		add(s.w.VeryLongURL, "Long URL")
	case f.URLLength > s.longURL:
		add(s.w.LongURL, "Long URL")
	}
	if f.InsecureHTTP {
		if kw, credential := sensitiveKeyword(fullURLLower, hostname); kw != "" {
			w := s.w.InsecureKeyword
			if credential {
				w = s.w.InsecureCredentialKeyword
			}
			add(w, fmt.Sprintf("Insecure HTTP with sensitive keyword (%s)", kw))
		}
	}
	if kw := hostKeyword(hostname); kw != "" {
		add(s.w.HostKeyword, fmt.Sprintf("Suspicious keyword in hostname (%s)", kw))
	}
	if combo := s.keywordCombo(fullURLLower, hostname, f.RegistrableDomain); combo != "" {
		add(s.w.KeywordCombo, fmt.Sprintf("Suspicious keyword combination (%s)", combo))
	}

	return ClampScore(points), reasons
}

// MalformedPoints is the low-weight signal added for an unparsable link in contexts
// that opt in to it (text scanning).
func (s *Scorer) MalformedPoints() int {
	if s.w.MalformedLink < 0 {
		return 0
	}
	return s.w.MalformedLink
}

// HasKeywordSignal reports whether any keyword-based rule would fire. The policy engine
// uses it to rule out the early safe allow.
func (s *Scorer) HasKeywordSignal(f Features, hostname, fullURLLower string) bool {
	if f.InsecureHTTP {
		if kw, _ := sensitiveKeyword(fullURLLower, hostname); kw != "" {
			return true
		}
	}
	return hostKeyword(hostname) != "" || s.keywordCombo(fullURLLower, hostname, f.RegistrableDomain) != ""
}

// Threshold maps rule points to an action and confidence.
func (s *Scorer) Threshold(points int) (Action, Confidence) {
	switch {
	case points >= s.blockThreshold:
		return ActionBlock, ConfidenceHigh
	case points >= s.warnThreshold:
		return ActionWarn, ConfidenceMedium
	case points == 0:
		return ActionAllow, ConfidenceMedium
	default:
		return ActionAllow, ConfidenceLow
	}
}

// Assess runs Score and Threshold and packages the result.
func (s *Scorer) Assess(c Candidate, f Features) Assessment {
	points, reasons := s.Score(f, c.Hostname, strings.ToLower(c.NormalizedURL))
	action, conf := s.Threshold(points)
	if reasons == nil {
		reasons = []string{}
	}
	return Assessment{
		URL:        c.NormalizedURL,
		Hostname:   c.Hostname,
		RiskScore:  points,
		Reasons:    reasons,
		Action:     action,
		Confidence: conf,
		Method:     MethodRule,
	}
}

// sensitiveKeyword returns the first sensitive keyword found outside the hostname and
// whether it is a credential keyword.
func sensitiveKeyword(fullURLLower, hostname string) (string, bool) {
	rest := afterHost(fullURLLower, hostname)
	for _, kw := range credentialKeywords {
		if strings.Contains(rest, kw) || strings.Contains(hostname, kw) {
			return kw, true
		}
	}
	for _, kw := range sensitiveKeywords {
		if strings.Contains(rest, kw) || strings.Contains(hostname, kw) {
			return kw, false
		}
	}
	return "", false
}

func hostKeyword(hostname string) string {
	for _, kw := range hostKeywords {
		if strings.Contains(hostname, kw) {
			return kw
		}
	}
	return ""
}

// keywordCombo looks for brand+action pairs on hosts the brand does not own, then for
// generic pairs. Matching runs on the look-alike-normalized URL so paypa1 counts as paypal.
// Hosts on the legitimate-site list never match.
func (s *Scorer) keywordCombo(fullURLLower, hostname, registrable string) string {
	if _, ok := matchDomain(s.legitimate, hostname); ok {
		return ""
	}
	variants := append([]string{fullURLLower}, leetVariants(fullURLLower)...)
	for _, brand := range brandOrder {
		if ownsDomain(brand, hostname, registrable) {
			continue
		}
		for _, v := range variants {
			if !strings.Contains(v, brand) {
				continue
			}
			for _, action := range brandActions {
				if strings.Contains(v, action) {
					return brand + "+" + action
				}
			}
		}
	}
	for _, pair := range genericCombos {
		if strings.Contains(fullURLLower, pair[0]) && strings.Contains(fullURLLower, pair[1]) {
			return pair[0] + "+" + pair[1]
		}
	}
	return ""
}

func afterHost(fullURLLower, hostname string) string {
	if hostname == "" {
		return fullURLLower
	}
	if i := strings.Index(fullURLLower, hostname); i >= 0 {
		return fullURLLower[i+len(hostname):]
	}
	return fullURLLower
}

func pick(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
