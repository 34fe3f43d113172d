package urlcheck

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/net/publicsuffix"

	"github.com/phishguard/phishguard/internal/config"
)

// Trust holds the allow-lists consulted before and after scoring.
type Trust struct {
	infra    []compiledPattern
	self     map[string]struct{}
	trusted  map[string]struct{}
	disabled bool
}

type compiledPattern struct {
	src string
	g   glob.Glob
}

// Caps are the point thresholds of the path that produced an assessment. A downgraded
// score is capped just below the threshold of the action it was downgraded from.
type Caps struct {
	Block int
	Warn  int
}

// NewTrust compiles the trust configuration. selfHosts are added to the infrastructure
// class (typically the ML backend host).
func NewTrust(cfg config.TrustConfig, selfHosts ...string) (*Trust, error) {
	t := &Trust{
		self:     make(map[string]struct{}),
		trusted:  toSet(orDefault(cfg.TrustedDomains, DefaultTrustedDomains), ""),
		disabled: cfg.Disabled,
	}
	for _, d := range cfg.ExtraTrustedDomains {
		if d = cleanHost(d); d != "" {
			t.trusted[d] = struct{}{}
		}
	}
	patterns := orDefault(cfg.InfrastructurePatterns, DefaultInfrastructurePatterns)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("compile infrastructure pattern %q: %w", p, err)
		}
		t.infra = append(t.infra, compiledPattern{src: p, g: g})
	}
	for _, h := range append(append([]string{}, cfg.SelfDomains...), selfHosts...) {
		if h = cleanHost(h); h != "" {
			t.self[h] = struct{}{}
		}
	}
	return t, nil
}

// Bypass reports whether hostname belongs to the infrastructure class. Such hosts are
// allowed without scoring.
func (t *Trust) Bypass(hostname string) (string, bool) {
	if t == nil || t.disabled {
		return "", false
	}
	h := cleanHost(hostname)
	if h == "" {
		return "", false
	}
	if _, ok := t.self[h]; ok {
		return fmt.Sprintf("Service infrastructure (%s)", h), true
	}
	for _, p := range t.infra {
		if p.g.Match(h) {
			return fmt.Sprintf("Infrastructure domain (%s)", p.src), true
		}
	}
	if suffix, ok := institutionalSuffix(h); ok {
		return fmt.Sprintf("Institutional domain (%s)", suffix), true
	}
	return "", false
}

// institutionalSuffix reports whether h sits directly under an ICANN public
// suffix reserved for government or academic use. The label has to be part of
// the suffix itself, so a registrable name like gov.xyz never qualifies.
func institutionalSuffix(h string) (string, bool) {
	suffix, icann := publicsuffix.PublicSuffix(h)
	if !icann || suffix == h {
		return "", false
	}
	labels := strings.Split(suffix, ".")
	for i, label := range labels {
		restrictedTLD, ok := institutionalLabels[label]
		if !ok {
			continue
		}
		if i < len(labels)-1 || restrictedTLD {
			return suffix, true
		}
	}
	return "", false
}

// TrustedDomain returns the trusted-list entry matching hostname or one of its parents.
func (t *Trust) TrustedDomain(hostname string) (string, bool) {
	if t == nil || t.disabled {
		return "", false
	}
	return matchDomain(t.trusted, hostname)
}

// matchDomain returns the entry of set equal to hostname or to one of its parents,
// stopping before the bare TLD.
func matchDomain(set map[string]struct{}, hostname string) (string, bool) {
	h := strings.TrimPrefix(cleanHost(hostname), "www.")
	for h != "" {
		if _, ok := set[h]; ok {
			return h, true
		}
		i := strings.Index(h, ".")
		if i < 0 {
			break
		}
		h = h[i+1:]
		if !strings.Contains(h, ".") {
			break
		}
	}
	return "", false
}

// Downgrade lowers a block or warn verdict on a trusted host by exactly one level and
// records why. Allow verdicts and untrusted hosts are returned unchanged.
func (t *Trust) Downgrade(a Assessment, caps Caps) Assessment {
	if a.Action != ActionBlock && a.Action != ActionWarn {
		return a
	}
	domain, ok := t.TrustedDomain(a.Hostname)
	if !ok {
		return a
	}
	out := a.Clone()
	from := a.Action
	out.Action = from.Downgrade()
	limit := caps.Warn
	if from == ActionBlock {
		limit = caps.Block
	}
	if limit > 0 && out.RiskScore >= limit {
		out.RiskScore = limit - 1
	}
	out.RiskScore = ClampScore(out.RiskScore)
	out.Method = MethodOverride
	out.Confidence = ConfidenceMedium
	out.AddReason(fmt.Sprintf("Trusted domain override (%s): %s -> %s", domain, from, out.Action))
	return out
}

func cleanHost(h string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(h), "."))
}
