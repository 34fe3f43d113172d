package urlcheck

import (
	"net"
	"strings"
	"unicode"

	"github.com/phishguard/phishguard/internal/config"
	"golang.org/x/net/publicsuffix"
)

// Features is the fixed-shape set of lexical and structural signals derived from a
// Candidate. It is a plain value and never changes after Extract returns it.
type Features struct {
	Web                bool   `json:"web"`
	URLLength          int    `json:"urlLength"`
	PathLength         int    `json:"pathLength"`
	HostLength         int    `json:"hostLength"`
	LabelCount         int    `json:"labelCount"`
	SubdomainCount     int    `json:"subdomainCount"`
	HyphenCount        int    `json:"hyphenCount"`
	DigitCount         int    `json:"digitCount"`
	TLD                string `json:"tld,omitempty"`
	PublicSuffix       string `json:"publicSuffix,omitempty"`
	RegistrableDomain  string `json:"registrableDomain,omitempty"`
	SuspiciousTLD      bool   `json:"suspiciousTld"`
	ReputableTLD       bool   `json:"reputableTld"`
	IsIP               bool   `json:"isIp"`
	HasAt              bool   `json:"hasAt"`
	Homograph          bool   `json:"homograph"`
	Shortener          bool   `json:"shortener"`
	InsecureHTTP       bool   `json:"insecureHttp"`
	BrandImpersonation string `json:"brandImpersonation,omitempty"`
	CharSubstitution   string `json:"charSubstitution,omitempty"`
	EmailPattern       bool   `json:"emailPattern,omitempty"`
}

// Extractor derives Features from candidates using configurable pattern tables.
type Extractor struct {
	suspiciousTLDs map[string]struct{}
	reputableTLDs  map[string]struct{}
	shorteners     map[string]struct{}
}

// NewExtractor builds an extractor from the rule configuration. Empty lists fall back
// to the built-in tables.
func NewExtractor(cfg config.RulesConfig) *Extractor {
	return &Extractor{
		suspiciousTLDs: toSet(orDefault(cfg.SuspiciousTLDs, DefaultSuspiciousTLDs), "."),
		reputableTLDs:  toSet(orDefault(cfg.ReputableTLDs, DefaultReputableTLDs), "."),
		shorteners:     toSet(orDefault(cfg.Shorteners, DefaultShorteners), ""),
	}
}

// Extract computes the feature record for c. It never panics; if a table lookup fails
// unexpectedly the partially filled record is returned.
func (e *Extractor) Extract(c Candidate) (f Features) {
	defer func() {
		if recover() != nil {
			f = Features{Web: c.IsWeb(), HasAt: strings.Contains(c.Raw, "@")}
		}
	}()

	f.Web = c.IsWeb()
	f.URLLength = len(c.NormalizedURL)
	f.PathLength = len(c.Path)
	f.EmailPattern = c.EmailPattern
	f.HasAt = strings.Contains(c.Raw, "@")
	if !f.Web {
		return f
	}

	host := c.ASCIIHostname
	if host == "" {
		host = c.Hostname
	}
	f.HostLength = len(host)
	f.InsecureHTTP = c.Scheme == "http"
	f.IsIP = net.ParseIP(host) != nil

	for _, r := range c.Hostname {
		switch {
		case r > unicode.MaxASCII:
			f.Homograph = true
		case r == '-':
			f.HyphenCount++
		case r >= '0' && r <= '9':
			f.DigitCount++
		}
	}

	if f.IsIP {
		return f
	}

	labels := strings.Split(host, ".")
	f.LabelCount = len(labels)
	for _, l := range labels {
		if strings.HasPrefix(l, "xn--") {
			f.Homograph = true
		}
	}
	f.TLD = labels[len(labels)-1]

	suffix, _ := publicsuffix.PublicSuffix(host)
	f.PublicSuffix = suffix
	if reg, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		f.RegistrableDomain = reg
		f.SubdomainCount = f.LabelCount - strings.Count(reg, ".") - 1
	}
	_, suspiciousSuffix := e.suspiciousTLDs[suffix]
	_, suspiciousTLD := e.suspiciousTLDs[f.TLD]
	f.SuspiciousTLD = suspiciousSuffix || suspiciousTLD
	_, f.ReputableTLD = e.reputableTLDs[f.TLD]

	bare := strings.TrimPrefix(host, "www.")
	_, f.Shortener = e.shorteners[bare]

	f.BrandImpersonation = detectBrandImpersonation(c.Hostname, f.RegistrableDomain, f.SuspiciousTLD)
	f.CharSubstitution = detectCharSubstitution(c.Hostname, f.RegistrableDomain)
	return f
}

// detectBrandImpersonation returns the brand a hostname imitates, or "". A brand match
// only counts when the host is not one of the brand's own domains and there is some
// supporting evidence: a look-alike substitution, a hyphenated or keyword-suffixed brand,
// the brand as a whole label, or a suspicious TLD.
func detectBrandImpersonation(hostname, registrable string, suspiciousTLD bool) string {
	for _, brand := range brandOrder {
		loc := brandPatterns[brand].FindStringIndex(hostname)
		if loc == nil {
			continue
		}
		if ownsDomain(brand, hostname, registrable) {
			continue
		}
		match := hostname[loc[0]:loc[1]]
		before, after := "", ""
		if loc[0] > 0 {
			before = hostname[loc[0]-1 : loc[0]]
		}
		if loc[1] < len(hostname) {
			after = hostname[loc[1]:]
		}
		switch {
		case match != brand:
			return brand
		case before == "-" || strings.HasPrefix(after, "-"):
			return brand
		case (before == "" || before == ".") && (after == "" || strings.HasPrefix(after, ".")):
			return brand
		case suspiciousTLD:
			return brand
		}
		for _, kw := range brandActions {
			if strings.HasPrefix(after, kw) {
				return brand
			}
		}
	}
	return ""
}

// detectCharSubstitution reports the brand a hostname spells with digit or symbol
// look-alikes (g00gle, paypa1). Hosts that already contain the literal brand are not
// substitutions.
func detectCharSubstitution(hostname, registrable string) string {
	variants := leetVariants(hostname)
	for _, brand := range brandOrder {
		if strings.Contains(hostname, brand) || ownsDomain(brand, hostname, registrable) {
			continue
		}
		for _, v := range variants {
			if strings.Contains(v, brand) {
				return brand
			}
		}
	}
	return ""
}

func ownsDomain(brand, hostname, registrable string) bool {
	for _, d := range brandDomains[brand] {
		if hostname == d || strings.HasSuffix(hostname, "."+d) || registrable == d {
			return true
		}
	}
	return false
}

var (
	leetToL = strings.NewReplacer("0", "o", "1", "l", "3", "e", "4", "a", "5", "s", "7", "t", "@", "a", "$", "s", "|", "l")
	leetToI = strings.NewReplacer("0", "o", "1", "i", "3", "e", "4", "a", "5", "s", "7", "t", "@", "a", "$", "s", "|", "i")
)

func leetVariants(s string) []string {
	return []string{leetToL.Replace(s), leetToI.Replace(s)}
}

func toSet(values []string, trim string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if trim != "" {
			v = strings.TrimPrefix(v, trim)
		}
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

func orDefault(values, def []string) []string {
	if len(values) == 0 {
		return def
	}
	return values
}
