package config

import "fmt"

// RulesConfig tunes the deterministic rule scorer. Empty lists fall back to the
// built-in pattern tables.
type RulesConfig struct {
	BlockThreshold int         `yaml:"block_threshold"`
	WarnThreshold  int         `yaml:"warn_threshold"`
	Weights        RuleWeights `yaml:"weights"`

	SuspiciousTLDs []string `yaml:"suspicious_tlds"`
	ReputableTLDs  []string `yaml:"reputable_tlds"`
	Shorteners     []string `yaml:"shorteners"`

	MaxLabels         int `yaml:"max_labels"`
	HyphenThreshold   int `yaml:"hyphen_threshold"`
	DigitThreshold    int `yaml:"digit_threshold"`
	LongURLLength     int `yaml:"long_url_length"`
	VeryLongURLLength int `yaml:"very_long_url_length"`
}

// RuleWeights are the points each signal adds. A negative weight disables the signal.
type RuleWeights struct {
	SuspiciousTLD             int `yaml:"suspicious_tld"`
	Shortener                 int `yaml:"shortener"`
	BrandImpersonation        int `yaml:"brand_impersonation"`
	AtSymbol                  int `yaml:"at_symbol"`
	IPAddress                 int `yaml:"ip_address"`
	Homograph                 int `yaml:"homograph"`
	CharSubstitution          int `yaml:"char_substitution"`
	Hyphens                   int `yaml:"hyphens"`
	Digits                    int `yaml:"digits"`
	Subdomains                int `yaml:"subdomains"`
	LongURL                   int `yaml:"long_url"`
	VeryLongURL               int `yaml:"very_long_url"`
	InsecureCredentialKeyword int `yaml:"insecure_credential_keyword"`
	InsecureKeyword           int `yaml:"insecure_keyword"`
	HostKeyword               int `yaml:"host_keyword"`
	KeywordCombo              int `yaml:"keyword_combo"`
	MalformedLink             int `yaml:"malformed_link"`
}

// DefaultRulesConfig returns the built-in rule thresholds and weights.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		BlockThreshold: 95,
		WarnThreshold:  80,
		Weights: RuleWeights{
			SuspiciousTLD:             30,
			Shortener:                 45,
			BrandImpersonation:        45,
			AtSymbol:                  40,
			IPAddress:                 35,
			Homograph:                 45,
			CharSubstitution:          35,
			Hyphens:                   15,
			Digits:                    15,
			Subdomains:                15,
			LongURL:                   10,
			VeryLongURL:               15,
			InsecureCredentialKeyword: 35,
			InsecureKeyword:           15,
			HostKeyword:               20,
			KeywordCombo:              50,
			MalformedLink:             10,
		},
		MaxLabels:         5,
		HyphenThreshold:   4,
		DigitThreshold:    5,
		LongURLLength:     200,
		VeryLongURLLength: 400,
	}
}

// applyRulesDefaults fills zero values field by field so a partial weights block in
// YAML keeps the defaults for the signals it does not mention.
func applyRulesDefaults(r *RulesConfig) {
	d := DefaultRulesConfig()
	fill := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&r.BlockThreshold, d.BlockThreshold)
	fill(&r.WarnThreshold, d.WarnThreshold)
	fill(&r.MaxLabels, d.MaxLabels)
	fill(&r.HyphenThreshold, d.HyphenThreshold)
	fill(&r.DigitThreshold, d.DigitThreshold)
	fill(&r.LongURLLength, d.LongURLLength)
	fill(&r.VeryLongURLLength, d.VeryLongURLLength)

	w, dw := &r.Weights, d.Weights
	fill(&w.SuspiciousTLD, dw.SuspiciousTLD)
	fill(&w.Shortener, dw.Shortener)
	fill(&w.BrandImpersonation, dw.BrandImpersonation)
	fill(&w.AtSymbol, dw.AtSymbol)
	fill(&w.IPAddress, dw.IPAddress)
	fill(&w.Homograph, dw.Homograph)
	fill(&w.CharSubstitution, dw.CharSubstitution)
	fill(&w.Hyphens, dw.Hyphens)
	fill(&w.Digits, dw.Digits)
	fill(&w.Subdomains, dw.Subdomains)
	fill(&w.LongURL, dw.LongURL)
	fill(&w.VeryLongURL, dw.VeryLongURL)
	fill(&w.InsecureCredentialKeyword, dw.InsecureCredentialKeyword)
	fill(&w.InsecureKeyword, dw.InsecureKeyword)
	fill(&w.HostKeyword, dw.HostKeyword)
	fill(&w.KeywordCombo, dw.KeywordCombo)
	fill(&w.MalformedLink, dw.MalformedLink)
}

func validateRules(r *RulesConfig) error {
	if r.BlockThreshold < 1 || r.BlockThreshold > 100 {
		return fmt.Errorf("rules.block_threshold must be within [1,100], got %d", r.BlockThreshold)
	}
	if r.WarnThreshold < 1 || r.WarnThreshold > r.BlockThreshold {
		return fmt.Errorf("rules.warn_threshold must be within [1,block_threshold], got %d", r.WarnThreshold)
	}
	if r.VeryLongURLLength < r.LongURLLength {
		return fmt.Errorf("rules.very_long_url_length must be >= rules.long_url_length")
	}
	return nil
}
