package urlcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishguard/phishguard/internal/config"
)

func extractURL(t *testing.T, raw string) (Candidate, Features) {
	t.Helper()
	c, err := Normalize(raw)
	require.NoError(t, err)
	return c, NewExtractor(config.RulesConfig{}).Extract(c)
}

func TestExtract_IPHost(t *testing.T) {
	_, f := extractURL(t, "http://192.168.1.1/login")
	assert.True(t, f.IsIP)
	assert.True(t, f.InsecureHTTP)
	assert.Equal(t, 8, f.DigitCount)
	assert.Empty(t, f.RegistrableDomain)
}

func TestExtract_BrandSpoof(t *testing.T) {
	_, f := extractURL(t, "https://paypa1-secure-login.tk/verify")
	assert.True(t, f.SuspiciousTLD)
	assert.Equal(t, "tk", f.TLD)
	assert.Equal(t, "paypal", f.BrandImpersonation)
	assert.Equal(t, "paypal", f.CharSubstitution)
	assert.Equal(t, 2, f.HyphenCount)
	assert.Equal(t, "paypa1-secure-login.tk", f.RegistrableDomain)
}

func TestExtract_RealBrandDomain(t *testing.T) {
	_, f := extractURL(t, "https://www.google.com/search?q=test")
	assert.Empty(t, f.BrandImpersonation)
	assert.Empty(t, f.CharSubstitution)
	assert.True(t, f.ReputableTLD)
	assert.Equal(t, "google.com", f.RegistrableDomain)
	assert.Equal(t, 1, f.SubdomainCount)
}

func TestExtract_BrandAsPlainSubstring(t *testing.T) {
	_, f := extractURL(t, "https://pineapple.com/")
	assert.Empty(t, f.BrandImpersonation, "a brand inside an unrelated word is not impersonation")
}

func TestExtract_Homograph(t *testing.T) {
	_, f := extractURL(t, "https://pаypal.com/")
	assert.True(t, f.Homograph)
}

func TestExtract_Shortener(t *testing.T) {
	_, f := extractURL(t, "bit.ly/abcd123")
	assert.True(t, f.Shortener)
	assert.False(t, f.SuspiciousTLD)
}

func TestExtract_NonWeb(t *testing.T) {
	_, f := extractURL(t, "javascript:void(0)")
	assert.False(t, f.Web)
	assert.Zero(t, f.HostLength)
}

func TestExtract_ConfiguredTables(t *testing.T) {
	c, err := Normalize("https://promo.example.shop/")
	require.NoError(t, err)
	e := NewExtractor(config.RulesConfig{SuspiciousTLDs: []string{".shop"}, Shorteners: []string{"promo.example.shop"}})
	f := e.Extract(c)
	assert.True(t, f.SuspiciousTLD)
	assert.True(t, f.Shortener)
}
