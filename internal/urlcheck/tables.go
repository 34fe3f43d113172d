package urlcheck

import "regexp"

// DefaultSuspiciousTLDs are public suffixes used mostly by throwaway phishing domains.
var DefaultSuspiciousTLDs = []string{
	"tk", "ml", "ga", "cf", "gq", "xyz", "top", "loan", "win", "bid",
	"click", "work", "date", "racing", "review", "country", "stream",
	"download", "gdn", "men", "party", "science", "zip", "mov",
}

// DefaultReputableTLDs qualify a domain for the early safe allow path.
var DefaultReputableTLDs = []string{
	"com", "org", "net", "edu", "gov", "mil", "int", "io", "dev", "app",
	"uk", "de", "fr", "ca", "au", "jp", "in", "nl", "se", "ch", "no",
	"fi", "es", "it", "eu", "us",
}

// DefaultShorteners are URL shortening services. Links through them hide the destination.
var DefaultShorteners = []string{
	"bit.ly", "tinyurl.com", "goo.gl", "t.co", "ow.ly", "short.link",
	"is.gd", "v.gd", "cutt.ly", "shorturl.at", "buff.ly", "rebrand.ly",
	"tiny.cc", "bl.ink", "t.ly", "rb.gy", "s.id",
}

// DefaultTrustedDomains are well-known legitimate sites. A rule or ML verdict on one of
// them is downgraded one level.
var DefaultTrustedDomains = []string{
	"google.com", "youtube.com", "gmail.com", "gstatic.com", "googleapis.com",
	"microsoft.com", "live.com", "outlook.com", "office.com", "azure.com",
	"apple.com", "icloud.com", "amazon.com", "amazonaws.com",
	"facebook.com", "fb.com", "fbcdn.net", "twitter.com", "x.com", "t.co",
	"linkedin.com", "instagram.com", "netflix.com", "paypal.com", "stripe.com",
	"whatsapp.com", "wa.me", "slack.com", "zoom.us", "discord.com", "telegram.org",
	"github.com", "gitlab.com", "bitbucket.org", "stackoverflow.com", "stackexchange.com",
	"openai.com", "chatgpt.com", "anthropic.com", "claude.ai", "npmjs.com", "pypi.org",
	"geeksforgeeks.org", "w3schools.com", "tutorialspoint.com", "freecodecamp.org",
	"udemy.com", "coursera.org", "khanacademy.org", "edx.org", "leetcode.com",
	"hackerrank.com", "kaggle.com", "reddit.com", "wikipedia.org", "wikimedia.org",
	"medium.com", "dropbox.com", "adobe.com", "cloudflare.com", "wordpress.com",
	"wordpress.org", "notion.so", "figma.com", "canva.com",
	"wise.com", "revolut.com", "xe.com", "oanda.com", "payoneer.com",
}

// DefaultInfrastructurePatterns are host globs ('.'-separated) that bypass scoring
// entirely. Government and education hosts are matched on their public suffix
// instead, see institutionalLabels.
var DefaultInfrastructurePatterns = []string{
	"cdn.jsdelivr.net", "unpkg.com", "cdnjs.cloudflare.com",
	"**.akamaihd.net", "**.fastly.net", "**.cloudfront.net", "**.gstatic.com",
	"ajax.googleapis.com", "fonts.googleapis.com",
}

// institutionalLabels mark government, military and academic public suffixes
// (gov, gov.uk, edu.au, ac.jp). The bool is true when the label is also a
// registration-restricted TLD; "ac" on its own is an open ccTLD.
var institutionalLabels = map[string]bool{
	"gov": true,
	"mil": true,
	"edu": true,
	"ac":  false,
}

// brandDomains maps each monitored brand to the registrable domains it really owns.
var brandDomains = map[string][]string{
	"paypal":    {"paypal.com", "paypal.me"},
	"amazon":    {"amazon.com", "amazonaws.com", "amazon.co.uk", "amazon.de"},
	"microsoft": {"microsoft.com", "live.com", "outlook.com", "office.com", "microsoftonline.com"},
	"google":    {"google.com", "gmail.com", "youtube.com", "googleapis.com", "gstatic.com"},
	"apple":     {"apple.com", "icloud.com"},
	"facebook":  {"facebook.com", "fb.com", "fbcdn.net"},
	"netflix":   {"netflix.com"},
	"whatsapp":  {"whatsapp.com", "wa.me", "whatsapp.net"},
	"instagram": {"instagram.com"},
	"linkedin":  {"linkedin.com"},
	"dropbox":   {"dropbox.com"},
}

// brandOrder fixes iteration order so reasons are deterministic.
var brandOrder = []string{
	"paypal", "amazon", "microsoft", "google", "apple", "facebook",
	"netflix", "whatsapp", "instagram", "linkedin", "dropbox",
}

// brandPatterns match a brand name including common look-alike substitutions.
var brandPatterns = map[string]*regexp.Regexp{
	"paypal":    regexp.MustCompile(`p[a4@]yp[a4@][l1i|]`),
	"amazon":    regexp.MustCompile(`[a4@]m[a4@]z[o0]n`),
	"microsoft": regexp.MustCompile(`m[i1l]cr[o0]s[o0]ft`),
	"google":    regexp.MustCompile(`g[o0]{2}g[l1i]e`),
	"apple":     regexp.MustCompile(`[a4@]pp[l1i]e`),
	"facebook":  regexp.MustCompile(`f[a4@]c[e3]b[o0]{2}k`),
	"netflix":   regexp.MustCompile(`n[e3]tf[l1i][i1l]x`),
	"whatsapp":  regexp.MustCompile(`wh[a4@]ts[a4@]pp`),
	"instagram": regexp.MustCompile(`[i1l]nst[a4@]gr[a4@]m`),
	"linkedin":  regexp.MustCompile(`[l1]inked[i1l]n`),
	"dropbox":   regexp.MustCompile(`dr[o0]pb[o0]x`),
}

// hostKeywords are suspicious when they appear in a hostname.
var hostKeywords = []string{
	"verify", "verification", "suspended", "suspend", "locked", "unlock",
	"urgent", "alert", "warning", "confirm", "validate", "secure", "login",
	"signin", "logon", "account", "update", "billing", "recover", "wallet",
}

// credentialKeywords carry the highest weight when sent over plaintext HTTP.
var credentialKeywords = []string{
	"login", "signin", "sign-in", "logon", "password", "passwd", "verify",
	"payment", "wallet", "banking", "credential", "ssn",
}

// sensitiveKeywords are lower-weight plaintext HTTP keywords.
var sensitiveKeywords = []string{
	"account", "update", "confirm", "billing", "secure", "support", "unlock", "invoice",
}

// brandActions pair with a brand name to form a phishing keyword combination.
var brandActions = []string{
	"verify", "security", "secure", "suspend", "locked", "alert",
	"update", "confirm", "unlock", "banned", "login",
}

// genericCombos are keyword pairs that signal phishing without a brand.
var genericCombos = [][2]string{
	{"account", "suspended"},
	{"account", "locked"},
	{"security", "alert"},
	{"urgent", "verify"},
	{"confirm", "identity"},
}

// internalHosts never leave the local machine.
var internalHosts = []string{"localhost", "localhost.localdomain", "127.0.0.1", "::1"}

// nonWebSchemes are schemes that never reach a remote web page.
var nonWebSchemes = []string{
	"javascript", "data", "about", "blob", "file", "chrome", "chrome-extension",
	"moz-extension", "edge", "view-source", "tel", "sms",
}
