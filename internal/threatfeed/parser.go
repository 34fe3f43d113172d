package threatfeed

import (
	"bufio"
	"io"
	"net/url"
	"strings"
)

// Parser extracts host names from a threat feed format.
type Parser interface {
	Parse(r io.Reader) ([]string, error)
}

// HostfileParser parses hosts-file format: "127.0.0.1 domain" or "0.0.0.0 domain".
type HostfileParser struct{}

func (p *HostfileParser) Parse(r io.Reader) ([]string, error) {
	return scanLines(r, func(line string) string {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return ""
		}
		switch host := strings.ToLower(fields[1]); host {
		case "localhost", "localhost.localdomain", "broadcasthost", "local":
			return ""
		default:
			return host
		}
	})
}

// DomainListParser parses one-domain-per-line format.
type DomainListParser struct{}

func (p *DomainListParser) Parse(r io.Reader) ([]string, error) {
	return scanLines(r, func(line string) string {
		return strings.ToLower(line)
	})
}

// URLListParser parses one-URL-per-line phishing feeds (OpenPhish, URLhaus
// text exports) and keeps the host of each URL.
type URLListParser struct{}

func (p *URLListParser) Parse(r io.Reader) ([]string, error) {
	return scanLines(r, func(line string) string {
		if !strings.Contains(line, "://") {
			line = "http://" + line
		}
		u, err := url.Parse(line)
		if err != nil {
			return ""
		}
		return strings.ToLower(strings.TrimRight(u.Hostname(), "."))
	})
}

// scanLines applies extract to every non-comment line and returns the unique,
// non-empty results in input order.
func scanLines(r io.Reader, extract func(string) string) ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, "#"); idx >= 0 && !strings.Contains(line[:idx], "://") {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		host := extract(line)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts, scanner.Err()
}

// ParserForFormat returns the parser for a feed format string.
func ParserForFormat(format string) Parser {
	switch strings.ToLower(format) {
	case "hostfile":
		return &HostfileParser{}
	case "url-list":
		return &URLListParser{}
	default:
		return &DomainListParser{}
	}
}
