// Command phishguard runs the URL risk service or scores URLs offline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/phishguard/phishguard/internal/cli"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func versionString() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	c := strings.TrimSpace(commit)
	if c == "" || strings.EqualFold(c, "unknown") || strings.Contains(v, c) {
		return v
	}
	return v + "+" + c
}

// exitCode maps a command error to a process exit status, printing whatever
// message the error carries.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var ee *cli.ExitError
	if errors.As(err, &ee) {
		if msg := ee.Message(); msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		return ee.Code()
	}
	fmt.Fprintln(stderr, "phishguard:", err)
	return 1
}

func main() {
	err := cli.NewRoot(versionString()).ExecuteContext(context.Background())
	os.Exit(exitCode(err, os.Stderr))
}
