package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/service"
	"github.com/phishguard/phishguard/internal/urlcheck"
)

// exitFlagged is the exit code when an assessment reaches --fail-on.
const exitFlagged = 2

func newAnalyzeCmd() *cobra.Command {
	var (
		configPath string
		text       bool
		failOn     string
	)

	cmd := &cobra.Command{
		Use:   "analyze [url...]",
		Short: "Score URLs offline with the rule engine and print JSON",
		Long: `Score URLs offline with the rule engine and print JSON.

The prediction service is never contacted. URLs are read from the arguments,
or one per line from stdin when there are none. With --text, stdin is treated
as free text and every link or address in it is scored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			threshold, err := parseFailOn(failOn)
			if err != nil {
				return err
			}

			cfg, err := offlineConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := service.New(cfg, service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = svc.Shutdown(sctx)
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			worst := urlcheck.ActionAllow
			if text {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				res, err := svc.ScanText(ctx, string(b))
				if err != nil {
					return err
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
				worst = res.Action
			} else {
				urls := args
				if len(urls) == 0 {
					urls, err = readLines(cmd.InOrStdin())
					if err != nil {
						return err
					}
				}
				if len(urls) == 0 {
					return fmt.Errorf("no URLs given")
				}
				out := make([]urlcheck.Assessment, 0, len(urls))
				for _, u := range urls {
					a, err := svc.Analyze(ctx, u)
					if err != nil {
						return err
					}
					out = append(out, a)
					worst = urlcheck.MaxAction(worst, a.Action)
				}
				if err := enc.Encode(out); err != nil {
					return err
				}
			}

			if threshold != "" && worst.Weight() >= threshold.Weight() {
				return &ExitError{code: exitFlagged}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Config YAML for rule tuning (default: ./config.yml, ./config.yaml, or /etc/phishguard/config.yaml)")
	cmd.Flags().BoolVar(&text, "text", false, "Scan free text from stdin instead of URLs")
	cmd.Flags().StringVar(&failOn, "fail-on", "", "Exit with status 2 when any result is at least this action (warn|block)")
	return cmd
}

// offlineConfig loads the configuration with prediction, feeds and audit
// exporters switched off.
func offlineConfig(path string) (*config.Config, error) {
	cfg, _, err := loadLocalConfig(path)
	if err != nil {
		return nil, err
	}
	disabled := false
	cfg.ML.Enabled = &disabled
	cfg.ThreatFeeds.Enabled = false
	cfg.Audit.Enabled = false
	return cfg, nil
}

func parseFailOn(s string) (urlcheck.Action, error) {
	switch a := urlcheck.Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return "", nil
	case urlcheck.ActionWarn, urlcheck.ActionBlock:
		return a, nil
	default:
		return "", fmt.Errorf("invalid --fail-on %q (want warn or block)", s)
	}
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return out, nil
}
