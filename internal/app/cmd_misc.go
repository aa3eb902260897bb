package app

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/chatshare/internal/api"
	"github.com/hitoshi/chatshare/internal/output"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// SetBuildInfo はビルド時に埋め込まれたバージョン情報を設定する。
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}

func (c *cli) versionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  args(0, ""),
		Annotations: map[string]string{
			annotationNoApp: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			short, _ := cmd.Flags().GetBool("short")
			jsonOutput, _ := cmd.Flags().GetBool("json")

			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			}

			if jsonOutput {
				info := map[string]string{
					"version":   version,
					"commit":    commit,
					"built":     buildTime,
					"goVersion": runtime.Version(),
					"platform":  runtime.GOOS + "/" + runtime.GOARCH,
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "chatshare version %s\n", version)
			fmt.Fprintf(w, "  commit:     %s\n", commit)
			fmt.Fprintf(w, "  built:      %s\n", buildTime)
			fmt.Fprintf(w, "  go version: %s\n", runtime.Version())
			fmt.Fprintf(w, "  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
	cmd.Flags().Bool("short", false, "print version string only")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

// diagnoseCommand はバックエンドへの接続とログイン設定を確認する。
func (c *cli) diagnoseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Check the connection to the ChatShare server",
		Args:  args(0, ""),
		Annotations: map[string]string{
			annotationNoBootstrap: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p := c.app.Printer
			cfg := c.app.Config

			p.Header("Connection")
			results := []api.DiagnosticResult{
				c.app.Client.TestConnectivity(ctx),
				c.app.Client.TestAuthenticatedEndpoint(ctx),
			}
			t := output.NewTable(p.Out(), []string{"Endpoint", "Result", "Status", "Latency", "Detail"})
			for _, r := range results {
				status := "-"
				if r.StatusCode != 0 {
					status = strconv.Itoa(r.StatusCode)
				}
				t.AddRow(r.Endpoint, p.Badge(r.OK, okLabel(r.OK)), status, r.Latency.Round(time.Millisecond).String(), r.Error)
			}
			if err := t.Render(); err != nil {
				return err
			}

			p.Header("Sign in")
			p.Print("  Google:        %s", p.Badge(cfg.GoogleConfigured(), configuredLabel(cfg.GoogleConfigured())))
			p.Print("  LINE state:    %s", strictLabel(cfg.LineStrictState))
			p.Print("  Callback:      http://%s (%s://)", cfg.CallbackAddr, cfg.CallbackScheme)
			p.Print("  Data dir:      %s", cfg.DataDir)
			if cfg.LogFile != "" {
				p.Print("  Log file:      %s", cfg.LogFile)
			}

			if !results[0].OK {
				p.Warning("The server at %s is not reachable.", cfg.APIBaseURL)
			}
			return nil
		},
	}
}

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func configuredLabel(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func strictLabel(strict bool) string {
	if strict {
		return "strict"
	}
	return "lenient"
}
