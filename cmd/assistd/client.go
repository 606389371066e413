package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiError is the error body returned by the daemon.
type apiError struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// call sends body (if non-nil) as JSON and decodes a 200 response into out.
func call(cmd *cobra.Command, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequestWithContext(cmd.Context(), method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if e.Hint != "" {
				return fmt.Errorf("server returned status %d: %s (%s)", resp.StatusCode, e.Error, e.Hint)
			}
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// printJSON writes v indented to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status   string            `json:"status"`
			Services map[string]string `json:"services"`
		}
		if err := call(cmd, http.MethodGet, "/health", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
		for name, status := range resp.Services {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", name, status)
		}
		return nil
	},
}

var searchFlags struct {
	web        bool
	noLocal    bool
	sources    []string
	maxResults int
	escalate   bool
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a unified search over memory and, optionally, the web",
	Long: `Run a unified search against a running daemon.

Examples:
  # Memory only
  assistd search "oat milk"

  # Memory and web, summarized by the remote model
  assistd search "rust async runtimes" --web --escalate

  # Web only, Tavily first
  assistd search "go 1.24 release notes" --web --no-local --source tavily`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		includeLocal := !searchFlags.noLocal
		req := map[string]any{
			"query":         strings.Join(args, " "),
			"include_local": includeLocal,
			"include_web":   searchFlags.web,
			"max_results":   searchFlags.maxResults,
			"escalate_llm":  searchFlags.escalate,
		}
		if len(searchFlags.sources) > 0 {
			req["web_sources"] = searchFlags.sources
		}
		var out json.RawMessage
		if err := call(cmd, http.MethodPost, "/api/v1/search/unified", req, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and configure the spending budget",
}

var budgetTotalsCmd = &cobra.Command{
	Use:   "totals",
	Short: "Show daily and monthly spend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out json.RawMessage
		if err := call(cmd, http.MethodGet, "/api/v1/budget/totals", nil, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

var budgetEventsLimit int

var budgetEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent billed events, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out json.RawMessage
		path := fmt.Sprintf("/api/v1/budget/events?limit=%d", budgetEventsLimit)
		if err := call(cmd, http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

var budgetSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update budget limits",
	Long: `Update budget limits. Only the flags given are changed.

Examples:
  assistd budget set --daily 1.50 --enforce
  assistd budget set --monthly 0   # remove the monthly limit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		update := map[string]any{}
		flags := cmd.Flags()
		if flags.Changed("daily") {
			v, _ := flags.GetFloat64("daily")
			update["daily_limit_usd"] = v
		}
		if flags.Changed("monthly") {
			v, _ := flags.GetFloat64("monthly")
			update["monthly_limit_usd"] = v
		}
		if flags.Changed("enforce") {
			v, _ := flags.GetBool("enforce")
			update["enforce"] = v
		}
		if flags.Changed("cost-per-token") {
			v, _ := flags.GetFloat64("cost-per-token")
			update["cost_per_token_usd"] = v
		}
		if len(update) == 0 {
			return fmt.Errorf("nothing to update")
		}
		var out json.RawMessage
		if err := call(cmd, http.MethodPut, "/api/v1/budget/config", update, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

var privacyCmd = &cobra.Command{
	Use:   "privacy",
	Short: "Inspect and configure privacy settings",
}

var privacyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show privacy settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out json.RawMessage
		if err := call(cmd, http.MethodGet, "/api/v1/privacy/settings", nil, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

var privacySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update privacy settings",
	Long: `Update privacy settings. Only the flags given are changed.

Examples:
  assistd privacy set --level local_only
  assistd privacy set --retention-days 7 --redact strict`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		update := map[string]any{}
		flags := cmd.Flags()
		if flags.Changed("level") {
			v, _ := flags.GetString("level")
			update["privacy_level"] = v
		}
		if flags.Changed("retention-days") {
			v, _ := flags.GetInt("retention-days")
			update["data_retention_days"] = v
		}
		if flags.Changed("redact") {
			v, _ := flags.GetString("redact")
			update["redact_aggressiveness"] = v
		}
		if len(update) == 0 {
			return fmt.Errorf("nothing to update")
		}
		var out json.RawMessage
		if err := call(cmd, http.MethodPut, "/api/v1/privacy/settings", update, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

var privacyClassifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "Classify and redact text without storing it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out json.RawMessage
		req := map[string]string{"text": strings.Join(args, " ")}
		if err := call(cmd, http.MethodPost, "/api/v1/privacy/classify", req, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

func init() {
	searchCmd.Flags().BoolVar(&searchFlags.web, "web", false, "include web search results")
	searchCmd.Flags().BoolVar(&searchFlags.noLocal, "no-local", false, "skip memory search")
	searchCmd.Flags().StringSliceVar(&searchFlags.sources, "source", nil, "web providers to use (bing, google, tavily)")
	searchCmd.Flags().IntVar(&searchFlags.maxResults, "max", 0, "maximum results (0 uses the server default)")
	searchCmd.Flags().BoolVar(&searchFlags.escalate, "escalate", false, "summarize web results with the remote model")

	budgetEventsCmd.Flags().IntVar(&budgetEventsLimit, "limit", 50, "number of events")
	budgetSetCmd.Flags().Float64("daily", 0, "daily limit in USD (0 is unlimited)")
	budgetSetCmd.Flags().Float64("monthly", 0, "monthly limit in USD (0 is unlimited)")
	budgetSetCmd.Flags().Bool("enforce", false, "reject billable work once a limit is exceeded")
	budgetSetCmd.Flags().Float64("cost-per-token", 0, "USD charged per token")
	budgetCmd.AddCommand(budgetTotalsCmd, budgetEventsCmd, budgetSetCmd)

	privacySetCmd.Flags().String("level", "", "local_only, balanced or performance")
	privacySetCmd.Flags().Int("retention-days", 0, "delete messages older than this (0 keeps everything)")
	privacySetCmd.Flags().String("redact", "", "standard or strict")
	privacyCmd.AddCommand(privacyGetCmd, privacySetCmd, privacyClassifyCmd)
}
