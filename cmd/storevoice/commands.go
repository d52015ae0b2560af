package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/storevoice/internal/aggregate"
	"github.com/kalambet/storevoice/internal/api"
	"github.com/kalambet/storevoice/internal/config"
	"github.com/kalambet/storevoice/internal/storage"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Upload a feedback recording",
	Long: `Upload a feedback recording for transcription and analysis.

Examples:
  storevoice submit visit.mp3 --store S001
  storevoice submit visit.m4a --store S001 --date 2025-03-02 --by manager-7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _ := cmd.Flags().GetString("store")
		date, _ := cmd.Flags().GetString("date")
		by, _ := cmd.Flags().GetString("by")
		if store == "" {
			return errors.New("--store is required")
		}
		if date != "" {
			if _, err := storage.ParseDate(date); err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD")
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		f, err := submitFeedback(cmd.Context(), client, args[0], store, date, by)
		if err != nil {
			return err
		}
		printSuccess("Submitted %s (store %s, %s)", f.ID, f.StoreCode, f.RecordedDay())
		return nil
	},
}

func submitFeedback(ctx context.Context, client *apiClient, file, store, date, by string) (storage.Feedback, error) {
	resp, err := client.upload(ctx, "/feedback", file, map[string]string{
		"store_code":    store,
		"recorded_date": date,
		"submitted_by":  by,
	})
	if err != nil {
		return storage.Feedback{}, err
	}
	var f storage.Feedback
	if err := decodeJSON(resp, &f); err != nil {
		return storage.Feedback{}, err
	}
	return f, nil
}

func init() {
	submitCmd.Flags().String("store", "", "store code")
	submitCmd.Flags().String("date", "", "recording date, YYYY-MM-DD (default today)")
	submitCmd.Flags().String("by", "", "who submitted the recording")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Inspect and retry feedback records",
}

var feedbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent feedback records",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"status", "store", "from", "to"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		items, err := listFeedback(cmd.Context(), client, q)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No feedback found.")
			return nil
		}
		writeFeedbackTable(os.Stdout, items)
		return nil
	},
}

func listFeedback(ctx context.Context, client *apiClient, q url.Values) ([]storage.Feedback, error) {
	resp, err := client.get(ctx, "/feedback?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var body struct {
		Feedback []storage.Feedback `json:"feedback"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Feedback, nil
}

func writeFeedbackTable(w io.Writer, items []storage.Feedback) {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSTORE\tDATE\tTONE\tSUMMARY\tSTATUS")
	for _, f := range items {
		tone, summary := "-", "-"
		if f.Insight != nil {
			tone = string(f.Insight.Tone)
			summary = truncate(f.Insight.Summary, 50)
		} else if f.Status.Failed() {
			summary = truncate(f.TranscriptionError+f.AnalysisError, 50)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID[:min(8, len(f.ID))], f.StoreCode, f.RecordedDay(), tone, summary, statusColor(string(f.Status)))
	}
	tw.Flush()
}

var feedbackShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a feedback record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/feedback/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var f storage.Feedback
		if err := decodeJSON(resp, &f); err != nil {
			return err
		}
		return printJSON(os.Stdout, f)
	},
}

var feedbackRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed record",
	Long: `Requeue a record that failed a stage, with a fresh attempt budget.

The stage defaults to whichever stage the record failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stageName, _ := cmd.Flags().GetString("stage")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		f, err := retryFeedback(cmd.Context(), client, args[0], stageName)
		if err != nil {
			return err
		}
		printSuccess("Requeued %s (%s)", f.ID, f.Status)
		return nil
	},
}

func retryFeedback(ctx context.Context, client *apiClient, id, stageName string) (storage.Feedback, error) {
	if stageName == "" {
		resp, err := client.get(ctx, "/feedback/"+url.PathEscape(id))
		if err != nil {
			return storage.Feedback{}, err
		}
		var cur storage.Feedback
		if err := decodeJSON(resp, &cur); err != nil {
			return storage.Feedback{}, err
		}
		switch cur.Status {
		case storage.StatusTranscriptionFailed:
			stageName = storage.Transcription.Name
		case storage.StatusAnalysisFailed:
			stageName = storage.Analysis.Name
		default:
			return storage.Feedback{}, fmt.Errorf("feedback %s is %s, not failed", id, cur.Status)
		}
	}
	if _, ok := storage.StageByName(stageName); !ok {
		return storage.Feedback{}, fmt.Errorf("unknown stage %q", stageName)
	}

	resp, err := client.post(ctx, "/feedback/"+url.PathEscape(id)+"/retry-"+stageName, nil)
	if err != nil {
		return storage.Feedback{}, err
	}
	var f storage.Feedback
	if err := decodeJSON(resp, &f); err != nil {
		return storage.Feedback{}, err
	}
	return f, nil
}

func init() {
	feedbackListCmd.Flags().String("status", "", "filter by status")
	feedbackListCmd.Flags().String("store", "", "filter by store code")
	feedbackListCmd.Flags().String("from", "", "first recording date, YYYY-MM-DD")
	feedbackListCmd.Flags().String("to", "", "last recording date, YYYY-MM-DD")
	feedbackListCmd.Flags().Int("limit", 20, "maximum number of records")
	feedbackRetryCmd.Flags().String("stage", "", "stage to retry: transcription or analysis")
	feedbackCmd.AddCommand(feedbackListCmd)
	feedbackCmd.AddCommand(feedbackShowCmd)
	feedbackCmd.AddCommand(feedbackRetryCmd)
}

// --- dashboard ---

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print the feedback summary for recent days",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := windowQuery(cmd)
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		s, err := fetchSummary(cmd.Context(), client, q)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, s)
		}
		writeSummary(os.Stdout, s)
		return nil
	},
}

// windowQuery turns the shared window flags into query parameters. Unset
// flags are left to the server defaults.
func windowQuery(cmd *cobra.Command) url.Values {
	q := url.Values{}
	for _, name := range []string{"days", "top"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			q.Set(name, f.Value.String())
		}
	}
	for _, name := range []string{"store", "from", "to"} {
		if v, err := cmd.Flags().GetString(name); err == nil && v != "" {
			q.Set(name, v)
		}
	}
	return q
}

func fetchSummary(ctx context.Context, client *apiClient, q url.Values) (aggregate.Summary, error) {
	resp, err := client.get(ctx, "/dashboard/summary?"+q.Encode())
	if err != nil {
		return aggregate.Summary{}, err
	}
	var s aggregate.Summary
	if err := decodeJSON(resp, &s); err != nil {
		return aggregate.Summary{}, err
	}
	return s, nil
}

func writeSummary(w io.Writer, s aggregate.Summary) {
	store := s.StoreCode
	if store == "" {
		store = "all stores"
	}
	fmt.Fprintf(w, "%s  %s .. %s (%s)\n\n", colorize(colorBold, "Feedback summary"), s.PeriodStart, s.PeriodEnd, store)
	fmt.Fprintf(w, "  Completed: %d from %d stores\n", s.Total, s.TotalStores)
	fmt.Fprintf(w, "  Tone:      %s %d  %s %d  neutral %d  (avg score %.2f)\n",
		colorize(colorGreen, "positive"), s.Tones.Positive,
		colorize(colorRed, "negative"), s.Tones.Negative,
		s.Tones.Neutral, s.AverageToneScore)

	var pending []string
	for _, st := range storage.Statuses {
		if st == storage.StatusCompleted || s.Processing[st] == 0 {
			continue
		}
		pending = append(pending, fmt.Sprintf("%s %d", st, s.Processing[st]))
	}
	if len(pending) > 0 {
		fmt.Fprintf(w, "  Pipeline:  %s\n", strings.Join(pending, ", "))
	}

	for _, sec := range []struct {
		title string
		items []aggregate.Item
	}{
		{"Top products", s.TopProducts},
		{"Top issues", s.TopIssues},
		{"Top actions", s.TopActions},
	} {
		fmt.Fprintf(w, "\n%s\n", colorize(colorBold, sec.title))
		if len(sec.items) == 0 {
			fmt.Fprintln(w, "  (none)")
			continue
		}
		for i, it := range sec.items {
			fmt.Fprintf(w, "  %d. %s (%d)\n", i+1, it.Name, it.Count)
		}
	}

	if len(s.Stores) > 0 {
		fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "Stores"))
		tw := newTable(w)
		fmt.Fprintln(tw, "  STORE\tSUBMITTED\tCOMPLETED\tFAILED\tPOS\tNEG\tNEU")
		for _, r := range s.Stores {
			fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%d\t%d\t%d\n",
				r.StoreCode, r.Submitted, r.Completed, r.Failed, r.Positive, r.Negative, r.Neutral)
		}
		tw.Flush()
	}
}

func init() {
	dashboardCmd.Flags().Int("days", 15, "number of days up to today")
	dashboardCmd.Flags().String("store", "", "limit to one store code")
	dashboardCmd.Flags().Int("top", 5, "items per top list")
	dashboardCmd.Flags().Bool("json", false, "print the raw summary as JSON")
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Download the feedback report as an Excel workbook",
	Long: `Download the feedback report as an Excel workbook.

Examples:
  storevoice report --from 2025-03-01 --to 2025-03-31 --out march.xlsx
  storevoice report --days 7 --store S001 --out s001.xlsx`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return errors.New("--out is required")
		}
		q := windowQuery(cmd)

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := downloadReport(cmd.Context(), client, q, out)
		if err != nil {
			return err
		}
		printSuccess("Report written to %s (%d bytes)", out, n)
		return nil
	},
}

func downloadReport(ctx context.Context, client *apiClient, q url.Values, out string) (int64, error) {
	resp, err := client.get(ctx, "/dashboard/report.xlsx?"+q.Encode())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	f, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("creating output file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(out)
		return 0, fmt.Errorf("writing report: %w", err)
	}
	return n, f.Close()
}

func init() {
	reportCmd.Flags().String("from", "", "first day, YYYY-MM-DD")
	reportCmd.Flags().String("to", "", "last day, YYYY-MM-DD")
	reportCmd.Flags().Int("days", 15, "number of days up to today, when --from/--to are not given")
	reportCmd.Flags().String("store", "", "limit to one store code")
	reportCmd.Flags().String("out", "", "output .xlsx file")
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve feedback tools to MCP clients over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:        store,
			Engine:       aggregate.NewEngine(store, cfg.Aggregation.TopN),
			DefaultDays:  cfg.Aggregation.DefaultDays,
			MaxRangeDays: cfg.Aggregation.MaxRangeDays,
		})
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("%s %s\n", colorize(colorCyan, "config file: "), config.ConfigPath())
		fmt.Printf("%s %s\n", colorize(colorCyan, "secrets file:"), config.SecretsPath())
		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(); err != nil {
			printWarning("configuration is not valid for serving:\n%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
