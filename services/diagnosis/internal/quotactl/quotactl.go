// Package quotactl implements the operator commands for inspecting and
// adjusting monthly submission quotas.
package quotactl

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cropdoc/pkg/domain"
	"cropdoc/services/diagnosis/internal/app"
)

// Opener builds the application from a config file path.
type Opener func(configPath string) (*app.App, error)

type rootOptions struct {
	configPath string
	output     string
	now        func() time.Time
}

// NewRootCmd returns the quotactl command tree.
func NewRootCmd(open Opener) *cobra.Command {
	opts := &rootOptions{now: time.Now}
	rootCmd := &cobra.Command{
		Use:   "quotactl",
		Short: "Inspect and adjust monthly diagnosis quotas",
		Long: `quotactl reads and updates the submission quota and diagnosis history
stored by the diagnosis service.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "human", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (human, json, yaml)", opts.output)
			}
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config.yaml (defaults to CROPDOC_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "human", "Output format (human, json, yaml)")

	rootCmd.AddCommand(
		newStatusCmd(open, opts),
		newSetMaxCmd(open, opts),
		newHistoryCmd(open, opts),
	)
	return rootCmd
}

type statusView struct {
	UserID    string `json:"userId" yaml:"userId"`
	Month     string `json:"month" yaml:"month"`
	Used      int    `json:"used" yaml:"used"`
	Remaining int    `json:"remaining" yaml:"remaining"`
	Max       int    `json:"max" yaml:"max"`
}

func newStatusCmd(open Opener, opts *rootOptions) *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "status USER_ID",
		Short: "Show a user's submission usage for a month",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			monthYear, err := resolveMonth(month, opts.now)
			if err != nil {
				return err
			}
			a, err := open(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.StatusFor(cmd.Context(), args[0], monthYear)
			if err != nil {
				return fmt.Errorf("read quota: %w", err)
			}
			return render(cmd.OutOrStdout(), opts.output, statusView{
				UserID:    args[0],
				Month:     monthYear,
				Used:      status.Used,
				Remaining: status.Remaining,
				Max:       status.Max,
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "Month as YYYY-MM (defaults to the current UTC month)")
	return cmd
}

func newSetMaxCmd(open Opener, opts *rootOptions) *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "set-max USER_ID MAX",
		Short: "Override a user's monthly submission limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			max, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("max must be an integer: %w", err)
			}
			monthYear, err := resolveMonth(month, opts.now)
			if err != nil {
				return err
			}
			a, err := open(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.SetSubmissionLimit(cmd.Context(), args[0], monthYear, max)
			if err != nil {
				return fmt.Errorf("set limit: %w", err)
			}
			return render(cmd.OutOrStdout(), opts.output, statusView{
				UserID:    args[0],
				Month:     monthYear,
				Used:      status.Used,
				Remaining: status.Remaining,
				Max:       status.Max,
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "Month as YYYY-MM (defaults to the current UTC month)")
	return cmd
}

type historyItem struct {
	ID         string    `json:"id" yaml:"id"`
	CropType   string    `json:"cropType" yaml:"cropType"`
	Disease    string    `json:"disease" yaml:"disease"`
	Confidence string    `json:"confidence" yaml:"confidence"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt"`
}

func newHistoryCmd(open Opener, opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history USER_ID",
		Short: "List a user's recent diagnoses, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.HistoryFor(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			items := make([]historyItem, 0, len(records))
			for _, rec := range records {
				items = append(items, historyItem{
					ID:         rec.ID,
					CropType:   rec.CropType,
					Disease:    rec.Result.DiseaseName,
					Confidence: string(rec.Result.Confidence),
					CreatedAt:  rec.CreatedAt,
				})
			}
			return render(cmd.OutOrStdout(), opts.output, items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 30, "Maximum number of diagnoses to list (max 100)")
	return cmd
}

func resolveMonth(month string, now func() time.Time) (string, error) {
	month = strings.TrimSpace(month)
	if month == "" {
		return domain.MonthKey(now()), nil
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return "", fmt.Errorf("month must be YYYY-MM, got %q", month)
	}
	return month, nil
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}

	header := color.New(color.FgCyan, color.Bold)
	switch view := v.(type) {
	case statusView:
		header.Fprintf(w, "%s (%s)\n", view.UserID, view.Month)
		remaining := color.New(color.FgGreen)
		if view.Remaining == 0 {
			remaining = color.New(color.FgRed, color.Bold)
		}
		fmt.Fprintf(w, "  used:      %d\n", view.Used)
		fmt.Fprintf(w, "  max:       %d\n", view.Max)
		fmt.Fprint(w, "  remaining: ")
		remaining.Fprintf(w, "%d\n", view.Remaining)
	case []historyItem:
		if len(view) == 0 {
			fmt.Fprintln(w, "no diagnoses")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCROP\tDISEASE\tCONFIDENCE\tCREATED")
		for _, item := range view {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.ID, item.CropType, item.Disease, item.Confidence, item.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("no human rendering for %T", v)
	}
	return nil
}
