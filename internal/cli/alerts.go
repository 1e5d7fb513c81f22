package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/devrev/pairdb/docstore/internal/alerts"
	"github.com/spf13/cobra"
)

// AlertsOptions holds flags for the alerts list command
type AlertsOptions struct {
	*RootOptions
	Kind  string
	All   bool
	Limit int
}

// NewAlertsCommand creates the alerts command group
func NewAlertsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect operator alerts raised by conflict resolution",
	}
	cmd.AddCommand(newAlertsListCommand(rootOpts))
	cmd.AddCommand(newAlertsAckCommand(rootOpts))
	return cmd
}

func openAlerts(opts *RootOptions) (*alerts.Store, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Alerts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create alert directory: %w", err)
	}
	return alerts.Open(cfg.Alerts.Path, logger)
}

func newAlertsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AlertsOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAlerts(opts.RootOptions)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.List(cmd.Context(), alerts.ListOptions{
				Kind:                opts.Kind,
				IncludeAcknowledged: opts.All,
				Limit:               opts.Limit,
			})
			if err != nil {
				return err
			}
			return printAlerts(cmd.OutOrStdout(), opts.Format, list)
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only alerts of this kind")
	cmd.Flags().BoolVar(&opts.All, "all", false, "include acknowledged alerts")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum alerts to show (0 for all)")
	return cmd
}

func newAlertsAckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAlerts(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Acknowledge(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s\n", args[0])
			return err
		},
	}
}

func printAlerts(w io.Writer, format string, list []alerts.Alert) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if list == nil {
			list = []alerts.Alert{}
		}
		return enc.Encode(list)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No alerts")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tDOCUMENT\tCOUNT\tLAST RAISED\tMESSAGE")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID, a.Kind, a.DocumentID, a.Occurrences, a.LastRaisedAt.Format(time.RFC3339), a.Message)
	}
	return tw.Flush()
}
