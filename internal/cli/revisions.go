package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRevisionsCommand creates the revisions command group
func NewRevisionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revisions",
		Short: "Maintain revision history",
	}
	cmd.AddCommand(newRevisionsEnforceCommand(rootOpts))
	return cmd
}

func newRevisionsEnforceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enforce",
		Short: "Apply the configured retention policies to every document",
		Long: `Walk the revision ledger of a stopped replica in bounded rounds and delete
every revision the configured retention policies no longer keep.

Example:
  docstore revisions enforce --config ./config.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			n, err := openNode(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer n.close(cfg.Server.ShutdownTimeout)

			res, err := n.session.EnforceRevisionConfiguration(cmd.Context())
			if err != nil {
				return err
			}
			if err := n.store.Checkpoint(cmd.Context()); err != nil {
				logger.Warn("Checkpoint after enforcement failed", zap.Error(err))
			}
			return printEnforcement(cmd.OutOrStdout(), rootOpts.Format, res)
		},
	}
}

func printEnforcement(w io.Writer, format string, res service.EnforcementResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]int{
			"rounds":          res.Rounds,
			"scanned_records": res.ScannedRecords,
			"documents":       res.Documents,
			"deleted":         res.Deleted,
		})
	}
	_, err := fmt.Fprintf(w, "Deleted %d revisions of %d documents in %d rounds (%d records scanned)\n",
		res.Deleted, res.Documents, res.Rounds, res.ScannedRecords)
	return err
}
