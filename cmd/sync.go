package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one catalog synchronization in the foreground",
		Long: `Runs the daily synchronization once and exits. Without --force the run
is skipped when today's synchronization already completed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, st, err := appInstance.SyncOnce(cmd.Context(), force)
			if err != nil {
				return err
			}
			logger := appInstance.Logger()
			if res != syncer.Started {
				logger.Info("sync skipped", zap.String("result", string(res)))
				fmt.Fprintln(cmd.OutOrStdout(), res)
				return nil
			}
			logger.Info("sync finished",
				zap.String("state", string(st.State)),
				zap.Int("total_items", st.TotalItems))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d items with rarity\n", st.State, st.TotalItems)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even if today's sync already completed")
	return cmd
}
