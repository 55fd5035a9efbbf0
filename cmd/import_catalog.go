package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newImportCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-catalog <manifest.json|->",
		Short: "Import emblems from an item definition manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open manifest: %w", err)
				}
				defer f.Close()
				r = f
			}
			n, err := appInstance.ImportCatalog(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d emblems\n", n)
			return nil
		},
	}
}
