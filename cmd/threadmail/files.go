package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shineum/threadmail/internal/store"
)

func newFilesCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Manage the attachment store",
	}

	var contentType string
	add := &cobra.Command{
		Use:   "add <path>...",
		Short: "Store files and print their content keys",
		Long: `Store files in the attachment store. Each key is printed on its own line
and can be referenced from an HTML body as cid:<key> or attached with
"threadmail send --attach-key".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(root.cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				f, err := st.Put(cmd.Context(), filepath.Base(path), contentType, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", f.Key, f.Name)
			}
			return nil
		},
	}
	add.Flags().StringVar(&contentType, "content-type", "", "media type (guessed from the extension by default)")

	cmd.AddCommand(add)
	return cmd
}
