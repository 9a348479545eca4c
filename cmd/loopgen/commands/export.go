package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loopgen/loopgen/pkg/checkpoint"
)

var exportDir string

var exportCmd = &cobra.Command{
	Use:   "export <checkpoint-id>",
	Short: "Copy a checkpoint from the configured store to a local directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		store, err := cfg.buildStore()
		if err != nil {
			return err
		}

		local, err := checkpoint.NewLocal(exportDir)
		if err != nil {
			return err
		}
		dst := checkpoint.NewStore(local)

		if err := store.Export(cmd.Context(), dst, args[0]); err != nil {
			return err
		}
		fmt.Printf("exported %s to %s\n", args[0], exportDir)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportDir, "dir", "d", ".", "destination directory")
	rootCmd.AddCommand(exportCmd)
}
