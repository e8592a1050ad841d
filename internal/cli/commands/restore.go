package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	restoreSession string
	restoreDir     string
)

var restoreCmd = &cobra.Command{
	Use:   "restore <checkpoint-id>",
	Short: "Restore a checkpoint into a project directory",
	Long: `Materializes the full file set of a checkpoint into the target
directory and moves the session HEAD to it. Continuing the conversation
afterwards creates a new branch; the abandoned branch is kept as orphaned
history.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringVarP(&restoreSession, "session", "s", "", "Session ID (required)")
	restoreCmd.Flags().StringVarP(&restoreDir, "dir", "d", ".", "Directory to restore into")
	restoreCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	dir, err := absDir(restoreDir)
	if err != nil {
		return err
	}

	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.RestoreToDir(cmd.Context(), restoreSession, args[0], dir, scanOptions()); err != nil {
		return err
	}

	fmt.Printf("Restored checkpoint %s into %s\n", args[0], dir)
	return nil
}
