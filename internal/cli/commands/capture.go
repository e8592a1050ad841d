package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	captureSession string
	captureMessage string
)

var captureCmd = &cobra.Command{
	Use:   "capture [dir]",
	Short: "Capture a checkpoint of a project directory",
	Long: `Scans the project directory, diffs it against the session's last
checkpoint, writes changed content to the blob store and appends a new
checkpoint node. Defaults to the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().StringVarP(&captureSession, "session", "s", "", "Session ID (required)")
	captureCmd.Flags().StringVarP(&captureMessage, "message", "m", "", "Message ID of the conversation turn (required)")
	captureCmd.MarkFlagRequired("session")
	captureCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	dir, err := absDir(dir)
	if err != nil {
		return err
	}

	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	node, err := svc.CaptureDir(cmd.Context(), captureSession, captureMessage, dir, scanOptions())
	if err != nil {
		return err
	}

	fmt.Printf("Checkpoint %s created (%d files changed, +%d -%d)\n",
		node.ID, node.FilesChanged, node.Insertions, node.Deletions)

	if cfg.Settings.MaxCheckpoints > 0 {
		if _, err := svc.Prune(cmd.Context(), captureSession, cfg.Settings.MaxCheckpoints); err != nil {
			return err
		}
	}
	return nil
}

func absDir(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	return filepath.Abs(dir)
}
