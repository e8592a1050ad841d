package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim unreferenced blobs and trees",
	Long: `Runs a mark-and-sweep pass over the blob and tree stores, deleting
objects no checkpoint references anymore. Recently written objects are left
for the next pass.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.GC(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Removed %d blobs and %d trees (%d bytes), %d blobs / %d trees live\n",
		result.BlobsRemoved, result.TreesRemoved, result.BytesFreed,
		result.LiveBlobs, result.LiveTrees)
	return nil
}
