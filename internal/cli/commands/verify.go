package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyDeep bool

var verifyCmd = &cobra.Command{
	Use:   "verify <session-id>",
	Short: "Check the integrity of a session's checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyDeep, "deep", false, "Re-hash every blob against its key")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Verify(cmd.Context(), args[0], verifyDeep)
	if err != nil {
		return err
	}

	fmt.Printf("Checked %d checkpoints, %d trees, %d blobs\n",
		result.Checkpoints, result.TreesChecked, result.BlobsChecked)

	if !result.OK() {
		for _, p := range result.Problems {
			fmt.Println("  problem:", p)
		}
		return fmt.Errorf("%d problems found", len(result.Problems))
	}

	fmt.Println("OK")
	return nil
}
