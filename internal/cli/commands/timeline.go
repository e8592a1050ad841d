package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var timelineJSON bool

var timelineCmd = &cobra.Command{
	Use:   "timeline <session-id>",
	Short: "Show the checkpoint history of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimeline,
}

func init() {
	timelineCmd.Flags().BoolVar(&timelineJSON, "json", false, "Emit the raw timeline as JSON")
	rootCmd.AddCommand(timelineCmd)
}

func runTimeline(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	timeline, err := svc.Timeline(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if timelineJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(timeline)
	}

	if timeline.TotalCheckpoints == 0 {
		fmt.Println("No checkpoints.")
		return nil
	}

	for _, node := range timeline.Nodes {
		var marks []string
		if node.ID == timeline.HeadID {
			marks = append(marks, "HEAD")
		}
		if node.IsOnActivePath {
			marks = append(marks, "active")
		}
		if node.IsOrphaned {
			marks = append(marks, "orphaned")
		}
		suffix := ""
		if len(marks) > 0 {
			suffix = " [" + strings.Join(marks, ",") + "]"
		}
		fmt.Printf("%s  %s  msg=%s  %d files +%d -%d%s\n",
			node.Timestamp.Format(time.DateTime), node.ID, node.MessageID,
			node.FilesChanged, node.Insertions, node.Deletions, suffix)
	}
	return nil
}
