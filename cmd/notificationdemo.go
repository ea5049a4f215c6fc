package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mcpremote/internal/jsonrpc"
)

var (
	demoCount    int
	demoInterval time.Duration
	demoLevel    string
)

// notificationDemoCmd represents the notification-demo command
var notificationDemoCmd = &cobra.Command{
	Use:   "notification-demo",
	Short: "Emit synthetic notifications/message frames on stdout",
	Long: `The notification-demo command writes a fixed number of synthetic
notifications/message frames to stdout at a fixed interval. It exists to
exercise MCP clients' notification handling without a remote server:
point the client at this command as a stdio server and watch the frames
arrive.

Example usage:
  mcp-remote notification-demo
  mcp-remote notification-demo --count 10 --interval 250ms --level warning`,
	RunE: runNotificationDemo,
}

func init() {
	rootCmd.AddCommand(notificationDemoCmd)

	notificationDemoCmd.Flags().IntVar(&demoCount, "count", 5, "Number of notifications to emit")
	notificationDemoCmd.Flags().DurationVar(&demoInterval, "interval", time.Second, "Delay between notifications")
	notificationDemoCmd.Flags().StringVar(&demoLevel, "level", "info", "MCP logging level for the frames")
}

func runNotificationDemo(cmd *cobra.Command, args []string) error {
	if demoCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	writer := jsonrpc.NewWriter(os.Stdout)
	for i := 1; i <= demoCount; i++ {
		params, err := json.Marshal(map[string]any{
			"level":  demoLevel,
			"logger": "mcp-remote",
			"data": map[string]any{
				"message":  fmt.Sprintf("synthetic notification %d of %d", i, demoCount),
				"sequence": i,
			},
		})
		if err != nil {
			return err
		}
		if err := writer.Write(jsonrpc.NewNotification("notifications/message", params)); err != nil {
			return err
		}

		if i == demoCount {
			break
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(demoInterval):
		}
	}
	return nil
}
