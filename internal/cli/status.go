package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lazypower/fdleak/internal/client"
	"github.com/spf13/cobra"
)

var (
	statusURL     string
	statusHandles bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running fdleak server",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "server URL (default $FDLEAK_URL or the configured listen address)")
	statusCmd.Flags().BoolVar(&statusHandles, "handles", false, "list live handles")
}

func runStatus(cmd *cobra.Command, args []string) error {
	url := statusURL
	if url == "" && os.Getenv("FDLEAK_URL") == "" {
		url = "http://" + cfg.ListenAddr()
	}
	c := client.New(url)

	h, err := c.Health()
	if err != nil {
		return fmt.Errorf("server at %s: %w", c.URL(), err)
	}

	w := cmd.OutOrStdout()
	uptime := time.Duration(h.Uptime * float64(time.Second)).Truncate(time.Second)
	fmt.Fprintf(w, "%s %s, up %s\n", c.URL(), h.Version, uptime)
	if !h.Tracking {
		fmt.Fprintln(w, "tracker: not running")
		return nil
	}
	fmt.Fprintf(w, "tracker: %s live, %s promoted\n", humanize.Comma(int64(h.Live)), humanize.Comma(int64(h.Promoted)))

	if !statusHandles {
		return nil
	}
	handles, err := c.Handles()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, hv := range handles {
		age := time.Duration(hv.AgeSeconds * float64(time.Second))
		line := fmt.Sprintf("%-6s %-6s %-14s %s", hv.ID, hv.Kind, humanize.RelTime(now.Add(-age), now, "old", ""), hv.Owner)
		if hv.RecordID != "" {
			yellow.Fprintf(w, "%s  [%s]\n", line, hv.RecordID)
		} else {
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
