package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your sandboxes",
	Run: func(cmd *cobra.Command, args []string) {
		var result struct {
			Sandboxes []struct {
				ID         string    `json:"id"`
				Name       string    `json:"name"`
				CreatedAt  time.Time `json:"created_at"`
				LastUsedAt time.Time `json:"last_used_at"`
			} `json:"sandboxes"`
		}
		callServer("GET", "/api/users/me/sandboxes", nil, &result)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCREATED\tLAST USED")
		for _, s := range result.Sandboxes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name,
				s.CreatedAt.Format(time.RFC3339), s.LastUsedAt.Format(time.RFC3339))
		}
		w.Flush()
	},
}

func init() {
	RootCmd.AddCommand(listCmd)
}
