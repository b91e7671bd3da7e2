package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var keepSandbox bool

var runCmd = &cobra.Command{
	Use:   "run [code]",
	Short: "Run Python code in an ephemeral sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		code := args[0]

		// 1. Create Sandbox
		var created struct {
			ID string `json:"id"`
		}
		callServer("POST", "/api/tools/create_sandbox", map[string]any{}, &created)
		fmt.Printf("Sandbox %s created\n", created.ID)

		// 2. Execute Code
		var execResp struct {
			Stdout    string   `json:"stdout"`
			Stderr    string   `json:"stderr"`
			FileLinks []string `json:"file_links"`
		}
		callServer("POST", "/api/tools/execute_python_code", map[string]string{
			"sandbox_id": created.ID,
			"code":       code,
		}, &execResp)

		fmt.Print(execResp.Stdout)
		if execResp.Stderr != "" {
			fmt.Fprint(os.Stderr, execResp.Stderr)
		}
		if len(execResp.FileLinks) > 0 {
			fmt.Println("\nFiles:")
			for _, link := range execResp.FileLinks {
				fmt.Printf("  - %s%s\n", serverURL, link)
			}
		}

		// 3. Cleanup
		if !keepSandbox {
			callServer("POST", "/api/tools/delete_sandbox", map[string]string{"sandbox_id": created.ID}, nil)
			fmt.Println("\nSandbox destroyed")
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&keepSandbox, "keep", false, "Keep the sandbox after the run")
	RootCmd.AddCommand(runCmd)
}
