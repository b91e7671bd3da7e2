package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register [username] [email] [password]",
	Short: "Register a new account and print its API key",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		var created struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		}
		callServer("POST", "/api/register", map[string]string{
			"username": args[0],
			"email":    args[1],
			"password": args[2],
		}, &created)
		fmt.Printf("Registered %s (%s)\n", created.Username, created.ID)

		// The API key is only served to authenticated callers; log in with
		// the fresh password to fetch it.
		var token struct {
			AccessToken string `json:"access_token"`
		}
		callServerForm("/api/token", map[string]string{
			"username": args[0],
			"password": args[2],
		}, &token)

		var key struct {
			APIKey string `json:"api_key"`
		}
		callServerBearer("GET", "/api/users/me/api-key", token.AccessToken, &key)
		fmt.Printf("API key: %s\n", key.APIKey)
	},
}

func init() {
	RootCmd.AddCommand(registerCmd)
}
