package main

import (
	"os"

	"github.com/hyperengineering/farmsync/internal/logging"
	fsmcp "github.com/hyperengineering/farmsync/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve farmsync tools over MCP stdio",
	Long: `Start a Model Context Protocol server over stdio so an assistant can
capture and sync registrations.

Example client configuration:

  {
    "mcpServers": {
      "farmsync": {
        "command": "farmsync",
        "args": ["mcp"],
        "env": {
          "FARMSYNC_WORKSPACE": "eastern/chipata",
          "FARMSYNC_API_URL": "https://registry.example.org"
        }
      }
    }
  }

Logs go to stderr as JSON so stdout stays reserved for the protocol.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	// Background sync keeps running for the lifetime of the server.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if os.Getenv("FARMSYNC_LOG_FORMAT") == "" {
		cfg.LogFormat = logging.FormatJSON
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return fsmcp.NewServer(client).Run()
}
