// Command discode is the CLI over the discode daemon: it registers projects,
// manages the daemon lifecycle, and inspects bridge state. The heavy lifting
// (routing, runtime windows, platform sessions) lives in discoded.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/discode-sh/discode/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "discode <command>",
	Short: "Bridge local AI coding agents to chat channels",
	Long: `discode connects agent CLIs (claude, gemini, opencode) running in local
terminal windows to dedicated chat channels. Messages typed in a channel are
delivered to the agent's terminal; agent responses come back to the channel.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		store, err := config.NewStore("")
		if err != nil {
			return err
		}
		cfg, err = store.Load()
		return err
	},
}

func init() {
	// CLI output stays human-readable; errors go through zerolog like
	// everywhere else.
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	rootCmd.AddCommand(daemonCmd, statusCmd, listCmd, reloadCmd, newCmd, removeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// postDaemon sends a bare POST to the local daemon's hook server.
func postDaemon(path string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Port(), path), "application/json", nil)
	if err != nil {
		return fmt.Errorf("daemon not reachable on port %d: %w", cfg.Port(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s for %s", resp.Status, path)
	}
	return nil
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running daemon to re-read state and channel bindings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postDaemon("/reload"); err != nil {
			return err
		}
		fmt.Println("reloaded")
		return nil
	},
}
