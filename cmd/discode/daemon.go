package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/discode-sh/discode/internal/daemon"
	"github.com/discode-sh/discode/internal/state"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon <start|stop|restart|status>",
	Short: "Control the background daemon",
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonRestartCmd, daemonStatusCmd)
}

func startDaemon() error {
	bin, err := daemon.FindDaemonBinary()
	if err != nil {
		return err
	}
	if err := daemon.Start(bin, cfg.Port()); err != nil {
		return err
	}
	fmt.Println("daemon started")
	return nil
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemon.PortBusy(cfg.Port()) {
			fmt.Println("daemon already running")
			return nil
		}
		return startDaemon()
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemon.Stop(); err != nil {
			return err
		}
		fmt.Println("daemon stopped")
		return nil
	},
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemon.Stop(); err != nil {
			return err
		}
		return startDaemon()
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printDaemonStatus()
		return nil
	},
}

func printDaemonStatus() {
	if pid, ok := daemon.Running(); ok {
		fmt.Printf("daemon running (pid %d, port %d)\n", pid, cfg.Port())
		return
	}
	if daemon.PortBusy(cfg.Port()) {
		fmt.Printf("port %d is in use but no pid file; daemon state unknown\n", cfg.Port())
		return
	}
	fmt.Println("daemon not running")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and project status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printDaemonStatus()

		st, err := state.NewStore("")
		if err != nil {
			return err
		}
		names := st.ListProjects()
		fmt.Printf("%d project(s) registered\n", len(names))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects and their agent instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := state.NewStore("")
		if err != nil {
			return err
		}

		names := st.ListProjects()
		if len(names) == 0 {
			fmt.Println("no projects registered; run `discode new` in a project directory")
			return nil
		}
		for _, name := range names {
			proj, err := st.GetProject(name)
			if err != nil {
				continue
			}
			fmt.Printf("%s  (%s)\n", proj.ProjectName, proj.ProjectPath)
			for _, inst := range state.Instances(proj) {
				channel := inst.ChannelID
				if channel == "" {
					channel = "-"
				}
				fmt.Printf("  %-16s agent=%-10s channel=%s\n", inst.InstanceID, inst.AgentType, channel)
			}
		}
		return nil
	},
}
