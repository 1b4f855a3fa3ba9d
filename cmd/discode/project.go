package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/discode-sh/discode/internal/config"
	"github.com/discode-sh/discode/internal/daemon"
	"github.com/discode-sh/discode/internal/project"
	"github.com/discode-sh/discode/internal/runtime"
	"github.com/discode-sh/discode/internal/state"
)

var (
	newName     string
	newAgent    string
	newInstance string
	newPath     string

	removeName     string
	removeInstance string
)

func init() {
	newCmd.Flags().StringVar(&newName, "name", "", "project name (default: directory base name)")
	newCmd.Flags().StringVar(&newAgent, "agent", "", "agent CLI to run (claude, gemini, opencode)")
	newCmd.Flags().StringVar(&newInstance, "instance", "", "instance id (default: agent name, suffixed when taken)")
	newCmd.Flags().StringVar(&newPath, "path", "", "project directory (default: current directory)")

	removeCmd.Flags().StringVar(&removeName, "name", "", "project name")
	removeCmd.Flags().StringVar(&removeInstance, "instance", "", "instance id")
	_ = removeCmd.MarkFlagRequired("name")
	_ = removeCmd.MarkFlagRequired("instance")
}

// newService wires just enough of the daemon's stack for project setup.
func newService() (*project.Service, *state.Store, error) {
	st, err := state.NewStore("")
	if err != nil {
		return nil, nil, err
	}
	messenger, _, err := daemon.NewMessenger(cfg, st)
	if err != nil {
		return nil, nil, err
	}

	var rt runtime.Runtime
	if cfg.Runtime() == config.RuntimePTY {
		rt = runtime.NewPTYRuntime()
	} else {
		rt = runtime.NewTmuxRuntime()
	}
	return project.NewService(cfg, st, rt, messenger), st, nil
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Register an agent instance for a project and create its channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := newPath
		if path == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			path = wd
		}
		path, err := filepath.Abs(path)
		if err != nil {
			return err
		}

		name := newName
		if name == "" {
			name = filepath.Base(path)
		}
		agent := newAgent
		if agent == "" {
			agent = cfg.DefaultAgentCLI
		}
		if agent == "" {
			agent = "claude"
		}

		svc, st, err := newService()
		if err != nil {
			return err
		}

		instanceID := newInstance
		if instanceID == "" {
			if proj, err := st.GetProject(name); err == nil {
				instanceID = state.NextInstanceID(proj, agent)
			}
		}

		inst, err := svc.SetupInstance(cmd.Context(), name, path, agent, instanceID, cfg.Port())
		if err != nil {
			return err
		}

		fmt.Printf("registered %s/%s (agent %s, channel %s)\n", name, inst.InstanceID, agent, inst.ChannelID)
		if !daemon.PortBusy(cfg.Port()) {
			fmt.Println("daemon not running; start it with `discode daemon start`")
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove an agent instance, stopping its window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService()
		if err != nil {
			return err
		}
		if err := svc.RemoveInstance(removeName, removeInstance); err != nil {
			return err
		}
		project.NotifyReload(cfg.Port())
		fmt.Printf("removed %s/%s\n", removeName, removeInstance)
		return nil
	},
}
