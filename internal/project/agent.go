// Package project orchestrates agent instances: creating them, resuming
// their runtime windows, and tearing them down.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Agent adapts one agent CLI: how to launch it and how to wire its
// completion hook to the daemon.
type Agent interface {
	Name() string
	// StartCommand is the shell command that launches the agent in the
	// project directory.
	StartCommand(projectPath string, permissionAllow bool) string
	// InstallHook writes the agent-side plugin that posts session events
	// to the daemon. Best effort; failure leaves the buffer fallback in
	// charge.
	InstallHook(projectPath string, port int) error
	// HasHook reports whether this agent supports event hooks at all.
	HasHook() bool
}

// agents is the adapter registry, keyed by agent type.
var agents = map[string]Agent{
	"claude":   claudeAgent{},
	"gemini":   geminiAgent{},
	"opencode": opencodeAgent{},
}

// LookupAgent resolves an adapter by agent type. Unknown types get a
// generic adapter with no hook support.
func LookupAgent(agentType string) Agent {
	if a, ok := agents[agentType]; ok {
		return a
	}
	return genericAgent{name: agentType}
}

type genericAgent struct {
	name string
}

func (g genericAgent) Name() string { return g.name }
func (g genericAgent) StartCommand(projectPath string, _ bool) string {
	return fmt.Sprintf("cd %s && %s", shellQuote(projectPath), g.name)
}
func (g genericAgent) InstallHook(string, int) error { return nil }
func (g genericAgent) HasHook() bool                 { return false }

type claudeAgent struct{}

func (claudeAgent) Name() string { return "claude" }

func (claudeAgent) StartCommand(projectPath string, _ bool) string {
	return fmt.Sprintf("cd %s && claude", shellQuote(projectPath))
}

// InstallHook registers a Stop hook in the user's Claude settings that
// runs the project's discode-send helper in event mode.
func (claudeAgent) InstallHook(projectPath string, port int) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("project.claudeAgent.InstallHook: %w", err)
	}
	settingsPath := filepath.Join(home, ".claude", "settings.json")

	settings := map[string]any{}
	if raw, err := os.ReadFile(settingsPath); err == nil {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return fmt.Errorf("project.claudeAgent.InstallHook: parse %s: %w", settingsPath, err)
		}
	}

	command := fmt.Sprintf("node %s --event stop --port %d",
		shellQuote(filepath.Join(projectPath, ".discode", "bin", "discode-send")), port)
	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}
	hooks["Stop"] = []any{
		map[string]any{
			"hooks": []any{map[string]any{"type": "command", "command": command}},
		},
	}
	settings["hooks"] = hooks

	return writeJSON(settingsPath, settings)
}

func (claudeAgent) HasHook() bool { return true }

type geminiAgent struct{}

func (geminiAgent) Name() string { return "gemini" }

func (geminiAgent) StartCommand(projectPath string, _ bool) string {
	return fmt.Sprintf("cd %s && gemini", shellQuote(projectPath))
}

// InstallHook registers an AfterAgent hook in the Gemini settings.
func (geminiAgent) InstallHook(projectPath string, port int) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("project.geminiAgent.InstallHook: %w", err)
	}
	settingsPath := filepath.Join(home, ".gemini", "settings.json")

	settings := map[string]any{}
	if raw, err := os.ReadFile(settingsPath); err == nil {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return fmt.Errorf("project.geminiAgent.InstallHook: parse %s: %w", settingsPath, err)
		}
	}

	command := fmt.Sprintf("node %s --event after-agent --port %d",
		shellQuote(filepath.Join(projectPath, ".discode", "bin", "discode-send")), port)
	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}
	hooks["AfterAgent"] = []any{map[string]any{"command": command}}
	settings["hooks"] = hooks

	return writeJSON(settingsPath, settings)
}

func (geminiAgent) HasHook() bool { return true }

type opencodeAgent struct{}

func (opencodeAgent) Name() string { return "opencode" }

func (opencodeAgent) StartCommand(projectPath string, permissionAllow bool) string {
	if permissionAllow {
		return fmt.Sprintf("cd %s && OPENCODE_PERMISSION='{\"*\":\"allow\"}' opencode", shellQuote(projectPath))
	}
	return fmt.Sprintf("cd %s && opencode", shellQuote(projectPath))
}

// InstallHook drops an OpenCode plugin that aggregates message deltas and
// posts session.idle / session.error events to the daemon.
func (opencodeAgent) InstallHook(projectPath string, port int) error {
	pluginDir := filepath.Join(projectPath, ".opencode", "plugin")
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return fmt.Errorf("project.opencodeAgent.InstallHook: %w", err)
	}
	plugin := fmt.Sprintf(opencodePluginSource, port)
	if err := os.WriteFile(filepath.Join(pluginDir, "discode.js"), []byte(plugin), 0o644); err != nil {
		return fmt.Errorf("project.opencodeAgent.InstallHook: %w", err)
	}
	return nil
}

func (opencodeAgent) HasHook() bool { return true }

// opencodePluginSource is the OpenCode plugin template. It buffers
// message.part.updated deltas per message and flushes the turn text on
// session.idle.
const opencodePluginSource = `export const DiscodePlugin = async () => {
  const port = %d;
  const project = process.env.AGENT_DISCORD_PROJECT || "";
  const agent = process.env.AGENT_DISCORD_AGENT || "opencode";
  const instance = process.env.AGENT_DISCORD_INSTANCE || "";
  const host = process.env.AGENT_DISCORD_HOSTNAME || "127.0.0.1";
  const parts = new Map();

  const post = (body) =>
    fetch("http://" + host + ":" + port + "/opencode-event", {
      method: "POST",
      headers: { "Content-Type": "application/json" },
      body: JSON.stringify(body),
    }).catch(() => {});

  return {
    event: async ({ event }) => {
      if (event.type === "message.part.updated" && event.properties?.part?.type === "text") {
        parts.set(event.properties.part.messageID, event.properties.part.text || "");
      }
      if (event.type === "session.idle") {
        const text = [...parts.values()].join("\n");
        parts.clear();
        await post({ projectName: project, agentType: agent, instanceId: instance,
          type: "session.idle", text, turnText: text });
      }
      if (event.type === "session.error") {
        parts.clear();
        await post({ projectName: project, agentType: agent, instanceId: instance,
          type: "session.error", text: String(event.properties?.error || "unknown error") });
      }
    },
  };
};
`

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// shellQuote single-quotes a path for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
