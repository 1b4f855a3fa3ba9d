package project

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/config"
	"github.com/discode-sh/discode/internal/messaging"
	"github.com/discode-sh/discode/internal/runtime"
	"github.com/discode-sh/discode/internal/state"
)

// Service orchestrates instance lifecycle across state, messaging and the
// runtime.
type Service struct {
	config    *config.Config
	state     *state.Store
	runtime   runtime.Runtime
	messenger messaging.Messenger
}

// NewService wires the project service.
func NewService(cfg *config.Config, st *state.Store, rt runtime.Runtime, m messaging.Messenger) *Service {
	return &Service{config: cfg, state: st, runtime: rt, messenger: m}
}

// SetupInstance registers a new agent instance: it ensures the project
// and its chat channel exist and persists the instance record. The
// daemon is asked to reload afterwards, best effort.
func (s *Service) SetupInstance(ctx context.Context, projectName, projectPath, agentName, instanceID string, port int) (*state.Instance, error) {
	if instanceID == "" {
		instanceID = agentName
	}

	proj, err := s.state.GetProject(projectName)
	if err != nil {
		proj = &state.Project{
			ProjectName: projectName,
			ProjectPath: projectPath,
			SessionName: runtime.SessionName(projectName),
			Instances:   make(map[string]*state.Instance),
			CreatedAt:   time.Now(),
		}
	}
	// An existing project keeps its original path.

	if err := s.messenger.Connect(ctx); err != nil {
		return nil, fmt.Errorf("project.Service.SetupInstance: %w", err)
	}
	channelID, err := s.messenger.EnsureChannel(ctx, projectName, agentName, instanceID)
	if err != nil {
		return nil, fmt.Errorf("project.Service.SetupInstance: %w", err)
	}

	inst := &state.Instance{
		InstanceID: instanceID,
		AgentType:  agentName,
		WindowName: runtime.WindowName(projectName, instanceID),
		ChannelID:  channelID,
	}
	if proj.Instances == nil {
		proj.Instances = make(map[string]*state.Instance)
	}
	proj.Instances[instanceID] = inst

	if err := s.state.SetProject(proj); err != nil {
		return nil, fmt.Errorf("project.Service.SetupInstance: %w", err)
	}

	if err := InstallSendHelper(proj.ProjectPath, projectName, port); err != nil {
		log.Warn().Err(err).Str("project", projectName).Msg("project: install send helper")
	}

	NotifyReload(port)
	return inst, nil
}

// ResumeInstance makes sure the instance's window is running, reinstalling
// the agent hook and launching the start command when it is not.
func (s *Service) ResumeInstance(ctx context.Context, projectName string, inst *state.Instance, port int) error {
	proj, err := s.state.GetProject(projectName)
	if err != nil {
		return fmt.Errorf("project.Service.ResumeInstance: %w", err)
	}

	session, err := s.runtime.GetOrCreateSession(projectName, inst.WindowName)
	if err != nil {
		return fmt.Errorf("project.Service.ResumeInstance: %w", err)
	}

	env := s.instanceEnv(projectName, inst, port)
	for k, v := range env {
		if err := s.runtime.SetSessionEnv(session, k, v); err != nil {
			log.Debug().Err(err).Str("key", k).Msg("project: set session env")
		}
	}

	if s.runtime.WindowExists(session, inst.WindowName) {
		return nil
	}

	agent := LookupAgent(inst.AgentType)
	if agent.HasHook() {
		if err := agent.InstallHook(proj.ProjectPath, port); err != nil {
			log.Warn().Err(err).Str("agent", inst.AgentType).Msg("project: hook install failed, buffer fallback stays active")
		} else if !inst.EventHook {
			inst.EventHook = true
			proj.Instances[inst.InstanceID] = inst
			if err := s.state.SetProject(proj); err != nil {
				log.Warn().Err(err).Msg("project: persist eventHook")
			}
		}
	}

	command := agent.StartCommand(proj.ProjectPath, s.config.PermissionAllow())
	if inst.ContainerMode && inst.ContainerID != "" {
		command = "docker start -ai " + inst.ContainerID
	}
	command = exportPrefix(env) + command

	if err := s.runtime.StartAgentInWindow(session, inst.WindowName, command); err != nil {
		return fmt.Errorf("project.Service.ResumeInstance: %w", err)
	}
	return nil
}

// EnsureWindow resolves an instance by id and resumes it. Used by the
// hook server's /ensure-window endpoint.
func (s *Service) EnsureWindow(ctx context.Context, projectName, instanceID string) error {
	proj, err := s.state.GetProject(projectName)
	if err != nil {
		return fmt.Errorf("project.Service.EnsureWindow: %w", err)
	}
	inst, ok := proj.Instances[instanceID]
	if !ok {
		return fmt.Errorf("project.Service.EnsureWindow: no instance %q in %q", instanceID, projectName)
	}
	return s.ResumeInstance(ctx, projectName, inst, s.config.Port())
}

// RemoveInstance deletes the instance, stopping its window first. The
// project disappears with its last instance.
func (s *Service) RemoveInstance(projectName, instanceID string) error {
	proj, err := s.state.GetProject(projectName)
	if err != nil {
		return fmt.Errorf("project.Service.RemoveInstance: %w", err)
	}
	inst, ok := proj.Instances[instanceID]
	if !ok {
		return fmt.Errorf("project.Service.RemoveInstance: no instance %q in %q", instanceID, projectName)
	}

	session := proj.SessionName
	if session == "" {
		session = runtime.SessionName(projectName)
	}
	s.runtime.StopWindow(session, inst.WindowName, syscall.SIGTERM)

	delete(proj.Instances, instanceID)
	if len(proj.Instances) == 0 {
		if err := s.state.RemoveProject(projectName); err != nil {
			return fmt.Errorf("project.Service.RemoveInstance: %w", err)
		}
		return nil
	}
	if err := s.state.SetProject(proj); err != nil {
		return fmt.Errorf("project.Service.RemoveInstance: %w", err)
	}
	return nil
}

// instanceEnv is the environment handed to launched agents.
func (s *Service) instanceEnv(projectName string, inst *state.Instance, port int) map[string]string {
	env := map[string]string{
		"AGENT_DISCORD_PROJECT":  projectName,
		"AGENT_DISCORD_PORT":     strconv.Itoa(port),
		"AGENT_DISCORD_AGENT":    inst.AgentType,
		"AGENT_DISCORD_INSTANCE": inst.InstanceID,
	}
	if inst.ContainerMode {
		env["AGENT_DISCORD_HOSTNAME"] = "host.docker.internal"
	}
	if inst.AgentType == "opencode" && s.config.PermissionAllow() {
		env["OPENCODE_PERMISSION"] = `{"*":"allow"}`
	}
	return env
}

// exportPrefix renders "export K='v'; …; " for a shell command line, in
// stable order.
func exportPrefix(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(env[k]))
	}
	return b.String()
}

// NotifyReload asks a running daemon to re-read state. Absence of a
// daemon is not an error.
func NotifyReload(port int) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://127.0.0.1:%d/reload", port), "application/json", nil)
	if err != nil {
		log.Debug().Err(err).Msg("project: reload notify (daemon not running?)")
		return
	}
	resp.Body.Close()
}
