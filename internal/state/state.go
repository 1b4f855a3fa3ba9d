// Package state persists the bridge topology: which projects exist, which
// agent instances they host, and which chat channel each instance is bound to.
//
// The whole state is one JSON document written atomically to
// ~/.discode/state.json. The daemon is the only writer; the CLI reads the
// file and asks the daemon to reload after its own writes.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrProjectNotFound is returned when a project lookup misses.
var ErrProjectNotFound = errors.New("state: project not found")

// Instance is one running occurrence of an agent for a project, bound to one
// chat channel.
type Instance struct {
	InstanceID string `json:"instanceId"`
	AgentType  string `json:"agentType"`
	WindowName string `json:"windowName,omitempty"`
	ChannelID  string `json:"channelId,omitempty"`
	EventHook  bool   `json:"eventHook,omitempty"`

	ContainerMode bool   `json:"containerMode,omitempty"`
	ContainerID   string `json:"containerId,omitempty"`
	ContainerName string `json:"containerName,omitempty"`

	// LegacyChannelID carries the pre-rename field on load only; it is
	// migrated into ChannelID by NormalizeProject and never written back.
	LegacyChannelID string `json:"discordChannelId,omitempty"`
}

// Project groups the agent instances working in one directory.
type Project struct {
	ProjectName string               `json:"projectName"`
	ProjectPath string               `json:"projectPath"`
	SessionName string               `json:"sessionName,omitempty"`
	Instances   map[string]*Instance `json:"instances,omitempty"`
	// Channels maps agentType to the primary instance's channel. It is
	// derived from Instances and kept for backward read compatibility.
	Channels   map[string]string `json:"channels,omitempty"`
	CreatedAt  time.Time         `json:"createdAt,omitempty"`
	LastActive time.Time         `json:"lastActive,omitempty"`

	// LegacyChannels carries the pre-rename derived map on load only.
	LegacyChannels map[string]string `json:"discordChannels,omitempty"`
}

// BridgeState is the persisted root document.
type BridgeState struct {
	GuildID     string              `json:"guildId,omitempty"`
	WorkspaceID string              `json:"workspaceId,omitempty"`
	Projects    map[string]*Project `json:"projects"`

	// extra preserves unknown top-level fields across load/save.
	extra map[string]json.RawMessage
}

// UnmarshalJSON decodes the known fields and stashes everything else so a
// newer daemon's fields survive a round trip through an older one.
func (s *BridgeState) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type known struct {
		GuildID     string              `json:"guildId"`
		WorkspaceID string              `json:"workspaceId"`
		Projects    map[string]*Project `json:"projects"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}

	delete(raw, "guildId")
	delete(raw, "workspaceId")
	delete(raw, "projects")

	s.GuildID = k.GuildID
	s.WorkspaceID = k.WorkspaceID
	s.Projects = k.Projects
	s.extra = raw
	return nil
}

// MarshalJSON emits the known fields merged with any preserved unknown ones.
func (s *BridgeState) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.extra)+3)
	for k, v := range s.extra {
		out[k] = v
	}
	if s.GuildID != "" {
		b, _ := json.Marshal(s.GuildID)
		out["guildId"] = b
	}
	if s.WorkspaceID != "" {
		b, _ := json.Marshal(s.WorkspaceID)
		out["workspaceId"] = b
	}
	projects := s.Projects
	if projects == nil {
		projects = map[string]*Project{}
	}
	b, err := json.Marshal(projects)
	if err != nil {
		return nil, err
	}
	out["projects"] = b
	return json.Marshal(out)
}

// NormalizeProject migrates legacy field names and rebuilds the derived
// channels map. Safe to call repeatedly.
func NormalizeProject(p *Project) {
	if p.Instances == nil {
		p.Instances = make(map[string]*Instance)
	}

	// Legacy per-agent channel map: synthesize instances that are missing.
	legacy := p.LegacyChannels
	if len(legacy) == 0 && len(p.Instances) == 0 && len(p.Channels) > 0 {
		legacy = p.Channels
	}
	for agentType, channelID := range legacy {
		if _, ok := p.Instances[agentType]; ok {
			continue
		}
		p.Instances[agentType] = &Instance{
			InstanceID: agentType,
			AgentType:  agentType,
			ChannelID:  channelID,
		}
	}
	p.LegacyChannels = nil

	for id, inst := range p.Instances {
		if inst.InstanceID == "" {
			inst.InstanceID = id
		}
		if inst.AgentType == "" {
			inst.AgentType = baseAgentType(inst.InstanceID)
		}
		if inst.ChannelID == "" && inst.LegacyChannelID != "" {
			inst.ChannelID = inst.LegacyChannelID
		}
		inst.LegacyChannelID = ""
	}

	// Rebuild the derived channels map from primary instances.
	p.Channels = make(map[string]string)
	for _, agentType := range agentTypes(p) {
		if primary := PrimaryInstance(p, agentType); primary != nil && primary.ChannelID != "" {
			p.Channels[agentType] = primary.ChannelID
		}
	}
}

// Instances returns the project's instances ordered by instance ID, primaries
// before their numbered siblings.
func Instances(p *Project) []*Instance {
	out := make([]*Instance, 0, len(p.Instances))
	for _, inst := range p.Instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, an := splitInstanceID(out[i].InstanceID)
		bi, bn := splitInstanceID(out[j].InstanceID)
		if ai != bi {
			return ai < bi
		}
		return an < bn
	})
	return out
}

// PrimaryInstance returns the first-by-creation instance of the agent type:
// the unsuffixed instance when present, else the lowest-numbered one.
func PrimaryInstance(p *Project, agentType string) *Instance {
	var best *Instance
	bestN := 0
	for _, inst := range p.Instances {
		if inst.AgentType != agentType {
			continue
		}
		_, n := splitInstanceID(inst.InstanceID)
		if best == nil || n < bestN {
			best = inst
			bestN = n
		}
	}
	return best
}

// InstanceByChannel returns the instance bound to the given channel, or nil.
func InstanceByChannel(p *Project, channelID string) *Instance {
	for _, inst := range p.Instances {
		if inst.ChannelID == channelID {
			return inst
		}
	}
	return nil
}

// NextInstanceID yields the first free ID in {agent, agent-2, agent-3, ...}.
func NextInstanceID(p *Project, agentType string) string {
	if _, taken := p.Instances[agentType]; !taken {
		return agentType
	}
	for n := 2; ; n++ {
		id := agentType + "-" + strconv.Itoa(n)
		if _, taken := p.Instances[id]; !taken {
			return id
		}
	}
}

func agentTypes(p *Project) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, inst := range p.Instances {
		if _, ok := seen[inst.AgentType]; ok {
			continue
		}
		seen[inst.AgentType] = struct{}{}
		out = append(out, inst.AgentType)
	}
	sort.Strings(out)
	return out
}

// splitInstanceID splits "claude-2" into ("claude", 2); an unsuffixed ID gets
// ordinal 1.
func splitInstanceID(id string) (string, int) {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 {
		return id, 1
	}
	n, err := strconv.Atoi(id[idx+1:])
	if err != nil || n < 2 {
		return id, 1
	}
	return id[:idx], n
}

func baseAgentType(instanceID string) string {
	base, _ := splitInstanceID(instanceID)
	return base
}

// Store owns the state file. All operations serialize on one lock and write
// the whole document atomically (temp file + rename, mode 0600).
type Store struct {
	mu    sync.Mutex
	path  string
	state *BridgeState
}

// NewStore creates a Store for the given path (empty resolves to
// ~/.discode/state.json) and loads the current contents.
func NewStore(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("state.NewStore: %w", err)
		}
		path = filepath.Join(home, ".discode", "state.json")
	}

	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the state file, migrating legacy fields.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &BridgeState{Projects: make(map[string]*Project)}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if unmarshalErr := json.Unmarshal(data, st); unmarshalErr != nil {
			return fmt.Errorf("state.Store.Reload: parse %s: %w", s.path, unmarshalErr)
		}
	case os.IsNotExist(err):
		// Fresh install.
	default:
		return fmt.Errorf("state.Store.Reload: %w", err)
	}

	if st.Projects == nil {
		st.Projects = make(map[string]*Project)
	}
	for name, p := range st.Projects {
		if p.ProjectName == "" {
			p.ProjectName = name
		}
		NormalizeProject(p)
	}

	s.state = st
	return nil
}

// save writes the state atomically. Caller must hold s.mu.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("state.Store.save: %w", err)
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("state.Store.save: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("state.Store.save: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("state.Store.save: %w", err)
	}
	return nil
}

// ListProjects returns the project names in sorted order.
func (s *Store) ListProjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.state.Projects))
	for name := range s.state.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetProject returns a deep copy of the named project.
func (s *Store) GetProject(name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.Projects[name]
	if !ok {
		return nil, fmt.Errorf("state.Store.GetProject(%q): %w", name, ErrProjectNotFound)
	}
	return copyProject(p), nil
}

// SetProject normalizes and persists the project.
func (s *Store) SetProject(p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyProject(p)
	NormalizeProject(cp)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.state.Projects[cp.ProjectName] = cp
	return s.save()
}

// RemoveProject deletes the named project.
func (s *Store) RemoveProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Projects[name]; !ok {
		return fmt.Errorf("state.Store.RemoveProject(%q): %w", name, ErrProjectNotFound)
	}
	delete(s.state.Projects, name)
	return s.save()
}

// UpdateLastActive stamps the project's last-activity time.
func (s *Store) UpdateLastActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.Projects[name]
	if !ok {
		return fmt.Errorf("state.Store.UpdateLastActive(%q): %w", name, ErrProjectNotFound)
	}
	p.LastActive = time.Now()
	return s.save()
}

// FindProjectByChannel returns a copy of the project owning the channel.
func (s *Store) FindProjectByChannel(channelID string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.state.Projects {
		if InstanceByChannel(p, channelID) != nil {
			return copyProject(p), nil
		}
	}
	return nil, fmt.Errorf("state.Store.FindProjectByChannel(%q): %w", channelID, ErrProjectNotFound)
}

// AgentTypeByChannel returns the agent type bound to the channel.
func (s *Store) AgentTypeByChannel(channelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.state.Projects {
		if inst := InstanceByChannel(p, channelID); inst != nil {
			return inst.AgentType, nil
		}
	}
	return "", fmt.Errorf("state.Store.AgentTypeByChannel(%q): %w", channelID, ErrProjectNotFound)
}

// GuildID returns the persisted Discord guild ID.
func (s *Store) GuildID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GuildID
}

// SetGuildID persists the Discord guild ID.
func (s *Store) SetGuildID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.GuildID = id
	return s.save()
}

// WorkspaceID returns the persisted Slack workspace ID.
func (s *Store) WorkspaceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.WorkspaceID
}

// SetWorkspaceID persists the Slack workspace ID.
func (s *Store) SetWorkspaceID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.WorkspaceID = id
	return s.save()
}

func copyProject(p *Project) *Project {
	cp := *p
	cp.Instances = make(map[string]*Instance, len(p.Instances))
	for id, inst := range p.Instances {
		ci := *inst
		cp.Instances[id] = &ci
	}
	cp.Channels = make(map[string]string, len(p.Channels))
	for k, v := range p.Channels {
		cp.Channels[k] = v
	}
	if p.LegacyChannels != nil {
		cp.LegacyChannels = make(map[string]string, len(p.LegacyChannels))
		for k, v := range p.LegacyChannels {
			cp.LegacyChannels[k] = v
		}
	}
	return &cp
}
