package daemon

import (
	"context"
	"fmt"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/discode-sh/discode/internal/config"
	"github.com/discode-sh/discode/internal/container"
	"github.com/discode-sh/discode/internal/hookserver"
	"github.com/discode-sh/discode/internal/messaging"
	"github.com/discode-sh/discode/internal/messaging/discord"
	"github.com/discode-sh/discode/internal/messaging/slack"
	"github.com/discode-sh/discode/internal/pending"
	"github.com/discode-sh/discode/internal/project"
	"github.com/discode-sh/discode/internal/router"
	"github.com/discode-sh/discode/internal/runtime"
	"github.com/discode-sh/discode/internal/state"
	"github.com/discode-sh/discode/internal/stream"
)

// App is the fully wired daemon: every subsystem constructed and connected,
// ready to Run.
type App struct {
	Config    *config.Config
	State     *state.Store
	Messenger messaging.Messenger
	Runtime   runtime.Runtime
	Tracker   *pending.Tracker
	Router    *router.Router
	Service   *project.Service

	hooks     *hookserver.Server
	stream    *stream.Server
	transport func(ctx context.Context) error // platform event loop, nil for none
}

// NewApp builds the daemon from configuration and persisted state.
func NewApp(cfg *config.Config) (*App, error) {
	st, err := state.NewStore("")
	if err != nil {
		return nil, fmt.Errorf("daemon.NewApp: %w", err)
	}

	app := &App{Config: cfg, State: st}

	messenger, transport, err := NewMessenger(cfg, st)
	if err != nil {
		return nil, err
	}
	app.Messenger = messenger
	app.transport = transport

	switch cfg.Runtime() {
	case config.RuntimePTY:
		app.Runtime = runtime.NewPTYRuntime()
	default:
		app.Runtime = runtime.NewTmuxRuntime()
	}

	app.Tracker = pending.NewTracker(app.Messenger)
	fallback := router.NewFallbackScheduler(app.Tracker, app.Runtime, app.Messenger)

	var injector router.ContainerInjector
	if mgr, err := container.NewManager(); err == nil {
		injector = mgr
	} else {
		log.Debug().Err(err).Msg("daemon: docker unavailable, container file injection off")
	}

	app.Router = router.NewRouter(st, app.Messenger, app.Tracker, app.Runtime, fallback, injector)
	app.Messenger.OnInboundMessage(app.Router.HandleMessage)

	app.Service = project.NewService(cfg, st, app.Runtime, app.Messenger)

	sockPath, err := SocketPath()
	if err != nil {
		return nil, fmt.Errorf("daemon.NewApp: %w", err)
	}
	app.stream = stream.NewServer(app.Runtime, sockPath)

	app.hooks = hookserver.NewServer(cfg.Port(), hookserver.Deps{
		State:        st,
		Messenger:    app.Messenger,
		Pending:      app.Tracker,
		Runtime:      app.Runtime,
		Reload:       app.Reload,
		Focus:        app.stream.Focus,
		EnsureWindow: app.Service.EnsureWindow,
		StreamWS:     app.stream.WSHandler(),
	})

	return app, nil
}

// NewMessenger selects the platform implementation and its event transport
// from configuration. The transport is the blocking platform event loop.
func NewMessenger(cfg *config.Config, st *state.Store) (messaging.Messenger, func(ctx context.Context) error, error) {
	switch cfg.Platform() {
	case config.PlatformSlack:
		if cfg.SlackBotToken == "" || cfg.SlackAppToken == "" {
			return nil, nil, fmt.Errorf("daemon.NewMessenger: slack needs slackBotToken and slackAppToken")
		}
		client := slack.NewClient(cfg.SlackBotToken, cfg.SlackAppToken)
		messenger := slack.NewMessenger(client)
		return messenger, slack.NewSocketTransport(client, messenger).Run, nil
	default:
		if cfg.Token == "" {
			return nil, nil, fmt.Errorf("daemon.NewMessenger: missing discord token")
		}
		guildID := cfg.ServerID
		if guildID == "" {
			guildID = st.GuildID()
		}
		if guildID == "" {
			return nil, nil, fmt.Errorf("daemon.NewMessenger: missing discord server id")
		}
		client := discord.NewClient(cfg.Token)
		messenger := discord.NewMessenger(client, guildID)
		return messenger, discord.NewGateway(client, messenger, cfg.Token).Run, nil
	}
}

// Reload re-reads persisted state and rebuilds the channel routing table.
func (a *App) Reload(ctx context.Context) error {
	if err := a.State.Reload(); err != nil {
		return fmt.Errorf("daemon.App.Reload: %w", err)
	}

	bindings := make(map[string]messaging.ChannelBinding)
	for _, name := range a.State.ListProjects() {
		proj, err := a.State.GetProject(name)
		if err != nil {
			continue
		}
		for _, inst := range state.Instances(proj) {
			if inst.ChannelID == "" {
				continue
			}
			bindings[inst.ChannelID] = messaging.ChannelBinding{
				ProjectName: proj.ProjectName,
				AgentType:   inst.AgentType,
				InstanceID:  inst.InstanceID,
			}
		}
	}
	a.Messenger.RegisterChannels(bindings)
	log.Info().Int("channels", len(bindings)).Msg("daemon: channel bindings registered")
	return nil
}

// resumeAll restarts every registered instance's window, best effort.
func (a *App) resumeAll(ctx context.Context) {
	port := a.Config.Port()
	for _, name := range a.State.ListProjects() {
		proj, err := a.State.GetProject(name)
		if err != nil {
			continue
		}
		if err := project.InstallSendHelper(proj.ProjectPath, proj.ProjectName, port); err != nil {
			log.Warn().Err(err).Str("project", name).Msg("daemon: send helper install")
		}
		for _, inst := range state.Instances(proj) {
			if err := a.Service.ResumeInstance(ctx, name, inst, port); err != nil {
				log.Warn().Err(err).
					Str("project", name).
					Str("instance", inst.InstanceID).
					Msg("daemon: resume instance")
			}
		}
	}
}

// Run connects the platform, resumes instances, and serves until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if err := WritePID(); err != nil {
		return err
	}
	defer RemovePID()

	if err := a.Messenger.Connect(ctx); err != nil {
		return fmt.Errorf("daemon.App.Run: %w", err)
	}
	defer a.Messenger.Close()

	if err := a.Reload(ctx); err != nil {
		return err
	}
	a.resumeAll(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hooks.ListenAndServe(gctx) })
	g.Go(func() error { return a.stream.ListenAndServe(gctx) })
	if a.transport != nil {
		g.Go(func() error {
			err := a.transport(gctx)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	a.Runtime.Dispose(syscall.SIGTERM)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("daemon.App.Run: %w", err)
	}
	return nil
}
