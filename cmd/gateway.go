package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/agent"
	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/channels/discord"
	signalch "github.com/nextlevelbuilder/clawrelay/internal/channels/signal"
	"github.com/nextlevelbuilder/clawrelay/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawrelay/internal/channels/webchat"
	"github.com/nextlevelbuilder/clawrelay/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/connection"
	"github.com/nextlevelbuilder/clawrelay/internal/dedupe"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway/methods"
	httpapi "github.com/nextlevelbuilder/clawrelay/internal/http"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/tracing"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// accessFor picks one channel's admission section out of a config snapshot.
type accessFor func(config.ChannelsConfig) config.ChannelAccess

var channelAccess = map[string]accessFor{
	telegram.ChannelName: func(c config.ChannelsConfig) config.ChannelAccess { return c.Telegram.ChannelAccess },
	discord.ChannelName:  func(c config.ChannelsConfig) config.ChannelAccess { return c.Discord.ChannelAccess },
	whatsapp.ChannelName: func(c config.ChannelsConfig) config.ChannelAccess { return c.WhatsApp.ChannelAccess },
	signalch.ChannelName: func(c config.ChannelsConfig) config.ChannelAccess { return c.Signal.ChannelAccess },
	webchat.ChannelName:  func(c config.ChannelsConfig) config.ChannelAccess { return c.Webchat.ChannelAccess },
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	seen := dedupe.New(cfg.Dedupe.TTL(), cfg.Dedupe.MaxEntries)
	msgBus := bus.New()
	registry := connection.NewRegistry()

	chans, cmds := cfg.Snapshot()
	pipelines := make(map[string]*channels.Pipeline, len(channelAccess))
	for name, get := range channelAccess {
		pipelines[name] = channels.NewPipeline(name, get(chans).Admission(cmds), seen, m)
	}

	channelMgr := channels.NewManager(msgBus, channels.ManagerOptions{
		DraftThrottle:  time.Duration(cfg.Delivery.DebounceMs) * time.Millisecond,
		TypingInterval: time.Duration(cfg.Delivery.TypingIntervalMs) * time.Millisecond,
		TypingMax:      time.Duration(cfg.Delivery.TypingMaxMs) * time.Millisecond,
		OutboundRPS:    cfg.Delivery.OutboundRPS,
		OutboundBurst:  cfg.Delivery.OutboundBurst,
		Metrics:        m,
	})

	connOpts := func(access config.ChannelAccess) channels.ConnectionOptions {
		return channels.ConnectionOptions{
			Policy:   access.ReconnectFor(cfg.Reconnect).Policy(),
			Limits:   cfg.Gateway.Limits(),
			Registry: registry,
			Metrics:  m,
		}
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus, pipelines[telegram.ChannelName])
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			channelMgr.RegisterChannel(telegram.ChannelName, tg)
			slog.Info("telegram channel enabled")
		}
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus, pipelines[discord.ChannelName])
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			channelMgr.RegisterChannel(discord.ChannelName, dc)
			slog.Info("discord channel enabled")
		}
	}

	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		wa, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, pipelines[whatsapp.ChannelName],
			connOpts(cfg.Channels.WhatsApp.ChannelAccess))
		if err != nil {
			slog.Error("failed to initialize whatsapp channel", "error", err)
		} else {
			channelMgr.RegisterChannel(whatsapp.ChannelName, wa)
			slog.Info("whatsapp channel enabled")
		}
	}

	if cfg.Channels.Signal.Enabled && cfg.Channels.Signal.Account != "" {
		sg, err := signalch.New(cfg.Channels.Signal, msgBus, pipelines[signalch.ChannelName],
			connOpts(cfg.Channels.Signal.ChannelAccess))
		if err != nil {
			slog.Error("failed to initialize signal channel", "error", err)
		} else {
			channelMgr.RegisterChannel(signalch.ChannelName, sg)
			slog.Info("signal channel enabled")
		}
	}

	server := gateway.NewServer(gateway.Options{
		Gateway:  cfg.Gateway,
		Events:   msgBus,
		Channels: channelMgr,
		Registry: registry,
		Metrics:  m,
		Version:  Version,
	})
	methods.NewStatusMethods(server).Register(server.Router())

	if cfg.Channels.Webchat.IsEnabled() {
		wc := webchat.New(server, msgBus, pipelines[webchat.ChannelName])
		channelMgr.RegisterChannel(webchat.ChannelName, wc)
		methods.NewChatMethods(wc, cfg.Gateway.MaxMessageChars).Register(server.Router())
	}

	routeStore, err := openRouteStore(ctx, storeConfig(cfg))
	if err != nil {
		slog.Error("failed to open route store", "backend", cfg.Sessions.RouteStore, "error", err)
		os.Exit(1)
	}
	defer routeStore.Close()
	routes := sessions.NewRouteRecorder(routeStore)
	methods.NewSessionsMethods(routes).Register(server.Router())

	if retention := cfg.Sessions.RouteRetention(); retention > 0 {
		pruner, err := sessions.NewPruner(routes, cfg.Sessions.RoutePruneCron, retention, m)
		if err != nil {
			slog.Error("invalid route prune schedule", "error", err)
			os.Exit(1)
		}
		go pruner.Run(ctx)
	}

	runtime, err := agent.NewRuntime(agent.RuntimeConfig{
		Name:         cfg.Agent.Runtime,
		APIBase:      cfg.Agent.APIBase,
		APIKey:       cfg.Agent.APIKey,
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxTokens:    cfg.Agent.MaxTokens,
	})
	if err != nil {
		slog.Error("failed to create agent runtime", "error", err)
		os.Exit(1)
	}
	dispatcher := agent.NewDispatcher(agent.DispatcherOptions{
		AgentID: cfg.Agent.ID,
		Runtime: runtime,
		Replies: channelMgr,
		Routes:  routes,
		Events:  msgBus,
		Metrics: m,
		Keys: agent.KeyScope{
			Scope:   cfg.Sessions.Scope,
			DMScope: cfg.Sessions.DmScope,
			MainKey: cfg.Sessions.MainKey,
		},
		RunTimeout: time.Duration(cfg.Agent.RunTimeoutMs) * time.Millisecond,
		Commands:   channels.NewCommandSet(cfg.Commands.Extra...),
	})
	dispatchDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx, msgBus)
		close(dispatchDone)
	}()

	// Admission settings hot-reload; everything else needs a restart.
	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		cfg.ReplaceFrom(next)
		chans, cmds := cfg.Snapshot()
		for name, p := range pipelines {
			p.Update(channelAccess[name](chans).Admission(cmds))
		}
		slog.Info("config reloaded", "path", cfgPath)
	}); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, map[string]interface{}{
			"reason": sig.String(),
		}))

		stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		channelMgr.StopAll(stopCtx)
		cancel()
	}()

	slog.Info("clawrelay gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"runtime", runtime.Name(),
		"route_store", cfg.Sessions.RouteStore,
		"channels", channelMgr.GetEnabledChannels(),
	)

	// Tailscale listener: build the mux first so both listeners serve the
	// same routes. Compiled in with `go build -tags tsnet`.
	mux := server.BuildMux()
	httpapi.NewChannelsHandler(channelMgr, registry, cfg.Gateway.Token).RegisterRoutes(mux)
	httpapi.NewRoutesHandler(routes, channelMgr, cfg.Gateway.Token, cfg.Gateway.MaxMessageChars).RegisterRoutes(mux)
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if cfg.Tailscale.Hostname != "" && cfg.Gateway.Host == "0.0.0.0" {
		slog.Info("Tailscale enabled. Consider setting CLAWRELAY_HOST=127.0.0.1 for localhost-only + Tailscale access")
	}

	serveErr := server.Start(ctx)
	cancel()

	select {
	case <-dispatchDone:
	case <-time.After(10 * time.Second):
		slog.Warn("agent runs still active at shutdown")
	}

	flushCtx, flush := context.WithTimeout(context.Background(), 5*time.Second)
	defer flush()
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}

	if serveErr != nil {
		slog.Error("gateway error", "error", serveErr)
		os.Exit(1)
	}
}
