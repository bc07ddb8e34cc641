package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/MegaGrindStone/chat-stream-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-stream-ui/internal/metrics"
	"github.com/MegaGrindStone/chat-stream-ui/internal/services"
	"github.com/MegaGrindStone/go-mcp"
	"golang.org/x/sync/errgroup"
)

const (
	appName    = "chat-stream-ui"
	appVersion = "0.1.0"

	errLoggerKey = "err"
)

// app holds the components shared by the server and the terminal client.
type app struct {
	cfg    config
	source llmSource
	logger *slog.Logger

	mcpClients map[string]*mcp.Client
	stdIOCmds  []*exec.Cmd
	mcpCancel  context.CancelFunc
}

func newApp(ctx context.Context, cfg config, logger *slog.Logger) (*app, error) {
	source, err := cfg.LLM.source(cfg.TitleGeneratorPrompt, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating llm: %w", err)
	}

	a := &app{
		cfg:    cfg,
		source: source,
		logger: logger,
	}

	if err := a.connectMCPClients(ctx); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// sessionOptions returns the options every conversation session is created with.
func (a *app) sessionOptions(m *metrics.Metrics) conversation.Options {
	opts := conversation.Options{
		SystemPrompt: a.cfg.SystemPrompt,
		Model:        a.cfg.LLM.defaultModel().ID,
		Classifier:   conversation.NewClassifier(a.cfg.ErrorRules...),
		Metrics:      m,
		Logger:       a.logger,
	}
	if search, ok := a.webSearch(); ok {
		opts.Augmenter = search
	}
	return opts
}

// webSearch returns the search augmenter, if a search server is configured and connected.
func (a *app) webSearch() (services.WebSearch, bool) {
	cli, ok := a.mcpClients[a.cfg.WebSearch.Server]
	if !ok {
		return services.WebSearch{}, false
	}
	return services.NewWebSearch(services.MCPToolCaller(cli), a.cfg.WebSearch.Tool, a.cfg.WebSearch.MaxResults), true
}

// connectMCPClients starts the MCP servers used by the app and connects to them concurrently. The
// connections live until close is called.
func (a *app) connectMCPClients(ctx context.Context) error {
	name := a.cfg.WebSearch.Server
	for n := range a.cfg.MCPSSEServers {
		if n != name {
			a.logger.Warn("MCP server is configured but not used", slog.String("server", n))
		}
	}
	for n := range a.cfg.MCPStdIOServers {
		if n != name {
			a.logger.Warn("MCP server is configured but not used", slog.String("server", n))
		}
	}
	if name == "" {
		return nil
	}

	mcpClientInfo := mcp.Info{
		Name:    appName,
		Version: appVersion,
	}

	clients, cmds, err := populateMCPClients(a.cfg, mcpClientInfo, name)
	a.stdIOCmds = cmds
	if err != nil {
		return err
	}

	connectCtx, connectCancel := context.WithCancel(context.Background())
	a.mcpCancel = connectCancel

	g, gctx := errgroup.WithContext(ctx)
	for n, cli := range clients {
		g.Go(func() error {
			a.logger.Info("Connecting to MCP server", slog.String("server", n))

			ready := make(chan struct{})
			errs := make(chan error, 1)

			go func() {
				if err := cli.Connect(connectCtx, ready); err != nil {
					errs <- err
				}
			}()

			select {
			case err := <-errs:
				return fmt.Errorf("error connecting to MCP server %s: %w", n, err)
			case <-gctx.Done():
				return gctx.Err()
			case <-ready:
			}

			a.logger.Info("Connected to MCP server",
				slog.String("server", n),
				slog.String("name", cli.ServerInfo().Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.mcpClients = clients
	return nil
}

func populateMCPClients(cfg config, mcpClientInfo mcp.Info, names ...string) (map[string]*mcp.Client, []*exec.Cmd, error) {
	mcpClients := make(map[string]*mcp.Client)
	var stdIOCmds []*exec.Cmd

	for _, name := range names {
		if sseCfg, ok := cfg.MCPSSEServers[name]; ok {
			sseClient := mcp.NewSSEClient(sseCfg.URL, nil)
			mcpClients[name] = mcp.NewClient(mcpClientInfo, sseClient)
			continue
		}

		stdIOCfg, ok := cfg.MCPStdIOServers[name]
		if !ok {
			return nil, stdIOCmds, fmt.Errorf("unknown MCP server: %s", name)
		}

		cmd := exec.Command(stdIOCfg.Command, stdIOCfg.Args...)

		in, err := cmd.StdinPipe()
		if err != nil {
			return nil, stdIOCmds, err
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, stdIOCmds, err
		}
		if err := cmd.Start(); err != nil {
			return nil, stdIOCmds, fmt.Errorf("error starting MCP server %s: %w", name, err)
		}
		stdIOCmds = append(stdIOCmds, cmd)

		cliStdIO := mcp.NewStdIO(out, in)
		mcpClients[name] = mcp.NewClient(mcpClientInfo, cliStdIO)
	}

	return mcpClients, stdIOCmds, nil
}

// close disconnects the MCP clients and waits for the stdio servers to exit.
func (a *app) close() {
	if a.mcpCancel != nil {
		a.mcpCancel()
	}
	for _, cmd := range a.stdIOCmds {
		_ = cmd.Process.Signal(os.Interrupt)
		if err := cmd.Wait(); err != nil {
			a.logger.Warn("Failed to wait for stdIO command", slog.String(errLoggerKey, err.Error()))
		}
	}
}
