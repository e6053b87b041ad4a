package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/assist"
	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/httpapi"
	"github.com/isdmx/coderun/logger"
	"github.com/isdmx/coderun/mcpserver"
	"github.com/isdmx/coderun/metrics"
	"github.com/isdmx/coderun/sandbox"
	"github.com/isdmx/coderun/workspace"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			newRegistry,
			func(reg *prometheus.Registry) *metrics.Recorder { return metrics.New(reg) },
			newWorkspace,
			fx.Annotate(newExecutor, fx.As(new(sandbox.Runner))),
			fx.Annotate(assist.NewFromConfig, fx.As(new(mcpserver.Assistant)), fx.As(new(httpapi.Assistant))),
			mcpserver.New,
			newHTTPServer,
		),

		fx.Invoke(registerTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newWorkspace(cfg *config.Config, log *zap.Logger) (*workspace.Manager, error) {
	ws := workspace.New(cfg.Sandbox.WorkspaceDir, log)
	if err := ws.EnsureDir(); err != nil {
		return nil, err
	}
	return ws, nil
}

func newExecutor(log *zap.Logger, cfg *config.Config, ws *workspace.Manager, rec *metrics.Recorder) (*sandbox.Executor, error) {
	return sandbox.NewExecutor(log, cfg, ws, sandbox.WithRecorder(rec))
}

func newHTTPServer(
	cfg *config.Config,
	log *zap.Logger,
	runner sandbox.Runner,
	assistant httpapi.Assistant,
	mcp *mcpserver.MCPServer,
	reg *prometheus.Registry,
) *httpapi.Server {
	return httpapi.New(cfg, log, runner, assistant, httpapi.WithMetrics(reg), httpapi.WithMCP(mcp.Handler()))
}

func registerTransport(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	mcp *mcpserver.MCPServer,
	api *httpapi.Server,
) {
	switch cfg.Server.Transport {
	case "stdio":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("stdio transport stopped", zap.Error(err))
					}
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
		})
	case "http":
		lc.Append(fx.Hook{
			OnStart: api.Start,
			OnStop:  api.Shutdown,
		})
	}
}
