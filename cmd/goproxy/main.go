// Command goproxy is the process entrypoint: it loads the Service
// Configuration, wires the Storage Adapter, Provider Pool Manager, Service
// Adapter layer, Kiro Streaming Handler, Request Router, and Periodic
// Tasks runner together, then serves until a shutdown signal arrives.
//
// Usage:
//
//	goproxy serve                          # start the proxy
//	goproxy serve --config config.yaml     # load a config file first
//	goproxy version                        # print version info
//	goproxy help                           # show this help message
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aiclient/goproxy/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	apiKey := fs.String("api-key", "", "API key clients must present")
	port := fs.Int("port", 0, "Listen port")
	host := fs.String("host", "", "Listen host")
	modelProvider := fs.String("model-provider", "", "Default provider type when none is specified")
	systemPromptFile := fs.String("system-prompt-file", "", "Path to a system prompt override file")
	systemPromptMode := fs.String("system-prompt-mode", "", "override|append")
	logPrompts := fs.String("log-prompts", "", "console|file")
	promptLogBaseName := fs.String("prompt-log-base-name", "", "Base filename for prompt logs")
	cronNearMinutes := fs.Int("cron-near-minutes", 0, "Near-expiry refresh window, in minutes")
	cronRefreshToken := fs.Bool("cron-refresh-token", false, "Enable the near-expiry refresh sweep")
	providerPoolsFile := fs.String("provider-pools-file", "", "Path to the provider pools YAML file")
	maxErrorCount := fs.Int("max-error-count", 0, "Consecutive errors before an account is marked unhealthy")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	overrides := config.CLIOverrides{
		APIKey:            *apiKey,
		Port:              *port,
		Host:              *host,
		ModelProvider:     *modelProvider,
		SystemPromptFile:  *systemPromptFile,
		SystemPromptMode:  *systemPromptMode,
		LogPrompts:        *logPrompts,
		PromptLogBaseName: *promptLogBaseName,
		CronNearMinutes:   *cronNearMinutes,
		ProviderPoolsFile: *providerPoolsFile,
		MaxErrorCount:     *maxErrorCount,
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "cron-refresh-token" {
			overrides.CronRefreshToken = cronRefreshToken
		}
	})
	overrides.Apply(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting goproxy",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	srv, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	srv.WaitForShutdown()
	logger.Info("goproxy stopped")
}

func printVersion() {
	fmt.Printf("goproxy %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`goproxy - protocol-translating LLM reverse proxy

Usage:
  goproxy <command> [options]

Commands:
  serve     Start the proxy
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>               Path to configuration file (YAML)
  --api-key <key>                API key clients must present
  --port <port>                   Listen port
  --host <host>                    Listen host
  --model-provider <type>           Default provider type
  --system-prompt-file <path>        System prompt override file
  --system-prompt-mode <mode>         override|append
  --log-prompts <mode>                 console|file
  --prompt-log-base-name <name>         Base filename for prompt logs
  --cron-near-minutes <n>                Near-expiry refresh window, minutes
  --cron-refresh-token                    Enable the near-expiry refresh sweep
  --provider-pools-file <path>              Path to the provider pools file
  --max-error-count <n>                      Errors before marking unhealthy

Examples:
  goproxy serve
  goproxy serve --config /etc/goproxy/config.yaml
  goproxy version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	encoding := "json"
	if !cfg.JSON {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      !cfg.JSON,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
