// Command zerowire runs the zero-configuration mesh VPN overlay daemon:
// it provisions WireGuard tunnels from a config file, advertises and
// discovers peers over mDNS, and serves both a systemd-resolved-facing
// local resolver and a per-tunnel interface resolver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/zerowire/zerowire/pkg/config"
	"github.com/zerowire/zerowire/pkg/obs"
	"github.com/zerowire/zerowire/pkg/supervisor"
	"github.com/zerowire/zerowire/pkg/tunnel"
	"github.com/zerowire/zerowire/pkg/wgctl"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "/etc/security/zerowire.conf"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("zerowire", flag.ContinueOnError)
	fs.Usage = func() { printUsage(fs) }

	var configPath, level string
	var showVersion, showHelp bool
	fs.StringVar(&configPath, "c", defaultConfigPath, "path to the configuration file")
	fs.StringVar(&configPath, "config", defaultConfigPath, "path to the configuration file")
	fs.StringVar(&level, "l", "info", "log level: critical|error|warning|info|debug")
	fs.StringVar(&level, "level", "info", "log level: critical|error|warning|info|debug")
	fs.BoolVar(&showVersion, "version", false, "print the version and exit")
	fs.BoolVar(&showHelp, "h", false, "show usage and exit")
	fs.BoolVar(&showHelp, "help", false, "show usage and exit")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if showHelp {
		printUsage(fs)
		return 0
	}
	if showVersion {
		fmt.Println("zerowire " + version)
		return 0
	}

	slogLevel, err := parseLevel(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "zerowire:", err)
		return 1
	}

	ctx := context.Background()
	log, shutdownTelemetry, err := obs.Init(ctx, "zerowire", version)
	if err != nil {
		fmt.Fprintln(os.Stderr, "zerowire: telemetry init:", err)
		return 1
	}
	defer shutdownTelemetry(context.Background())
	log = slogAtLevel(log, slogLevel)

	cfg, err := config.Load(ctx, configPath, wgctl.RealCommandExecutor{})
	if err != nil {
		log.Error("configuration error", slog.Any("error", err))
		return 1
	}

	sup, err := supervisor.New(cfg, log)
	if err != nil {
		log.Error("initialization error", slog.Any("error", err))
		return 1
	}

	if err := sup.Run(ctx); err != nil {
		var setupErr *tunnel.SetupError
		if errors.As(err, &setupErr) {
			log.Error("tunnel setup error", slog.Any("error", err))
			return 1
		}
		log.Error("unrecoverable runtime error", slog.Any("error", err))
		return 2
	}
	return 0
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "critical", "error":
		return slog.LevelError, nil
	case "warning":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// slogAtLevel wraps log with a level filter so -l/--level governs what
// obs.Init's handler actually emits, without obs needing to know about
// the CLI's level flag.
func slogAtLevel(log *slog.Logger, min slog.Level) *slog.Logger {
	return slog.New(&levelFilterHandler{Handler: log.Handler(), min: min})
}

type levelFilterHandler struct {
	slog.Handler
	min slog.Level
}

func (h *levelFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.Handler.Enabled(ctx, level)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: zerowire [-c|--config path] [-l|--level level] [--version] [-h|--help]")
	fs.PrintDefaults()
}
