// Command btaudiod is the Bluetooth Classic audio management daemon: it
// pairs, connects, and keeps alive Bluetooth speakers over BlueZ and
// PulseAudio, and exposes the resulting state over an HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/micro-nova/btaudiod/internal/controlapi"
	"github.com/micro-nova/btaudiod/internal/controlapi/httpapi"
	"github.com/micro-nova/btaudiod/internal/coordinator"
	"github.com/micro-nova/btaudiod/internal/events"
	"github.com/micro-nova/btaudiod/internal/health"
	"github.com/micro-nova/btaudiod/internal/logbridge"
	"github.com/micro-nova/btaudiod/internal/models"
	"github.com/micro-nova/btaudiod/internal/store"
	"github.com/micro-nova/btaudiod/internal/zeroconf"
)

// Process exit codes, spec §6.
const (
	exitNormal            = 0
	exitRestartRequired   = 64
	exitFatalInit         = 70
	exitDbusUnavailable   = 71
	exitPulseUnavailable  = 72
)

const pulseUnavailableWindow = 60 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr         = flag.String("addr", ":8078", "HTTP listen address for the control API")
		dataDir      = flag.String("data-dir", "", "data directory for paired_devices.json/settings.json (default: $DATA_DIR or ~/.local/share/btaudiod)")
		mpdConfigDir = flag.String("mpd-config-dir", "", "directory for generated MPD config files (default: <data-dir>/mpd)")
		mpdBinary    = flag.String("mpd-binary", "mpd", "path to the mpd binary")
		debug        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug || strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		logLevel = slog.LevelDebug
	} else if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := parseLogLevel(lvl); err == nil {
			logLevel = parsed
		}
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(logLevel)
	bus := events.NewBus()
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	slog.SetDefault(slog.New(logbridge.New(textHandler, bus, "btaudiod")))

	resolvedDataDir, err := resolveDataDir(*dataDir)
	if err != nil {
		slog.Error("cannot resolve data directory", "err", err)
		return exitFatalInit
	}
	resolvedMpdDir := *mpdConfigDir
	if resolvedMpdDir == "" {
		resolvedMpdDir = filepath.Join(resolvedDataDir, "mpd")
	}
	if err := os.MkdirAll(resolvedMpdDir, 0o755); err != nil {
		slog.Error("cannot create mpd config directory", "path", resolvedMpdDir, "err", err)
		return exitFatalInit
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var coord *coordinator.Coordinator
	st := store.NewJSONStore(resolvedDataDir, func() {
		if coord != nil {
			coord.SyncFromStore()
		}
	})
	defer st.Close()

	coord = coordinator.New(coordinator.Config{
		DataDir:      resolvedDataDir,
		MpdConfigDir: resolvedMpdDir,
		MpdBinary:    *mpdBinary,
	}, st, bus)

	if err := coord.Start(ctx); err != nil {
		slog.Error("coordinator startup failed", "err", err)
		return exitCodeForStartupError(err)
	}
	// Without --debug or LOG_LEVEL, the persisted log_level applies.
	if !*debug && os.Getenv("LOG_LEVEL") == "" {
		if parsed, err := parseLogLevel(st.Settings().LogLevel); err == nil {
			levelVar.Set(parsed)
		}
	}

	api := controlapi.New(coord, st, bus)

	pulseLost := make(chan struct{}, 1)
	healthSvc := health.New(coord.PulsePing, pulseUnavailableWindow,
		func(downSince time.Time) {
			slog.Error("health: pulseaudio unreachable past grace window, exiting", "down_since", downSince)
			select {
			case pulseLost <- struct{}{}:
			default:
			}
		},
		func() {
			slog.Info("health: pulseaudio recovered")
		},
	)
	healthCtx, healthCancel := context.WithCancel(ctx)
	defer healthCancel()
	go healthSvc.Start(healthCtx)

	hostname := hostnameOrFallback()
	zc := zeroconf.New(hostname, portFromAddr(*addr))
	go func() {
		if err := zc.Start(ctx); err != nil {
			slog.Warn("zeroconf failed", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:         *addr,
		Handler:      httpapi.NewRouter(api),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams never time out
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		slog.Info("btaudiod listening", "addr", *addr, "data_dir", resolvedDataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "err", err)
		}
	}()

	exitCode := exitNormal
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case code := <-api.ExitRequests():
		slog.Info("exit requested via control api", "code", code)
		exitCode = code
	case <-pulseLost:
		exitCode = exitPulseUnavailable
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	coord.Shutdown()
	slog.Info("shutdown complete")
	return exitCode
}

func exitCodeForStartupError(err error) int {
	var ce *models.CoreError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case models.ErrDbusUnavailable:
			return exitDbusUnavailable
		case models.ErrPulseUnavailable:
			return exitPulseUnavailable
		}
	}
	return exitFatalInit
}

func resolveDataDir(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("DATA_DIR"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "btaudiod"), nil
}

func portFromAddr(addr string) int {
	parts := strings.SplitN(addr, ":", 2)
	if len(parts) == 2 && parts[1] != "" {
		if p, err := strconv.Atoi(parts[1]); err == nil {
			return p
		}
	}
	return 8078
}

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "btaudiod"
	}
	return h
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case models.LogLevelDebug:
		return slog.LevelDebug, nil
	case models.LogLevelInfo:
		return slog.LevelInfo, nil
	case models.LogLevelWarning:
		return slog.LevelWarn, nil
	case models.LogLevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
