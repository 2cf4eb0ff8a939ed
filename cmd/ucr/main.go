package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/user/ucr/internal/api"
	"github.com/user/ucr/internal/auth"
	"github.com/user/ucr/internal/config"
	"github.com/user/ucr/internal/database"
	"github.com/user/ucr/internal/metrics"
	"github.com/user/ucr/internal/pkg/paths"
	"github.com/user/ucr/internal/repository"
	"github.com/user/ucr/internal/service"
	"github.com/user/ucr/internal/transformer"
	"github.com/user/ucr/internal/upstream"
	"github.com/user/ucr/internal/version"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		case "auth":
			if err := runAuth(os.Args[2:]); err != nil {
				log.Fatalf("auth: %v", err)
			}
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("ucr - universal chat router %s\n\n", version.Short())
	fmt.Println("Usage: ucr [COMMAND | OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  auth login <provider>   Run the OAuth device-code flow for a provider")
	fmt.Println("  auth logout <provider>  Remove the stored credential for a provider")
	fmt.Println("  auth status             List providers with stored credentials")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("Without arguments, starts the proxy server.")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  UCR_CONFIG     Config file path (default ~/.ucr/config.json)")
	fmt.Println("  UCR_HOST       Override server.host")
	fmt.Println("  UCR_PORT       Override server.port")
	fmt.Println("  UCR_LOG_LEVEL  Override logging.level")
}

func run() error {
	store, err := auth.NewStore(paths.CredentialsPath(), os.Getenv("UCR_STORE_KEY"))
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	bootLogger, _ := zap.NewProduction()
	flow := auth.NewOAuthFlow(store, auth.DeviceFlowConfig{}, bootLogger)
	manager, err := config.NewManager(paths.ConfigPath(), auth.NewRefreshingSource(store, flow, bootLogger), bootLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Current()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting ucr",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("providers", len(cfg.EnabledProviders())),
	)

	if err := writePIDFile(); err != nil {
		return err
	}
	defer os.Remove(paths.PIDPath())

	// Request logging is persisted only with cost tracking on.
	var logRepo repository.RequestLogRepository
	if cfg.Features.CostTracking {
		db, err := database.New(filepath.Join(paths.InstallDir(), "requests.db"))
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		defer db.Close()
		if err := database.RunMigrations(db); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logRepo = repository.NewRequestLogRepo(db, logger)
	}

	router := service.NewRouter(logger)
	router.Apply(cfg)
	manager.OnReload(router.Apply)

	registry := transformer.NewRegistry()
	client := upstream.NewClient(upstream.Options{EnableBreakers: true}, logger)
	cache := service.NewResponseCache(0, 0, 0, logger)
	layered := service.NewLayeredCache(logger)
	m := metrics.New()

	proxy := service.NewProxy(manager.Current, router, registry, client, cache, m, logRepo, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go service.NewMemoryWatchdog(layered, cache, logger).Run(ctx)
	go func() {
		if err := manager.Watch(ctx); err != nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()
	if logRepo != nil {
		go pruneRequestLogs(ctx, logRepo, logger)
	}

	server := api.NewServer(api.ServerDeps{
		Snapshot:   manager.Current,
		Proxy:      proxy,
		Metrics:    m,
		Layered:    layered,
		RequestLog: logRepo,
		Logger:     logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // streaming responses need a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func runAuth(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ucr auth <login|logout|status> [provider]")
	}

	store, err := auth.NewStore(paths.CredentialsPath(), os.Getenv("UCR_STORE_KEY"))
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	switch args[0] {
	case "login":
		if len(args) < 2 {
			return fmt.Errorf("usage: ucr auth login <provider>")
		}
		return authLogin(store, args[1], logger)
	case "logout":
		if len(args) < 2 {
			return fmt.Errorf("usage: ucr auth logout <provider>")
		}
		if err := store.Delete(args[1]); err != nil {
			return err
		}
		fmt.Printf("credential for %s removed\n", args[1])
		return nil
	case "status":
		ids := store.List()
		if len(ids) == 0 {
			fmt.Println("no stored credentials")
			return nil
		}
		for _, id := range ids {
			cred, _ := store.Get(id)
			state := "ok"
			if cred.NeedsRefresh(time.Now(), 5*time.Minute) {
				state = "needs refresh"
			}
			fmt.Printf("%-20s %-12s %s\n", id, cred.Kind, state)
		}
		return nil
	default:
		return fmt.Errorf("unknown auth command %q", args[0])
	}
}

func authLogin(store *auth.Store, providerID string, logger *zap.Logger) error {
	flow := auth.NewOAuthFlow(store, auth.DeviceFlowConfig{}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dc, err := flow.RequestDeviceCode(ctx)
	if err != nil {
		return fmt.Errorf("request device code: %w", err)
	}

	fmt.Printf("Open %s and enter code: %s\n", dc.VerificationURI, dc.UserCode)
	fmt.Println("Waiting for authorization...")

	cred, err := flow.PollForToken(ctx, providerID, dc)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}
	fmt.Printf("credential for %s stored (kind=%s)\n", providerID, cred.Kind)
	return nil
}

// requestLogRetention bounds how long persisted request rows are kept.
const requestLogRetention = 30 * 24 * time.Hour

// pruneRequestLogs deletes request rows past retention, once at startup
// and then every 12 hours.
func pruneRequestLogs(ctx context.Context, repo repository.RequestLogRepository, logger *zap.Logger) {
	prune := func() {
		pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := repo.Prune(pruneCtx, time.Now().Add(-requestLogRetention))
		if err != nil {
			logger.Warn("request log prune failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("request log pruned", zap.Int64("rows", n))
		}
	}

	prune()
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// writePIDFile records this process's pid. A leftover file from a dead
// process is overwritten; a live one aborts startup.
func writePIDFile() error {
	path := paths.PIDPath()
	if raw, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if proc.Signal(syscall.Signal(0)) == nil {
					return fmt.Errorf("another instance is running (pid %d)", pid)
				}
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	logFile := cfg.File
	if logFile == "" {
		logDir := paths.LogDir()
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
		}
		logFile = filepath.Join(logDir, "ucr.log")
	}

	lj := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}

	// File core: JSON for structured log parsing.
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	// Console: human-readable, stdout for info and below, stderr above.
	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	if cfg.Pretty {
		consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}
