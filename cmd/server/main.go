// Command server starts the PulseCast control API: compositor, encoder,
// publish gateway, and stream orchestrator behind one HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pulsecast/internal/archive"
	"pulsecast/internal/auth"
	"pulsecast/internal/compositor"
	"pulsecast/internal/encode"
	"pulsecast/internal/event"
	"pulsecast/internal/gateway"
	"pulsecast/internal/media"
	"pulsecast/internal/observability/logging"
	"pulsecast/internal/observability/metrics"
	"pulsecast/internal/orchestrator"
	"pulsecast/internal/server"
	"pulsecast/internal/serverutil"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	apiTokenHashes := flag.String("api-token-hashes", "", "comma separated PBKDF2 hashes of accepted API tokens")
	studioOrigins := flag.String("studio-origins", "", "comma separated origins allowed to call the API cross-origin")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	registrarURL := flag.String("registrar-url", "", "base URL of the platform routing service")
	registrarToken := flag.String("registrar-token", "", "bearer token for the platform routing service")
	registrarAttempts := flag.Int("registrar-attempts", 0, "attempts per platform routing request")
	registrarInterval := flag.Duration("registrar-interval", 0, "delay between platform routing retries")
	encodeBinary := flag.String("encode-binary", "", "ffmpeg executable used for VP8 encoding")
	encodeWidth := flag.Int("encode-width", 0, "encoder input width in pixels")
	encodeHeight := flag.Int("encode-height", 0, "encoder input height in pixels")
	encodeFrameRate := flag.Int("encode-framerate", 0, "encoder frame rate")
	encodeBitrate := flag.Int("encode-bitrate", 0, "target video bitrate in kbps")
	whipGatherTimeout := flag.Duration("whip-gather-timeout", 0, "ICE gathering timeout for publish connections")
	whipConnectTimeout := flag.Duration("whip-connect-timeout", 0, "timeout waiting for publish connections to reach connected")
	archiveDriver := flag.String("archive-driver", "", "session archive driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the session archive")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	eventQueueDriver := flag.String("event-queue-driver", "", "session event queue driver (memory or redis)")
	eventRedisAddr := flag.String("event-queue-redis-addr", "", "Redis address for the event queue")
	eventRedisAddrs := flag.String("event-queue-redis-addrs", "", "comma separated Redis addresses for the event queue")
	eventRedisUsername := flag.String("event-queue-redis-username", "", "Redis username for the event queue")
	eventRedisPassword := flag.String("event-queue-redis-password", "", "Redis password for the event queue")
	eventRedisStream := flag.String("event-queue-redis-stream", "", "Redis stream key for session events")
	eventRedisGroup := flag.String("event-queue-redis-group", "", "Redis consumer group for session events")
	eventRedisMasterName := flag.String("event-queue-redis-sentinel-master", "", "Redis sentinel master name for the event queue")
	eventRedisPoolSize := flag.Int("event-queue-redis-pool-size", 0, "maximum Redis connections for the event queue")
	eventRedisTLSCA := flag.String("event-queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the event queue")
	eventRedisTLSCert := flag.String("event-queue-redis-tls-cert", "", "path to Redis TLS client certificate for the event queue")
	eventRedisTLSKey := flag.String("event-queue-redis-tls-key", "", "path to Redis TLS client key for the event queue")
	eventRedisTLSServerName := flag.String("event-queue-redis-tls-server-name", "", "override Redis TLS server name for the event queue")
	eventRedisTLSSkipVerify := flag.Bool("event-queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the event queue")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown deadline")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("PULSECAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("PULSECAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	registry := media.NewRegistry()
	composer := compositor.New(compositor.Config{
		Registry: registry,
		Logger:   logger,
		Recorder: recorder,
	})

	encoder, err := encode.NewFFmpegEncoder(encode.FFmpegConfig{
		Binary:      firstNonEmpty(*encodeBinary, os.Getenv("PULSECAST_ENCODE_BINARY")),
		Width:       resolveInt(*encodeWidth, "PULSECAST_ENCODE_WIDTH"),
		Height:      resolveInt(*encodeHeight, "PULSECAST_ENCODE_HEIGHT"),
		FrameRate:   resolveInt(*encodeFrameRate, "PULSECAST_ENCODE_FRAMERATE"),
		BitrateKbps: resolveInt(*encodeBitrate, "PULSECAST_ENCODE_BITRATE"),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to configure encoder", "error", err)
		os.Exit(1)
	}

	queue, err := buildEventQueue(eventQueueSettings{
		driver:        firstNonEmpty(*eventQueueDriver, os.Getenv("PULSECAST_EVENT_QUEUE_DRIVER")),
		addr:          firstNonEmpty(*eventRedisAddr, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_ADDR")),
		addrs:         splitAndTrim(firstNonEmpty(*eventRedisAddrs, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_ADDRS"))),
		username:      firstNonEmpty(*eventRedisUsername, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_USERNAME")),
		password:      firstNonEmpty(*eventRedisPassword, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_PASSWORD")),
		stream:        firstNonEmpty(*eventRedisStream, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_STREAM")),
		group:         firstNonEmpty(*eventRedisGroup, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_GROUP")),
		masterName:    firstNonEmpty(*eventRedisMasterName, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_SENTINEL_MASTER")),
		poolSize:      resolveInt(*eventRedisPoolSize, "PULSECAST_EVENT_QUEUE_REDIS_POOL_SIZE"),
		tlsCA:         firstNonEmpty(*eventRedisTLSCA, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_TLS_CA")),
		tlsCert:       firstNonEmpty(*eventRedisTLSCert, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_TLS_CERT")),
		tlsKey:        firstNonEmpty(*eventRedisTLSKey, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_TLS_KEY")),
		tlsServerName: firstNonEmpty(*eventRedisTLSServerName, os.Getenv("PULSECAST_EVENT_QUEUE_REDIS_TLS_SERVER_NAME")),
		tlsSkipVerify: resolveBool(*eventRedisTLSSkipVerify, "PULSECAST_EVENT_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		logger:        logger,
	})
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	repo, err := buildArchive(context.Background(), archiveSettings{
		driver:          firstNonEmpty(*archiveDriver, os.Getenv("PULSECAST_ARCHIVE_DRIVER")),
		dsn:             firstNonEmpty(*postgresDSN, os.Getenv("PULSECAST_POSTGRES_DSN")),
		maxConns:        resolveInt(*postgresMaxConns, "PULSECAST_POSTGRES_MAX_CONNS"),
		minConns:        resolveInt(*postgresMinConns, "PULSECAST_POSTGRES_MIN_CONNS"),
		maxConnLifetime: resolveDuration(*postgresConnLifetime, "PULSECAST_POSTGRES_MAX_CONN_LIFETIME", 0),
		maxConnIdleTime: resolveDuration(*postgresConnIdle, "PULSECAST_POSTGRES_MAX_CONN_IDLE", 0),
	})
	if err != nil {
		logger.Error("failed to configure session archive", "error", err)
		os.Exit(1)
	}

	registrarBase := firstNonEmpty(*registrarURL, os.Getenv("PULSECAST_REGISTRAR_URL"))
	if registrarBase == "" {
		logger.Error("registrar url is required (set -registrar-url or PULSECAST_REGISTRAR_URL)")
		os.Exit(1)
	}
	registrar, err := orchestrator.NewHTTPRegistrar(orchestrator.HTTPRegistrarConfig{
		BaseURL:  registrarBase,
		Token:    firstNonEmpty(*registrarToken, os.Getenv("PULSECAST_REGISTRAR_TOKEN")),
		Logger:   logger,
		Attempts: resolveInt(*registrarAttempts, "PULSECAST_REGISTRAR_ATTEMPTS"),
		Interval: resolveDuration(*registrarInterval, "PULSECAST_REGISTRAR_INTERVAL", 0),
	})
	if err != nil {
		logger.Error("failed to configure registrar", "error", err)
		os.Exit(1)
	}

	// The gateway reports drops back into the orchestrator; the indirection
	// breaks the construction cycle between the two.
	var orch *orchestrator.Orchestrator
	publisher := gateway.New(gateway.Config{
		Logger:   logger,
		Recorder: recorder,
		OnStateChange: func(state gateway.ConnectionState) {
			if orch != nil {
				orch.HandleConnectionState(state)
			}
		},
	})

	orch, err = orchestrator.New(orchestrator.Config{
		Compositor:     composer,
		Gateway:        publisher,
		Encoder:        encoder,
		Registrar:      registrar,
		Queue:          queue,
		Archive:        repo,
		Logger:         logger,
		Recorder:       recorder,
		GatherTimeout:  resolveDuration(*whipGatherTimeout, "PULSECAST_WHIP_GATHER_TIMEOUT", 0),
		ConnectTimeout: resolveDuration(*whipConnectTimeout, "PULSECAST_WHIP_CONNECT_TIMEOUT", 0),
	})
	if err != nil {
		logger.Error("failed to configure orchestrator", "error", err)
		os.Exit(1)
	}

	handler := &server.Handler{Controller: orch, Logger: logger}
	srv, err := server.New(handler, server.Config{
		Addr: resolveListenAddr(firstNonEmpty(*addr, os.Getenv("PULSECAST_ADDR"))),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("PULSECAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("PULSECAST_TLS_KEY")),
		},
		CORS: server.CORSConfig{
			StudioOrigins: splitAndTrim(firstNonEmpty(*studioOrigins, os.Getenv("PULSECAST_STUDIO_ORIGINS"))),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "PULSECAST_RATE_GLOBAL_RPS"),
			GlobalBurst: resolveInt(*globalBurst, "PULSECAST_RATE_GLOBAL_BURST"),
		},
		Auth:    auth.NewManager(splitAndTrim(firstNonEmpty(*apiTokenHashes, os.Getenv("PULSECAST_API_TOKEN_HASHES")))),
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to configure server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("server starting", "addr", srv.HTTPServer().Addr)
	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("PULSECAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("PULSECAST_TLS_KEY")),
		},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "PULSECAST_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
		Logger:          logger,
	})
	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		logger.Error("server stopped with error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orch.StopStreaming(shutdownCtx); err != nil {
		logger.Warn("failed to stop active session", "error", err)
	}
	if err := encoder.Close(); err != nil {
		logger.Warn("encoder shutdown failed", "error", err)
	}
	if err := repo.Close(shutdownCtx); err != nil {
		logger.Warn("archive shutdown failed", "error", err)
	}
	logger.Info("server stopped")
	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		os.Exit(1)
	}
}

type eventQueueSettings struct {
	driver        string
	addr          string
	addrs         []string
	username      string
	password      string
	stream        string
	group         string
	masterName    string
	poolSize      int
	tlsCA         string
	tlsCert       string
	tlsKey        string
	tlsServerName string
	tlsSkipVerify bool
	logger        *slog.Logger
}

func buildEventQueue(settings eventQueueSettings) (event.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(settings.driver)) {
	case "", "memory":
		return event.NewMemoryQueue(0), nil
	case "redis":
		return event.NewRedisQueue(event.RedisQueueConfig{
			Addr:       settings.addr,
			Addrs:      settings.addrs,
			Username:   settings.username,
			Password:   settings.password,
			Stream:     settings.stream,
			Group:      settings.group,
			Logger:     settings.logger,
			MasterName: settings.masterName,
			PoolSize:   settings.poolSize,
			TLS: event.RedisTLSConfig{
				CAFile:             settings.tlsCA,
				CertFile:           settings.tlsCert,
				KeyFile:            settings.tlsKey,
				ServerName:         settings.tlsServerName,
				InsecureSkipVerify: settings.tlsSkipVerify,
			},
		})
	default:
		return nil, errors.New("unknown event queue driver " + strconv.Quote(settings.driver))
	}
}

type archiveSettings struct {
	driver          string
	dsn             string
	maxConns        int
	minConns        int
	maxConnLifetime time.Duration
	maxConnIdleTime time.Duration
}

func buildArchive(ctx context.Context, settings archiveSettings) (archive.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.driver))
	if driver == "" {
		if settings.dsn != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return archive.NewMemoryRepository(), nil
	case "postgres":
		return archive.NewPostgresRepository(ctx, archive.PostgresConfig{
			DSN:             settings.dsn,
			MaxConnections:  int32(settings.maxConns),
			MinConnections:  int32(settings.minConns),
			MaxConnLifetime: settings.maxConnLifetime,
			MaxConnIdleTime: settings.maxConnIdleTime,
			ApplicationName: "pulsecast",
		})
	default:
		return nil, errors.New("unknown archive driver " + strconv.Quote(settings.driver))
	}
}

func resolveListenAddr(value string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
