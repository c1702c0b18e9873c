package balancerd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// NewLogger builds the process logger from config.
func NewLogger(cfg ServerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogJSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// System is a running balancer: its backends, check engine, frontends, and
// the metrics and admin listeners.
type System struct {
	Backends  []*Backend
	Frontends []*Frontend

	checks *CheckEngine

	metricsSrv *http.Server
	adminSrv   *http.Server

	log zerolog.Logger
}

// Start wires and launches everything described by the config. The returned
// shutdown function marks every backend stopped, cancels the frontends and
// the auxiliary listeners together, stops the check tasks, and then waits for
// the frontends and listeners to return.
func Start(config *Config) (*System, func(), error) {
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	logger := NewLogger(config.Server)

	adminToken := ""
	if config.Admin.Enabled {
		token, err := ReadFromEnvOrConfig(config.Admin.Token)
		if err != nil {
			return nil, nil, err
		}
		adminToken = token
	}

	sys := &System{log: logger}

	for name, beCfg := range config.Backends {
		be, err := NewBackend(name, beCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		sys.Backends = append(sys.Backends, be)
	}

	var sem *semaphore.Weighted
	if config.Server.MaxConcurrentSessions > 0 {
		sem = semaphore.NewWeighted(config.Server.MaxConcurrentSessions)
	}

	var acceptLimiter *rate.Limiter
	if config.Server.AcceptRateLimit > 0 {
		acceptLimiter = rate.NewLimiter(rate.Limit(config.Server.AcceptRateLimit), int(config.Server.AcceptRateLimit)+1)
	}

	srcLimiter := NoopFrontendRateLimiter
	if config.Server.SourceRateLimit > 0 {
		interval := time.Duration(config.Server.SourceRateInterval)
		if interval == 0 {
			interval = time.Second
		}
		srcLimiter = NewMemoryFrontendRateLimiter(interval, config.Server.SourceRateLimit)
	}

	for _, be := range sys.Backends {
		fe := NewFrontend(be, config.Backends[be.Name], sem, acceptLimiter, srcLimiter, logger)
		sys.Frontends = append(sys.Frontends, fe)
	}

	sys.checks = NewCheckEngine(sys.Backends, SystemClock, logger)
	sys.checks.Start()

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	for _, fe := range sys.Frontends {
		fe := fe
		group.Go(func() error {
			return fe.Serve(ctx)
		})
	}

	if config.Metrics.Enabled {
		addr := net.JoinHostPort(config.Metrics.Host, strconv.Itoa(config.Metrics.Port))
		sys.metricsSrv = &http.Server{Addr: addr, Handler: promhttp.Handler()}
		group.Go(func() error {
			logger.Info().Str("addr", addr).Msg("metrics up")
			if err := sys.metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if config.Admin.Enabled {
		handler := NewAdminApiHandler(sys.Backends, adminToken, logger)
		addr := net.JoinHostPort(config.Admin.Host, strconv.Itoa(config.Admin.Port))
		sys.adminSrv = &http.Server{Addr: addr, Handler: handler.Router()}
		group.Go(func() error {
			logger.Info().Str("addr", addr).Msg("admin api up")
			if err := sys.adminSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		if sys.metricsSrv != nil {
			sys.metricsSrv.Close()
		}
		if sys.adminSrv != nil {
			sys.adminSrv.Close()
		}
		return nil
	})

	shutdown := func() {
		for _, be := range sys.Backends {
			be.Stop()
		}
		cancel()
		sys.checks.Shutdown()
		if err := group.Wait(); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("shutdown finished with error")
		}
		logger.Info().Msg("shutdown complete")
	}

	return sys, shutdown, nil
}

// LoadConfig reads and decodes a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	var config Config
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &config, nil
}
