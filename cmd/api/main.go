package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"academy/internal/audit"
	"academy/internal/auth"
	"academy/internal/config"
	"academy/internal/handler"
	"academy/internal/httpmiddleware"
	"academy/internal/identity"
	"academy/internal/ledger"
	"academy/internal/logging"
	"academy/internal/queue"
	"academy/internal/scan"
	"academy/internal/session"
	"academy/internal/store"
	"academy/internal/token"
)

func main() {
	boot := logging.New("info")
	config.LoadEnv(boot)
	cfg := config.Load()

	logger := logging.New(cfg.LogLevel)
	log := logger.WithField("service", "academy-api")

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.WithError(err).Fatal("http server failed")
	}
}

type backends struct {
	db       *store.DB
	sessions session.Repository
	ledger   ledger.Repository
	students identity.Students
}

func openBackends(ctx context.Context, cfg config.App, log *logrus.Entry) (backends, error) {
	if cfg.StorageBackend == "memory" {
		sessions, books, students := session.NewMemoryRepository(), ledger.NewMemoryRepository(), identity.NewMemoryStudents()
		if cfg.MemorySeed == "" {
			log.Warn("in-memory storage without MEMORY_SEED starts empty; only useful for tests")
		} else {
			seed, err := loadSeed(cfg.MemorySeed)
			if err != nil {
				return backends{}, err
			}
			seed.apply(sessions, books, students)
			log.WithFields(logrus.Fields{
				"seed":     cfg.MemorySeed,
				"students": len(seed.Students),
				"classes":  len(seed.Classes),
			}).Warn("using seeded in-memory storage; data is lost on restart")
		}
		return backends{sessions: sessions, ledger: books, students: students}, nil
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL, cfg.StoreTimeout*5)
	if err != nil {
		_ = db.Close()
		return backends{}, err
	}
	if err := store.Migrate(ctx, db.Client); err != nil {
		_ = db.Close()
		return backends{}, err
	}
	return backends{
		db:       db,
		sessions: session.NewPostgresRepository(db.Client),
		ledger:   ledger.NewPostgresRepository(db.Client),
		students: identity.NewPostgresStudents(db.Client),
	}, nil
}

func runHTTP(cfg config.App, log *logrus.Entry) error {
	ctx := context.Background()

	be, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.db.Close()

	redisClient, err := store.NewRedis(cfg.RedisAddr, cfg.StoreTimeout)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var tokenStore token.Store = token.NewRedisStore(redisClient.Client)
	if cfg.StorageBackend == "memory" {
		tokenStore = token.NewMemoryStore()
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	directory := identity.NewClient(cfg.IdentityURL, cfg.IdentitySkip)
	if !cfg.IdentitySkip {
		if err := directory.Health(ctx); err != nil {
			log.WithError(err).Warn("identity service not reachable at startup")
		}
	}
	people := identity.NewResolver(directory, be.students, cfg.StoreTimeout)

	tokens, err := token.NewService(tokenStore, people, token.Config{
		SigningKey: []byte(cfg.TokenSigningKey),
		TTL: map[token.Purpose]time.Duration{
			token.PurposeAttendance: cfg.AttendanceStaticTTL,
			token.PurposeStore:      cfg.StoreTokenTTL,
		},
		RotatingTTL:      cfg.AttendanceDynamicTTL,
		RotationInterval: cfg.RotationInterval,
		Timeout:          cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}

	orchestrator := scan.New(scan.Deps{
		Tokens:           tokens,
		Sessions:         session.NewManager(be.sessions, cfg.Location(), cfg.StoreTimeout),
		Ledger:           ledger.NewEngine(be.ledger, cfg.Location(), cfg.StoreTimeout),
		People:           people,
		Audit:            audit.NewRecorder(log.WithField("component", "audit"), q),
		Metrics:          scan.NewMetrics(prometheus.DefaultRegisterer),
		Log:              log,
		DefaultAllowance: cfg.DefaultAllowance,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log, "/healthz", "/metrics"))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	checks := map[string]func(context.Context) bool{
		"redis": redisClient.Healthy,
	}
	if be.db != nil {
		checks["db"] = be.db.Healthy
	}
	if !cfg.IdentitySkip {
		checks["identity"] = func(ctx context.Context) bool { return directory.Health(ctx) == nil }
	}
	r.GET("/healthz", handler.Health(checks))

	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	handler.New(orchestrator, log).Register(r,
		auth.ActorAuth(cfg.JWTSigningKey, cfg.JWTIssuer),
		limiter.GinMiddleware(),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.HTTPPort).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced shutdown")
	}

	log.Info("server exited")
	return nil
}

func requestLogger(log *logrus.Entry, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skipped[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"ip":       c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Info("request")
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
