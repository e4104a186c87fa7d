package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jcodes2003/attendance/internal/auth"
	"github.com/jcodes2003/attendance/internal/config"
	"github.com/jcodes2003/attendance/internal/engine"
	"github.com/jcodes2003/attendance/internal/export"
	"github.com/jcodes2003/attendance/internal/httpmiddleware"
	"github.com/jcodes2003/attendance/internal/identity"
	"github.com/jcodes2003/attendance/internal/journal"
	"github.com/jcodes2003/attendance/internal/kvstore"
	"github.com/jcodes2003/attendance/internal/ledger"
	"github.com/jcodes2003/attendance/internal/metrics"
	"github.com/jcodes2003/attendance/internal/notify"
	"github.com/jcodes2003/attendance/internal/policy"
	"github.com/jcodes2003/attendance/internal/queue"
	"github.com/jcodes2003/attendance/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	var db *store.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Printf("warning: db not reachable: %v", err)
		}
		defer db.Close()
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	kv := buildKV(cfg, redisClient, db)

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	} else {
		q = queue.NewInMemory(64)
	}

	var repo *journal.Repository
	if db != nil && db.Client != nil {
		repo = journal.NewRepository(db.Client)
	}

	dedup, err := ledger.ParseDedupKey(cfg.DedupKey)
	if err != nil {
		log.Printf("warning: %v, using %q", err, dedup)
	}

	idStore := identity.NewStore(kv)
	registry := identity.NewRegistry(kv)
	flags := policy.NewAttemptFlags(kv)
	mgr := engine.NewManager(kv, dedup)
	eng := engine.New(flags, cfg.OrganizerPIN, cfg.DebounceWindow, q)
	sink := notify.New(cfg.WebhookURL, cfg.WebhookSecret)

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	hostID := idStore.GetOrCreate(appCtx)
	log.Printf("host device identity: %s", hostID)

	// With the in-memory queue there is no separate worker process, so the
	// journal pipeline drains inside this one.
	if cfg.QueueBackend != "redis" {
		go drainOutcomes(appCtx, q, repo, sink)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware(nil))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		ctx := c.Request.Context()
		redisRequired := cfg.KVBackend == "redis" || cfg.QueueBackend == "redis"
		redisHealthy := redisClient.Healthy(ctx)
		dbHealthy := db != nil && db.Client != nil && db.Client.PingContext(ctx) == nil

		status := http.StatusOK
		if redisRequired && !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		if cfg.DatabaseURL != "" && !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status": "ok",
			"redis":  redisHealthy,
			"db":     dbHealthy,
			"host":   idStore.GetOrCreate(ctx),
		})
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		// The body is optional: registering with no id mints one.
		var req struct {
			DeviceID string `json:"device_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		deviceID := strings.TrimSpace(req.DeviceID)
		if deviceID == "" {
			deviceID = identity.Generate()
		}
		if err := registry.Register(c.Request.Context(), deviceID); err != nil {
			log.Printf("device registry write failed: %v", err)
		}

		tokens, err := auth.Issue(deviceID, auth.RoleDevice, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		if repo != nil {
			_ = repo.SaveRefreshToken(c.Request.Context(), deviceID, tokens.RefreshToken, tokens.RefreshExp)
		}

		c.JSON(http.StatusCreated, gin.H{
			"device_id":     deviceID,
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/devices/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if repo == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token store not configured"})
			return
		}
		active, err := repo.RefreshTokenActive(c.Request.Context(), claims.Subject, req.RefreshToken)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token lookup failed"})
			return
		}
		if !active {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked or unknown"})
			return
		}
		_ = repo.RevokeRefreshToken(c.Request.Context(), req.RefreshToken)

		tokens, err := auth.Issue(claims.Subject, claims.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = repo.SaveRefreshToken(c.Request.Context(), claims.Subject, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.DeviceAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.GET("/device/identity", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"device_id": auth.ActingDevice(c)})
	})

	authGroup.POST("/device/reset", func(c *gin.Context) {
		ctx := c.Request.Context()
		old := auth.ActingDevice(c)
		if err := flags.Clear(ctx, old); err != nil {
			log.Printf("attempt flag clear failed for %s: %v", old, err)
		}
		if repo != nil {
			_ = repo.RevokeDeviceTokens(ctx, old)
		}

		deviceID := identity.Generate()
		if err := registry.Register(ctx, deviceID); err != nil {
			log.Printf("device registry write failed: %v", err)
		}
		tokens, err := auth.Issue(deviceID, auth.RoleDevice, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		if repo != nil {
			_ = repo.SaveRefreshToken(ctx, deviceID, tokens.RefreshToken, tokens.RefreshExp)
		}
		c.JSON(http.StatusOK, gin.H{
			"device_id":     deviceID,
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup.GET("/host/identity", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"device_id": idStore.GetOrCreate(c.Request.Context())})
	})

	authGroup.POST("/host/identity/reset", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"device_id": idStore.Reset(c.Request.Context())})
	})

	authGroup.POST("/stations/:id/scans", func(c *gin.Context) {
		st, ok := stationFrom(c, mgr)
		if !ok {
			return
		}
		var req struct {
			Payload string `json:"payload" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		out := eng.HandleScan(c.Request.Context(), st, auth.ActingDevice(c), req.Payload)
		respondOutcome(c, out)
	})

	authGroup.POST("/stations/:id/entries", func(c *gin.Context) {
		st, ok := stationFrom(c, mgr)
		if !ok {
			return
		}
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		out := eng.HandleManualEntry(c.Request.Context(), st, auth.ActingDevice(c), req.Name)
		respondOutcome(c, out)
	})

	authGroup.POST("/stations/:id/unlock", func(c *gin.Context) {
		st, ok := stationFrom(c, mgr)
		if !ok {
			return
		}
		var req struct {
			PIN string `json:"pin" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := eng.Unlock(st, req.PIN); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	authGroup.PUT("/stations/:id/mode", func(c *gin.Context) {
		st, ok := stationFrom(c, mgr)
		if !ok {
			return
		}
		var req struct {
			Mode string `json:"mode" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mode, err := policy.ParseMode(req.Mode)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if err := eng.SetMode(st, mode); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	authGroup.GET("/stations/:id/state", func(c *gin.Context) {
		st, ok := stationFrom(c, mgr)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	authGroup.GET("/stations/:id/roster", func(c *gin.Context) {
		st, ok := stationFrom(c, mgr)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": st.Roster()})
	})

	authGroup.GET("/stations/:id/roster.csv", func(c *gin.Context) {
		st, ok := stationFrom(c, mgr)
		if !ok {
			return
		}
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Header("Content-Disposition", `attachment; filename="roster-`+st.ID+`.csv"`)
		if err := export.WriteCSV(c.Writer, st.Roster()); err != nil {
			log.Printf("roster export failed: %v", err)
		}
	})

	authGroup.POST("/stations/:id/clear", func(c *gin.Context) {
		st, ok := stationFrom(c, mgr)
		if !ok {
			return
		}
		if err := eng.Clear(c.Request.Context(), st); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	authGroup.POST("/stations/:id/reset", func(c *gin.Context) {
		st, ok := stationFrom(c, mgr)
		if !ok {
			return
		}
		if err := eng.Reset(c.Request.Context(), st); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	authGroup.GET("/stations/:id/outcomes", func(c *gin.Context) {
		if repo == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not configured"})
			return
		}
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		events, err := repo.ListOutcomes(c.Request.Context(), c.Param("id"), c.Query("device_id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcomes": events})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancelApp()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func buildKV(cfg config.App, redisClient *store.Redis, db *store.DB) kvstore.Store {
	switch cfg.KVBackend {
	case "redis":
		return kvstore.NewRedis(redisClient.Client, cfg.KVPrefix)
	case "postgres":
		if db != nil && db.Client != nil {
			return kvstore.NewPostgres(db.Client)
		}
		log.Printf("kv backend postgres requested without a database, using memory")
		return kvstore.NewMemory()
	case "memory":
		return kvstore.NewMemory()
	default:
		log.Printf("unknown kv backend %q, using memory", cfg.KVBackend)
		return kvstore.NewMemory()
	}
}

func stationFrom(c *gin.Context, mgr *engine.Manager) (*engine.Station, bool) {
	st, err := mgr.Station(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return st, true
}

func respondOutcome(c *gin.Context, out engine.Outcome) {
	body := gin.H{"status": string(out.Status)}
	if out.Reason != "" {
		body["reason"] = out.Reason
	}
	if out.Record != nil {
		body["record"] = out.Record
	}
	switch out.Status {
	case engine.StatusAccepted:
		c.JSON(http.StatusCreated, body)
	case engine.StatusSelfConfirmed:
		c.JSON(http.StatusOK, body)
	case engine.StatusDebounced:
		c.JSON(http.StatusAccepted, body)
	case engine.StatusDuplicateName, engine.StatusDuplicateDevice:
		c.JSON(http.StatusConflict, body)
	case engine.StatusInvalidName:
		c.JSON(http.StatusUnprocessableEntity, body)
	default:
		c.JSON(http.StatusForbidden, body)
	}
}

// drainOutcomes journals and forwards queued outcomes when this process is
// its own worker.
func drainOutcomes(ctx context.Context, q queue.Queue, repo *journal.Repository, sink *notify.Client) {
	msgs, err := q.Consume(ctx)
	if err != nil {
		log.Printf("outcome drain unavailable: %v", err)
		return
	}
	for msg := range msgs {
		if msg.Type != queue.TypeOutcome {
			continue
		}
		var ev engine.Event
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			log.Printf("outcome decode failed: %v", err)
			continue
		}
		if repo != nil {
			opCtx, opCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := repo.InsertOutcome(opCtx, ev); err != nil {
				metrics.JournalWrites.WithLabelValues("error").Inc()
				log.Printf("journal insert failed: %v", err)
			} else {
				metrics.JournalWrites.WithLabelValues("ok").Inc()
			}
			opCancel()
		}
		if !sink.Skip {
			opCtx, opCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := sink.Push(opCtx, msg.Body); err != nil {
				metrics.NotifyPushes.WithLabelValues("error").Inc()
				log.Printf("outcome push failed: %v", err)
			} else {
				metrics.NotifyPushes.WithLabelValues("ok").Inc()
			}
			opCancel()
		}
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
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
