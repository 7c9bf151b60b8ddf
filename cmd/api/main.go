package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/geo"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/roster"
	"rollcall/internal/session"
	"rollcall/internal/store"
	"rollcall/internal/token"
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
	var (
		db          *store.DB
		sessionRepo session.Repository
		recordRepo  attendance.Repository
		directory   roster.Directory
	)

	if cfg.StoreBackend == "memory" {
		// Dev mode: everything in process, with a seeded demo course.
		log.Println("store backend: memory (dev mode)")
		sessionRepo = session.NewMemoryRepository()
		recordRepo = attendance.NewMemoryRepository()
		directory = &roster.Static{
			Instructors: map[string]string{"DEMO101": "instructor-1"},
			Enrollments: map[string][]string{"DEMO101": {"student-1", "student-2"}},
		}
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(context.Background()); err != nil {
			return err
		}
		sessionRepo = session.NewPGRepository(db.Client)
		recordRepo = attendance.NewPGRepository(db.Client)
		directory = roster.NewPG(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	codec := token.NewCodec([]byte(cfg.TokenSecret), cfg.JWTIssuer, nil)
	sessions := session.NewService(sessionRepo, directory, cfg.SessionWindow, nil)
	arbiter := attendance.NewArbiter(codec, sessions, directory, recordRepo,
		attendance.NewQueueAuditSink(q), nil)
	reports := attendance.NewQuery(recordRepo, sessions, directory)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// The campus identity system authenticates users; it exchanges its
	// verdict for a role-scoped API token here.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		issued, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token": issued.Token,
			"expires_at":   issued.ExpiresAt.Unix(),
		})
	})

	authed := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer))
	instructors := authed.Group("", auth.RequireRole(auth.RoleInstructor))
	students := authed.Group("", auth.RequireRole(auth.RoleStudent))

	instructors.POST("/sessions", func(c *gin.Context) {
		var req struct {
			CourseID      string `json:"course_id" binding:"required"`
			WindowSeconds int    `json:"window_seconds"`
			OnTimeSeconds int    `json:"ontime_seconds"`
			Geofence      *struct {
				Lat     float64 `json:"lat"`
				Lng     float64 `json:"lng"`
				RadiusM float64 `json:"radius_m"`
			} `json:"geofence"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var fence *geo.Fence
		if req.Geofence != nil {
			if req.Geofence.RadiusM <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "geofence radius must be positive"})
				return
			}
			fence = &geo.Fence{Lat: req.Geofence.Lat, Lng: req.Geofence.Lng, RadiusM: req.Geofence.RadiusM}
		}

		claims := auth.From(c)
		sess, err := sessions.Create(c.Request.Context(), req.CourseID, claims.Subject,
			time.Duration(req.WindowSeconds)*time.Second,
			time.Duration(req.OnTimeSeconds)*time.Second, fence)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrActiveSessionExists):
				c.JSON(http.StatusConflict, gin.H{"error": "course already has an active session"})
			case errors.Is(err, session.ErrCourseNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "course not found"})
			case errors.Is(err, session.ErrNotInstructor):
				c.JSON(http.StatusForbidden, gin.H{"error": "not an instructor of this course"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "session create failed"})
			}
			return
		}

		qrToken, err := mintToken(codec, sess)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token encode failed"})
			return
		}
		metrics.SessionsOpened.Inc()
		c.JSON(http.StatusCreated, gin.H{"session": sess, "token": qrToken})
	})

	instructors.POST("/sessions/:id/close", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad session id"})
			return
		}
		err = sessions.Close(c.Request.Context(), id, auth.From(c).Subject)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			case errors.Is(err, session.ErrNotOwner):
				c.JSON(http.StatusForbidden, gin.H{"error": "not your session"})
			case errors.Is(err, session.ErrAlreadyTerminal):
				c.JSON(http.StatusConflict, gin.H{"error": "session already closed or expired"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "close failed"})
			}
			return
		}
		metrics.SessionsClosed.Inc()
		c.JSON(http.StatusOK, gin.H{"status": "closed"})
	})

	authed.GET("/sessions/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad session id"})
			return
		}
		sess, err := sessions.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	instructors.GET("/sessions/:id/qr.png", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad session id"})
			return
		}
		sess, err := sessions.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		if sess.InstructorID != auth.From(c).Subject {
			c.JSON(http.StatusForbidden, gin.H{"error": "not your session"})
			return
		}
		qrToken, err := mintToken(codec, sess)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token encode failed"})
			return
		}
		png, err := qrcode.Encode(qrToken, qrcode.Medium, 512)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	students.POST("/scans", func(c *gin.Context) {
		var req struct {
			Token    string `json:"token" binding:"required"`
			Location *struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
			ScannedAt *int64 `json:"scanned_at"` // unix seconds, optional
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var loc *geo.Point
		if req.Location != nil {
			loc = &geo.Point{Lat: req.Location.Lat, Lng: req.Location.Lng}
		}
		var at *time.Time
		if req.ScannedAt != nil {
			t := time.Unix(*req.ScannedAt, 0)
			at = &t
		}

		res, err := arbiter.Redeem(c.Request.Context(), req.Token, auth.From(c).Subject, loc, at)
		if err != nil {
			// Storage trouble: the scan is retryable thanks to exactly-once.
			metrics.ScansTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry"})
			return
		}
		if res.Accepted {
			metrics.ScansTotal.WithLabelValues(string(res.Status)).Inc()
		} else {
			metrics.ScansTotal.WithLabelValues(string(res.Reason)).Inc()
		}
		c.JSON(http.StatusOK, res)
	})

	instructors.GET("/sessions/:id/attendance", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad session id"})
			return
		}
		records, err := reports.ListSession(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	instructors.GET("/courses/:id/attendance/summary", func(c *gin.Context) {
		from, to, err := parseRange(c.Query("from"), c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		summary, err := reports.CourseSummary(c.Request.Context(), c.Param("id"), from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"course_id": c.Param("id"), "students": summary})
	})

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// mintToken encodes the QR payload for a session.
func mintToken(codec *token.Codec, sess session.Session) (string, error) {
	return codec.Encode(token.Payload{
		SessionID: sess.ID,
		CourseID:  sess.CourseID,
		IssuedAt:  sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
		Fence:     sess.Fence,
	})
}

// parseRange reads RFC3339 query bounds, defaulting to the trailing 30 days.
func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -30), now
	var err error
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return time.Time{}, time.Time{}, errors.New("bad 'from' (RFC3339)")
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return time.Time{}, time.Time{}, errors.New("bad 'to' (RFC3339)")
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("'from' must precede 'to'")
	}
	return from, to, nil
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
