package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/voglster/lumbergh-sub000/api/handlers"
	"github.com/voglster/lumbergh-sub000/internal/db"
	"github.com/voglster/lumbergh-sub000/internal/idle"
	"github.com/voglster/lumbergh-sub000/internal/pty"
	"github.com/voglster/lumbergh-sub000/internal/repository"
	"github.com/voglster/lumbergh-sub000/internal/session"
	"github.com/voglster/lumbergh-sub000/internal/ws"
)

func main() {
	port := pflag.String("port", getEnv("PORT", "8420"), "HTTP listen port")
	dbPath := pflag.String("db", getEnv("DB_PATH", "data/sessions.db"), "SQLite database path")
	logDir := pflag.String("log-dir", getEnv("LOG_DIR", "data/logs"), "directory for session recordings")
	maxSessions := pflag.Int("max-sessions", getEnvInt("MAX_SESSIONS", session.DefaultMaxSessions), "maximum number of running sessions")
	stallAfter := pflag.Duration("stall-after", getEnvDuration("STALL_AFTER", idle.DefaultStallAfter), "report a working session as stalled after this long without activity")
	shell := pflag.String("shell", getEnv("SHELL_PATH", pty.DefaultShell), "shell that runs session commands")
	allowedOrigins := pflag.StringSlice("allowed-origin", getEnvList("ALLOWED_ORIGINS"), "browser origin allowed to open session streams (repeatable; default any)")
	pflag.Parse()

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}
	if err := os.MkdirAll(*logDir, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	database, err := db.InitDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	sessionRepo := repository.NewSessionRepository(database)

	ptyManager := pty.NewManager()
	ptyManager.Shell = *shell

	sessionManager := session.NewManager(ptyManager, sessionRepo, session.Config{
		LogDir:      *logDir,
		MaxSessions: *maxSessions,
		StallAfter:  *stallAfter,
	})
	if n, err := sessionManager.Recover(context.Background()); err != nil {
		log.Fatalf("Failed to recover sessions: %v", err)
	} else if n > 0 {
		log.Printf("Marked %d sessions from a previous run as exited", n)
	}

	ws.SetCheckOrigin(ws.AllowOrigins(*allowedOrigins))
	wsService := ws.NewService(sessionManager)
	sessionManager.SetObserver(wsService)

	sessionHandler := handlers.NewSessionHandler(sessionManager, wsService)
	wsHandler := handlers.NewWebSocketHandler(wsService.Handler())

	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:    ":" + *port,
		Handler: r,
	}

	go func() {
		log.Printf("Starting server on port %s", *port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down server...")

	wsService.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	if err := sessionManager.Close(); err != nil {
		log.Printf("Closing sessions: %v", err)
	}
	ptyManager.Close()
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable.
func getEnvList(key string) []string {
	var list []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
