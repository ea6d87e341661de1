package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/db"
	"github.com/alanagoyal/ghostbusters-sub001/internal/health"
	"github.com/alanagoyal/ghostbusters-sub001/internal/server/sse"
)

// Server is the local status API. It exposes the health snapshot, the
// spooled visit history, saved snapshots and a live SSE feed. It never
// serves raw (un-anonymized) crops.
type Server struct {
	cfg      config.ServerConfig
	spool    *db.Spool
	reporter *health.Reporter
	hub      *sse.Hub
	http     *http.Server
}

// New creates the status API server.
func New(cfg config.ServerConfig, spool *db.Spool, reporter *health.Reporter, hub *sse.Hub) *Server {
	return &Server{
		cfg:      cfg,
		spool:    spool,
		reporter: reporter,
		hub:      hub,
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	router.Use(cors.New(corsConfig))

	s.registerRoutes(router)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Infof("Status API listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Status API server failed: %v", err)
		}
	}()
}

func (s *Server) registerRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/visits/recent", s.handleRecentVisits)
		api.GET("/visits/:visit_id/detections", s.handleVisitDetections)
		api.GET("/events", s.handleSSE)
	}

	if s.cfg.SnapshotDir != "" {
		router.StaticFS("/snapshots", http.Dir(s.cfg.SnapshotDir))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	snapshot := s.reporter.Snapshot()

	resp := gin.H{
		"status": "ok",
		"health": snapshot,
	}
	if s.spool != nil {
		if counts, err := s.spool.CountsSince(time.Now().Add(-24 * time.Hour)); err == nil {
			resp["last_24h"] = counts
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecentVisits(c *gin.Context) {
	if s.spool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "spool database is not available"})
		return
	}
	visits, err := s.spool.RecentVisits(50)
	if err != nil {
		log.Errorf("Failed to load recent visits: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load visits"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits})
}

func (s *Server) handleVisitDetections(c *gin.Context) {
	if s.spool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "spool database is not available"})
		return
	}
	dets, err := s.spool.DetectionsForVisit(c.Param("visit_id"))
	if err != nil {
		log.Errorf("Failed to load detections: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load detections"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detections": dets})
}

// handleSSE streams visit events to the browser until it disconnects.
func (s *Server) handleSSE(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event feed is not available"})
		return
	}

	client := make(sse.Client, 10)
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent("visit", string(message))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.http == nil {
		return
	}
	if err := s.http.Shutdown(ctx); err != nil {
		log.Errorf("Status API shutdown failed: %v", err)
	}
}
