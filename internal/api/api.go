// Package api exposes the record repository and sync status over a local
// HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/remote"
	"github.com/sheetsync/sheetsync/internal/schema"
	"github.com/sheetsync/sheetsync/internal/store"
	ssync "github.com/sheetsync/sheetsync/internal/sync"
)

// Records is the write path served by the API.
type Records interface {
	Create(ctx context.Context, collection string, fields map[string]string) (*schema.Record, error)
	Update(ctx context.Context, id string, fields map[string]string) (*schema.Record, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*schema.Record, error)
	Query(ctx context.Context, filter store.Filter) ([]*schema.Record, error)
	Sync(ctx context.Context) ssync.Result
}

// Stats reports per-collection counts.
type Stats interface {
	Stats(ctx context.Context) ([]store.CollectionStats, error)
}

// Results reports the coordinator's last pass and remote handle.
type Results interface {
	LastResult() (ssync.Result, bool)
	Handle() remote.Handle
}

type Handler struct {
	Records Records
	Stats   Stats
	Results Results
}

// NewRouter returns a gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// Register adds the API routes to r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
	r.GET("/records", h.ListRecords)
	r.GET("/records/:id", h.GetRecord)
	r.POST("/records/:collection", h.CreateRecord)
	r.PUT("/records/:id", h.UpdateRecord)
	r.DELETE("/records/:id", h.DeleteRecord)
	r.POST("/sync", h.Sync)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Status(c *gin.Context) {
	out := gin.H{}
	if h.Stats != nil {
		stats, err := h.Stats.Stats(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		unsynced := 0
		for _, s := range stats {
			unsynced += s.Unsynced
		}
		out["collections"] = stats
		out["unsynced"] = unsynced
	}
	if h.Results != nil {
		out["handle"] = string(h.Results.Handle())
		if last, ok := h.Results.LastResult(); ok {
			out["last_result"] = last
		}
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) ListRecords(c *gin.Context) {
	filter := store.Filter{Collection: c.Query("collection")}

	if v := c.Query("unsynced"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unsynced: " + v})
			return
		}
		filter.UnsyncedOnly = b
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since: " + v})
			return
		}
		filter.UpdatedSince = since
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: " + v})
			return
		}
		filter.Limit = n
	}

	records, err := h.Records.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []*schema.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.Records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) CreateRecord(c *gin.Context) {
	var fields map[string]string
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.Records.Create(c.Request.Context(), c.Param("collection"), fields)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) UpdateRecord(c *gin.Context) {
	var fields map[string]string
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.Records.Update(c.Request.Context(), c.Param("id"), fields)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteRecord(c *gin.Context) {
	if err := h.Records.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Sync runs a user-triggered pass. A failed pass answers 502 with the result
// body; a skipped pass (offline) is not an error.
func (h *Handler) Sync(c *gin.Context) {
	res := h.Records.Sync(c.Request.Context())
	status := http.StatusOK
	if res.Outcome == ssync.Failed {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrUnauthenticated):
		return http.StatusUnauthorized
	case fault.IsRemote(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Server runs the API over HTTP until Stop is called.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   *log.Logger
}

// NewServer creates an API server for addr. A nil logger logs to stderr.
func NewServer(addr string, h *Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(h),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the address and serves in the background. A bind failure,
// such as the port being in use, is returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		s.logger.Printf("API listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}
