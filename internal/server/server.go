// Package server exposes the batch processor over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withObsrvr/kmzproc/internal/config"
	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/logging"
	"github.com/withObsrvr/kmzproc/internal/pipeline"
	"github.com/withObsrvr/kmzproc/internal/storage"
	"github.com/withObsrvr/kmzproc/internal/tables"
)

// Server serves the upload API. Batches are processed one at a time.
type Server struct {
	cfg    config.Config
	proc   *pipeline.Processor
	store  storage.ArtifactStore
	router *gin.Engine
	mu     sync.Mutex
	log    *slog.Logger
}

// New builds the server and its routes. A nil store disables artifact
// downloads.
func New(cfg config.Config, proc *pipeline.Processor, store storage.ArtifactStore) *Server {
	s := &Server{
		cfg:   cfg,
		proc:  proc,
		store: store,
		log:   logging.Component("server"),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CorrelationMiddleware())
	router.Use(LoggerMiddleware(s.log))

	api := router.Group("/api")
	api.GET("/health", s.health)
	api.POST("/process", s.process)
	api.GET("/batches/:id/:artifact", s.artifact)

	if cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.HTTP.Address,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "address", s.cfg.HTTP.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Debug("received shutdown signal, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": pipeline.Version,
	})
}

// process handles POST /api/process with multipart fields "files" (or
// "files[]"), "city" and an optional "batch_id".
func (s *Server) process(c *gin.Context) {
	if limit := s.cfg.HTTP.MaxUploadBytes; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid multipart form: " + err.Error(),
		})
		return
	}

	var headers []*multipart.FileHeader
	headers = append(headers, form.File["files"]...)
	headers = append(headers, form.File["files[]"]...)
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_parameter",
			"message": "at least one KMZ or KML file is required in field files",
		})
		return
	}
	city := c.PostForm("city")
	if city == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_parameter",
			"message": "city is required",
		})
		return
	}

	batch := pipeline.Batch{ID: c.PostForm("batch_id"), City: city}
	for _, fh := range headers {
		data, err := readUpload(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": fmt.Sprintf("read %s: %s", fh.Filename, err),
			})
			return
		}
		batch.Uploads = append(batch.Uploads, pipeline.Upload{Name: fh.Filename, Data: data})
	}

	s.mu.Lock()
	res, err := s.proc.Run(c.Request.Context(), batch)
	s.mu.Unlock()
	if err != nil {
		_ = c.Error(err)
		c.JSON(statusFor(err), gin.H{
			"error":   kml.KindName(err),
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, newProcessResponse(res))
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// artifacts lists the names served by the download route.
var artifacts = map[string]bool{
	tables.StatementsFile:  true,
	tables.MergedFile:      true,
	tables.CoordinatesFile: true,
	tables.ZonesFile:       true,
	tables.BundleFile:      true,
	storage.ManifestFile:   true,
}

func (s *Server) artifact(c *gin.Context) {
	name := c.Param("artifact")
	if !artifacts[name] {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": fmt.Sprintf("unknown artifact %q", name),
		})
		return
	}
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no artifact store configured",
		})
		return
	}
	if err := pipeline.ValidateBatchID(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
		return
	}

	data, err := s.store.ReadArtifact(c.Request.Context(), storage.ArtifactRef{BatchID: c.Param("id"), Name: name})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrArtifactNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "storage_error",
			"message": err.Error(),
		})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, mimetype.Detect(data).String(), data)
}

// statusFor maps processing errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kml.ErrMalformedInput), errors.Is(err, kml.ErrNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, kml.ErrConflict), errors.Is(err, pipeline.ErrBatchExists):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
