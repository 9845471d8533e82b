package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chriskillpack/ecotask"
	"github.com/chriskillpack/ecotask/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	maxPhotoBytes = 10 << 20

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

var errPhotoTooLarge = fmt.Errorf("photo exceeds %d bytes", maxPhotoBytes)

var registerValidators sync.Once

type Server struct {
	hs      *http.Server
	svc     *ecotask.Service
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

func NewServer(svc *ecotask.Service, logger logrus.FieldLogger, m *metrics.Metrics, addr string) *Server {
	srv := &Server{
		svc:     svc,
		logger:  logger,
		metrics: m,
	}

	srv.hs = &http.Server{
		Addr:              addr,
		Handler:           srv.serveHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

func (s *Server) Start() error {
	s.logger.WithField("addr", s.hs.Addr).Info("listening")
	return s.hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	registerValidators.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterValidation("notblank", notBlank)
		}
	})

	r := gin.New()
	r.MaxMultipartMemory = maxPhotoBytes
	r.Use(gin.Recovery(), s.observe(), cors.New(corsConfig()))

	r.GET("/api/create-task", s.serveCreateTask())
	r.POST("/api/validate-task", s.serveValidateTask())
	r.GET("/api/tasks", s.serveTasks())
	r.GET("/api/tasks/:id", s.serveTask())
	r.GET("/api/validations", s.serveValidations())
	r.GET("/healthz", s.serveHealth())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Any origin, method and header.
func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowMethods = []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions,
	}
	cfg.AllowHeaders = []string{"*"}
	return cfg
}

// observe logs every request and counts it by route and status.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.NewString()
		c.Header("X-Request-Id", reqID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if s.metrics != nil {
			s.metrics.ObserveRequest(route, strconv.Itoa(status))
		}

		entry := s.logger.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency":    time.Since(start).String(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("error", c.Errors.String())
		}
		entry.Info("request")
	}
}

type createTaskResponse struct {
	Desc   string `json:"desc"`
	Task   string `json:"task"`
	Value  string `json:"value"`
	Points int    `json:"points"`
}

func (s *Server) serveCreateTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		prop, err := s.svc.CreateTask(c.Request.Context())
		if err != nil {
			s.writeError(c, err)
			return
		}

		// desc is the proposed task, task the rater's rationale and value
		// the raw valuation line.
		c.JSON(http.StatusOK, createTaskResponse{
			Desc:   prop.Description,
			Task:   prop.Rationale,
			Value:  prop.ValueLine,
			Points: prop.Points,
		})
	}
}

type validateForm struct {
	Task  string `form:"task" binding:"required,notblank"`
	Proof string `form:"proof"`
}

func (s *Server) serveValidateTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		var form validateForm
		if err := c.ShouldBind(&form); err != nil {
			s.abort(c, http.StatusBadRequest, "invalid_request", err)
			return
		}

		sub := ecotask.ProofSubmission{Task: form.Task, Proof: form.Proof}

		fh, err := c.FormFile("photo")
		switch {
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			// No photo, validate the written proof alone
		case err != nil:
			s.abort(c, http.StatusBadRequest, "invalid_request", err)
			return
		default:
			data, err := readUpload(fh)
			if errors.Is(err, errPhotoTooLarge) {
				s.abort(c, http.StatusRequestEntityTooLarge, "photo_too_large", err)
				return
			}
			if err != nil {
				s.abort(c, http.StatusBadRequest, "invalid_request", err)
				return
			}
			sub.Photo = &ecotask.Photo{Filename: fh.Filename, Data: data}
		}

		v, err := s.svc.ValidateTask(c.Request.Context(), sub)
		if err != nil {
			s.writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"result": v.Result})
	}
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxPhotoBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPhotoBytes {
		return nil, errPhotoTooLarge
	}
	return data, nil
}

type proposalJSON struct {
	ID        string    `json:"id"`
	Desc      string    `json:"desc"`
	Task      string    `json:"task"`
	Value     string    `json:"value"`
	Points    int       `json:"points"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) serveTasks() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := s.svc.DB()
		if db == nil {
			s.abort(c, http.StatusNotFound, "history_disabled", errors.New("no history database configured"))
			return
		}
		limit, err := historyLimit(c)
		if err != nil {
			s.abort(c, http.StatusBadRequest, "invalid_request", err)
			return
		}

		props, err := db.RecentProposals(c.Request.Context(), limit)
		if err != nil {
			s.writeError(c, err)
			return
		}

		total, err := db.CountProposals(c.Request.Context())
		if err != nil {
			s.writeError(c, err)
			return
		}

		results := make([]proposalJSON, len(props))
		for i, p := range props {
			results[i] = proposalRecord(p)
		}
		c.JSON(http.StatusOK, gin.H{"tasks": results, "total": total})
	}
}

func (s *Server) serveTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := s.svc.DB()
		if db == nil {
			s.abort(c, http.StatusNotFound, "history_disabled", errors.New("no history database configured"))
			return
		}

		p, err := db.GetProposal(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ecotask.ErrNotFound) {
			s.abort(c, http.StatusNotFound, "not_found", fmt.Errorf("task %q: %w", c.Param("id"), err))
			return
		}
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, proposalRecord(p))
	}
}

type verdictJSON struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Proof     string    `json:"proof"`
	Result    string    `json:"result"`
	Completed *bool     `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) serveValidations() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := s.svc.DB()
		if db == nil {
			s.abort(c, http.StatusNotFound, "history_disabled", errors.New("no history database configured"))
			return
		}
		limit, err := historyLimit(c)
		if err != nil {
			s.abort(c, http.StatusBadRequest, "invalid_request", err)
			return
		}

		verdicts, err := db.RecentVerdicts(c.Request.Context(), limit)
		if err != nil {
			s.writeError(c, err)
			return
		}

		results := make([]verdictJSON, len(verdicts))
		for i, v := range verdicts {
			results[i] = verdictJSON{
				ID:        v.ID,
				Task:      v.Task,
				Proof:     v.Proof,
				Result:    v.Result,
				Completed: v.Completed,
				CreatedAt: v.CreatedAt,
			}
		}
		c.JSON(http.StatusOK, gin.H{"validations": results})
	}
}

func historyLimit(c *gin.Context) (int, error) {
	ls := c.Query("limit")
	if ls == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(ls)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", ls)
	}
	return min(limit, maxHistoryLimit), nil
}

func (s *Server) serveHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if !s.svc.IsHealthy(c.Request.Context()) {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "backend": s.svc.Backend()})
	}
}

// writeError maps service errors onto a status code and error kind.
func (s *Server) writeError(c *gin.Context, err error) {
	var me *ecotask.ModelError
	switch {
	case errors.Is(err, ecotask.ErrMissingTask):
		s.abort(c, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, ecotask.ErrEmptyPhoto):
		s.abort(c, http.StatusBadRequest, "empty_photo", err)
	case errors.Is(err, ecotask.ErrUnsupportedMedia):
		s.abort(c, http.StatusUnsupportedMediaType, "unsupported_media", err)
	case errors.Is(err, ecotask.ErrMalformedModelOutput):
		s.abort(c, http.StatusBadGateway, "malformed_model_output", err)
	case errors.As(err, &me):
		s.abort(c, http.StatusBadGateway, "model_error", err)
	default:
		s.abort(c, http.StatusInternalServerError, "internal", err)
	}
}

func (s *Server) abort(c *gin.Context, code int, kind string, err error) {
	c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error(), "kind": kind})
}

func notBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}
