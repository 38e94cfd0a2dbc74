package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"biochat/backend/internal/memory"
	"biochat/backend/internal/specialists"
	"biochat/backend/internal/state"
	apperrors "biochat/backend/pkg/errors"
)

// TurnHandler runs one conversation turn.
type TurnHandler interface {
	Handle(ctx context.Context, req state.TurnRequest) state.Envelope
}

// DocumentStore manages a user's uploaded PDFs.
type DocumentStore interface {
	Ingest(ctx context.Context, userID, name, text string) (specialists.Document, error)
	List(ctx context.Context, userID string) ([]specialists.Document, error)
	Delete(ctx context.Context, userID, documentID string) (bool, error)
}

// MemoryReader exposes a user's remembered facts.
type MemoryReader interface {
	Retrieve(ctx context.Context, userID, query string) ([]memory.Record, error)
}

// PushServer upgrades a request into a push-event subscription.
type PushServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
}

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// routerDeps are the collaborators the HTTP shim talks to.
type routerDeps struct {
	turns       TurnHandler
	documents   DocumentStore
	memory      MemoryReader
	push        PushServer
	checks      map[string]Pinger
	limiter     *callerLimiter
	corsOrigins []string
	log         *zap.Logger
}

var validate = validator.New()

type pdfUpload struct {
	UserID string `json:"user_id" binding:"required" validate:"required,max=128"`
	Name   string `json:"name" binding:"required" validate:"required,max=256"`
	Text   string `json:"text" binding:"required"`
}

func newRouter(deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(ginLogger(deps.log))
	router.Use(gin.Recovery())
	router.Use(cors(deps.corsOrigins))

	router.GET("/health", handleHealth(deps.checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/chat", handleChat(deps.turns, deps.limiter))

		pdf := api.Group("/pdf")
		pdf.POST("", handleUploadPDF(deps.documents, deps.limiter, deps.log))
		pdf.GET("/:user", rateLimit(deps.limiter), handleListPDFs(deps.documents, deps.log))
		pdf.DELETE("/:user/:id", rateLimit(deps.limiter), handleDeletePDF(deps.documents, deps.log))

		api.GET("/memory/:user", rateLimit(deps.limiter), handleMemory(deps.memory, deps.log))
	}

	router.GET("/ws/:user", func(c *gin.Context) {
		// Serve writes its own error response when the upgrade fails.
		_ = deps.push.Serve(c.Writer, c.Request, c.Param("user"))
	})

	return router
}

// handleChat runs one turn. The reply is always an envelope; a turn that
// failed inside the pipeline is still a 200 with explanatory text.
func handleChat(turns TurnHandler, limiter *callerLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req state.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !limiter.Allow(req.UserID) {
			reject(c)
			return
		}
		if req.Token == "" {
			req.Token = bearerToken(c)
		}

		c.JSON(http.StatusOK, turns.Handle(c.Request.Context(), req))
	}
}

func handleUploadPDF(docs DocumentStore, limiter *callerLimiter, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pdfUpload
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !limiter.Allow(req.UserID) {
			reject(c)
			return
		}

		doc, err := docs.Ingest(c.Request.Context(), req.UserID, req.Name, req.Text)
		if err != nil {
			if apperrors.IsErrorType(err, apperrors.ErrorTypeQuota) {
				c.JSON(http.StatusConflict, state.Envelope{Text: apperrors.UserMessage(err)})
				return
			}
			log.Error("Failed to ingest PDF",
				zap.String("user_id", req.UserID),
				zap.String("name", req.Name),
				zap.Error(err),
			)
			c.JSON(statusFor(err), state.Envelope{Text: apperrors.UserMessage(err)})
			return
		}

		c.JSON(http.StatusCreated, doc)
	}
}

func handleListPDFs(docs DocumentStore, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := docs.List(c.Request.Context(), c.Param("user"))
		if err != nil {
			log.Error("Failed to list PDFs", zap.String("user_id", c.Param("user")), zap.Error(err))
			c.JSON(statusFor(err), gin.H{"error": apperrors.UserMessage(err)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": list})
	}
}

func handleDeletePDF(docs DocumentStore, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		found, err := docs.Delete(c.Request.Context(), c.Param("user"), c.Param("id"))
		if err != nil {
			log.Error("Failed to delete PDF",
				zap.String("user_id", c.Param("user")),
				zap.String("document_id", c.Param("id")),
				zap.Error(err),
			)
			c.JSON(statusFor(err), gin.H{"error": apperrors.UserMessage(err)})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleMemory(mem MemoryReader, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := mem.Retrieve(c.Request.Context(), c.Param("user"), c.Query("q"))
		if err != nil {
			log.Error("Failed to retrieve memory", zap.String("user_id", c.Param("user")), zap.Error(err))
			c.JSON(statusFor(err), gin.H{"error": apperrors.UserMessage(err)})
			return
		}

		facts := make([]gin.H, len(records))
		for i, r := range records {
			facts[i] = gin.H{"id": r.ID, "memory": r.Content}
		}
		c.JSON(http.StatusOK, gin.H{"memories": facts})
	}
}

// handleHealth pings every dependency. One failing check degrades the
// whole service.
func handleHealth(checks map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "checks": results})
	}
}

func statusFor(err error) int {
	if apperrors.IsErrorType(err, apperrors.ErrorTypeBackend) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// bearerToken returns the token of an "Authorization: Bearer" header, or "".
// The token is passed through to backends undecoded.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func cors(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
