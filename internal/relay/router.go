// Package relay serves a signaling.Store over HTTP so peers on different
// machines can share call documents. Snapshots are pushed over a WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/1ureka/callscribe/internal/signaling"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// maxFieldSize bounds one field write; descriptions are a few KiB.
const maxFieldSize = 64 * 1024

// Handler exposes store under /api/calls.
type Handler struct {
	store signaling.Store
}

// NewRouter builds the relay's gin engine. mode is "debug" or "release".
func NewRouter(store signaling.Store, mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &Handler{store: store}
	api := r.Group("/api/calls")
	api.POST("", h.create)
	api.GET("/:id", h.read)
	api.PUT("/:id/fields/:field", h.write)
	api.POST("/:id/fields/:field", h.append)
	api.GET("/:id/watch", h.watch)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "relay").Str("mode", mode).Msg("router setup")
	return r
}

func (h *Handler) create(c *gin.Context) {
	id, err := h.store.Create(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	log.Info().Str("module", "relay").Str("call", id).Msg("call created")
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) read(c *gin.Context) {
	doc, err := h.store.Read(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) write(c *gin.Context) {
	h.mutate(c, h.store.WriteField)
}

func (h *Handler) append(c *gin.Context) {
	h.mutate(c, h.store.AppendField)
}

type fieldOp func(ctx context.Context, id, field string, value json.RawMessage) error

func (h *Handler) mutate(c *gin.Context, op fieldOp) {
	id, field := c.Param("id"), c.Param("field")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFieldSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) > maxFieldSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "field value too large"})
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field value is not valid JSON"})
		return
	}

	if err := op(c.Request.Context(), id, field, body); err != nil {
		respondError(c, err)
		return
	}
	log.Debug().Str("module", "relay").Str("call", id).Str("field", field).Msg("field updated")
	c.Status(http.StatusNoContent)
}

// respondError maps store errors onto status codes the signaling.Remote
// client maps back.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, signaling.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, signaling.ErrFieldSet):
		status = http.StatusConflict
	case errors.Is(err, signaling.ErrBadField):
		status = http.StatusBadRequest
	default:
		log.Error().Err(err).Str("module", "relay").Str("path", c.FullPath()).Msg("store error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
