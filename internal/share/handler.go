// Package share exposes the document HTTP API: create, fetch, update,
// delete and list shares, plus the health endpoint.
package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"noteshare/internal/cache"
	"noteshare/internal/sanitize"
	"noteshare/internal/store"
)

// LiveReporter exposes collaboration hub health to the health endpoint.
type LiveReporter interface {
	LiveDocuments() int
}

// Options configures the Handler.
type Options struct {
	BaseURL            string
	MaxMarkdownBytes   int64
	MaxHTMLBytes       int64
	MaxTitleLength     int
	ShareRatePerMinute int
	// TrustProxyHeader keys the rate limiter on X-Forwarded-For; only enable
	// behind an edge that overwrites the header.
	TrustProxyHeader bool
	Version          string
}

// Handler implements the share API endpoints.
type Handler struct {
	store     store.Store
	coord     cache.Coordinator
	sanitizer *sanitize.Sanitizer
	hub       LiveReporter
	limiter   *clientLimiter
	node      *snowflake.Node
	opts      Options
	logger    *zap.Logger
	startedAt time.Time
}

// NewHandler wires the share API.
func NewHandler(st store.Store, coord cache.Coordinator, s *sanitize.Sanitizer, hub LiveReporter, opts Options, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}
	if opts.MaxTitleLength <= 0 {
		opts.MaxTitleLength = 512
	}
	return &Handler{
		store:     st,
		coord:     coord,
		sanitizer: s,
		hub:       hub,
		limiter:   newClientLimiter(opts.ShareRatePerMinute, opts.TrustProxyHeader),
		node:      node,
		opts:      opts,
		logger:    logger,
		startedAt: time.Now(),
	}, nil
}

// Register installs the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/notes/share", h.handleCreate)
	mux.HandleFunc("GET /api/notes/{id}", h.handleGet)
	mux.HandleFunc("PUT /api/notes/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /api/notes/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/notes", h.handleList)
	mux.HandleFunc("GET /api/health", h.handleHealth)
}

func (h *Handler) viewURL(id string) string {
	return h.opts.BaseURL + "/view/" + id
}

func (h *Handler) editURL(id string) string {
	return h.opts.BaseURL + "/edit/" + id
}

type createRequest struct {
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	HTMLContent string         `json:"htmlContent,omitempty"`
	ShareID     string         `json:"shareId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type createResponse struct {
	ShareID          string `json:"shareId"`
	CollaborativeURL string `json:"collaborativeUrl"`
	ViewURL          string `json:"viewUrl"`
	Title            string `json:"title"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.allow(r) {
		h.writeError(w, errRateLimited, "too many shares, slow down")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxMarkdownBytes+h.opts.MaxHTMLBytes+64*1024)
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, errPayloadTooLarge, "request body too large")
			return
		}
		h.writeError(w, errValidation, "invalid JSON body")
		return
	}

	if req.Title == "" {
		h.writeError(w, errValidation, "title is required")
		return
	}
	if len(req.Title) > h.opts.MaxTitleLength {
		h.writeError(w, errValidation, "title too long")
		return
	}
	if req.Content == "" {
		h.writeError(w, errValidation, "content is required")
		return
	}
	if int64(len(req.Content)) > h.opts.MaxMarkdownBytes {
		h.writeError(w, errPayloadTooLarge, "markdown exceeds the configured maximum")
		return
	}
	if int64(len(req.HTMLContent)) > h.opts.MaxHTMLBytes {
		h.writeError(w, errPayloadTooLarge, "html exceeds the configured maximum")
		return
	}

	id := req.ShareID
	if id == "" {
		id = h.node.Generate().Base58()
	} else if !validID(id) {
		h.writeError(w, errValidation, "shareId must be 1-64 characters of [A-Za-z0-9_-]")
		return
	}

	html := h.sanitizer.Sanitize(req.HTMLContent)
	now := time.Now().UTC()
	doc := &store.Document{
		ID:         id,
		Title:      req.Title,
		Markdown:   req.Content,
		HTML:       html,
		RenderMode: renderMode(html),
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		return h.store.Create(ctx, doc)
	})
	switch {
	case errors.Is(err, store.ErrIDConflict):
		h.writeError(w, errIDConflict, "a share with this id already exists")
		return
	case errors.Is(err, store.ErrTransient):
		h.writeError(w, errTransient, "storage temporarily unavailable")
		return
	case err != nil:
		h.writeError(w, errInternal, "failed to create share")
		return
	}

	h.invalidateCache(r.Context(), id)
	h.logger.Info("Share created",
		zap.String("share_id", id),
		zap.String("render_mode", doc.RenderMode))

	writeJSON(w, http.StatusCreated, createResponse{
		ShareID:          id,
		CollaborativeURL: h.editURL(id),
		ViewURL:          h.viewURL(id),
		Title:            req.Title,
	})
}

type fetchResponse struct {
	ShareID          string    `json:"shareId"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	HTMLContent      *string   `json:"htmlContent"`
	RenderMode       string    `json:"renderMode"`
	ViewURL          string    `json:"viewUrl"`
	CollaborativeURL string    `json:"collaborativeUrl"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Permissions      string    `json:"permissions"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var doc *store.Document
	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		doc, err = h.store.Get(ctx, id)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, errNotFound, "share not found")
		return
	case errors.Is(err, store.ErrTransient):
		h.writeError(w, errTransient, "storage temporarily unavailable")
		return
	case err != nil:
		h.writeError(w, errInternal, "failed to fetch share")
		return
	}

	var html *string
	if doc.HTML != "" {
		html = &doc.HTML
	}
	writeJSON(w, http.StatusOK, fetchResponse{
		ShareID:          doc.ID,
		Title:            doc.Title,
		Content:          doc.Markdown,
		HTMLContent:      html,
		RenderMode:       doc.RenderMode,
		ViewURL:          h.viewURL(doc.ID),
		CollaborativeURL: h.editURL(doc.ID),
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		Permissions:      "edit",
	})
}

type updateRequest struct {
	Title       *string        `json:"title"`
	Content     *string        `json:"content"`
	HTMLContent *string        `json:"htmlContent"`
	Metadata    map[string]any `json:"metadata"`
}

type updateResponse struct {
	Success   bool      `json:"success"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxMarkdownBytes+h.opts.MaxHTMLBytes+64*1024)
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, errPayloadTooLarge, "request body too large")
			return
		}
		h.writeError(w, errValidation, "invalid JSON body")
		return
	}

	patch := store.Patch{Metadata: req.Metadata}
	if req.Title != nil {
		if *req.Title == "" {
			h.writeError(w, errValidation, "title must not be empty")
			return
		}
		if len(*req.Title) > h.opts.MaxTitleLength {
			h.writeError(w, errValidation, "title too long")
			return
		}
		patch.Title = req.Title
	}
	if req.Content != nil {
		if *req.Content == "" {
			h.writeError(w, errValidation, "content must not be empty")
			return
		}
		if int64(len(*req.Content)) > h.opts.MaxMarkdownBytes {
			h.writeError(w, errPayloadTooLarge, "markdown exceeds the configured maximum")
			return
		}
		patch.Markdown = req.Content
	}
	if req.HTMLContent != nil {
		if int64(len(*req.HTMLContent)) > h.opts.MaxHTMLBytes {
			h.writeError(w, errPayloadTooLarge, "html exceeds the configured maximum")
			return
		}
		// Re-sanitize and recompute the render mode on every html change.
		html := h.sanitizer.Sanitize(*req.HTMLContent)
		mode := renderMode(html)
		patch.HTML = &html
		patch.RenderMode = &mode
	}

	var doc *store.Document
	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		doc, err = h.store.Update(ctx, id, patch)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, errNotFound, "share not found")
		return
	case errors.Is(err, store.ErrTransient):
		h.writeError(w, errTransient, "storage temporarily unavailable")
		return
	case err != nil:
		h.writeError(w, errInternal, "failed to update share")
		return
	}

	h.invalidateCache(r.Context(), id)
	writeJSON(w, http.StatusOK, updateResponse{Success: true, UpdatedAt: doc.UpdatedAt})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		return h.store.Delete(ctx, id)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, errNotFound, "share not found")
		return
	case errors.Is(err, store.ErrTransient):
		h.writeError(w, errTransient, "storage temporarily unavailable")
		return
	case err != nil:
		h.writeError(w, errInternal, "failed to delete share")
		return
	}

	h.invalidateCache(r.Context(), id)
	h.logger.Info("Share deleted", zap.String("share_id", id))
	w.WriteHeader(http.StatusNoContent)
}

type listResponse struct {
	Shares []store.Summary `json:"shares"`
	Count  int             `json:"count"`
	Limit  int64           `json:"limit"`
	Offset int64           `json:"offset"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Source:        r.URL.Query().Get("source"),
		TitleContains: r.URL.Query().Get("title"),
		Limit:         50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > 500 {
			h.writeError(w, errValidation, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			h.writeError(w, errValidation, "offset must not be negative")
			return
		}
		filter.Offset = n
	}

	var summaries []store.Summary
	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		summaries, err = h.store.List(ctx, filter)
		return err
	})
	switch {
	case errors.Is(err, store.ErrTransient):
		h.writeError(w, errTransient, "storage temporarily unavailable")
		return
	case err != nil:
		h.writeError(w, errInternal, "failed to list shares")
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Shares: summaries,
		Count:  len(summaries),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
	Version  string            `json:"version"`
	Uptime   string            `json:"uptime"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{
		"database":   "ok",
		"redis":      "ok",
		"hocuspocus": "ok",
	}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		services["database"] = "error"
		status = http.StatusServiceUnavailable
	}
	if err := h.coord.Ping(ctx); err != nil {
		services["redis"] = "error"
		status = http.StatusServiceUnavailable
	}
	if h.hub == nil {
		services["hocuspocus"] = "disabled"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, healthResponse{
		Status:   overall,
		Services: services,
		Version:  h.opts.Version,
		Uptime:   time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}

// withRetry runs op once and, on a transient failure, retries once after a
// short backoff before giving up.
func (h *Handler) withRetry(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || !errors.Is(err, store.ErrTransient) {
		return err
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return err
	}
	return op(ctx)
}

// invalidateCache drops the hot-cached document state so hub instances load
// fresh bytes from the store. Best effort.
func (h *Handler) invalidateCache(ctx context.Context, id string) {
	if h.coord == nil {
		return
	}
	if err := h.coord.Invalidate(ctx, id); err != nil {
		h.logger.Warn("Failed to invalidate cached state",
			zap.String("share_id", id),
			zap.Error(err))
	}
}
