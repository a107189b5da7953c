// Package handler serves the finalized index as JSON over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/storage/objectindex"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/viewer/cache"
	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/logger"
)

// Index is the query surface of indexer.Engine.
type Index interface {
	Types() ([]indexer.TypeEntry, error)
	ClassName(classID uint64) (string, bool)
	LookupObject(id uint64) (objectindex.Record, error)
	ListClassInstances(ctx context.Context, classID uint64, offset, limit int) ([]indexer.ClassInstance, error)
	ListObjectArrays(elementClassID uint64, offset, limit int) ([]uint64, error)
	ListPrimitiveArrays(kind heapdump.PrimitiveKind, offset, limit int) ([]uint64, error)
	ShowInstance(ctx context.Context, id uint64) (indexer.ClassInstance, error)
	ListObjectArrayElements(ctx context.Context, arrayID uint64, offset, limit int) ([]indexer.Ref, error)
	ListPrimitiveArrayElements(ctx context.Context, arrayID uint64, offset, limit int) ([]string, error)
}

type Handler struct {
	index        Index
	cache        *cache.DetailCache
	defaultLimit int
	maxLimit     int
	logger       *slog.Logger
}

// New creates a Handler. detailCache may be nil.
func New(index Index, detailCache *cache.DetailCache, defaultLimit, maxLimit int) *Handler {
	return &Handler{
		index:        index,
		cache:        detailCache,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		logger:       slog.Default().With("component", "viewer-handler"),
	}
}

// Register adds the query routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /types", h.Types)
	mux.HandleFunc("GET /classes/{id}/instances", h.ClassInstances)
	mux.HandleFunc("GET /arrays/objects/{id}", h.ObjectArrays)
	mux.HandleFunc("GET /arrays/primitives/{kind}", h.PrimitiveArrays)
	mux.HandleFunc("GET /objects/{id}", h.Object)
	mux.HandleFunc("GET /objects/{id}/elements", h.Elements)
}

type typesResponse struct {
	Total int                 `json:"total"`
	Types []indexer.TypeEntry `json:"types"`
}

type page[T any] struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Count  int `json:"count"`
	Items  []T `json:"items"`
}

func newPage[T any](offset, limit int, items []T) page[T] {
	if items == nil {
		items = []T{}
	}
	return page[T]{Offset: offset, Limit: limit, Count: len(items), Items: items}
}

// objectSummary describes an array; instances are returned in full.
type objectSummary struct {
	ID       uint64 `json:"id"`
	Kind     string `json:"kind"`
	TypeName string `json:"type_name"`
}

func (h *Handler) Types(w http.ResponseWriter, r *http.Request) {
	types, err := h.index.Types()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, typesResponse{Total: len(types), Types: types})
}

func (h *Handler) ClassInstances(w http.ResponseWriter, r *http.Request) {
	id, offset, limit, ok := h.parseWindow(w, r, "id")
	if !ok {
		return
	}
	items, err := h.index.ListClassInstances(r.Context(), id, offset, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newPage(offset, limit, items))
}

func (h *Handler) ObjectArrays(w http.ResponseWriter, r *http.Request) {
	id, offset, limit, ok := h.parseWindow(w, r, "id")
	if !ok {
		return
	}
	ids, err := h.index.ListObjectArrays(id, offset, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newPage(offset, limit, ids))
}

func (h *Handler) PrimitiveArrays(w http.ResponseWriter, r *http.Request) {
	kind, err := heapdump.ParsePrimitiveKind(r.PathValue("kind"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, limit, err := h.window(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ids, err := h.index.ListPrimitiveArrays(kind, offset, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newPage(offset, limit, ids))
}

func (h *Handler) Object(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := h.index.LookupObject(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	switch rec.Kind {
	case heapdump.KindInstance:
		start := time.Now()
		inst, cached, err := h.instance(r.Context(), id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		logger.FromContext(r.Context()).Debug("instance shown",
			"object_id", id,
			"fields", len(inst.Fields),
			"cache_hit", cached,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		h.writeJSON(w, http.StatusOK, inst)
	default:
		h.writeJSON(w, http.StatusOK, h.summarize(id, rec))
	}
}

func (h *Handler) Elements(w http.ResponseWriter, r *http.Request) {
	id, offset, limit, ok := h.parseWindow(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.index.LookupObject(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()
	switch rec.Kind {
	case heapdump.KindObjectArray:
		refs, err := cached(ctx, h, h.elementsKey(id, offset, limit), func() ([]indexer.Ref, error) {
			return h.index.ListObjectArrayElements(ctx, id, offset, limit)
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, newPage(offset, limit, refs))
	case heapdump.KindPrimitiveArray:
		values, err := cached(ctx, h, h.elementsKey(id, offset, limit), func() ([]string, error) {
			return h.index.ListPrimitiveArrayElements(ctx, id, offset, limit)
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, newPage(offset, limit, values))
	default:
		h.fail(w, r, fmt.Errorf("object %#x is not an array: %w", id, apperrors.ErrInvalidInput))
	}
}

func (h *Handler) instance(ctx context.Context, id uint64) (indexer.ClassInstance, bool, error) {
	compute := func() (indexer.ClassInstance, error) { return h.index.ShowInstance(ctx, id) }
	if h.cache == nil {
		inst, err := compute()
		return inst, false, err
	}
	return cache.GetOrCompute(ctx, h.cache, h.cache.InstanceKey(id), compute)
}

func (h *Handler) elementsKey(id uint64, offset, limit int) string {
	if h.cache == nil {
		return ""
	}
	return h.cache.ElementsKey(id, offset, limit)
}

func cached[T any](ctx context.Context, h *Handler, key string, compute func() (T, error)) (T, error) {
	if h.cache == nil {
		return compute()
	}
	v, _, err := cache.GetOrCompute(ctx, h.cache, key, compute)
	return v, err
}

func (h *Handler) summarize(id uint64, rec objectindex.Record) objectSummary {
	s := objectSummary{ID: id, Kind: rec.Kind.String()}
	switch rec.Kind {
	case heapdump.KindObjectArray:
		name, ok := h.index.ClassName(rec.TypeKey)
		if !ok {
			name = "<???>"
		}
		s.TypeName = name + "[]"
	case heapdump.KindPrimitiveArray:
		s.TypeName = rec.PrimitiveKind().String() + "[]"
	}
	return s
}

// parseWindow reads the {name} path id and the offset/limit query parameters,
// writing a 400 and reporting false when any is malformed.
func (h *Handler) parseWindow(w http.ResponseWriter, r *http.Request, name string) (id uint64, offset, limit int, ok bool) {
	id, err := parseID(r.PathValue(name))
	if err == nil {
		offset, limit, err = h.window(r)
	}
	if err != nil {
		h.fail(w, r, err)
		return 0, 0, 0, false
	}
	return id, offset, limit, true
}

func (h *Handler) window(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()
	limit = h.defaultLimit
	if s := q.Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer: %w", apperrors.ErrInvalidInput)
		}
	}
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer: %w", apperrors.ErrInvalidInput)
		}
		if limit > h.maxLimit {
			limit = h.maxLimit
		}
	}
	return offset, limit, nil
}

// parseID accepts decimal or 0x-prefixed hexadecimal ids.
func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, apperrors.ErrInvalidInput)
	}
	return id, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("query failed", "path", r.URL.Path, "error", err)
		message = "internal error"
	} else {
		log.Debug("query rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeError(w, status, message)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
