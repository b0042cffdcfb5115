package durablestreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/durable-streams/streamd/store"
	"go.uber.org/zap"
)

// Protocol header names (spec.md §6).
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderStreamCursor     = "Stream-Cursor"
	HeaderStreamUpToDate   = "Stream-Up-To-Date"
	HeaderStreamSeq        = "Stream-Seq"
	HeaderStreamTTL        = "Stream-TTL"
	HeaderStreamExpiresAt  = "Stream-Expires-At"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	streamPath := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamPath),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamPath)
	case http.MethodHead:
		err = h.handleHead(w, r, streamPath)
	case http.MethodGet:
		err = h.handleRead(w, r, streamPath)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamPath)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// handleCreate handles PUT requests to create (or idempotently re-create) a stream.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	var initialData []byte
	if r.ContentLength != 0 {
		if r.ContentLength > store.MaxMessageSize {
			return newHTTPError(http.StatusRequestEntityTooLarge, "request body exceeds maximum frame size")
		}
		var err error
		initialData, err = io.ReadAll(io.LimitReader(r.Body, store.MaxMessageSize+1))
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
		if len(initialData) > store.MaxMessageSize {
			return newHTTPError(http.StatusRequestEntityTooLarge, "request body exceeds maximum frame size")
		}
	}

	opts := store.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: initialData,
	}

	meta, wasCreated, err := h.store.Create(path, opts)
	if err != nil {
		if errors.Is(err, store.ErrConfigMismatch) {
			return newHTTPError(http.StatusConflict, "stream exists with different configuration")
		}
		if errors.Is(err, store.ErrInvalidJSON) {
			return newHTTPError(http.StatusBadRequest, "invalid JSON")
		}
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())

	if wasCreated {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	return nil
}

// handleHead handles HEAD requests for stream metadata.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	w.Header().Set("Cache-Control", "no-store")

	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// isLiveStreamable reports whether contentType is eligible for SSE
// framing: text/* or application/json (spec.md §4.I).
func isLiveStreamable(contentType string) bool {
	ct := strings.ToLower(store.ExtractMediaType(contentType))
	return strings.HasPrefix(ct, "text/") || ct == "application/json"
}

// handleRead handles GET requests: a plain historical read, a
// long-poll wait, an SSE stream, or (live=auto) whichever of the two
// live modes fits the stream's content type.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}

	offset, err := store.ParseOffset(offsetStr)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	if liveMode == "auto" {
		if isLiveStreamable(meta.ContentType) {
			liveMode = "sse"
		} else {
			liveMode = "long-poll"
		}
	}

	if (liveMode == "long-poll" || liveMode == "sse") && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for live read modes")
	}

	if liveMode == "sse" {
		return h.handleSSE(w, r, path, offset, cursor)
	}

	messages, _, err := h.store.Read(path, offset)
	if err != nil {
		return err
	}

	nextOffset := offset
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	} else {
		nextOffset = meta.CurrentOffset
	}

	if liveMode == "long-poll" && len(messages) == 0 {
		timeout := time.Duration(h.LongPollTimeout)
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		var timedOut bool
		messages, timedOut, err = h.store.WaitForMessages(ctx, path, offset, timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.Header().Set("Content-Type", meta.ContentType)
				w.Header().Set(HeaderStreamNextOffset, offset.String())
				w.Header().Set(HeaderStreamUpToDate, "true")
				w.WriteHeader(http.StatusNoContent)
				return nil
			}
			return err
		}

		if timedOut {
			w.Header().Set("Content-Type", meta.ContentType)
			w.Header().Set(HeaderStreamNextOffset, offset.String())
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.WriteHeader(http.StatusNoContent)
			return nil
		}

		if len(messages) > 0 {
			nextOffset = messages[len(messages)-1].Offset
		}
	}

	currentMeta, _ := h.store.Get(path)
	upToDate := currentMeta != nil && nextOffset.Equal(currentMeta.CurrentOffset)

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())

	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}

	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, h.cursor.Next(cursor))
	}

	etag := fmt.Sprintf(`"%s:%s:%s"`, path, offset.String(), nextOffset.String())
	w.Header().Set("ETag", etag)

	if !upToDate && len(messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body, err := h.formatResponse(path, messages, meta.ContentType)
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

// handleSSE streams messages as Server-Sent Events. A connection is
// closed every SSEReconnectInterval so a CDN sitting in front of this
// handler can collapse concurrent reconnecting clients onto one
// upstream fetch instead of holding one socket open per client forever.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, offset store.Offset, cursor string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		return err
	}

	if !isLiveStreamable(meta.ContentType) {
		return newHTTPError(http.StatusBadRequest, "SSE mode requires text/* or application/json content type")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	reconnectTimer := time.NewTimer(time.Duration(h.SSEReconnectInterval))
	defer reconnectTimer.Stop()

	currentOffset := offset
	sentInitialControl := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconnectTimer.C:
			return nil
		default:
			messages, _, err := h.store.Read(path, currentOffset)
			if err != nil {
				return err
			}

			if len(messages) > 0 {
				body, _ := h.formatResponse(path, messages, meta.ContentType)
				fmt.Fprintf(w, "event: data\n")
				for _, line := range strings.Split(string(body), "\n") {
					fmt.Fprintf(w, "data: %s\n", line)
				}
				fmt.Fprintf(w, "\n")

				currentOffset = messages[len(messages)-1].Offset

				h.writeSSEControl(w, currentOffset, cursor)
				flusher.Flush()
				sentInitialControl = true
			} else if !sentInitialControl {
				currentMeta, err := h.store.Get(path)
				if err == nil {
					h.writeSSEControl(w, currentMeta.CurrentOffset, cursor)
					flusher.Flush()
				}
				sentInitialControl = true
			}

			waitTimeout := 100 * time.Millisecond
			waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
			h.store.WaitForMessages(waitCtx, path, currentOffset, waitTimeout)
			cancel()
		}
	}
}

func (h *Handler) writeSSEControl(w http.ResponseWriter, offset store.Offset, cursor string) {
	control := map[string]string{
		"streamNextOffset": offset.String(),
		"streamCursor":     h.cursor.Next(cursor),
	}
	controlJSON, _ := json.Marshal(control)
	fmt.Fprintf(w, "event: control\n")
	fmt.Fprintf(w, "data: %s\n\n", controlJSON)
}

// handleAppend handles POST requests to append to a stream.
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}

	if !store.ContentTypeMatches(meta.ContentType, contentType) {
		return newHTTPError(http.StatusConflict, "content type mismatch")
	}

	if r.ContentLength > store.MaxMessageSize {
		return newHTTPError(http.StatusRequestEntityTooLarge, "request body exceeds maximum frame size")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, store.MaxMessageSize+1))
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) > store.MaxMessageSize {
		return newHTTPError(http.StatusRequestEntityTooLarge, "request body exceeds maximum frame size")
	}

	if len(body) == 0 {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	opts := store.AppendOptions{
		Seq:         r.Header.Get(HeaderStreamSeq),
		ContentType: contentType,
	}

	newOffset, err := h.store.Append(path, body, opts)
	if err != nil {
		if errors.Is(err, store.ErrSequenceConflict) {
			return newHTTPError(http.StatusConflict, "sequence number conflict")
		}
		if errors.Is(err, store.ErrContentTypeMismatch) {
			return newHTTPError(http.StatusConflict, "content type mismatch")
		}
		if errors.Is(err, store.ErrInvalidJSON) {
			return newHTTPError(http.StatusBadRequest, "invalid JSON")
		}
		if errors.Is(err, store.ErrEmptyJSONArray) {
			return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
		}
		if errors.Is(err, store.ErrMessageTooLarge) {
			return newHTTPError(http.StatusRequestEntityTooLarge, "message exceeds maximum frame size")
		}
		return err
	}

	w.Header().Set(HeaderStreamNextOffset, newOffset.String())
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleDelete handles DELETE requests to remove a stream.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	err := h.store.Delete(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// formatResponse renders messages per the stream's content-type framing rules.
func (h *Handler) formatResponse(path string, messages []store.Message, contentType string) ([]byte, error) {
	if store.IsJSONContentType(contentType) {
		return store.FormatJSONResponse(messages), nil
	}

	var total int
	for _, msg := range messages {
		total += len(msg.Data)
	}
	result := make([]byte, 0, total)
	for _, msg := range messages {
		result = append(result, msg.Data...)
	}
	return result, nil
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// ttlRegex enforces a positive integer without leading zeros, plus
// signs, decimals, or scientific notation.
var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$`)

func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a positive integer without leading zeros")
	}

	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("TTL must be positive")
	}

	return ttl, nil
}
