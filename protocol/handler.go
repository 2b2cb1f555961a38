package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/store"
	"github.com/wolfeidau/artifact-cache/store/index"
	"github.com/wolfeidau/artifact-cache/telemetry"
)

// Handler executes requests against the entries index and content store.
// It is safe for concurrent use; each request is independent.
type Handler struct {
	index  index.Index
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a new request handler.
func NewHandler(idx index.Index, st store.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		index:  idx,
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle decodes one request datagram, executes it and returns the encoded
// response datagram. It always returns a response, including for malformed
// input and internal faults.
func (h *Handler) Handle(ctx context.Context, datagram []byte) (out []byte) {
	start := time.Now()

	req, err := DecodeRequest(datagram)
	logger := h.logger.With("request_id", requestID(req))

	var resp *Response
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "op", req.Op, "panic", r)
			resp = &Response{Status: StatusStoreError, ID: req.ID, Message: "internal error"}
			out = EncodeResponse(resp)
		}
		h.observe(ctx, logger, req, resp, start, len(datagram), len(out))
	}()

	if err != nil {
		resp = &Response{Status: StatusMalformed, ID: req.ID, Message: err.Error()}
		return EncodeResponse(resp)
	}

	resp = h.Serve(ctx, req)
	resp.ID = req.ID

	out = EncodeResponse(resp)
	if len(out) > MaxDatagramSize {
		resp = &Response{
			Status:   StatusTooLarge,
			Metadata: resp.Metadata,
			ID:       req.ID,
			Message:  fmt.Sprintf("response of %d bytes exceeds datagram limit", len(out)),
		}
		out = EncodeResponse(resp)
	}
	return out
}

// Serve executes a decoded request.
func (h *Handler) Serve(ctx context.Context, req *Request) *Response {
	switch req.Op {
	case OpGet:
		return h.get(ctx, req.Key)
	case OpPut:
		return h.put(ctx, req.Key, req.Payload)
	case OpStat:
		return h.stat(ctx, req.Key)
	case OpEvict:
		return h.evict(ctx, req.Key)
	case OpPing:
		return &Response{Status: StatusOk}
	default:
		return &Response{Status: StatusMalformed, Message: fmt.Sprintf("unknown op %s", req.Op)}
	}
}

func (h *Handler) get(ctx context.Context, key []byte) *Response {
	entry, err := h.index.Lookup(ctx, key)
	if errors.Is(err, index.ErrMiss) {
		return &Response{Status: StatusMiss}
	}
	if err != nil {
		return storeError("looking up entry", err)
	}

	data, err := h.store.Get(ctx, entry.Hash)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupted) {
		h.removeDangling(ctx, key, entry, err)
		return &Response{
			Status:   StatusInconsistent,
			Metadata: metadataFromEntry(entry),
			Message:  err.Error(),
		}
	}
	if err != nil {
		return storeError("reading blob", err)
	}

	if len(data) > MaxPayloadSize {
		return &Response{
			Status:   StatusTooLarge,
			Metadata: metadataFromEntry(entry),
			Message:  fmt.Sprintf("blob of %d bytes exceeds inline limit", len(data)),
		}
	}

	return &Response{Status: StatusOk, Metadata: metadataFromEntry(entry), Payload: data}
}

// removeDangling drops an entry whose blob is gone or unreadable, unless a
// concurrent Put has already pointed the key at other content.
func (h *Handler) removeDangling(ctx context.Context, key []byte, entry *index.Entry, cause error) {
	h.logger.Warn("entry references unavailable blob",
		"key", artifactcache.Key(key),
		"hash", entry.Hash.ShortString(),
		"error", cause,
	)

	current, err := h.index.Peek(ctx, key)
	if err != nil || current.Hash != entry.Hash {
		return
	}
	if _, err := h.index.Remove(ctx, key); err != nil && !errors.Is(err, index.ErrMiss) {
		h.logger.Error("failed to remove dangling entry", "key", artifactcache.Key(key), "error", err)
	}
}

func (h *Handler) put(ctx context.Context, key, payload []byte) *Response {
	if len(payload) > MaxPayloadSize {
		return &Response{
			Status:  StatusTooLarge,
			Message: fmt.Sprintf("payload of %d bytes exceeds inline limit of %d", len(payload), MaxPayloadSize),
		}
	}

	// The blob is published before the entry so readers never see an entry
	// without its content. It stays pinned until the entry is recorded so
	// reclamation cannot remove it in between.
	stored, release, err := h.store.PutPinned(ctx, payload)
	defer release()
	if err != nil {
		return storeError("storing blob", err)
	}
	hash := stored.Hash

	now := h.now().UTC()
	entry := index.Entry{
		Hash:       hash,
		Size:       int64(len(payload)),
		CreatedAt:  now,
		LastAccess: now,
	}
	previous, err := h.index.Insert(ctx, key, entry)
	if err != nil {
		return storeError("inserting entry", err)
	}
	if previous != nil && previous.Hash != hash {
		h.logger.Debug("replaced entry",
			"key", artifactcache.Key(key),
			"previous_hash", previous.Hash.ShortString(),
			"hash", hash.ShortString(),
		)
	}

	return &Response{Status: StatusOk, Metadata: metadataFromEntry(&entry)}
}

func (h *Handler) stat(ctx context.Context, key []byte) *Response {
	entry, err := h.index.Peek(ctx, key)
	if errors.Is(err, index.ErrMiss) {
		return &Response{Status: StatusMiss}
	}
	if err != nil {
		return storeError("reading entry", err)
	}
	return &Response{Status: StatusOk, Metadata: metadataFromEntry(entry)}
}

func (h *Handler) evict(ctx context.Context, key []byte) *Response {
	removed, err := h.index.Remove(ctx, key)
	if errors.Is(err, index.ErrMiss) {
		return &Response{Status: StatusMiss}
	}
	if err != nil {
		return storeError("removing entry", err)
	}
	return &Response{Status: StatusOk, Metadata: metadataFromEntry(removed)}
}

func (h *Handler) observe(ctx context.Context, logger *slog.Logger, req *Request, resp *Response, start time.Time, bytesIn, bytesOut int) {
	duration := time.Since(start)
	op := "unknown"
	if req.Op != 0 {
		op = req.Op.String()
	}
	telemetry.RecordRequest(ctx, op, resp.Status.String(), duration, int64(bytesIn), int64(bytesOut))

	attrs := []any{
		"op", op,
		"status", resp.Status.String(),
		"bytes_in", bytesIn,
		"bytes_out", bytesOut,
		"duration", duration,
	}
	if req.Key != nil {
		attrs = append(attrs, "key", artifactcache.Key(req.Key))
	}
	if resp.Message != "" {
		attrs = append(attrs, "message", resp.Message)
	}

	switch resp.Status {
	case StatusOk, StatusMiss:
		logger.Debug("request", attrs...)
	case StatusStoreError:
		logger.Error("request", attrs...)
	default:
		logger.Warn("request", attrs...)
	}
}

func storeError(doing string, err error) *Response {
	return &Response{Status: StatusStoreError, Message: fmt.Sprintf("%s: %v", doing, err)}
}

func metadataFromEntry(e *index.Entry) *Metadata {
	return &Metadata{
		Hash:       e.Hash,
		Size:       e.Size,
		CreatedAt:  e.CreatedAt,
		LastAccess: e.LastAccess,
	}
}

// requestID names a request in logs: the client's correlation id when it
// sent one, otherwise a fresh UUID.
func requestID(req *Request) string {
	if len(req.ID) > 0 {
		return artifactcache.Key(req.ID).String()
	}
	return uuid.NewString()
}
