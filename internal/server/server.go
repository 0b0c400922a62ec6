package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"restline/internal/data"
	"restline/internal/dispatch"
	"restline/internal/envelope"
	"restline/internal/partition"
	"restline/internal/protocol"
)

// DefaultMaxBodyBytes caps request bodies when Config.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 8 << 20

// Config for the HTTP handler.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	BasePath   string
	Auth       AuthConfig
	// Table and Health back the /admin/ring endpoints; both may be nil.
	Table        *partition.Table
	Health       *partition.HealthMonitor
	StackTraces  bool
	MaxBodyBytes int64
	Logger       *zap.Logger
}

type requestIDKey struct{}
type bodyBytesKey struct{}

// apiError is a huma error rendered in the protocol error envelope.
type apiError struct {
	envelope.ErrorResponse
}

func (e *apiError) GetStatus() int { return e.Status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler serving the registered resources under the base
// path and the admin API under /admin.
func New(cfg Config) (http.Handler, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("server: dispatcher is required")
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	log := cfg.Logger.Named("server")

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the protocol envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(frameworkError(status, msg), "")
	}
	huma.NewErrorWithContext = func(hctx huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Request validation errors are client errors like any other bad input.
			status = http.StatusBadRequest
		}
		se := frameworkError(status, msg)
		if len(errs) > 0 {
			details := make([]any, 0, len(errs))
			for _, e := range errs {
				details = append(details, e.Error())
			}
			se = se.WithDetails("", map[string]any{"errors": details})
		}
		return newAPIError(se, requestIDFrom(hctx.Context()))
	}

	router := chi.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(accessLog(log))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				status := http.StatusBadRequest
				if errors.As(err, &tooLarge) {
					status = http.StatusRequestEntityTooLarge
				}
				writeFailure(w, r, cfg.StackTraces, frameworkError(status, "failed to read request body: "+err.Error()))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(cfg.Auth, cfg.StackTraces, log))

	hcfg := huma.DefaultConfig("restline admin", "1.0.0")
	hcfg.OpenAPIPath = "/admin/openapi"
	hcfg.SchemasPath = "/admin/schemas"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, "/admin")
	group.UseMiddleware(errorHeader)
	registerHealth(group)
	registerResources(group, cfg.Dispatcher.Registry())
	registerRing(group, cfg.Table, cfg.Health)

	ph := &protocolHandler{
		dispatcher:  cfg.Dispatcher,
		basePath:    basePath,
		stackTraces: cfg.StackTraces,
		log:         log,
	}
	router.Handle(basePath+"/*", ph)
	return router, nil
}

// frameworkError builds a framework-sourced error for an arbitrary status.
func frameworkError(status int, msg string) *envelope.ServiceError {
	switch status {
	case http.StatusBadRequest:
		return envelope.BadRequest("%s", msg)
	case http.StatusUnauthorized:
		return envelope.Unauthorized("%s", msg)
	case http.StatusForbidden:
		return envelope.Forbidden("%s", msg)
	case http.StatusNotFound:
		return envelope.NotFound("%s", msg)
	case http.StatusConflict:
		return envelope.Conflict("%s", msg)
	case http.StatusServiceUnavailable:
		return envelope.Unavailable("%s", msg)
	case http.StatusGatewayTimeout:
		return envelope.Timeout("%s", msg)
	case http.StatusInternalServerError:
		return envelope.Internal("%s", msg)
	}
	se := envelope.New(status, msg)
	se.Source = envelope.SourceFramework
	return se
}

func newAPIError(se *envelope.ServiceError, requestID string) huma.StatusError {
	return &apiError{ErrorResponse: se.ToResponse(requestID, false)}
}

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	return newAPIError(dispatch.Classify(err), requestIDFrom(ctx))
}

// errorHeader marks admin error responses the same way protocol errors are marked.
func errorHeader(hctx huma.Context, next func(huma.Context)) {
	next(&errorHeaderContext{humaContext: hctx})
}

// humaContext lets errorHeaderContext embed huma.Context without a field
// named Context shadowing the interface's Context method.
type humaContext = huma.Context

type errorHeaderContext struct {
	humaContext
}

func (c *errorHeaderContext) SetStatus(code int) {
	if code >= http.StatusBadRequest {
		c.humaContext.SetHeader(protocol.HeaderErrorResponse, "true")
	}
	c.humaContext.SetStatus(code)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(protocol.HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(protocol.HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func bodyFrom(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestIDFrom(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				log.Warn("request", fields...)
				return
			}
			log.Info("request", fields...)
		})
	}
}

// protocolHandler adapts HTTP requests to the dispatcher.
type protocolHandler struct {
	dispatcher  *dispatch.Dispatcher
	basePath    string
	stackTraces bool
	log         *zap.Logger
}

func (h *protocolHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, err := protocol.ParseQuery(r.URL.RawQuery)
	if err != nil {
		writeFailure(w, r, h.stackTraces, envelope.BadRequest("Invalid query string: %v", err).WithCause(err))
		return
	}
	var body any
	if raw := bodyFrom(ctx); len(bytes.TrimSpace(raw)) > 0 {
		codec := data.CodecFor(r.Header.Get("Content-Type"))
		body, err = codec.Unmarshal(raw)
		if err != nil {
			writeFailure(w, r, h.stackTraces, envelope.BadRequest("Invalid %s request body: %v", codec.ContentType(), err).WithCause(err))
			return
		}
	}
	req := &dispatch.Request{
		Verb:      r.Method,
		Path:      strings.TrimPrefix(r.URL.EscapedPath(), h.basePath),
		Query:     q,
		Headers:   r.Header,
		Body:      body,
		RequestID: requestIDFrom(ctx),
	}
	if p, ok := principalFromContext(ctx); ok {
		req.Actor = p.ActorID
	}
	resp := h.dispatcher.Handle(ctx, req)
	if err := writeResponse(w, r, resp); err != nil {
		h.log.Error("encode response",
			zap.String("request_id", req.RequestID),
			zap.Int("status", resp.Status),
			zap.Error(err))
		writeFailure(w, r, h.stackTraces, envelope.Internal("failed to encode response: %v", err).WithCause(err))
	}
}

// writeResponse encodes resp with the codec the client accepts. Nothing is
// written when encoding fails.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *envelope.Response) error {
	var payload []byte
	codec := data.CodecFor(r.Header.Get("Accept"))
	if resp.Body != nil && resp.Status != http.StatusNoContent {
		b, err := codec.Marshal(resp.Body)
		if err != nil {
			return err
		}
		payload = b
	}
	h := w.Header()
	for k, vs := range resp.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if payload != nil {
		h.Set("Content-Type", codec.ContentType())
	}
	w.WriteHeader(resp.Status)
	if payload != nil {
		_, _ = w.Write(payload)
	}
	return nil
}

// writeFailure renders a failure outside the dispatcher. The envelope only
// holds strings and integers, so JSON is used if the negotiated codec fails.
func writeFailure(w http.ResponseWriter, r *http.Request, stackTraces bool, se *envelope.ServiceError) {
	rnd := envelope.Renderer{RequestID: requestIDFrom(r.Context()), StackTraces: stackTraces}
	resp := rnd.Failure(se)
	if err := writeResponse(w, r, resp); err != nil {
		b, _ := data.JSON.Marshal(resp.Body)
		w.Header().Set(protocol.HeaderErrorResponse, "true")
		w.Header().Set("Content-Type", data.ContentTypeJSON)
		w.WriteHeader(resp.Status)
		_, _ = w.Write(b)
	}
}
