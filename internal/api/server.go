// Package api serves the task-control REST surface and the live SSE
// stream of recorded steps.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/webtrace/internal/relay"
	"github.com/dgnsrekt/webtrace/internal/service"
	"github.com/dgnsrekt/webtrace/internal/store"
)

// Service is the capture-session surface the handlers call.
type Service interface {
	CreateTask(ctx context.Context, description, taskType, source, website string) (*store.Task, error)
	EndTask(ctx context.Context, id int64) (*store.Task, error)
	SaveAnswer(ctx context.Context, id int64, answer string) (*store.Task, error)
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	ListSteps(ctx context.Context, id int64) ([]*store.Step, error)
	Status(ctx context.Context) service.SessionStatus
}

// NewServer builds the HTTP handler: huma-described REST routes plus the
// raw SSE endpoint.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Webtrace Recorder API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	// SSE does not fit huma's request/response model; it mounts straight
	// on the router.
	router.Get("/api/v1/events", relay.SSEHandler(broker))

	registerTaskHandlers(api, svc)
	registerStepHandlers(api, svc)
	registerHealthHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *service.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case service.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case service.CodeTaskNotFound:
			return huma.Error404NotFound(coded.Message)
		case service.CodeSessionBusy:
			return huma.Error409Conflict(coded.Message)
		case service.CodeNoSession, service.CodeSessionDead:
			return huma.Error409Conflict(coded.Message)
		default:
			return huma.Error500InternalServerError(coded.Message)
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
