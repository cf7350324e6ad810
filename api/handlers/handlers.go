// Package handlers serves the workflow engine over HTTP, SSE and MCP.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

const (
	defaultHeartbeat = 15 * time.Second
	maxBodyBytes     = 1 << 20
)

// API holds the dependencies of the HTTP handlers.
type API struct {
	Engine   *workflow.Engine
	Manager  *WorkflowManager
	Catalog  workflow.Catalog
	Contexts workflow.ContextLibrary // Optional
	Log      *slog.Logger
	Dialect  string // Reported by /api/version

	// Heartbeat is the interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

// Routes mounts the API under r.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/workflow", func(r chi.Router) {
		r.Post("/invoke", a.Invoke)
		r.Post("/stream", a.Stream)
		r.Post("/{thread_id}/resume", a.Resume)
		r.Post("/{thread_id}/replay", a.Replay)
		r.Get("/{thread_id}/stream", a.Attach)
		r.Get("/{thread_id}/history", a.History)
		r.Get("/{thread_id}/state", a.State)
		r.Delete("/{thread_id}", a.Cancel)
	})
	r.Route("/api/threads/{thread_id}/information", func(r chi.Router) {
		r.Get("/", a.GetInformation)
		r.Put("/", a.PutInformation)
		r.Delete("/", a.DeleteInformation)
		r.Post("/save", a.SaveInformation)
	})
	r.Route("/api/context", func(r chi.Router) {
		r.Post("/", a.InsertContext)
		r.Get("/", a.SearchContext)
		r.Delete("/{id}", a.DeleteContext)
	})
	r.Get("/api/schema", a.GetSchema)
	r.Get("/api/version", a.Version)
}

func (a *API) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *API) heartbeat() time.Duration {
	if a.Heartbeat > 0 {
		return a.Heartbeat
	}
	return defaultHeartbeat
}

// decodeBody reads a JSON request body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
