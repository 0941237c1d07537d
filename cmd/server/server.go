package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/internal/httputil"
	llmerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/types"
)

type server struct {
	client *modelmux.Client
	logger *slog.Logger
}

func newServer(client *modelmux.Client, logger *slog.Logger) *server {
	return &server{client: client, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChat)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.withLogging(mux)
}

func (s *server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Stream {
		s.streamChat(w, r, &req)
		return
	}

	resp, err := s.client.Completion(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) streamChat(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming not supported"))
		return
	}

	stream, err := s.client.CompletionStream(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		if err != nil {
			// Headers are gone; surface the failure as a final event.
			data, _ := json.Marshal(errorBody(err))
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			return
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.client.Embedding(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	groups := s.client.ModelGroups()
	data := make([]model, 0, len(groups))
	for _, g := range groups {
		data = append(data, model{ID: g, Object: "model", OwnedBy: "modelmux"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"model_groups": len(s.client.ModelGroups()),
	})
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := httputil.ReadBody(r.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody(err))
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Errorf("invalid request body: %w", err)))
		return false
	}
	return true
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var llmErr *llmerrors.LLMError
	var nde *llmerrors.NoDeploymentsError
	switch {
	case errors.As(err, &llmErr):
		if llmErr.StatusCode > 0 {
			status = llmErr.StatusCode
		}
	case errors.As(err, &nde):
		status = http.StatusTooManyRequests
	}

	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody(err))
}

// errorBody renders the OpenAI error envelope.
func errorBody(err error) map[string]any {
	typ := "api_error"
	var llmErr *llmerrors.LLMError
	if errors.As(err, &llmErr) {
		typ = llmErr.Type
	}
	return map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    typ,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
