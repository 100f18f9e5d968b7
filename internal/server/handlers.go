package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/manifest"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/push"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/update"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/worker"
)

const maxBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

type submitRequest struct {
	Kind    database.Kind   `json:"kind"`
	Message string          `json:"message"`
	Context json.RawMessage `json:"context"`
	Order   json.RawMessage `json:"order"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var action database.QueuedAction
	switch req.Kind {
	case database.KindMessage, "":
		if strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		action = database.NewMessageAction(req.Message, req.Context)
	case database.KindOrder:
		if len(req.Order) == 0 || !json.Valid(req.Order) {
			writeError(w, http.StatusBadRequest, "order is required")
			return
		}
		action = database.NewOrderAction(req.Order)
	default:
		writeError(w, http.StatusBadRequest, "unknown action kind")
		return
	}

	if err := s.deps.Sender.Send(r.Context(), action); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": action.ID})
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.deps.Store.ListFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if failed == nil {
		failed = []database.QueuedAction{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.Retry(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrActionNotFound) {
			writeError(w, http.StatusNotFound, "action not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Trigger()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// post 把事件交给 worker 事件循环并等待结果
func (s *Server) post(ctx context.Context, event worker.Event) worker.Result {
	select {
	case result := <-s.deps.Worker.Post(ctx, event):
		return result
	case <-ctx.Done():
		return worker.Result{Err: ctx.Err()}
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result := s.post(r.Context(), worker.Event{Type: worker.EventSync, Tag: r.URL.Query().Get("tag")})
	if result.Err != nil {
		writeError(w, http.StatusInternalServerError, result.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result.Report)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	m, err := manifest.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result := s.post(r.Context(), worker.Event{Type: worker.EventInstall, Manifest: m})
	if result.Err != nil {
		writeError(w, http.StatusBadGateway, result.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": m.Version})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	payload, _ := json.Marshal(map[string]string{"type": worker.MessageSkipWaiting})
	result := s.post(r.Context(), worker.Event{Type: worker.EventMessage, Payload: payload})
	if errors.Is(result.Err, update.ErrNoUpdate) {
		writeError(w, http.StatusConflict, result.Err.Error())
		return
	}
	if result.Err != nil {
		writeError(w, http.StatusInternalServerError, result.Err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if r.Header.Get("Content-Encoding") == "aes128gcm" {
		if s.deps.Push == nil {
			writeError(w, http.StatusUnsupportedMediaType, "push decryption is not configured")
			return
		}
		if data, err = s.deps.Push.Open(r.Context(), data); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	result := s.post(r.Context(), worker.Event{Type: worker.EventPush, Payload: data})
	if errors.Is(result.Err, push.ErrInvalidPayload) {
		writeError(w, http.StatusBadRequest, result.Err.Error())
		return
	}
	if result.Err != nil {
		writeError(w, http.StatusInternalServerError, result.Err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result.Notification)
}

type clickRequest struct {
	Action string    `json:"action"`
	Data   push.Data `json:"data"`
}

type intentResponse struct {
	Navigate bool   `json:"navigate"`
	URL      string `json:"url,omitempty"`
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result := s.post(r.Context(), worker.Event{Type: worker.EventNotificationClick, Action: req.Action, Data: req.Data})
	if result.Err != nil {
		writeError(w, http.StatusInternalServerError, result.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, intentResponse{
		Navigate: result.Intent.Kind == push.IntentNavigate,
		URL:      result.Intent.URL,
	})
}

// handleFetch 通过缓存路由代理 GET/HEAD 请求，原样转发状态码、头和正文
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimRight(s.deps.BaseURL, "/") + "/" + chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result := s.post(r.Context(), worker.Event{Type: worker.EventFetch, Request: req})
	if result.Err != nil {
		writeError(w, http.StatusBadGateway, result.Err.Error())
		return
	}
	resp := result.Response
	defer resp.Body.Close()
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}
