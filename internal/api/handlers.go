package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

// ConnectResponse is the result of a connect request.
type ConnectResponse struct {
	Result models.ConnectResult `json:"result"`
	Tenant models.TenantStatus  `json:"tenant"`
}

// SendRequest is the body of a send request.
type SendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// ActivationRequest is the body of a chat activation override.
type ActivationRequest struct {
	Active bool `json:"active"`
}

// ChatStatus describes a chat after an admin action.
type ChatStatus struct {
	TenantID string `json:"tenantId"`
	ChatID   string `json:"chatId"`
	Active   *bool  `json:"active,omitempty"`
	State    string `json:"state,omitempty"`
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return models.Wrap(err, models.CodeInvalidInput, "invalid JSON format")
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.Success(map[string]any{
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	}))
}

func (s *Server) listTenantsHandler(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	slog.Debug("Server.listTenantsHandler: listing tenants", "scope", scope)
	list, err := s.tenants.ListAll(r.Context(), scope)
	if err != nil {
		slog.Error("Server.listTenantsHandler: failed to list tenants", "scope", scope, "error", err)
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.TenantStatus{}
	}
	respondJSON(w, http.StatusOK, models.Success(list))
}

func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	var opts models.ConnectOptions
	if err := decodeBody(r, &opts); err != nil {
		slog.Warn("Server.connectHandler: failed to decode JSON", "tenant", tenantID, "error", err)
		writeError(w, err)
		return
	}

	status, result, err := s.tenants.GetOrCreate(r.Context(), tenantID, opts)
	if err != nil {
		slog.Warn("Server.connectHandler: connect failed", "tenant", tenantID, "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.connectHandler: connect accepted", "tenant", tenantID, "result", result, "state", status.ConnectionState)
	respondJSON(w, http.StatusAccepted, models.Success(ConnectResponse{Result: result, Tenant: status}))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	status, _ := s.tenants.Status(tenantID)
	respondJSON(w, http.StatusOK, models.Success(status))
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	var req SendRequest
	if err := decodeBody(r, &req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "tenant", tenantID, "error", err)
		writeError(w, err)
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || strings.TrimSpace(req.Text) == "" {
		respondJSON(w, http.StatusBadRequest, models.ErrorWithCode(models.CodeInvalidInput, "Missing required fields: to, text"))
		return
	}

	if err := s.tenants.Send(r.Context(), tenantID, req.To, req.Text); err != nil {
		slog.Error("Server.sendHandler: failed to send message", "tenant", tenantID, "to", req.To, "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.sendHandler: message sent successfully", "tenant", tenantID, "to", req.To)
	respondJSON(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	s.tenants.Disconnect(tenantID)
	slog.Info("Server.disconnectHandler: tenant disconnected", "tenant", tenantID)
	status, _ := s.tenants.Status(tenantID)
	respondJSON(w, http.StatusOK, models.SuccessWithMessage("Tenant disconnected", status))
}

// logoutHandler always reports success: credential erasure does not depend
// on the transport accepting the logout.
func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	s.tenants.Logout(r.Context(), tenantID)
	slog.Info("Server.logoutHandler: tenant logged out", "tenant", tenantID)
	respondJSON(w, http.StatusOK, models.SuccessWithMessage("Tenant logged out", nil))
}

func (s *Server) chatStateHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	st, ok := s.chats.ChatState(vars["tenantID"], vars["chatID"])
	if !ok {
		respondJSON(w, http.StatusNotFound, models.ErrorWithCode(models.CodeNotFound, "No conversation for chat"))
		return
	}
	respondJSON(w, http.StatusOK, models.Success(st))
}

func (s *Server) activationHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req ActivationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.chats.SetActivation(vars["tenantID"], vars["chatID"], req.Active)
	slog.Info("Server.activationHandler: activation override set", "tenant", vars["tenantID"], "chat", vars["chatID"], "active", req.Active)
	respondJSON(w, http.StatusOK, models.Success(ChatStatus{
		TenantID: vars["tenantID"],
		ChatID:   vars["chatID"],
		Active:   &req.Active,
	}))
}

func (s *Server) resetChatHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.chats.ResetChat(r.Context(), vars["tenantID"], vars["chatID"])
	slog.Info("Server.resetChatHandler: chat reset", "tenant", vars["tenantID"], "chat", vars["chatID"])
	out := ChatStatus{TenantID: vars["tenantID"], ChatID: vars["chatID"]}
	if st, ok := s.chats.ChatState(vars["tenantID"], vars["chatID"]); ok {
		out.State = string(st.CurrentState)
	}
	respondJSON(w, http.StatusOK, models.Success(out))
}
