package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chat-link/internal/application/chatlink"
	"github.com/go-chat-link/internal/pkg/validate"
	"github.com/go-chat-link/internal/transport/http/middleware"
)

// RequestLinkBody is the optional body of POST /v1/chat-link/request.
type RequestLinkBody struct {
	IdentityHint *string `json:"identity_hint" validate:"omitempty,chat_identity"`
}

// ChatLinkHandler exposes the chat linking flow to the signed-in user.
type ChatLinkHandler struct {
	svc chatlink.Service
}

func NewChatLinkHandler(svc chatlink.Service) *ChatLinkHandler { return &ChatLinkHandler{svc: svc} }

func (h *ChatLinkHandler) Request(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body RequestLinkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if body.IdentityHint != nil && *body.IdentityHint == "" {
		body.IdentityHint = nil
	}
	ticket, err := h.svc.InitiateLinking(r.Context(), claims.UserID, body.IdentityHint)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *ChatLinkHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.svc.CancelLinking(r.Context(), claims.UserID); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "linking cancelled"})
}

func (h *ChatLinkHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.svc.Unlink(r.Context(), claims.UserID); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "account unlinked"})
}

func (h *ChatLinkHandler) Status(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	st, err := h.svc.Status(r.Context(), claims.UserID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
