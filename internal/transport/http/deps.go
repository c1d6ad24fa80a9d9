package http

import (
	"github.com/go-chat-link/internal/application/chatlink"
	jwtinfra "github.com/go-chat-link/internal/infrastructure/jwt"
	"github.com/go-chat-link/internal/transport/http/handler"
)

// Deps holds the application services the router exposes.
type Deps struct {
	ChatLink    chatlink.Service
	LinkLoop    handler.LoopState // reported by the chat-link health check; optional
	JWTProvider *jwtinfra.Provider
}
