/*
Package handler provides the HTTP handlers and routing setup for the chat server.

This file defines the main Router, applying middleware like logging, CORS and IP-based
rate limiting before delegating requests to the REST and WebSocket handlers.
*/
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"recoverychat/internal/pkg/auth/jwt"
	"recoverychat/internal/pkg/limiter"
	"recoverychat/internal/pkg/logx"
	"recoverychat/internal/pkg/resp"
)

const (
	ConnectRate  = 0.5
	ConnectBurst = 10
	GuestRate    = 0.1
	GuestBurst   = 3
	AdminRate    = 0.1
	AdminBurst   = 5
)

// Router sets up the HTTP routing table. The rate limiter janitors stop when ctx is canceled.
func Router(ctx context.Context, deps *AppDeps) http.Handler {
	connectLimiter := limiter.NewIPRateLimiter(ctx, rate.Limit(ConnectRate), ConnectBurst)
	guestLimiter := limiter.NewIPRateLimiter(ctx, rate.Limit(GuestRate), GuestBurst)
	adminLimiter := limiter.NewIPRateLimiter(ctx, rate.Limit(AdminRate), AdminBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", AdminTokenHeader},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{
			"status":      "ok",
			"service":     "Recovery Chat Server",
			"connections": deps.Hub.Registry().Count(),
		}
		resp.RespondSuccess(w, r, data)
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret))

		api.With(guestLimiter.Middleware).Post("/guest", HandleGuestSession(deps))

		api.Route("/rooms", func(rooms chi.Router) {
			rooms.Get("/", HandleListRooms(deps))
			rooms.Get("/{id}", HandleGetRoom(deps))
			rooms.Get("/{id}/messages", HandleRoomMessages(deps))
			rooms.Get("/{id}/online", HandleRoomOnline(deps))
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(adminLimiter.Middleware)
			admin.Use(RequireAdminToken(deps.Config.AdminToken))
			admin.Post("/rooms", HandleCreateRoom(deps))
		})
	})

	r.With(
		connectLimiter.Middleware,
		jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret),
	).Get("/ws", HandleWebSocket(deps, wsUpgrader))

	return r
}
