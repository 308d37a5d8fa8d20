/**
 * @description
 * HTTP router for the session-service.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Routing and standard middleware.
 * - github.com/go-chi/cors: Browser CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SessionRoutes creates the router for the session service. Cross-origin
// browser access is limited to allowedOrigins; with none configured only
// same-origin callers are served, matching the websocket origin check.
func SessionRoutes(h *SessionHandlers, auth AuthConfig, resolver UserResolver, allowedOrigins []string) http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(allowedOrigins) == 0 {
		// go-chi/cors treats an empty list as "allow all".
		corsOptions.AllowOriginFunc = func(r *http.Request, origin string) bool { return false }
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	authenticate := AuthMiddleware(auth, resolver)

	// The realtime channel is long-lived and stays outside the request timeout.
	r.With(authenticate).Get("/ws", h.WebSocketHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(authenticate)

		r.Post("/sessions", h.CreateSessionHandler)
		r.Get("/sessions", h.ListSessionsHandler)
		r.Get("/sessions/{id}", h.GetSessionHandler)
		r.Post("/sessions/{id}/accept", h.AcceptSessionHandler)
		r.Post("/sessions/{id}/decline", h.DeclineSessionHandler)
		r.Post("/sessions/{id}/end", h.EndSessionHandler)
		r.Post("/sessions/{id}/review", h.ReviewSessionHandler)

		r.Get("/ledger", h.GetLedgerHandler)
		r.Get("/ledger/transactions", h.ListTransactionsHandler)
		r.Post("/payouts", h.RequestPayoutHandler)
	})

	return r
}
