// Package httpapi wires the REST and WebSocket surface: a chi router
// binding internal/auth, internal/datasets, internal/ratelimit,
// internal/orchestrator, and internal/wsconn behind the middleware
// stack from internal/middleware.
package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/auth"
	"chatdf/backend/internal/cache"
	"chatdf/backend/internal/config"
	"chatdf/backend/internal/database"
	"chatdf/backend/internal/datasets"
	appmiddleware "chatdf/backend/internal/middleware"
	"chatdf/backend/internal/orchestrator"
	"chatdf/backend/internal/ratelimit"
	"chatdf/backend/internal/workerpool"
	"chatdf/backend/internal/wsconn"
)

// Deps bundles every component a handler needs. It is assembled once in
// cmd/api/main.go and threaded into the router.
type Deps struct {
	DB           *database.DB
	Auth         *auth.Service
	Catalog      *datasets.Catalog
	Pool         *workerpool.Pool
	Accountant   *ratelimit.Accountant
	Orchestrator *orchestrator.Engine
	Hub          *wsconn.Hub
	ResultCache  cache.Cache
	Dataset      config.DatasetConfig
	Environment  string
}

type api struct {
	*Deps
}

// NewRouter builds the full chi router: public routes, the /auth
// surface, the authenticated conversation/dataset/chat surface, and the
// WebSocket upgrade endpoint.
func NewRouter(deps *Deps) http.Handler {
	a := &api{Deps: deps}
	r := chi.NewRouter()

	r.Use(appmiddleware.RequestID)
	r.Use(appmiddleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/shared/{shareToken}", a.handleGetSharedConversation)
	r.Get("/ws", a.handleWebsocket)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", a.handleSignup)
		r.Post("/login", a.handleLogin)
		r.Post("/logout", a.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(a.Auth))

		r.Get("/me", a.handleMe)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", a.handleCreateConversation)
			r.Get("/", a.handleListConversations)
			r.Get("/search", a.handleSearchConversations)
			r.Post("/bulk-delete", a.handleBulkDelete)
			r.Post("/bulk-pin", a.handleBulkPin)
			r.Delete("/", a.handleClearConversations)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", a.handleGetConversation)
				r.Patch("/", a.handleUpdateConversation)
				r.Delete("/", a.handleDeleteConversation)
				r.Patch("/pin", a.handlePinConversation)
				r.Get("/export", a.handleExportConversation)
				r.Get("/export/html", a.handleExportConversationHTML)
				r.Post("/fork", a.handleForkConversation)
				r.Post("/share", a.handleMintShareToken)
				r.Delete("/share", a.handleRevokeShareToken)

				r.Post("/messages", a.handleSendMessage)
				r.Delete("/messages/{messageID}", a.handleDeleteMessage)
				r.Post("/stop", a.handleStopGeneration)

				r.Post("/query", a.handleRunQuery)
				r.Get("/query-history", a.handleQueryHistory)
				r.Get("/token-usage", a.handleTokenUsage)

				r.Post("/datasets", a.handleAddDataset)
				r.Post("/datasets/upload", a.handleUploadDataset)
				r.Patch("/datasets/{datasetID}", a.handleRenameDataset)
				r.Post("/datasets/{datasetID}/refresh", a.handleRefreshDataset)
				r.Post("/datasets/{datasetID}/profile", a.handleProfileDataset)
				r.Post("/datasets/{datasetID}/profile-column", a.handleProfileColumn)
				r.Post("/datasets/{datasetID}/preview", a.handlePreviewDataset)
				r.Delete("/datasets/{datasetID}", a.handleRemoveDataset)
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.New(apperr.ErrBadRequest, "failed to parse request body")
	}
	return nil
}

func pathUUID(r *http.Request, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.ErrBadRequest, "invalid "+param)
	}
	return id, nil
}

func randomURLSafeToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
