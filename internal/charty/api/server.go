// Package api is the HTTP surface of the Charty backend.
//
// Endpoints:
//
//	GET    /api/health              → HealthResponse
//	POST   /api/query               → QueryRequest → chat.Reply
//	GET    /api/message             → user and assistant messages
//	GET    /api/message/all         → full history including system and tool messages (admin)
//	DELETE /api/message             → clears the conversation
//	GET    /api/medication          → medication catalog
//	GET    /api/medication/{id}     → one medication
//	GET    /api/prescription        → prescriptions with medication names
//	PATCH  /api/prescription/{id}   → PrescriptionPatch → updated prescription
//	DELETE /api/prescription/{id}   → 204
//
// When Handlers.AdminToken is set, /api/message/all requires
// "Authorization: Bearer <token>". The domain endpoints answer 503 when no
// Domain store is configured.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/will-ku/med-management-ai/common/trace"
	"github.com/will-ku/med-management-ai/internal/charty/chat"
	"github.com/will-ku/med-management-ai/internal/charty/conversation"
	"github.com/will-ku/med-management-ai/internal/charty/mcp"
	"github.com/will-ku/med-management-ai/internal/medmanager/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Chatter runs chat turns and clears the conversation between them.
// *chat.Service satisfies it.
type Chatter interface {
	HandleChat(ctx context.Context, utterance string, tools []mcp.Tool) (*chat.Reply, error)
	ClearHistory(ctx context.Context) error
}

// Catalog lists the aggregated tools. *clientmgr.Manager satisfies it.
type Catalog interface {
	ListTools(ctx context.Context) []mcp.Tool
	Servers() []string
}

// History is the conversation log. *conversation.Store satisfies it.
type History interface {
	Messages() []conversation.Message
	Filter(roles ...conversation.Role) []conversation.Message
}

// Domain is the medication data the UI reads directly. *store.Store
// satisfies it.
type Domain interface {
	ListMedications(ctx context.Context) ([]store.Medication, error)
	GetMedication(ctx context.Context, id int64) (*store.Medication, error)
	ListPrescriptions(ctx context.Context) ([]store.Prescription, error)
	UpdatePrescription(ctx context.Context, upd store.PrescriptionUpdate) (*store.Prescription, error)
	DeletePrescription(ctx context.Context, id int64) error
}

// Handlers bundles what the server delegates to.
type Handlers struct {
	Chat    Chatter
	Tools   Catalog
	History History
	// Domain is optional.
	Domain Domain

	// AdminToken guards the unfiltered history when non-empty.
	AdminToken string
	// AllowedOrigin is sent as Access-Control-Allow-Origin. Defaults to "*".
	AllowedOrigin string
	Version       string
}

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query string `json:"query"`
}

// PrescriptionPatch is the body of PATCH /api/prescription/{id}.
type PrescriptionPatch struct {
	Dosage    *string `json:"dosage"`
	Frequency *string `json:"frequency"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Servers []string `json:"servers"`
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	handlers Handlers
	server   *http.Server
}

// New builds the server; call Start to listen.
func New(addr string, h Handlers) *Server {
	if h.AllowedOrigin == "" {
		h.AllowedOrigin = "*"
	}
	s := &Server{addr: addr, handlers: h}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("GET /api/message", s.handleMessages)
	mux.Handle("GET /api/message/all", s.adminOnly(http.HandlerFunc(s.handleAllMessages)))
	mux.HandleFunc("DELETE /api/message", s.handleClearMessages)
	mux.HandleFunc("GET /api/medication", s.handleListMedications)
	mux.HandleFunc("GET /api/medication/{id}", s.handleGetMedication)
	mux.HandleFunc("GET /api/prescription", s.handleListPrescriptions)
	mux.HandleFunc("PATCH /api/prescription/{id}", s.handleUpdatePrescription)
	mux.HandleFunc("DELETE /api/prescription/{id}", s.handleDeletePrescription)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.traceMiddleware(s.corsMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		// Chat turns can take a while when a local model is cold.
		WriteTimeout: 5 * time.Minute,
	}
	return s
}

// Start begins listening. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.addr, err)
	}
	slog.Info("API server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("API server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// Handler exposes the HTTP handler, e.g. for httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// --- middleware ---

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.Header.Get("X-Trace-Id")
		if id != "" {
			ctx = trace.WithTraceID(ctx, id)
		} else {
			ctx, id = trace.Ensure(ctx)
		}
		w.Header().Set("X-Trace-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.handlers.AllowedOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Trace-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handlers.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if auth[len("Bearer "):] != s.handlers.AdminToken {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
