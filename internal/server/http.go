package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/log"
	"github.com/revive-app/recoveryservice/internal/metrics"
	"github.com/revive-app/recoveryservice/internal/service"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"
	headerTenantID  = "X-Tenant-ID"

	defaultTenant = "default"

	// maxBodyBytes caps webhook bodies; the platform sends kilobytes.
	maxBodyBytes = 1 << 20
)

// HTTPServer is the webhook-facing HTTP transport.
type HTTPServer struct {
	server *http.Server
	ingest *service.IngestService
	logger *zap.Logger
}

// NewHTTPServer creates the webhook HTTP server.
func NewHTTPServer(addr string, ingest *service.IngestService, logger *zap.Logger) *HTTPServer {
	s := &HTTPServer{
		ingest: ingest,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/membership", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start starts the HTTP server
func (s *HTTPServer) Start(ctx context.Context) error {
	s.logger.Info("Starting webhook HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down webhook HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown error: %w", err)
	}
	return nil
}

type webhookResponse struct {
	Success   bool   `json:"success"`
	EventID   string `json:"eventId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Error: "method not allowed"})
		metrics.RecordHTTPRequest(r.Method, "/webhooks/membership", "405", time.Since(start))
		return
	}

	ctx := log.WithRequestID(r.Context(), uuid.New().String())

	tenantID := r.Header.Get(headerTenantID)
	if tenantID == "" {
		tenantID = defaultTenant
	}
	ctx = log.WithTenantID(ctx, tenantID)

	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "body too large"})
		metrics.RecordHTTPRequest(r.Method, "/webhooks/membership", "413", time.Since(start))
		return
	}

	result, err := s.ingest.Ingest(ctx, service.IngestRequest{
		TenantID:   tenantID,
		Identifier: rateLimitIdentifier(r, tenantID),
		Body:       body,
		Signature:  r.Header.Get(headerSignature),
		Timestamp:  r.Header.Get(headerTimestamp),
	})
	if err != nil {
		status := s.writeIngestError(ctx, w, err)
		metrics.RecordHTTPRequest(r.Method, "/webhooks/membership", strconv.Itoa(status), time.Since(start))
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Success:   true,
		EventID:   result.EventID.String(),
		Duplicate: result.Duplicate,
	})
	metrics.RecordHTTPRequest(r.Method, "/webhooks/membership", "200", time.Since(start))
}

func (s *HTTPServer) writeIngestError(ctx context.Context, w http.ResponseWriter, err error) int {
	var rle *service.RateLimitError
	if errors.As(err, &rle) {
		retryAfter := int(rle.Result.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rle.Result.ResetAt.Unix(), 10))
		writeJSON(w, http.StatusTooManyRequests, webhookResponse{Error: "rate limit exceeded"})
		return http.StatusTooManyRequests
	}

	if domain.IsAuthError(err) {
		log.Warn(ctx, "webhook rejected", zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, webhookResponse{Error: "invalid signature"})
		return http.StatusUnauthorized
	}

	if domain.IsValidationError(err) {
		log.Warn(ctx, "webhook malformed", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: err.Error()})
		return http.StatusBadRequest
	}

	log.Error(ctx, "webhook ingestion failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: "internal error"})
	return http.StatusInternalServerError
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// rateLimitIdentifier scopes the rate limit to the tenant when present,
// falling back to the caller's address for unattributed traffic.
func rateLimitIdentifier(r *http.Request, tenantID string) string {
	if tenantID != defaultTenant {
		return tenantID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
