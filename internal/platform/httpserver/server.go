package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	tallyservice "pollcast/contexts/live-polls/tally-service"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
	tallyhttp "pollcast/contexts/live-polls/tally-service/transport/http"

	httpSwagger "github.com/swaggo/http-swagger"
	_ "pollcast/internal/platform/httpserver/docs"
)

type Options struct {
	// StreamWriteTimeout bounds a single SSE write so a stalled client cannot
	// hold its session forever. Zero disables the deadline.
	StreamWriteTimeout time.Duration
	ReadHeaderTimeout  time.Duration
}

type Server struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	addr    string
	options Options
	polls   tallyservice.Module
	http    *http.Server
}

func New(polls tallyservice.Module, logger *slog.Logger, addr string, options Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}
	if options.ReadHeaderTimeout <= 0 {
		options.ReadHeaderTimeout = 5 * time.Second
	}

	s := &Server{
		mux:     http.NewServeMux(),
		logger:  logger,
		addr:    addr,
		options: options,
		polls:   polls,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: options.ReadHeaderTimeout,
	}
	s.registerRoutes()
	return s
}

// Start blocks until the server stops. A stop caused by Shutdown is not an
// error.
func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Streams end once the broker is closed, so close it first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server stopping",
		"event", "http_server_stopping",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/poll/all", s.handleListPolls)
	s.mux.HandleFunc("GET /api/poll/{poll_id}", s.handleGetPoll)
	s.mux.HandleFunc("POST /api/vote/submit", s.handleSubmitVote)
	s.mux.HandleFunc("GET /api/vote/{poll_id}", s.handleGetTally)
	s.mux.HandleFunc("GET /api/vote/stream/{poll_id}", s.handleVoteStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.polls.Broker.TotalSubscribers(),
	})
}

// @Summary List polls
// @Tags polls
// @Produce json
// @Success 200 {object} tallyhttp.ListPollsResponse
// @Router /api/poll/all [get]
func (s *Server) handleListPolls(w http.ResponseWriter, r *http.Request) {
	resp, err := s.polls.Handler.ListPollsHandler(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// @Summary Fetch a poll with the caller's current choice
// @Tags polls
// @Produce json
// @Param poll_id path string true "poll id"
// @Param X-User-Id header string false "voter id"
// @Success 200 {object} tallyhttp.PollResponse
// @Failure 404 {object} tallyhttp.ErrorResponse
// @Router /api/poll/{poll_id} [get]
func (s *Server) handleGetPoll(w http.ResponseWriter, r *http.Request) {
	voterID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	resp, err := s.polls.Handler.PollHandler(r.Context(), r.PathValue("poll_id"), voterID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// @Summary Cast or change a vote
// @Tags votes
// @Accept json
// @Produce json
// @Param X-User-Id header string true "voter id"
// @Param request body tallyhttp.SubmitVoteRequest true "vote"
// @Success 200 {object} tallyhttp.SubmitVoteResponse
// @Failure 400 {object} tallyhttp.ErrorResponse
// @Failure 401 {object} tallyhttp.ErrorResponse
// @Failure 404 {object} tallyhttp.ErrorResponse
// @Failure 409 {object} tallyhttp.ErrorResponse
// @Failure 422 {object} tallyhttp.ErrorResponse
// @Failure 503 {object} tallyhttp.ErrorResponse
// @Failure 504 {object} tallyhttp.ErrorResponse
// @Router /api/vote/submit [post]
func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	voterID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if voterID == "" {
		writeError(w, http.StatusUnauthorized, "missing_user", "X-User-Id header is required")
		return
	}

	var req tallyhttp.SubmitVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.polls.Handler.SubmitVoteHandler(r.Context(), voterID, req)
	if err != nil {
		s.logger.Warn("vote submission rejected",
			"event", "http_vote_submit_rejected",
			"module", "internal/platform/httpserver",
			"layer", "platform",
			"poll_id", req.PollID,
			"user_id", voterID,
			"error", err.Error(),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// @Summary Current tally of a poll
// @Tags votes
// @Produce json
// @Param poll_id path string true "poll id"
// @Success 200 {object} tallyhttp.TallyResponse
// @Failure 404 {object} tallyhttp.ErrorResponse
// @Router /api/vote/{poll_id} [get]
func (s *Server) handleGetTally(w http.ResponseWriter, r *http.Request) {
	resp, err := s.polls.Handler.TallyHandler(r.Context(), r.PathValue("poll_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// @Summary Live tally stream (Server-Sent Events, event vote_update)
// @Tags votes
// @Produce text/event-stream
// @Param poll_id path string true "poll id"
// @Param X-User-Id header string false "subscriber id"
// @Failure 404 {object} tallyhttp.ErrorResponse
// @Failure 429 {object} tallyhttp.ErrorResponse
// @Router /api/vote/stream/{poll_id} [get]
func (s *Server) handleVoteStream(w http.ResponseWriter, r *http.Request) {
	subscriberID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if subscriberID == "" {
		subscriberID = resolveClientIP(r)
	}

	session := s.polls.Handler.NewStreamSession(r.PathValue("poll_id"), subscriberID)
	writer := newSSEWriter(w, s.options.StreamWriteTimeout)
	err := session.Run(r.Context(), writer)
	if err == nil || writer.Started() {
		return
	}
	// nothing was streamed yet, so the client can still get a status code
	writeDomainError(w, err)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domainerrors.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domainerrors.ErrInvalidVoteInput):
		writeError(w, http.StatusBadRequest, "invalid_vote_input", err.Error())
	case errors.Is(err, domainerrors.ErrPollNotFound):
		writeError(w, http.StatusNotFound, "poll_not_found", err.Error())
	case errors.Is(err, domainerrors.ErrInvalidOption):
		writeError(w, http.StatusUnprocessableEntity, "invalid_option", err.Error())
	case errors.Is(err, domainerrors.ErrPollClosed):
		writeError(w, http.StatusConflict, "poll_closed", err.Error())
	case errors.Is(err, domainerrors.ErrConcurrentUpdateConflict):
		writeError(w, http.StatusConflict, "concurrent_update_conflict", err.Error())
	case errors.Is(err, domainerrors.ErrSubscriptionQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "subscription_quota_exceeded", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	case errors.Is(err, domainerrors.ErrStorageUnavailable),
		errors.Is(err, domainerrors.ErrBrokerClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, tallyhttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func resolveClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	// quotas key on the host; the port differs per connection
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
