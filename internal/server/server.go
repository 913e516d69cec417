// Package server is the JSON API behind the dashboard.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/mikequentel/wird/internal/model"
	"github.com/mikequentel/wird/internal/poster"
	"github.com/mikequentel/wird/internal/scheduler"
	"github.com/mikequentel/wird/internal/social/mastodon"
	"github.com/mikequentel/wird/internal/store"
)

var errValidation = errors.New("invalid request")

type Poster interface {
	Post(ctx context.Context, accountID int64) (model.PostRecord, error)
}

// Schedule reports on the daily batch.
type Schedule interface {
	NextRun(now time.Time) (time.Time, error)
	State() scheduler.State
}

// Mastodon is the part of the Mastodon client the link flow uses.
type Mastodon interface {
	RegisterApp(ctx context.Context, instance, redirectURI, website string) (mastodon.App, error)
	AuthCodeURL(instance string, app mastodon.App, state string) string
	Exchange(ctx context.Context, instance string, app mastodon.App, code string) (string, error)
	VerifyCredentials(ctx context.Context, instance, token string) (mastodon.Account, error)
}

// XLinker runs the three-legged OAuth1 flow for X.
type XLinker interface {
	RequestToken() (token, secret, authURL string, err error)
	AccessToken(requestToken, requestSecret, verifier string) (token, secret string, err error)
	VerifyCredentials(ctx context.Context, token, secret string) (id, screenName string, err error)
}

type Options struct {
	Store    store.Store
	Poster   Poster
	Schedule Schedule
	Mastodon Mastodon
	// X is nil when X linking is not configured.
	X XLinker
	// PublicURL is the externally visible base URL, eg:
	// "https://wird.example". OAuth redirect URIs hang off it.
	PublicURL string
	Log       *zap.Logger
}

type Server struct {
	store     store.Store
	poster    Poster
	schedule  Schedule
	mastodon  Mastodon
	x         XLinker
	publicURL string
	log       *zap.Logger
	now       func() time.Time
	pending   *pendingAuths
	mux       *http.ServeMux
}

func New(o Options) *Server {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	s := &Server{
		store:     o.Store,
		poster:    o.Poster,
		schedule:  o.Schedule,
		mastodon:  o.Mastodon,
		x:         o.X,
		publicURL: strings.TrimRight(o.PublicURL, "/"),
		log:       o.Log.Named("http"),
		now:       time.Now,
		pending:   newPendingAuths(15 * time.Minute),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("POST /api/auth/mastodon/init", s.handleMastodonInit)
	s.mux.HandleFunc("GET /api/auth/callback", s.handleMastodonCallback)
	s.mux.HandleFunc("POST /api/auth/x/init", s.handleXInit)
	s.mux.HandleFunc("GET /api/auth/x/callback", s.handleXCallback)

	s.mux.HandleFunc("GET /api/user/profile", s.handleProfile)
	s.mux.HandleFunc("GET /api/user/export", s.handleExport)
	s.mux.HandleFunc("GET /api/dashboard", s.handleDashboard)

	s.mux.HandleFunc("POST /api/post/manual", s.handleManualPost)
	s.mux.HandleFunc("POST /api/user/reset", s.handleReset)
	s.mux.HandleFunc("POST /api/user/disconnect", s.handleDisconnect)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Debug("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("took", time.Since(start)))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.schedule != nil {
		body["scheduler"] = s.schedule.State().String()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.queryAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, acct.Sanitized())
}

type stats struct {
	DaysPosted        int       `json:"daysPosted"`
	TimeUntilNextPost int64     `json:"timeUntilNextPost"` // milliseconds
	NextPostAt        time.Time `json:"nextPostAt"`
	NextPostIn        string    `json:"nextPostIn"`
}

type dashboard struct {
	User         model.Account      `json:"user"`
	Stats        stats              `json:"stats"`
	CurrentVerse *model.Verse       `json:"currentVerse"`
	NextVerse    *model.Verse       `json:"nextVerse"`
	RecentPosts  []model.PostRecord `json:"recentPosts"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.queryAccount(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	posts, err := s.store.RecentPosts(ctx, acct.ID, 5)
	if err != nil {
		s.fail(w, err)
		return
	}
	d := dashboard{
		User:        acct.Sanitized(),
		RecentPosts: nonNil(posts),
		Stats:       stats{DaysPosted: acct.DaysPosted},
	}

	cur, err := s.store.VerseByIndex(ctx, acct.Cursor)
	switch {
	case errors.Is(err, store.ErrNoVerses):
	case err != nil:
		s.fail(w, err)
		return
	default:
		next, err := s.store.VerseByIndex(ctx, cur.Index+1)
		if err != nil {
			s.fail(w, err)
			return
		}
		d.CurrentVerse, d.NextVerse = &cur, &next
	}

	if s.schedule != nil {
		now := s.now()
		at, err := s.schedule.NextRun(now)
		if err != nil {
			s.fail(w, err)
			return
		}
		d.Stats.NextPostAt = at
		d.Stats.TimeUntilNextPost = at.Sub(now).Milliseconds()
		d.Stats.NextPostIn = humanizeUntil(at, now)
	}
	writeJSON(w, http.StatusOK, d)
}

type export struct {
	ExportedAt time.Time          `json:"exportedAt"`
	User       model.Account      `json:"user"`
	Posts      []model.PostRecord `json:"posts"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.queryAccount(w, r)
	if !ok {
		return
	}
	posts, err := s.store.RecentPosts(r.Context(), acct.ID, 50)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "wird-export.json"))
	writeJSON(w, http.StatusOK, export{ExportedAt: s.now().UTC(), User: acct.Sanitized(), Posts: nonNil(posts)})
}

func (s *Server) handleManualPost(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.bodyAccount(w, r)
	if !ok {
		return
	}
	rec, err := s.poster.Post(r.Context(), acct.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Post successful", "post": rec})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.bodyAccount(w, r)
	if !ok {
		return
	}
	zero, now := 0, s.now().UTC()
	if _, err := s.store.UpdateAccount(r.Context(), acct.ID, model.AccountUpdate{
		Cursor:     &zero,
		DaysPosted: &zero,
		StartDate:  &now,
	}); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("progress reset", zap.String("username", acct.Username))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Progress reset successfully"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.bodyAccount(w, r)
	if !ok {
		return
	}
	if _, err := s.store.UpdateAccount(r.Context(), acct.ID, model.AccountUpdate{Link: &model.Linkage{}}); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("account disconnected", zap.String("username", acct.Username), zap.String("provider", acct.Link.Provider))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Account disconnected successfully"})
}

// --- helpers ---

// queryAccount resolves ?username= for read endpoints. A missing username
// is 401.
func (s *Server) queryAccount(w http.ResponseWriter, r *http.Request) (model.Account, bool) {
	name := strings.TrimSpace(r.URL.Query().Get("username"))
	if name == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return model.Account{}, false
	}
	acct, err := s.store.AccountByUsername(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return model.Account{}, false
	}
	return acct, true
}

type usernameReq struct {
	Username string `json:"username"`
}

// bodyAccount resolves {"username"} for write endpoints.
func (s *Server) bodyAccount(w http.ResponseWriter, r *http.Request) (model.Account, bool) {
	var req usernameReq
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return model.Account{}, false
	}
	if strings.TrimSpace(req.Username) == "" {
		s.fail(w, fmt.Errorf("%w: username is required", errValidation))
		return model.Account{}, false
	}
	acct, err := s.store.AccountByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		s.fail(w, err)
		return model.Account{}, false
	}
	return acct, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errValidation, err)
	}
	return nil
}

// fail maps err onto a status code and writes the error body.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var pe *poster.PublishError
	switch {
	case errors.Is(err, errValidation):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found", nil)
	case errors.Is(err, poster.ErrNotLinked):
		writeError(w, http.StatusConflict, "Account is not linked", err)
	case errors.As(err, &pe):
		writeError(w, http.StatusInternalServerError, "Failed to post", pe.Cause)
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Server error", err)
	}
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := errorBody{Message: msg}
	if err != nil {
		body.Error = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// humanizeUntil renders the wait until at, eg: "11 hours from now".
func humanizeUntil(at, now time.Time) string {
	return strings.TrimSpace(humanize.RelTime(at, now, "ago", "from now"))
}

func nonNil(ps []model.PostRecord) []model.PostRecord {
	if ps == nil {
		return []model.PostRecord{}
	}
	return ps
}
