package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikequentel/wird/internal/model"
	"github.com/mikequentel/wird/internal/social/mastodon"
	"github.com/mikequentel/wird/internal/social/twitter"
	"github.com/mikequentel/wird/internal/store"
)

// pendingAuth is an authorization started by an init call and not yet
// completed by its callback.
type pendingAuth struct {
	instance string
	app      mastodon.App
	secret   string // X request token secret
	created  time.Time
}

// pendingAuths holds in-flight authorizations keyed by OAuth state (or
// request token for X). Entries expire after ttl.
type pendingAuths struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]pendingAuth
}

func newPendingAuths(ttl time.Duration) *pendingAuths {
	return &pendingAuths{ttl: ttl, m: make(map[string]pendingAuth)}
}

func (p *pendingAuths) put(key string, a pendingAuth) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range p.m {
		if a.created.Sub(v.created) > p.ttl {
			delete(p.m, k)
		}
	}
	p.m[key] = a
}

// take removes and returns the entry for key.
func (p *pendingAuths) take(key string, now time.Time) (pendingAuth, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.m[key]
	delete(p.m, key)
	if !ok || now.Sub(a.created) > p.ttl {
		return pendingAuth{}, false
	}
	return a, true
}

func (s *Server) redirectURI() string {
	return s.publicURL + "/api/auth/callback"
}

type mastodonInitReq struct {
	Instance string `json:"instance"`
}

type mastodonInitResp struct {
	Instance     string `json:"instance"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
	AuthURL      string `json:"auth_url"`
	State        string `json:"state"`
}

func (s *Server) handleMastodonInit(w http.ResponseWriter, r *http.Request) {
	var req mastodonInitReq
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	instance, err := mastodon.NormalizeInstance(req.Instance)
	if err != nil {
		s.fail(w, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	app, err := s.mastodon.RegisterApp(r.Context(), instance, s.redirectURI(), s.publicURL)
	if err != nil {
		s.log.Error("mastodon app registration failed", zap.String("instance", instance), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to initialize Mastodon authentication", err)
		return
	}

	state := uuid.NewString()
	s.pending.put(state, pendingAuth{instance: instance, app: app, created: s.now()})
	writeJSON(w, http.StatusOK, mastodonInitResp{
		Instance:     instance,
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURI:  app.RedirectURI,
		AuthURL:      s.mastodon.AuthCodeURL(instance, app, state),
		State:        state,
	})
}

func (s *Server) handleMastodonCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "Authorization code missing", nil)
		return
	}

	pa, ok := s.pending.take(q.Get("state"), s.now())
	if !ok {
		// Clients that kept the init response may send it back instead.
		pa = pendingAuth{
			instance: q.Get("instance"),
			app: mastodon.App{
				ClientID:     q.Get("client_id"),
				ClientSecret: q.Get("client_secret"),
				RedirectURI:  s.redirectURI(),
			},
		}
		if pa.instance != "" {
			pa.instance, _ = mastodon.NormalizeInstance(pa.instance)
		}
	}
	if pa.instance == "" || pa.app.ClientID == "" || pa.app.ClientSecret == "" {
		s.log.Warn("oauth callback missing parameters",
			zap.Bool("instance", pa.instance != ""),
			zap.Bool("client_id", pa.app.ClientID != ""),
			zap.Bool("client_secret", pa.app.ClientSecret != ""))
		http.Redirect(w, r, "/?auth_error=missing_params", http.StatusFound)
		return
	}

	ctx := r.Context()
	token, err := s.mastodon.Exchange(ctx, pa.instance, pa.app, code)
	if err != nil {
		s.authFailed(w, "mastodon", err)
		return
	}
	acct, err := s.mastodon.VerifyCredentials(ctx, pa.instance, token)
	if err != nil {
		s.authFailed(w, "mastodon", err)
		return
	}

	link := model.Linkage{
		Provider:    mastodon.Provider,
		Instance:    pa.instance,
		AccessToken: token,
		ExternalID:  acct.ID,
	}
	user, err := s.link(ctx, acct.Username+"@"+pa.instance, link)
	if err != nil {
		s.authFailed(w, "mastodon", err)
		return
	}
	s.redirectLinked(w, r, user)
}

type xInitResp struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

func (s *Server) handleXInit(w http.ResponseWriter, r *http.Request) {
	if s.x == nil {
		writeError(w, http.StatusNotFound, "X linking is not configured", nil)
		return
	}
	token, secret, authURL, err := s.x.RequestToken()
	if err != nil {
		s.log.Error("x request token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to initialize X authentication", err)
		return
	}
	s.pending.put(token, pendingAuth{instance: twitter.Instance, secret: secret, created: s.now()})
	writeJSON(w, http.StatusOK, xInitResp{AuthURL: authURL, State: token})
}

func (s *Server) handleXCallback(w http.ResponseWriter, r *http.Request) {
	if s.x == nil {
		writeError(w, http.StatusNotFound, "X linking is not configured", nil)
		return
	}
	q := r.URL.Query()
	if q.Get("denied") != "" {
		http.Redirect(w, r, "/?auth_error=denied", http.StatusFound)
		return
	}
	reqToken, verifier := q.Get("oauth_token"), q.Get("oauth_verifier")
	if reqToken == "" || verifier == "" {
		writeError(w, http.StatusBadRequest, "Authorization verifier missing", nil)
		return
	}
	pa, ok := s.pending.take(reqToken, s.now())
	if !ok {
		http.Redirect(w, r, "/?auth_error=missing_params", http.StatusFound)
		return
	}

	ctx := r.Context()
	token, secret, err := s.x.AccessToken(reqToken, pa.secret, verifier)
	if err != nil {
		s.authFailed(w, "x", err)
		return
	}
	id, handle, err := s.x.VerifyCredentials(ctx, token, secret)
	if err != nil {
		s.authFailed(w, "x", err)
		return
	}
	link := model.Linkage{
		Provider:     twitter.Provider,
		Instance:     twitter.Instance,
		AccessToken:  token,
		AccessSecret: secret,
		ExternalID:   id,
	}
	user, err := s.link(ctx, handle+"@"+twitter.Instance, link)
	if err != nil {
		s.authFailed(w, "x", err)
		return
	}
	s.redirectLinked(w, r, user)
}

// link attaches l to the account already holding that external identity,
// else to the account with username, else to a new account.
func (s *Server) link(ctx context.Context, username string, l model.Linkage) (model.Account, error) {
	acct, err := s.store.AccountByExternalID(ctx, l.Provider, l.Instance, l.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		acct, err = s.store.AccountByUsername(ctx, username)
	}
	switch {
	case err == nil:
		s.log.Info("account relinked", zap.String("username", acct.Username), zap.String("provider", l.Provider))
		return s.store.UpdateAccount(ctx, acct.ID, model.AccountUpdate{Link: &l})
	case errors.Is(err, store.ErrNotFound):
		now := s.now().UTC()
		acct, err = s.store.CreateAccount(ctx, model.Account{Username: username, Link: l, StartDate: &now})
		if err != nil {
			return model.Account{}, err
		}
		s.log.Info("account created", zap.String("username", acct.Username), zap.String("provider", l.Provider))
		return acct, nil
	default:
		return model.Account{}, err
	}
}

func (s *Server) redirectLinked(w http.ResponseWriter, r *http.Request, a model.Account) {
	http.Redirect(w, r, "/?username="+url.QueryEscape(a.Username)+"&authenticated=true", http.StatusFound)
}

func (s *Server) authFailed(w http.ResponseWriter, provider string, err error) {
	s.log.Error("oauth callback failed", zap.String("provider", provider), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Failed to complete authentication", err)
}
