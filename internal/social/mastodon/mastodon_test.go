package mastodon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mikequentel/wird/internal/model"
)

// newInstance starts a TLS test instance and a client that trusts it.
func newInstance(t *testing.T, h http.HandlerFunc) (*Client, string) {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	c := New("Wird - Quran Verse Poster", "read write", WithHTTPClient(srv.Client()))
	return c, strings.TrimPrefix(srv.URL, "https://")
}

// ===================== NormalizeInstance =====================

func TestNormalizeInstance(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mastodon.social", "mastodon.social"},
		{"  Mastodon.Social  ", "mastodon.social"},
		{"https://fosstodon.org/", "fosstodon.org"},
		{"https://hachyderm.io/@someone", "hachyderm.io"},
		{"localhost:3000", "localhost:3000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeInstance(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("NormalizeInstance(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	for _, bad := range []string{"", "   ", "https://"} {
		if _, err := NormalizeInstance(bad); err == nil {
			t.Errorf("NormalizeInstance(%q) = nil error, want error", bad)
		}
	}
}

// ===================== APIError =====================

func TestAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  APIError
		want []string
	}{
		{"oauth", APIError{Status: 400, Message: "invalid_grant", Description: "code expired"}, []string{"400", "invalid_grant", "code expired"}},
		{"api", APIError{Status: 401, Message: "The access token is invalid"}, []string{"401", "access token is invalid"}},
		{"fallback", APIError{Status: 502, Body: "Bad Gateway"}, []string{"502", "Bad Gateway"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, w := range tt.want {
				if !strings.Contains(msg, w) {
					t.Errorf("expected %q in message, got: %s", w, msg)
				}
			}
		})
	}
}

// ===================== RegisterApp =====================

func TestRegisterApp_Success(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/v1/apps" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Errorf("expected application/json content-type, got %s", ct)
		}
		var req appReq
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		if req.ClientName != "Wird - Quran Verse Poster" || req.Scopes != "read write" {
			t.Errorf("unexpected app request: %+v", req)
		}
		if req.RedirectURIs != "https://wird.example/api/auth/callback" {
			t.Errorf("unexpected redirect uri: %q", req.RedirectURIs)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(App{ID: "1", ClientID: "cid", ClientSecret: "csecret", RedirectURI: req.RedirectURIs})
	})

	app, err := c.RegisterApp(context.Background(), instance, "https://wird.example/api/auth/callback", "https://wird.example")
	if err != nil {
		t.Fatal(err)
	}
	if app.ClientID != "cid" || app.ClientSecret != "csecret" {
		t.Errorf("unexpected app: %+v", app)
	}
}

func TestRegisterApp_HTTPError(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(422)
		w.Write([]byte(`{"error":"Validation failed: Redirect URI must be an absolute URI."}`))
	})

	_, err := c.RegisterApp(context.Background(), instance, "nope", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != 422 || !strings.Contains(apiErr.Message, "Validation failed") {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
}

func TestRegisterApp_MissingCredentials(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1"}`))
	})
	_, err := c.RegisterApp(context.Background(), instance, "https://wird.example/cb", "")
	if err == nil || !strings.Contains(err.Error(), "missing client credentials") {
		t.Errorf("unexpected error: %v", err)
	}
}

// ===================== OAuth =====================

func TestAuthCodeURL(t *testing.T) {
	c := New("Wird", "read write")
	app := App{ClientID: "cid", ClientSecret: "csecret", RedirectURI: "https://wird.example/api/auth/callback"}

	raw := c.AuthCodeURL("mastodon.social", app, "state-123")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "mastodon.social" || u.Path != "/oauth/authorize" {
		t.Errorf("unexpected authorize url: %s", raw)
	}
	q := u.Query()
	for k, want := range map[string]string{
		"client_id":     "cid",
		"redirect_uri":  "https://wird.example/api/auth/callback",
		"response_type": "code",
		"scope":         "read write",
		"state":         "state-123",
	} {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if q.Get("client_secret") != "" {
		t.Error("client secret leaked into authorize url")
	}
}

func TestExchange(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		for k, want := range map[string]string{
			"grant_type":    "authorization_code",
			"code":          "the-code",
			"client_id":     "cid",
			"client_secret": "csecret",
			"redirect_uri":  "https://wird.example/api/auth/callback",
		} {
			if got := r.PostForm.Get(k); got != want {
				t.Errorf("form %s = %q, want %q", k, got, want)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-abc","token_type":"Bearer","scope":"read write","created_at":1700000000}`))
	})

	app := App{ClientID: "cid", ClientSecret: "csecret", RedirectURI: "https://wird.example/api/auth/callback"}
	tok, err := c.Exchange(context.Background(), instance, app, "the-code")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-abc" {
		t.Errorf("Exchange() = %q, want tok-abc", tok)
	}
}

func TestExchange_Rejected(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(400)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"The provided authorization grant is invalid"}`))
	})
	if _, err := c.Exchange(context.Background(), instance, App{ClientID: "cid"}, "bad"); err == nil {
		t.Error("Exchange(bad code) = nil error, want error")
	}
}

// ===================== VerifyCredentials =====================

func TestVerifyCredentials(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/verify_credentials" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Account{ID: "109", Username: "alice", Acct: "alice"})
	})

	acct, err := c.VerifyCredentials(context.Background(), instance, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if acct.ID != "109" || acct.Username != "alice" {
		t.Errorf("unexpected account: %+v", acct)
	}
}

// ===================== Publish =====================

func TestPublish_Success(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/v1/statuses" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var req statusReq
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		if req.Status != "verse\n[Surah Al-Fatihah, Verse 1]" || req.Visibility != "public" {
			t.Errorf("unexpected status request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Status{ID: "111222333"})
	})

	link := model.Linkage{Provider: Provider, Instance: instance, AccessToken: "tok", ExternalID: "109"}
	id, err := c.Publish(context.Background(), link, "verse\n[Surah Al-Fatihah, Verse 1]")
	if err != nil {
		t.Fatal(err)
	}
	if id != "111222333" {
		t.Errorf("expected status ID 111222333, got %s", id)
	}
}

func TestPublish_HTTPError(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(401)
		w.Write([]byte(`{"error":"The access token is invalid"}`))
	})

	_, err := c.Publish(context.Background(), model.Linkage{Instance: instance, AccessToken: "revoked"}, "x")
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "access token is invalid") || !strings.Contains(err.Error(), "401") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPublish_NonJSONError(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		w.Write([]byte("something unexpected"))
	})

	_, err := c.Publish(context.Background(), model.Linkage{Instance: instance, AccessToken: "tok"}, "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != 502 || apiErr.Body != "something unexpected" {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
}

func TestPublish_MissingID(t *testing.T) {
	c, instance := newInstance(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})
	_, err := c.Publish(context.Background(), model.Linkage{Instance: instance, AccessToken: "tok"}, "x")
	if err == nil || !strings.Contains(err.Error(), "missing status id") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPublish_NoToken(t *testing.T) {
	c := New("Wird", "read write")
	if _, err := c.Publish(context.Background(), model.Linkage{Instance: "mastodon.social"}, "x"); err == nil {
		t.Error("Publish without token = nil error, want error")
	}
}
