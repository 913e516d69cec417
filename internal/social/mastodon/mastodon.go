// Package mastodon is a small Mastodon API client: app registration, the
// OAuth2 authorization code flow, credential checks and status posting.
package mastodon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dghubble/sling"
	"golang.org/x/oauth2"

	"github.com/mikequentel/wird/internal/model"
)

const (
	Provider = "mastodon"
	// MaxChars is the default status limit of a stock Mastodon instance.
	MaxChars = 500
)

// --- wire types ---

type App struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
}

type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
}

type Status struct {
	ID        string `json:"id"`
	URI       string `json:"uri"`
	URL       string `json:"url"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type appReq struct {
	ClientName   string `json:"client_name"`
	RedirectURIs string `json:"redirect_uris"`
	Scopes       string `json:"scopes"`
	Website      string `json:"website,omitempty"`
}

type statusReq struct {
	Status     string `json:"status"`
	Visibility string `json:"visibility"`
}

// APIError is a non-2xx answer from an instance.
type APIError struct {
	Status      int    `json:"-"`
	Message     string `json:"error"`
	Description string `json:"error_description"`
	Body        string `json:"-"` // raw body when it was not a Mastodon error document
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mastodon: HTTP %d", e.Status)
	switch {
	case e.Message != "" && e.Description != "":
		fmt.Fprintf(&b, ": %s (%s)", e.Message, e.Description)
	case e.Message != "":
		fmt.Fprintf(&b, ": %s", e.Message)
	case e.Body != "":
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

// --- client ---

type Client struct {
	http    *http.Client
	appName string
	scopes  string
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for every call.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout bounds every call made with the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

func New(appName, scopes string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 20 * time.Second},
		appName: appName,
		scopes:  scopes,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string  { return Provider }
func (c *Client) MaxChars() int { return MaxChars }

// NormalizeInstance turns user input such as "https://Mastodon.Social/"
// into a bare host.
func NormalizeInstance(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("instance is required")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid instance %q", s)
	}
	return strings.ToLower(u.Host), nil
}

func baseURL(instance string) string {
	return "https://" + instance + "/"
}

func (c *Client) api(instance string) *sling.Sling {
	return sling.New().Client(c.http).Base(baseURL(instance)).ResponseDecoder(decoder{})
}

// RegisterApp creates an OAuth application on the instance.
func (c *Client) RegisterApp(ctx context.Context, instance, redirectURI, website string) (App, error) {
	var app App
	s := c.api(instance).Post("api/v1/apps").BodyJSON(appReq{
		ClientName:   c.appName,
		RedirectURIs: redirectURI,
		Scopes:       c.scopes,
		Website:      website,
	})
	if err := do(ctx, s, &app); err != nil {
		return App{}, fmt.Errorf("register app on %s: %w", instance, err)
	}
	if app.ClientID == "" || app.ClientSecret == "" {
		return App{}, fmt.Errorf("register app on %s: response missing client credentials", instance)
	}
	if app.RedirectURI == "" {
		app.RedirectURI = redirectURI
	}
	return app, nil
}

func (c *Client) oauthConfig(instance string, app App) *oauth2.Config {
	base := baseURL(instance)
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.RedirectURI,
		Scopes:       strings.Fields(c.scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "oauth/authorize",
			TokenURL:  base + "oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL is where the user approves access; state comes back on the
// callback unchanged.
func (c *Client) AuthCodeURL(instance string, app App, state string) string {
	return c.oauthConfig(instance, app).AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token.
func (c *Client) Exchange(ctx context.Context, instance string, app App, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.oauthConfig(instance, app).Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code on %s: %w", instance, err)
	}
	return tok.AccessToken, nil
}

// VerifyCredentials returns the account the token belongs to.
func (c *Client) VerifyCredentials(ctx context.Context, instance, token string) (Account, error) {
	var acct Account
	s := c.api(instance).Get("api/v1/accounts/verify_credentials").Set("Authorization", "Bearer "+token)
	if err := do(ctx, s, &acct); err != nil {
		return Account{}, fmt.Errorf("verify credentials on %s: %w", instance, err)
	}
	if acct.ID == "" {
		return Account{}, fmt.Errorf("verify credentials on %s: response missing account id", instance)
	}
	return acct, nil
}

// Publish posts a public status for the linked account.
func (c *Client) Publish(ctx context.Context, link model.Linkage, text string) (string, error) {
	if link.AccessToken == "" {
		return "", errors.New("mastodon: access token not set")
	}
	var st Status
	s := c.api(link.Instance).Post("api/v1/statuses").
		Set("Authorization", "Bearer "+link.AccessToken).
		BodyJSON(statusReq{Status: text, Visibility: "public"})
	if err := do(ctx, s, &st); err != nil {
		return "", fmt.Errorf("post status: %w", err)
	}
	if st.ID == "" {
		return "", errors.New("post status: response missing status id")
	}
	return st.ID, nil
}

func do(ctx context.Context, s *sling.Sling, success interface{}) error {
	req, err := s.Request()
	if err != nil {
		return err
	}
	apiErr := new(APIError)
	resp, err := s.Do(req.WithContext(ctx), success, apiErr)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	return nil
}

// decoder reads JSON bodies but keeps unparseable error bodies as text.
type decoder struct{}

func (decoder) Decode(resp *http.Response, v interface{}) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if e, ok := v.(*APIError); ok {
		if json.Unmarshal(b, e) != nil || e.Message == "" {
			e.Body = strings.TrimSpace(string(b))
		}
		return nil
	}
	return json.Unmarshal(b, v)
}
