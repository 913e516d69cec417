// Package twitter links X accounts with three-legged OAuth1 and posts
// statuses on their behalf.
package twitter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gotwitter "github.com/dghubble/go-twitter/twitter"
	"github.com/dghubble/oauth1"
	xauth "github.com/dghubble/oauth1/twitter"

	"github.com/mikequentel/wird/internal/model"
)

const (
	Provider = model.ProviderX
	// Instance is stored in the linkage; X has a single host.
	Instance = "x.com"
	MaxChars = 280
)

type Client struct {
	config *oauth1.Config
	// httpClient returns a client that signs requests with the user token.
	httpClient func(ctx context.Context, token, secret string) *http.Client
}

func New(consumerKey, consumerSecret, callbackURL string) *Client {
	c := &Client{
		config: &oauth1.Config{
			ConsumerKey:    consumerKey,
			ConsumerSecret: consumerSecret,
			CallbackURL:    callbackURL,
			Endpoint:       xauth.AuthorizeEndpoint,
		},
	}
	c.httpClient = c.signedClient
	return c
}

func (c *Client) Name() string  { return Provider }
func (c *Client) MaxChars() int { return MaxChars }

func (c *Client) signedClient(ctx context.Context, token, secret string) *http.Client {
	hc := c.config.Client(ctx, oauth1.NewToken(token, secret))
	hc.Transport = ctxTransport{ctx: ctx, base: hc.Transport}
	return hc
}

// ctxTransport binds outgoing requests to ctx; go-twitter has no
// per-call context.
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// RequestToken starts the link flow. The user approves access at authURL
// and comes back to the callback with the token and a verifier.
func (c *Client) RequestToken() (token, secret, authURL string, err error) {
	token, secret, err = c.config.RequestToken()
	if err != nil {
		return "", "", "", fmt.Errorf("x request token: %w", err)
	}
	u, err := c.AuthorizationURL(token)
	if err != nil {
		return "", "", "", err
	}
	return token, secret, u, nil
}

func (c *Client) AuthorizationURL(requestToken string) (string, error) {
	u, err := c.config.AuthorizationURL(requestToken)
	if err != nil {
		return "", fmt.Errorf("x authorization url: %w", err)
	}
	return u.String(), nil
}

// AccessToken trades the approved request token for user credentials.
func (c *Client) AccessToken(requestToken, requestSecret, verifier string) (token, secret string, err error) {
	token, secret, err = c.config.AccessToken(requestToken, requestSecret, verifier)
	if err != nil {
		return "", "", fmt.Errorf("x access token: %w", err)
	}
	return token, secret, nil
}

// VerifyCredentials returns the id and handle of the token's owner.
func (c *Client) VerifyCredentials(ctx context.Context, token, secret string) (id, screenName string, err error) {
	api := gotwitter.NewClient(c.httpClient(ctx, token, secret))
	user, _, err := api.Accounts.VerifyCredentials(&gotwitter.AccountVerifyParams{
		SkipStatus: gotwitter.Bool(true),
	})
	if err != nil {
		return "", "", fmt.Errorf("x verify credentials: %w", err)
	}
	if user == nil || user.IDStr == "" {
		return "", "", errors.New("x verify credentials: response missing user id")
	}
	return user.IDStr, user.ScreenName, nil
}

func (c *Client) Publish(ctx context.Context, link model.Linkage, text string) (string, error) {
	if link.AccessToken == "" || link.AccessSecret == "" {
		return "", errors.New("x: access token not set")
	}
	api := gotwitter.NewClient(c.httpClient(ctx, link.AccessToken, link.AccessSecret))
	tweet, _, err := api.Statuses.Update(text, nil)
	if err != nil {
		return "", fmt.Errorf("post tweet: %w", err)
	}
	if tweet == nil || tweet.IDStr == "" {
		return "", errors.New("post tweet: response missing id")
	}
	return tweet.IDStr, nil
}
