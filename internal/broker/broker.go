// Package broker wraps the Kite Connect REST client for the gateway's login
// and portfolio routes. A fresh library client is built per call so one
// process can serve whichever access token the session store holds.
package broker

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

const (
	tokenException = "TokenException"
	defaultTimeout = 7 * time.Second
)

// Config configures a Client.
type Config struct {
	APIKey   string
	RootURL  string        // default: library default (https://api.kite.trade)
	LoginURL string        // default: library default (https://kite.zerodha.com/connect/login)
	Timeout  time.Duration // default: 7s
}

// Client is safe for concurrent use.
type Client struct {
	apiKey   string
	rootURL  string
	loginURL string
	http     *http.Client

	// SessionExpiryHook runs when a call made with an access token is
	// rejected with a TokenException. Login exchanges never trigger it.
	SessionExpiryHook func()
}

// Session is the outcome of a request_token exchange.
type Session struct {
	UserID      string
	AccessToken string
	LoginTime   time.Time
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		apiKey:   cfg.APIKey,
		rootURL:  strings.TrimRight(cfg.RootURL, "/"),
		loginURL: cfg.LoginURL,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) kite(accessToken string) *kiteconnect.Client {
	kc := kiteconnect.New(c.apiKey)
	kc.SetHTTPClient(c.http)
	if c.rootURL != "" {
		kc.SetBaseURI(c.rootURL)
	}
	if accessToken != "" {
		kc.SetAccessToken(accessToken)
	}
	return kc
}

// LoginURL is where the browser starts the redirect login.
func (c *Client) LoginURL() string {
	if c.loginURL == "" {
		return c.kite("").GetLoginURL()
	}
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("v", "3")
	return c.loginURL + "?" + q.Encode()
}

// GenerateSession exchanges a request_token for an access token.
func (c *Client) GenerateSession(requestToken, apiSecret string) (Session, error) {
	us, err := c.kite("").GenerateSession(requestToken, apiSecret)
	if err != nil {
		// a stale or replayed request_token says nothing about the stored session
		return Session{}, err
	}
	if us.AccessToken == "" {
		return Session{}, errors.New("broker: no access_token in session response")
	}
	return Session{UserID: us.UserID, AccessToken: us.AccessToken, LoginTime: us.LoginTime.Time}, nil
}

// InvalidateAccessToken logs the token out upstream.
func (c *Client) InvalidateAccessToken(accessToken string) error {
	_, err := c.kite(accessToken).InvalidateAccessToken()
	return err
}

func (c *Client) Profile(accessToken string) (kiteconnect.UserProfile, error) {
	return read(c, accessToken, (*kiteconnect.Client).GetUserProfile)
}

func (c *Client) Holdings(accessToken string) (kiteconnect.Holdings, error) {
	return read(c, accessToken, (*kiteconnect.Client).GetHoldings)
}

func (c *Client) Positions(accessToken string) (kiteconnect.Positions, error) {
	return read(c, accessToken, (*kiteconnect.Client).GetPositions)
}

func (c *Client) Margins(accessToken string) (kiteconnect.AllMargins, error) {
	return read(c, accessToken, (*kiteconnect.Client).GetUserMargins)
}

func read[T any](c *Client, accessToken string, fn func(*kiteconnect.Client) (T, error)) (T, error) {
	v, err := fn(c.kite(accessToken))
	if err != nil && IsTokenError(err) && c.SessionExpiryHook != nil {
		c.SessionExpiryHook()
	}
	return v, err
}

// IsTokenError reports whether err is the API rejecting a token.
func IsTokenError(err error) bool {
	var ke kiteconnect.Error
	return errors.As(err, &ke) && ke.ErrorType == tokenException
}
