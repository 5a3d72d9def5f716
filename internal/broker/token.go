package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultAuthProvider is the Guacamole auth extension backing connections.
const DefaultAuthProvider = "postgresql"

// Credentials authenticate against the broker's REST API.
type Credentials struct {
	Username string
	Password string
}

// TokenClient mints short-lived broker API tokens.
type TokenClient struct {
	baseURL string
	creds   Credentials
	client  *http.Client
	group   singleflight.Group
}

// NewTokenClient returns a client for the broker at server, e.g.
// "guacamole:8080/guacamole" or "https://gw.example.com/guacamole".
func NewTokenClient(server string, creds Credentials, timeout time.Duration) *TokenClient {
	base := strings.TrimRight(server, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &TokenClient{
		baseURL: base,
		creds:   creds,
		client:  &http.Client{Timeout: timeout},
	}
}

// Server returns the broker base URL handed to front ends.
func (c *TokenClient) Server() string {
	return c.baseURL
}

type tokenResponse struct {
	AuthToken  string `json:"authToken"`
	Username   string `json:"username"`
	DataSource string `json:"dataSource"`
}

// MintToken authenticates with the configured credentials. Concurrent
// callers share one in-flight request. The shared request does not
// inherit any single caller's cancellation; the client timeout bounds it
// and each caller stops waiting when its own ctx ends.
func (c *TokenClient) MintToken(ctx context.Context) (string, error) {
	ch := c.group.DoChan("token", func() (interface{}, error) {
		return c.mint(context.WithoutCancel(ctx), c.creds)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrAuth, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

type tunnelResponse struct {
	Identifier string `json:"identifier"`
}

// OpenTunnel asks the broker to open a session tunnel to the connection
// named by identifier (see EncodeIdentifier) and returns the tunnel id.
func (c *TokenClient) OpenTunnel(ctx context.Context, token, identifier string) (string, error) {
	if token == "" || identifier == "" {
		return "", fmt.Errorf("%w: token and connection identifier are required", ErrTunnel)
	}
	form := url.Values{}
	form.Set("connection", identifier)

	endpoint := c.baseURL + "/api/session/tunnels?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTunnel, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTunnel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrTunnel, resp.StatusCode)
	}
	var body tunnelResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding response: %w", ErrTunnel, err)
	}
	if body.Identifier == "" {
		return "", fmt.Errorf("%w: empty tunnel id", ErrTunnel)
	}
	return body.Identifier, nil
}

func (c *TokenClient) mint(ctx context.Context, creds Credentials) (string, error) {
	if creds.Username == "" || creds.Password == "" {
		return "", fmt.Errorf("%w: broker credentials not configured", ErrAuth)
	}

	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tokens", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding response: %w", ErrAuth, err)
	}
	if body.AuthToken == "" {
		return "", fmt.Errorf("%w: empty token", ErrAuth)
	}
	return body.AuthToken, nil
}

// EncodeIdentifier builds the opaque client identifier Guacamole expects
// for a connection: base64("{id}\x00c\x00{provider}").
func EncodeIdentifier(connectionID int64, provider string) string {
	if provider == "" {
		provider = DefaultAuthProvider
	}
	raw := strconv.FormatInt(connectionID, 10) + "\x00c\x00" + provider
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeIdentifier reverses EncodeIdentifier.
func DecodeIdentifier(identifier string) (connectionID int64, kind, provider string, err error) {
	raw, err := base64.StdEncoding.DecodeString(identifier)
	if err != nil {
		return 0, "", "", fmt.Errorf("decoding identifier: %w", err)
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return 0, "", "", errors.New("identifier must have three NUL separated parts")
	}
	connectionID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("parsing connection id: %w", err)
	}
	return connectionID, parts[1], parts[2], nil
}
