// Package gauth implements the Google OAuth authorization-code flow with
// PKCE for the calendar bridge. Plain HTTP against the Google token
// endpoints; no SDK.
package gauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	authEndpoint  = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenEndpoint = "https://oauth2.googleapis.com/token"
)

// CalendarScope grants read/write access to the user's calendars.
const CalendarScope = "https://www.googleapis.com/auth/calendar"

// Token is one set of OAuth credentials. RefreshToken may be empty on
// re-consent; Expiry includes a safety margin applied at refresh time.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// Expired reports whether the access token needs a refresh.
func (t Token) Expired() bool {
	return t.AccessToken == "" || time.Now().After(t.Expiry.Add(-30*time.Second))
}

type Flow struct {
	clientID     string
	clientSecret string
	redirectURL  string
	scopes       []string

	httpc *http.Client

	// endpoint overrides for tests
	authURL  string
	tokenURL string
}

func NewFlow(clientID, clientSecret, redirectURL string) *Flow {
	return &Flow{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		scopes:       []string{CalendarScope},
		httpc:        &http.Client{Timeout: 15 * time.Second},
		authURL:      authEndpoint,
		tokenURL:     tokenEndpoint,
	}
}

// WithEndpoints overrides the Google OAuth endpoints. Tests point these at
// local servers.
func (f *Flow) WithEndpoints(authURL, tokenURL string) *Flow {
	if authURL != "" {
		f.authURL = authURL
	}
	if tokenURL != "" {
		f.tokenURL = tokenURL
	}
	return f
}

// GeneratePKCE creates a code verifier and its S256 challenge.
func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}

// AuthorizeURL builds the consent URL the browser is redirected to.
func (f *Flow) AuthorizeURL(state, challenge string) string {
	u, _ := url.Parse(f.authURL)
	q := u.Query()
	q.Set("client_id", f.clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", f.redirectURL)
	q.Set("scope", strings.Join(f.scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	u.RawQuery = q.Encode()
	return u.String()
}

// Exchange trades an authorization code for tokens.
func (f *Flow) Exchange(ctx context.Context, code, verifier string) (Token, error) {
	data := url.Values{}
	data.Set("client_id", f.clientID)
	data.Set("client_secret", f.clientSecret)
	data.Set("code", code)
	data.Set("code_verifier", verifier)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", f.redirectURL)
	return f.tokenRequest(ctx, data)
}

// Refresh obtains a fresh access token. The refresh token is carried over
// because Google omits it from refresh responses.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	data := url.Values{}
	data.Set("client_id", f.clientID)
	data.Set("client_secret", f.clientSecret)
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")

	tok, err := f.tokenRequest(ctx, data)
	if err != nil {
		return Token{}, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (f *Flow) tokenRequest(ctx context.Context, data url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return Token{}, fmt.Errorf("token endpoint returned no access token")
	}

	return Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}
