// Package token obtains short-lived recognizer credentials from the token-issuing service.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Issuer returns a credential used to authenticate one streaming connection.
type Issuer interface {
	Issue(ctx context.Context, sessionID, languageCode string) (string, error)
}

var (
	// ErrEmptyToken is returned when the issuer answers without a credential.
	ErrEmptyToken = errors.New("token issuer returned an empty token")
	// ErrExpiredToken is returned when the issued credential is already expired.
	ErrExpiredToken = errors.New("token issuer returned an expired token")
)

// StatusError reports a non-2xx answer from the token issuer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("token issuer responded %d: %s", e.StatusCode, e.Body)
}

// Static always returns the same credential, e.g. a long-lived API key.
type Static string

// Issue returns the static credential.
func (s Static) Issue(context.Context, string, string) (string, error) {
	if s == "" {
		return "", ErrEmptyToken
	}
	return string(s), nil
}

// HTTPIssuer requests credentials from an HTTP token endpoint.
type HTTPIssuer struct {
	URL    string
	Client *http.Client
	Logger zerolog.Logger

	now func() time.Time
}

// NewHTTPIssuer creates an issuer for url with the given request timeout.
func NewHTTPIssuer(url string, timeout time.Duration, logger zerolog.Logger) *HTTPIssuer {
	return &HTTPIssuer{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Logger: logger,
		now:    time.Now,
	}
}

type issueRequest struct {
	SessionID    string `json:"sessionId"`
	LanguageCode string `json:"languageCode"`
}

type issueResponse struct {
	Token string `json:"token"`
}

// Issue posts the session parameters and decodes {"token": "..."}.
func (i *HTTPIssuer) Issue(ctx context.Context, sessionID, languageCode string) (string, error) {
	body, err := json.Marshal(issueRequest{SessionID: sessionID, LanguageCode: languageCode})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var out issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", ErrEmptyToken
	}

	if err := i.checkExpiry(out.Token); err != nil {
		return "", err
	}
	return out.Token, nil
}

// checkExpiry rejects JWT credentials whose exp claim has passed. Opaque
// credentials are accepted as-is; the recognizer is the authority on them.
func (i *HTTPIssuer) checkExpiry(tok string) error {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}

	now := time.Now
	if i.now != nil {
		now = i.now
	}
	if !claims.ExpiresAt.After(now()) {
		return fmt.Errorf("%w (exp %s)", ErrExpiredToken, claims.ExpiresAt.Time.Format(time.RFC3339))
	}

	i.Logger.Debug().
		Time("expiresAt", claims.ExpiresAt.Time).
		Msg("Issued credential")
	return nil
}
