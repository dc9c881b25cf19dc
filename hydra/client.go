// Package hydra implements a minimal client for the ORY Hydra admin API:
// fetching and accepting login and consent challenges, and revoking the
// sessions of a subject. The engine consumes it through the
// authflow.AuthorizationServer interface, so another OAuth2 server can be
// substituted.
package hydra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrChallengeNotFound = errors.New("hydra challenge not found")
	ErrUnavailable       = errors.New("hydra unavailable")
)

// Config holds connection settings for the Hydra admin endpoint.
type Config struct {
	// AdminURL is the base URL of the Hydra admin API, e.g.
	// "https://hydra:4445".
	AdminURL string

	// SubjectPrefix is prepended to user IDs to form OAuth2 subjects, e.g.
	// "debtors:".
	SubjectPrefix string

	Timeout time.Duration
}

// Client talks to the Hydra admin API.
type Client struct {
	http          *http.Client
	adminURL      string
	subjectPrefix string
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:          &http.Client{Timeout: timeout},
		adminURL:      strings.TrimRight(cfg.AdminURL, "/"),
		subjectPrefix: cfg.SubjectPrefix,
	}
}

// Subject maps a user ID to its OAuth2 subject.
func (c *Client) Subject(userID string) string {
	return c.subjectPrefix + userID
}

// UserID maps an OAuth2 subject back to a user ID. The second return value
// is false when the subject does not carry the configured prefix.
func (c *Client) UserID(subject string) (string, bool) {
	if !strings.HasPrefix(subject, c.subjectPrefix) {
		return "", false
	}
	return strings.TrimPrefix(subject, c.subjectPrefix), true
}

type loginRequest struct {
	Challenge string `json:"challenge"`
	Skip      bool   `json:"skip"`
	Subject   string `json:"subject"`
}

type consentRequest struct {
	Challenge      string   `json:"challenge"`
	Subject        string   `json:"subject"`
	Skip           bool     `json:"skip"`
	RequestedScope []string `json:"requested_scope"`
}

type completedRequest struct {
	RedirectTo string `json:"redirect_to"`
}

// FetchLoginSubject returns the already-authenticated subject of a login
// challenge, or "" when authentication is still required. Unknown challenges
// also report "", so the caller simply proceeds with authentication.
func (c *Client) FetchLoginSubject(ctx context.Context, challengeID string) (string, error) {
	if challengeID == "" {
		return "", nil
	}

	var lr loginRequest
	err := c.do(ctx, http.MethodGet,
		"/oauth2/auth/requests/login", url.Values{"login_challenge": {challengeID}},
		nil, &lr)
	if err != nil {
		if errors.Is(err, ErrChallengeNotFound) {
			return "", nil
		}
		return "", err
	}

	if lr.Skip {
		return lr.Subject, nil
	}
	return "", nil
}

// AcceptLogin tells Hydra the subject has been authenticated and returns the
// URL the browser must be redirected to.
func (c *Client) AcceptLogin(ctx context.Context, challengeID, subject string) (string, error) {
	body := map[string]any{
		"subject":  subject,
		"remember": true,
	}

	var done completedRequest
	err := c.do(ctx, http.MethodPut,
		"/oauth2/auth/requests/login/accept", url.Values{"login_challenge": {challengeID}},
		body, &done)
	if err != nil {
		return "", err
	}
	return done.RedirectTo, nil
}

// FetchConsentScopes returns the subject and the scopes requested by a
// consent challenge.
func (c *Client) FetchConsentScopes(ctx context.Context, challengeID string) (subject string, scopes []string, err error) {
	var cr consentRequest
	err = c.do(ctx, http.MethodGet,
		"/oauth2/auth/requests/consent", url.Values{"consent_challenge": {challengeID}},
		nil, &cr)
	if err != nil {
		return "", nil, err
	}
	return cr.Subject, cr.RequestedScope, nil
}

// AcceptConsent grants the given scopes and returns the redirect URL.
func (c *Client) AcceptConsent(ctx context.Context, challengeID string, grantScope []string) (string, error) {
	if grantScope == nil {
		grantScope = []string{}
	}
	body := map[string]any{
		"grant_scope": grantScope,
		"remember":    true,
	}

	var done completedRequest
	err := c.do(ctx, http.MethodPut,
		"/oauth2/auth/requests/consent/accept", url.Values{"consent_challenge": {challengeID}},
		body, &done)
	if err != nil {
		return "", err
	}
	return done.RedirectTo, nil
}

// RevokeConsentSessions revokes all consent sessions of a subject.
func (c *Client) RevokeConsentSessions(ctx context.Context, subject string) error {
	return c.do(ctx, http.MethodDelete,
		"/oauth2/auth/sessions/consent", url.Values{"subject": {subject}, "all": {"true"}},
		nil, nil)
}

// RevokeLoginSessions revokes all login sessions of a subject.
func (c *Client) RevokeLoginSessions(ctx context.Context, subject string) error {
	return c.do(ctx, http.MethodDelete,
		"/oauth2/auth/sessions/login", url.Values{"subject": {subject}},
		nil, nil)
}

// InvalidateCredentials revokes every session and issued token of the user.
// Called after password and email changes.
func (c *Client) InvalidateCredentials(ctx context.Context, userID string) error {
	subject := c.Subject(userID)
	if err := c.RevokeConsentSessions(ctx, subject); err != nil {
		return err
	}
	return c.RevokeLoginSessions(ctx, subject)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.adminURL + "/admin" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrChallengeNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}
