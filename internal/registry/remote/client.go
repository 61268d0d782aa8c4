// Package remote is the HTTP client of the registration service.
package remote

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

	"pseudomat.org/internal/token"
)

// DefaultTimeout bounds every call so that a hung server fails the command
// instead of blocking it forever.
const DefaultTimeout = 10 * time.Second

const maxResponse = 1 << 16

// Outcome classifies a response status.
type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeAccepted
	OutcomeAlreadyRegistered
	OutcomeRejected
	OutcomeServerError
	OutcomeUnexpected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeAlreadyRegistered:
		return "already registered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeServerError:
		return "server error"
	}
	return "unexpected"
}

// Classify maps an HTTP status onto an Outcome.
func Classify(status int) Outcome {
	switch {
	case status == http.StatusCreated:
		return OutcomeCreated
	case status >= 200 && status < 300:
		return OutcomeAccepted
	case status >= 300 && status < 400:
		return OutcomeAlreadyRegistered
	case status >= 400 && status < 500:
		return OutcomeRejected
	case status >= 500 && status < 600:
		return OutcomeServerError
	}
	return OutcomeUnexpected
}

// ErrNotFound matches an *Error with status 404.
var ErrNotFound = errors.New("remote: not found")

// Error is a response the caller did not ask for.
type Error struct {
	Op      string
	Outcome Outcome
	Status  int
	Reason  string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (HTTP %d)", e.Op, e.Outcome, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client talks to one registry server.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client. Redirects stay disabled.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			cp := *hc
			c.http = &cp
		}
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New builds a client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	c := &Client{base: u, http: &http.Client{}, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	// a 303 is the server's "already registered" answer, not a hop to follow
	c.http.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return c, nil
}

// RegisterProject posts a project token.
func (c *Client) RegisterProject(ctx context.Context, tok string) (Outcome, error) {
	return c.register(ctx, "register project", http.MethodPost, "/", tok)
}

// FetchProject returns the registered project token.
func (c *Client) FetchProject(ctx context.Context, projectID string) (string, error) {
	return c.fetch(ctx, "fetch project", "/"+url.PathEscape(projectID))
}

// DeleteProject deletes a project with a signed intent proof.
func (c *Client) DeleteProject(ctx context.Context, projectID, bearer string) error {
	return c.delete(ctx, "delete project", "/"+url.PathEscape(projectID), bearer)
}

// VerifyProject submits the confirmation code mailed to the project owner.
func (c *Client) VerifyProject(ctx context.Context, projectID, code string) error {
	resp, err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(projectID)+"/verification", "text/plain", code, "")
	if err != nil {
		return fmt.Errorf("verify project: %w", err)
	}
	if resp.status != http.StatusNoContent && resp.status != http.StatusOK {
		return resp.err("verify project")
	}
	return nil
}

func invitePath(projectID, inviteID string) string {
	return "/" + url.PathEscape(projectID) + "/invites/" + url.PathEscape(inviteID)
}

// RegisterInvite puts a public invite token.
func (c *Client) RegisterInvite(ctx context.Context, projectID, inviteID, tok string) (Outcome, error) {
	return c.register(ctx, "register invite", http.MethodPut, invitePath(projectID, inviteID), tok)
}

// FetchInvite returns the registered public invite token and the state of
// its member chain.
func (c *Client) FetchInvite(ctx context.Context, projectID, inviteID string) (string, string, error) {
	resp, err := c.do(ctx, http.MethodGet, invitePath(projectID, inviteID), "", "", "")
	if err != nil {
		return "", "", fmt.Errorf("fetch invite: %w", err)
	}
	if resp.status != http.StatusOK {
		return "", "", resp.err("fetch invite")
	}
	return strings.TrimSpace(resp.body), resp.header.Get(MemberStateHeader), nil
}

// MemberStateHeader carries pending, active or revoked on invite fetches.
const MemberStateHeader = "Pseudomat-Member-State"

// DeleteInvite deletes an invite with a signed intent proof.
func (c *Client) DeleteInvite(ctx context.Context, projectID, inviteID, bearer string) error {
	return c.delete(ctx, "delete invite", invitePath(projectID, inviteID), bearer)
}

// RegisterMember puts the member token accepting an invite.
func (c *Client) RegisterMember(ctx context.Context, projectID, inviteID, tok string) (Outcome, error) {
	return c.register(ctx, "register member", http.MethodPut, invitePath(projectID, inviteID)+"/member", tok)
}

// FetchMember returns the member token of an accepted invite.
func (c *Client) FetchMember(ctx context.Context, projectID, inviteID string) (string, error) {
	return c.fetch(ctx, "fetch member", invitePath(projectID, inviteID)+"/member")
}

// RegisterRevocation puts a revoke token.
func (c *Client) RegisterRevocation(ctx context.Context, projectID, inviteID, tok string) (Outcome, error) {
	return c.register(ctx, "register revocation", http.MethodPut, invitePath(projectID, inviteID)+"/revocation", tok)
}

func (c *Client) register(ctx context.Context, op, method, path, tok string) (Outcome, error) {
	resp, err := c.do(ctx, method, path, token.MediaType, tok, "")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	outcome := Classify(resp.status)
	switch outcome {
	case OutcomeCreated, OutcomeAccepted, OutcomeAlreadyRegistered:
		return outcome, nil
	}
	return outcome, resp.err(op)
}

func (c *Client) fetch(ctx context.Context, op, path string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, path, "", "", "")
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if resp.status != http.StatusOK {
		return "", resp.err(op)
	}
	return strings.TrimSpace(resp.body), nil
}

func (c *Client) delete(ctx context.Context, op, path, bearer string) error {
	resp, err := c.do(ctx, http.MethodDelete, path, "", "", bearer)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.status != http.StatusNoContent && resp.status != http.StatusOK {
		return resp.err(op)
	}
	return nil
}

type response struct {
	status int
	header http.Header
	body   string
}

func (r response) err(op string) error {
	return &Error{Op: op, Outcome: Classify(r.status), Status: r.status, Reason: reason(r.body)}
}

// reason extracts the "error" member of a JSON body, or the trimmed text.
func reason(body string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(body)
}

func (c *Client) do(ctx context.Context, method, path, contentType, body, bearer string) (response, error) {
	ctx, cancel := WithDeadline(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + path
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return response{}, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return response{}, err
	}
	return response{status: resp.StatusCode, header: resp.Header, body: string(data)}, nil
}

// WithDeadline returns a context bounded by d, defaulting to DefaultTimeout.
func WithDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(parent, d)
}
