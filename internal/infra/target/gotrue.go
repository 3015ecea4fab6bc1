package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	auth "github.com/supabase-community/auth-go"
	"github.com/supabase-community/auth-go/types"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

const usersPerPage = 1000

// AuthClient drives the project's GoTrue admin API through auth-go with the
// service role key.
type AuthClient struct {
	client auth.Client
	http   http.Client
}

func NewAuthClient(apiURL, serviceKey string, hc *http.Client) (*AuthClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(apiURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &domain.ConnectionError{Target: "auth", Err: fmt.Errorf("invalid API URL %q", apiURL)}
	}
	c := &AuthClient{
		client: auth.New("", serviceKey).
			WithCustomAuthURL(u.String() + "/auth/v1").
			WithToken(serviceKey),
	}
	if hc != nil {
		c.http = *hc
	}
	return c, nil
}

// ListUsers pages through every user of the project.
func (c *AuthClient) ListUsers(ctx context.Context) ([]domain.AuthUser, error) {
	all := []domain.AuthUser{}
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(usersPerPage))

		client, call := c.call(ctx, q)
		resp, err := client.AdminListUsers()
		if err != nil {
			return nil, call.err(err)
		}
		for _, u := range resp.Users {
			all = append(all, toAuthUser(u))
		}
		if len(resp.Users) < usersPerPage {
			return all, nil
		}
	}
}

// UpdateUserMetadata replaces a user's user_metadata.
func (c *AuthClient) UpdateUserMetadata(ctx context.Context, userID string, metadata map[string]any) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("auth user id %q: %w", userID, err)
	}
	client, call := c.call(ctx, nil)
	if _, err := client.AdminUpdateUser(types.AdminUpdateUserRequest{
		UserID:       id,
		UserMetadata: metadata,
	}); err != nil {
		return call.err(err)
	}
	return nil
}

func toAuthUser(u types.User) domain.AuthUser {
	out := domain.AuthUser{
		ID:           u.ID.String(),
		Email:        u.Email,
		Factors:      make([]domain.AuthFactor, 0, len(u.Factors)),
		UserMetadata: u.UserMetadata,
		LastSignInAt: u.LastSignInAt,
	}
	if !u.CreatedAt.IsZero() {
		created := u.CreatedAt
		out.CreatedAt = &created
	}
	for _, f := range u.Factors {
		out.Factors = append(out.Factors, domain.AuthFactor{
			ID:         f.ID.String(),
			FactorType: f.FactorType,
			Status:     f.Status,
		})
	}
	return out
}

// APIError is a non-2xx answer from the auth service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth api returned %d: %s", e.Status, e.Message)
}

// call returns a client whose requests carry ctx and the extra query, and
// the round tripper that observed them. auth-go has no context parameter.
func (c *AuthClient) call(ctx context.Context, query url.Values) (auth.Client, *callTransport) {
	next := c.http.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	t := &callTransport{ctx: ctx, query: query, next: next}
	hc := c.http
	hc.Transport = t
	return c.client.WithClient(hc), t
}

type callTransport struct {
	ctx   context.Context
	query url.Values
	next  http.RoundTripper

	netErr error
	failed *APIError
}

func (t *callTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(t.ctx)
	if len(t.query) > 0 {
		q := r.URL.Query()
		for k, v := range t.query {
			q[k] = v
		}
		r.URL.RawQuery = q.Encode()
	}

	resp, err := t.next.RoundTrip(r)
	if err != nil {
		t.netErr = err
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		t.failed = &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	return resp, nil
}

// err types what auth-go reported as a plain error.
func (t *callTransport) err(err error) error {
	switch {
	case t.failed != nil:
		return t.failed
	case t.netErr != nil:
		return &domain.ConnectionError{Target: "auth", Err: t.netErr}
	}
	return fmt.Errorf("auth api: %w", err)
}

// errorMessage pulls the human message out of the GoTrue error shapes.
func errorMessage(raw []byte) string {
	var e struct {
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(raw, &e) == nil {
		for _, s := range []string{e.Msg, e.Message, e.ErrorDescription, e.Error} {
			if s != "" {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
