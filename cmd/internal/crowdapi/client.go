// Package crowdapi is the typed surface of the accounts and projects services.
//
// Every call goes through the session manager, so authentication, the one-shot refresh and
// forced logout apply uniformly. Failures are returned as the manager produced them
// (*session.ResponseError, *session.TransportError or session.ErrSessionExpired).
package crowdapi

import (
	"context"
	"fmt"

	"crowd/cmd/internal/auth/session"
)

// Session is the part of *session.Manager the client needs.
type Session interface {
	Request(ctx context.Context, req session.Request) (*session.Response, error)
	Establish(ctx context.Context, access, refresh string) (session.Identity, error)
	Logout(ctx context.Context)
}

// Client issues typed calls through a Session.
type Client struct {
	s Session
}

// New wraps s.
func New(s Session) *Client {
	return &Client{s: s}
}

// call dispatches req and decodes a successful body into out (nil skips decoding).
func (c *Client) call(ctx context.Context, req session.Request, out any) error {
	resp, err := c.s.Request(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("%s: %w", req.Op, err)
	}
	return nil
}

// detail is the {"detail": "..."} acknowledgement body.
type detail struct {
	Detail string `json:"detail"`
}
