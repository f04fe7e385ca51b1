// Package v1 defines the crowd project feed protocol v1.
//
// This package is dependency-light and shared between the feed client and test servers
// to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "crowd.feed.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a feed session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeDonation is broadcast when a donation is accepted.
	TypeDonation = "project_donation"
	// TypeComment is broadcast when a comment is posted.
	TypeComment = "project_comment"
	// TypeRating is broadcast when the average rating changes.
	TypeRating = "project_rating"
	// TypeUpdate is broadcast when the project is edited or cancelled.
	TypeUpdate = "project_update"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	ProjectID int64           `json:"project_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeDonation,
		TypeComment,
		TypeRating,
		TypeUpdate,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloAckPayload carries the server-side feed session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	ProjectID int64  `json:"project_id"`
}

// DonationPayload describes an accepted donation.
type DonationPayload struct {
	Amount         float64 `json:"amount"`
	TotalDonations float64 `json:"total_donations"`
	Donor          string  `json:"donor,omitempty"`
}

// CommentPayload describes a new comment.
type CommentPayload struct {
	CommentID int64  `json:"comment_id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
}

// RatingPayload carries the new average rating.
type RatingPayload struct {
	AverageRating float64 `json:"average_rating"`
	Count         int     `json:"count"`
}

// UpdatePayload describes a project edit or cancellation.
type UpdatePayload struct {
	Title      string `json:"title,omitempty"`
	IsCanceled bool   `json:"is_canceled"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
