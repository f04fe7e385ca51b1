// Package session implements crowd's client-side session manager.
//
// It owns the access/refresh token pair (through State), decorates every outgoing API call
// with a bearer token, and performs at most one transparent refresh-and-retry when a call
// is rejected with 401. When refresh is impossible the session is terminated: credentials
// are cleared, subscribers are notified and the Navigator is asked to send the user back
// to the login entry point.
//
// Concurrent 401s share a single refresh round trip. Access-token claims are decoded for
// display only; they are never verified here and must not drive authorization decisions.
package session
