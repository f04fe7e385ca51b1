package session

import "context"

// Navigator sends the user back to the login entry point after a forced logout.
type Navigator interface {
	RedirectToLogin(ctx context.Context, notice string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, notice string)

func (f NavigatorFunc) RedirectToLogin(ctx context.Context, notice string) { f(ctx, notice) }

// NopNavigator ignores redirects. Useful for headless callers that only inspect errors.
type NopNavigator struct{}

func (NopNavigator) RedirectToLogin(context.Context, string) {}
