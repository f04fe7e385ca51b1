package app

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// cliNavigator is the terminal's login entry point: it tells the user to run `crowd login`.
type cliNavigator struct {
	w io.Writer

	mu     sync.Mutex
	notice string
}

func (n *cliNavigator) RedirectToLogin(_ context.Context, notice string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notice = notice
	_, _ = fmt.Fprintf(n.w, "%s\nRun `crowd login` to sign in again.\n", notice)
}

// redirected reports whether the user was already sent to login during this run.
func (n *cliNavigator) redirected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notice != ""
}
