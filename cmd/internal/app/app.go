// Package app wires the crowd command-line client: config, logging, credential storage,
// the session manager and the commands built on it.
package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"crowd/cmd/internal/auth/session"
	"crowd/cmd/internal/crowdapi"
	"crowd/cmd/internal/realtime"
)

// App owns every long-lived dependency of one command invocation.
type App struct {
	cfg Config
	log Logger

	out    io.Writer
	errOut io.Writer

	store *credentialStore
	state *session.State
	nav   *cliNavigator
	mgr   *session.Manager
	api   *crowdapi.Client
	http  *http.Client

	reg         *prometheus.Registry
	feedMetrics *realtime.Metrics

	closeOnce sync.Once
}

// New constructs a fully wired App. out receives command output, errOut notices and logs.
func New(ctx context.Context, cfg Config, log Logger, out, errOut io.Writer) (*App, error) {
	if log == nil {
		log = NewLogger(errOut, cfg.LogLevel, cfg.LogFormat)
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	state, err := session.NewState(ctx, st.backend, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpClient := &http.Client{Transport: WithRequestLogging(http.DefaultTransport, log)}
	nav := &cliNavigator{w: errOut}

	mgr, err := session.NewManager(cfg.Session, state, session.Options{
		HTTPClient: httpClient,
		Logger:     log,
		Navigator:  nav,
		Metrics:    session.NewMetrics(reg),
	})
	if err != nil {
		state.Close()
		_ = st.Close()
		return nil, err
	}

	return &App{
		cfg:         cfg,
		log:         log,
		out:         out,
		errOut:      errOut,
		store:       st,
		state:       state,
		nav:         nav,
		mgr:         mgr,
		api:         crowdapi.New(mgr),
		http:        httpClient,
		reg:         reg,
		feedMetrics: realtime.NewMetrics(reg),
	}, nil
}

// Close releases the session state and the credential store.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.state.Close()
		err = a.store.Close()
	})
	return err
}

// Feed builds a live-update feed for the current session.
func (a *App) Feed() (*realtime.Feed, error) {
	return realtime.NewFeed(a.cfg.Feed, a.mgr, realtime.Options{
		HTTPClient: a.http,
		Logger:     a.log,
		Metrics:    a.feedMetrics,
	})
}

// watchStore reloads the session whenever another process rewrites the credential file.
// It blocks until ctx is done and is a no-op for stores that cannot be watched.
func (a *App) watchStore(ctx context.Context) error {
	if a.store.file == nil || !a.cfg.WatchStore {
		<-ctx.Done()
		return nil
	}
	a.log.Debug("store.watch.start", "path", a.store.file.Path())
	return a.store.file.Watch(ctx, func() {
		if err := a.state.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("store.reload.fail", "err", err)
		}
	})
}
