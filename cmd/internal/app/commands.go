package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"crowd/cmd/internal/auth/session"
	v1 "crowd/cmd/internal/contracts/feed/v1"
	"crowd/cmd/internal/crowdapi"
	"crowd/cmd/internal/realtime"
	"crowd/cmd/security/token"
)

// cli holds the streams and the App shared by every command of one invocation.
type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	lines *bufio.Reader

	configPath string
	logLevel   string
	store      string

	app *App
}

// Execute runs the crowd command line with args and reports failures on errOut.
func Execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	c := &cli{in: in, out: out, errOut: errOut, lines: bufio.NewReader(in)}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if c.app != nil {
		if cerr := c.app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		c.report(err)
	}
	return err
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crowd",
		Short: "Command-line client for the crowd fundraising platform",
		Long: `crowd signs in to the accounts service, keeps the session fresh and talks to the
projects service on your behalf.

Configuration comes from an optional YAML profile (--config or CROWD_CONFIG) and
CROWD_* environment variables, in that order.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", os.Getenv("CROWD_CONFIG"), "YAML profile file")
	pf.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&c.store, "store", "", "credential store (memory:, file:<path>, sqlite:<path>, postgres://...)")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.refreshCmd(),
		c.requestCmd("get", http.MethodGet),
		c.requestCmd("post", http.MethodPost),
		c.projectsCmd(),
		c.donateCmd(),
		c.watchCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.store != "" {
		cfg.Store = c.store
	}

	log := NewLogger(c.errOut, cfg.LogLevel, cfg.LogFormat)
	a, err := New(cmd.Context(), cfg, log, c.out, c.errOut)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

// report prints err the way a user should see it.
func (c *cli) report(err error) {
	var (
		re *session.ResponseError
		te *session.TransportError
	)
	switch {
	case errors.Is(err, session.ErrSessionExpired) && c.app != nil && c.app.nav.redirected():
		// The navigator already told the user.
	case errors.Is(err, session.ErrSessionExpired):
		_, _ = fmt.Fprintln(c.errOut, "crowd: you are not logged in. Run `crowd login` first.")
	case errors.As(err, &re):
		_, _ = fmt.Fprintf(c.errOut, "crowd: %s\n", re.Message())
		for field, msgs := range re.Fields() {
			_, _ = fmt.Fprintf(c.errOut, "  %s: %s\n", field, strings.Join(msgs, " "))
		}
	case errors.As(err, &te):
		_, _ = fmt.Fprintf(c.errOut, "crowd: %s: could not reach the server (%v)\n", te.Op, te.Err)
	default:
		_, _ = fmt.Fprintf(c.errOut, "crowd: %v\n", err)
	}
}

func (c *cli) readLine(prompt string) (string, error) {
	_, _ = fmt.Fprint(c.errOut, prompt)
	line, err := c.lines.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *cli) readSecret(prompt string) (string, error) {
	f, ok := c.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return c.readLine(prompt)
	}
	_, _ = fmt.Fprint(c.errOut, prompt)
	b, err := term.ReadPassword(int(f.Fd()))
	_, _ = fmt.Fprintln(c.errOut)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func (c *cli) loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the credential pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if email == "" {
				if email, err = c.readLine("Email: "); err != nil {
					return err
				}
			}
			if password == "" {
				password = os.Getenv("CROWD_PASSWORD")
			}
			if password == "" {
				if password, err = c.readSecret("Password: "); err != nil {
					return err
				}
			}

			id, err := c.app.mgr.Login(cmd.Context(), session.Credentials{Email: email, Password: password})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "Logged in as %s\n", describe(id, email))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when empty; CROWD_PASSWORD also works)")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.app.mgr.Logout(cmd.Context())
			_, _ = fmt.Fprintln(c.out, "Logged out")
			return nil
		},
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	var withProfile bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, ok := c.app.mgr.CurrentUser()
			if !ok {
				_, _ = fmt.Fprintln(c.out, "Not logged in")
				return nil
			}

			_, _ = fmt.Fprintf(c.out, "user:    %s\n", describe(id, ""))
			if !id.ExpiresAt.IsZero() {
				state := "valid"
				if id.Expired(time.Now()) {
					state = "expired, refreshed on next request"
				}
				_, _ = fmt.Fprintf(c.out, "expires: %s (%s)\n", id.ExpiresAt.Local().Format(time.RFC3339), state)
			}
			_, _ = fmt.Fprintf(c.out, "token:   %s\n", token.Fingerprint(c.app.mgr.AccessToken()))

			if !withProfile {
				return nil
			}
			p, err := c.app.api.Profile(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "name:    %s\nemail:   %s\nphone:   %s\n",
				strings.TrimSpace(p.FirstName+" "+p.LastName), p.Email, p.MobilePhone)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withProfile, "profile", false, "also fetch the account profile")
	return cmd
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			access, err := c.app.mgr.Refresh(cmd.Context())
			if errors.Is(err, session.ErrUnauthenticated) {
				return session.ErrSessionExpired
			}
			if err != nil && cmd.Context().Err() != nil {
				return err
			}
			if err != nil {
				// Any failed refresh clears the pair.
				return &session.ExpiredError{Op: "Refresh failed", Cause: err}
			}
			_, _ = fmt.Fprintf(c.out, "Access token refreshed (%s)\n", token.Fingerprint(access))
			return nil
		},
	}
}

// requestCmd issues a raw request: crowd get projects 42/ -q page=2
func (c *cli) requestCmd(name, defaultMethod string) *cobra.Command {
	var (
		method string
		data   string
		query  []string
	)
	cmd := &cobra.Command{
		Use:   name + " <accounts|projects> <path>",
		Short: "Send an authenticated " + strings.ToUpper(name) + " request and print the response body",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := parseService(args[0])
			if err != nil {
				return err
			}
			q, err := parseQuery(query)
			if err != nil {
				return err
			}

			req := session.Request{
				Service: svc,
				Method:  strings.ToUpper(method),
				Path:    args[1],
				Query:   q,
			}
			if data != "" {
				if data == "-" {
					raw, err := io.ReadAll(c.lines)
					if err != nil {
						return fmt.Errorf("read body: %w", err)
					}
					data = string(raw)
				}
				if !json.Valid([]byte(data)) {
					return errors.New("--data must be valid JSON")
				}
				req.Body = []byte(data)
				req.ContentType = "application/json"
			}

			resp, err := c.app.mgr.Request(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeBody(c.out, resp.Body)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", defaultMethod, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body (- reads stdin)")
	cmd.Flags().StringArrayVarP(&query, "query", "q", nil, "query parameter key=value (repeatable)")
	return cmd
}

func (c *cli) projectsCmd() *cobra.Command {
	var opts crowdapi.ListOptions
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List fundraising projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, err := c.app.api.ListProjects(cmd.Context(), opts)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTITLE\tRAISED\tTARGET\tPROGRESS\tRATING")
			for _, p := range page.Results {
				title := p.Title
				if p.IsCanceled {
					title += " (cancelled)"
				}
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%.2f\t%.2f\t%.0f%%\t%.1f\n",
					p.ID, title, p.TotalDonations, p.TotalTarget, p.Progress()*100, p.AverageRating)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(c.out, "%d project(s)", page.Count)
			if n, ok := page.NextPage(); ok {
				_, _ = fmt.Fprintf(c.out, ", next page: --page %d", n)
			}
			_, _ = fmt.Fprintln(c.out)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Page, "page", 0, "page number")
	cmd.Flags().StringVar(&opts.Search, "search", "", "search title and tags")
	return cmd
}

func (c *cli) donateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "donate <project-id> <amount>",
		Short: "Donate to a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			d, err := c.app.api.Donate(cmd.Context(), id, amount)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "Donated %.2f to project %d (total %.2f)\n", d.Amount, id, d.TotalDonations)
			return nil
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <project-id>",
		Short: "Follow a project's live donations, comments and ratings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			feed, err := c.app.Feed()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer cancel()
				return feed.Run(gctx, id, c.printEvent)
			})
			g.Go(func() error { return c.app.watchStore(gctx) })
			if addr := c.app.cfg.MetricsAddr; addr != "" {
				g.Go(func() error { return serveMetrics(gctx, addr, c.app.reg, c.app.log) })
			}

			err = g.Wait()
			if errors.Is(err, realtime.ErrSignedOut) {
				_, _ = fmt.Fprintln(c.out, "Signed out; stopped watching")
				return nil
			}
			return err
		},
	}
}

func (c *cli) printEvent(_ context.Context, env v1.Envelope) error {
	ts := env.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("%s %-16s", ts.Local().Format(time.TimeOnly), env.Type)

	switch env.Type {
	case v1.TypeDonation:
		if p, err := realtime.Payload[v1.DonationPayload](env); err == nil {
			line += fmt.Sprintf(" +%.2f (total %.2f)", p.Amount, p.TotalDonations)
		}
	case v1.TypeComment:
		if p, err := realtime.Payload[v1.CommentPayload](env); err == nil {
			line += fmt.Sprintf(" %s: %s", p.Author, p.Content)
		}
	case v1.TypeRating:
		if p, err := realtime.Payload[v1.RatingPayload](env); err == nil {
			line += fmt.Sprintf(" average %.1f from %d vote(s)", p.AverageRating, p.Count)
		}
	case v1.TypeUpdate:
		if p, err := realtime.Payload[v1.UpdatePayload](env); err == nil {
			line += " " + p.Title
			if p.IsCanceled {
				line += " (cancelled)"
			}
		}
	default:
		line += " " + string(env.Payload)
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

func describe(id session.Identity, fallback string) string {
	for _, claim := range []string{"email", "username"} {
		if v := id.Claim(claim); v != "" {
			return fmt.Sprintf("%s (id %s)", v, id.Subject)
		}
	}
	if fallback != "" {
		return fmt.Sprintf("%s (id %s)", fallback, id.Subject)
	}
	return "id " + id.Subject
}

func parseService(s string) (session.Service, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accounts", "account":
		return session.ServiceAccounts, nil
	case "projects", "project":
		return session.ServiceProjects, nil
	default:
		return 0, fmt.Errorf("unknown service %q (want accounts or projects)", s)
	}
}

func parseQuery(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid query %q (want key=value)", p)
		}
		q.Add(k, v)
	}
	return q, nil
}

func parseProjectID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid project id %q", s)
	}
	return id, nil
}

// writeBody pretty-prints JSON bodies and copies anything else verbatim.
func writeBody(w io.Writer, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, werr := w.Write(body)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
