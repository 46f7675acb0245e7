package app

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/snapshelf/backend/internal/auth"
	"github.com/snapshelf/backend/internal/client"
	"github.com/snapshelf/backend/internal/livefilter"
	"github.com/snapshelf/backend/internal/models"
)

const (
	defaultServerURL    = "http://localhost:8080"
	filterSettleTimeout = 10 * time.Second
)

// session is a logged-in API client for the CLI commands.
type session struct {
	api  *client.Client
	auth *client.AuthClient
}

// cliFlags are shared by the client-side commands.
type cliFlags struct {
	server   string
	username string
	password string
	limit    int
	fileType string
}

func parseCLIFlags(name string, args []string, stderr io.Writer) (cliFlags, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f cliFlags
	fs.StringVar(&f.server, "server", envOr("SNAPSHELF_SERVER_URL", defaultServerURL), "snapshelf server URL")
	fs.StringVar(&f.username, "user", os.Getenv("SNAPSHELF_USERNAME"), "account email")
	fs.StringVar(&f.password, "password", os.Getenv("SNAPSHELF_PASSWORD"), "account password")
	fs.IntVar(&f.limit, "limit", 10, "maximum results")
	fs.StringVar(&f.fileType, "type", "", "restrict to image or video")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, nil, err
	}
	if f.username == "" || f.password == "" {
		return cliFlags{}, nil, errors.New("credentials required: set -user and -password or SNAPSHELF_USERNAME and SNAPSHELF_PASSWORD")
	}
	if f.fileType != "" && !models.FileType(f.fileType).Valid() {
		return cliFlags{}, nil, fmt.Errorf("invalid -type %q", f.fileType)
	}
	return f, fs.Args(), nil
}

func (f cliFlags) filters() models.SearchFilters {
	if f.fileType == "" {
		return models.SearchFilters{}
	}
	return models.SearchFilters{FileTypes: []models.FileType{models.FileType(f.fileType)}}
}

// login builds the authenticated client stack: the auth client performs login and
// refresh, and every API call goes through a TokenGuard.
func login(ctx context.Context, f cliFlags, logger *slog.Logger) (*session, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	store := auth.NewCredentialStore(auth.CredentialPair{})
	authClient := client.NewAuthClient(f.server, httpClient, store)

	if err := authClient.Login(ctx, f.username, f.password); err != nil {
		return nil, err
	}

	guard := auth.NewTokenGuard(store, authClient, httpClient, auth.TokenGuardConfig{}, logger)
	return &session{api: client.New(f.server, guard), auth: authClient}, nil
}

func (s *session) close(ctx context.Context, logger *slog.Logger) {
	if err := s.auth.Logout(ctx); err != nil {
		logger.Warn("logout failed", "error", err)
	}
}

// runSearch runs one semantic query and prints the ranked results.
func runSearch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f, rest, err := parseCLIFlags("search", args, stderr)
	if err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(rest, " "))
	if query == "" {
		return errors.New("usage: snapshelf search [flags] <query>")
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sess, err := login(ctx, f, logger)
	if err != nil {
		return err
	}
	defer sess.close(context.WithoutCancel(ctx), logger)

	resp, err := sess.api.Search(ctx, models.SearchQuery{Text: query, Filters: f.filters(), Limit: f.limit})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%d of %d matches for %q in %.0fms\n", resp.ReturnedCount, resp.TotalFound, resp.Query, resp.SearchTimeMs)
	return printResults(stdout, resp.Results)
}

// runFilter reads lines from stdin and treats each as the current contents of a
// search box, printing every view the live filter displays.
func runFilter(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	f, _, err := parseCLIFlags("filter", args, stderr)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sess, err := login(ctx, f, logger)
	if err != nil {
		return err
	}
	defer sess.close(context.WithoutCancel(ctx), logger)

	baseline, err := sess.api.ListUploads(ctx, client.ListOptions{Status: models.StatusCompleted, FileType: models.FileType(f.fileType), Limit: 50})
	if err != nil {
		return fmt.Errorf("load library: %w", err)
	}

	views := make(chan livefilter.View, 16)
	controller := livefilter.New(sess.api, sess.api, baseline, livefilter.Options{
		Limit:   f.limit,
		Filters: f.filters(),
		Logger:  logger,
		Subscribe: func(v livefilter.View) {
			select {
			case views <- v:
			default:
				// printer is behind; a newer view follows
			}
		},
	})

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for v := range views {
			printView(stdout, v)
		}
	}()

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		controller.Input(scanner.Text())
	}
	awaitSettled(ctx, controller, filterSettleTimeout)
	controller.Close()
	close(views)
	<-printed
	return scanner.Err()
}

// awaitSettled waits for the last debounced search to resolve.
func awaitSettled(ctx context.Context, controller *livefilter.Controller, timeout time.Duration) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for controller.View().Pending {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

func printView(w io.Writer, v livefilter.View) {
	switch {
	case v.Err != nil:
		fmt.Fprintf(w, "[%d] %q: search failed: %v\n", v.Generation, v.Text, v.Err)
	case v.Pending:
		fmt.Fprintf(w, "[%d] %q: searching...\n", v.Generation, v.Text)
	case v.Baseline:
		fmt.Fprintf(w, "[%d] library (%d items)\n", v.Generation, len(v.Results))
	default:
		fmt.Fprintf(w, "[%d] %q: %d results\n", v.Generation, v.Text, len(v.Results))
	}
	if len(v.Suggestions) > 0 {
		fmt.Fprintf(w, "    try: %s\n", strings.Join(v.Suggestions, ", "))
	}
	if !v.Pending {
		_ = printResults(w, v.Results)
	}
}

func printResults(w io.Writer, results []models.SearchResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range results {
		fmt.Fprintf(tw, "  %d\t%.3f\t%s\t%s\t%s\n", r.Rank, r.Score, r.Item.FileType, r.Item.Filename, truncate(r.Item.Summary, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
