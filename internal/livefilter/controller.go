// Package livefilter turns keystrokes into debounced semantic searches and makes
// sure only the newest query's results are ever displayed.
package livefilter

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/snapshelf/backend/internal/models"
)

const (
	// DefaultDebounce is the quiet period before a search is issued.
	DefaultDebounce = 150 * time.Millisecond
	// MinSearchLength is the shortest text that triggers a search.
	MinSearchLength = 3
	// MinSuggestLength is the shortest text that triggers a suggestion lookup.
	MinSuggestLength = 2
)

// Searcher runs a full semantic search for the current user.
type Searcher interface {
	Search(ctx context.Context, query models.SearchQuery) (models.SearchResponse, error)
}

// Suggester completes partial input for the current user.
type Suggester interface {
	Suggestions(ctx context.Context, partial string) ([]string, error)
}

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock schedules debounce timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// View is what the controller wants displayed.
type View struct {
	Text       string
	Generation uint64
	Results    []models.SearchResult
	// Baseline is set while Results is the unfiltered listing.
	Baseline bool
	// Pending is set while a search for Text is scheduled or in flight.
	Pending     bool
	Suggestions []string
	// Err is the error of the newest search, if it failed.
	Err error
}

// Options configures a Controller. Zero values get defaults.
type Options struct {
	Debounce  time.Duration
	Limit     int
	Filters   models.SearchFilters
	Clock     Clock
	Logger    *slog.Logger
	Subscribe func(View)
}

// Controller holds the live filter state. All methods are safe for concurrent use.
// The subscriber is called with the controller lock held, in display order, and
// must not call back into the controller.
type Controller struct {
	searcher  Searcher
	suggester Suggester
	opts      Options

	mu         sync.Mutex
	text       string
	generation uint64
	baseline   []models.SearchResult
	view       View
	timer      Timer

	suggestGen    uint64
	cancelSuggest context.CancelFunc
	closed        bool
}

// searchRequest and searchResponse carry the generation a search was issued for
// through to its resolution.
type searchRequest struct {
	generation uint64
	query      models.SearchQuery
}

type searchResponse struct {
	generation uint64
	resp       models.SearchResponse
	err        error
}

// New returns a controller displaying baseline. suggester may be nil.
func New(searcher Searcher, suggester Suggester, baseline []models.MediaItem, opts Options) *Controller {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{searcher: searcher, suggester: suggester, opts: opts}
	c.baseline = asResults(baseline)
	c.view = View{Results: c.baseline, Baseline: true}
	return c
}

// Input records new text. The displayed text changes immediately. Empty text
// reverts to the baseline synchronously; text of MinSearchLength or more schedules
// a debounced search; anything shorter keeps the current results.
func (c *Controller) Input(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.text = text
	c.generation++
	c.stopTimer()

	c.view.Text = text
	c.view.Generation = c.generation
	c.view.Err = nil
	c.view.Pending = false

	n := utf8.RuneCountInString(text)
	switch {
	case n == 0:
		c.view.Results = c.baseline
		c.view.Baseline = true
		c.view.Suggestions = nil
	case n >= MinSearchLength:
		req := searchRequest{
			generation: c.generation,
			query:      models.SearchQuery{Text: text, Limit: c.opts.Limit, Filters: c.opts.Filters},
		}
		c.timer = c.opts.Clock.AfterFunc(c.opts.Debounce, func() { c.fire(req) })
		c.view.Pending = true
	}

	c.lookupSuggestions(text, n)
	c.emit()
}

// SetBaseline replaces the unfiltered listing. It is displayed immediately when
// the current text is empty.
func (c *Controller) SetBaseline(items []models.MediaItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseline = asResults(items)
	if c.text == "" {
		c.view.Results = c.baseline
		c.view.Baseline = true
		c.emit()
	}
}

// View returns a copy of what is displayed now.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Generation returns the current query generation.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Close stops the pending timer and any suggestion lookup. In-flight searches
// finish but their results are dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimer()
	if c.cancelSuggest != nil {
		c.cancelSuggest()
		c.cancelSuggest = nil
	}
}

func (c *Controller) fire(req searchRequest) {
	c.mu.Lock()
	if c.closed || req.generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go func() {
		resp, err := c.searcher.Search(context.Background(), req.query)
		c.resolve(searchResponse{generation: req.generation, resp: resp, err: err})
	}()
}

// resolve applies a search outcome only when it belongs to the current generation.
func (c *Controller) resolve(res searchResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || res.generation != c.generation {
		c.opts.Logger.Debug("discarding stale search result",
			slog.Uint64("generation", res.generation),
			slog.Uint64("current", c.generation),
		)
		return
	}

	c.view.Pending = false
	if res.err != nil {
		c.view.Err = res.err
		c.opts.Logger.Warn("live search failed", slog.Any("error", res.err))
	} else {
		c.view.Results = res.resp.Results
		c.view.Baseline = false
		c.view.Err = nil
	}
	c.emit()
}

// lookupSuggestions requires c.mu held. Every call cancels the previous lookup.
func (c *Controller) lookupSuggestions(text string, n int) {
	if c.cancelSuggest != nil {
		c.cancelSuggest()
		c.cancelSuggest = nil
	}
	c.suggestGen++
	if c.suggester == nil || n < MinSuggestLength {
		c.view.Suggestions = nil
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelSuggest = cancel
	gen := c.suggestGen

	go func() {
		suggestions, err := c.suggester.Suggestions(ctx, text)
		c.mu.Lock()
		defer c.mu.Unlock()
		if ctx.Err() != nil || gen != c.suggestGen || c.closed {
			return
		}
		cancel()
		c.cancelSuggest = nil
		if err != nil {
			c.opts.Logger.Debug("suggestion lookup failed", slog.Any("error", err))
			return
		}
		c.view.Suggestions = suggestions
		c.emit()
	}()
}

// stopTimer requires c.mu held.
func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// emit requires c.mu held.
func (c *Controller) emit() {
	if c.opts.Subscribe != nil {
		c.opts.Subscribe(c.snapshot())
	}
}

func (c *Controller) snapshot() View {
	v := c.view
	v.Results = append([]models.SearchResult(nil), v.Results...)
	v.Suggestions = append([]string(nil), v.Suggestions...)
	return v
}

func asResults(items []models.MediaItem) []models.SearchResult {
	results := make([]models.SearchResult, len(items))
	for i, item := range items {
		results[i] = models.SearchResult{Item: item, Rank: i + 1}
	}
	return results
}
