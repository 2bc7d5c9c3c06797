package fetcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BrowserOptions parameterise the rendered-page strategy.
type BrowserOptions struct {
	Timeout       time.Duration
	WaitAfterLoad time.Duration
}

// Browser extracts readings from the fully rendered dashboard in headless
// Chromium. It is the most faithful source (it sees exactly what a human
// sees) and runs first whenever selectors are configured.
type Browser struct {
	opts   BrowserOptions
	logger zerolog.Logger
}

// NewBrowser constructs the rendered-page strategy.
func NewBrowser(opts BrowserOptions, logger zerolog.Logger) *Browser {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.WaitAfterLoad <= 0 {
		opts.WaitAfterLoad = 3 * time.Second
	}
	return &Browser{opts: opts, logger: logger.With().Str("component", "browser_fetcher").Logger()}
}

// Name implements Strategy.
func (b *Browser) Name() string { return "browser" }

// Supports implements Strategy. Without selectors there is nothing to query
// in the rendered DOM.
func (b *Browser) Supports(src Source) bool { return len(src.Selectors) > 0 }

// Fetch implements Strategy.
func (b *Browser) Fetch(ctx context.Context, src Source) (Reading, error) {
	if len(src.Selectors) == 0 {
		return Reading{}, fmt.Errorf("browser fetch requires selectors")
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// The dashboard keeps polling its own backend, so there is no load
	// event to wait for; navigate, give scripts a moment to paint values,
	// then query the DOM.
	if err := chromedp.Run(browserCtx,
		chromedp.Navigate(src.URL),
		chromedp.Sleep(b.opts.WaitAfterLoad),
	); err != nil {
		return Reading{}, fmt.Errorf("load page: %w", err)
	}

	values := make(map[Field]decimal.Decimal, len(src.Selectors))
	for field, selector := range src.Selectors {
		var text string
		// A missing selector yields an empty string, not a failed fetch.
		script := fmt.Sprintf(
			`(() => { const el = document.querySelector(%s); return el && el.textContent ? el.textContent.trim() : ""; })()`,
			strconv.Quote(selector),
		)
		if err := chromedp.Run(browserCtx, chromedp.Evaluate(script, &text)); err != nil {
			b.logger.Debug().Err(err).Str("field", string(field)).Str("selector", selector).Msg("selector query failed")
			continue
		}
		if value, ok := extractNumber(text); ok {
			values[field] = value
		} else {
			b.logger.Debug().Str("field", string(field)).Str("text", text).Msg("no numeric value in element text")
		}
	}

	if len(values) == 0 {
		return Reading{}, ErrNoData
	}
	return Reading{Timestamp: time.Now().UTC(), Values: values, Strategy: b.Name()}, nil
}

var _ Strategy = (*Browser)(nil)
