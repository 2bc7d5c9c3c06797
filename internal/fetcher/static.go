package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

// StaticOptions parameterise the plain-HTTP strategy.
type StaticOptions struct {
	Timeout   time.Duration
	UserAgent string
}

// Static fetches the raw page body and applies the selectors against the
// static markup, with no script execution. Cheapest and most failure-prone;
// last in the chain.
type Static struct {
	opts   StaticOptions
	logger zerolog.Logger
	client *http.Client
}

// NewStatic constructs the plain-HTTP strategy.
func NewStatic(opts StaticOptions, logger zerolog.Logger) *Static {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Static{
		opts:   opts,
		logger: logger.With().Str("component", "static_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Strategy.
func (s *Static) Name() string { return "static" }

// Supports implements Strategy.
func (s *Static) Supports(src Source) bool { return len(src.Selectors) > 0 }

// Fetch implements Strategy.
func (s *Static) Fetch(ctx context.Context, src Source) (Reading, error) {
	if len(src.Selectors) == 0 {
		return Reading{}, fmt.Errorf("static fetch requires selectors")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Reading{}, err
	}
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	setCacheBustHeaders(req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("fetch page: unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Reading{}, fmt.Errorf("parse page: %w", err)
	}

	raw := make(map[Field]string, len(src.Selectors))
	for field, selector := range src.Selectors {
		selection := doc.Find(selector).First()
		if selection.Length() == 0 {
			s.logger.Debug().Str("field", string(field)).Str("selector", selector).Msg("selector not found in static markup")
			continue
		}
		raw[field] = strings.TrimSpace(selection.Text())
	}

	values := extractFields(raw)
	if len(values) == 0 {
		return Reading{}, ErrNoData
	}
	return Reading{Timestamp: time.Now().UTC(), Values: values, Strategy: s.Name()}, nil
}

var _ Strategy = (*Static)(nil)
