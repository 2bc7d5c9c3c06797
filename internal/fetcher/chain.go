package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Mode selects which strategies the chain may try.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeBrowser Mode = "browser"
	ModeAPI     Mode = "api"
	ModeStatic  Mode = "static"
)

// ParseMode validates a configured mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeAuto, ModeBrowser, ModeAPI, ModeStatic:
		return Mode(raw), nil
	case "":
		return ModeAuto, nil
	}
	return "", fmt.Errorf("unknown fetch mode %q", raw)
}

// Chain tries strategies in priority order until one yields a reading. A
// forced mode restricts the chain to exactly one strategy. Each strategy sits
// behind a circuit breaker so a persistently failing method (say, a browser
// that cannot launch in this runtime) is skipped without burning its timeout
// on every poll.
type Chain struct {
	strategies []Strategy
	breakers   map[string]*gobreaker.CircuitBreaker
	mode       Mode
	logger     zerolog.Logger
}

// NewChain builds a chain over strategies in the given priority order.
func NewChain(mode Mode, logger zerolog.Logger, strategies ...Strategy) *Chain {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(strategies))
	for _, s := range strategies {
		breakers[s.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    s.Name(),
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		})
	}
	return &Chain{
		strategies: strategies,
		breakers:   breakers,
		mode:       mode,
		logger:     logger.With().Str("component", "fetch_chain").Logger(),
	}
}

// Fetch implements ReadingFetcher.
func (c *Chain) Fetch(ctx context.Context, src Source) (Reading, error) {
	var lastErr error

	for _, strategy := range c.strategies {
		if c.mode != ModeAuto && Mode(strategy.Name()) != c.mode {
			continue
		}
		if !strategy.Supports(src) {
			if c.mode != ModeAuto {
				return Reading{}, fmt.Errorf("forced strategy %q cannot operate on this source", c.mode)
			}
			continue
		}

		breaker := c.breakers[strategy.Name()]
		result, err := breaker.Execute(func() (interface{}, error) {
			return strategy.Fetch(ctx, src)
		})
		if err == nil {
			reading := result.(Reading)
			c.logger.Info().Str("strategy", strategy.Name()).Int("fields", len(reading.Values)).Msg("fetch succeeded")
			return reading, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Debug().Str("strategy", strategy.Name()).Msg("circuit open; skipping strategy")
		} else {
			c.logger.Warn().Err(err).Str("strategy", strategy.Name()).Msg("strategy failed; falling through")
			lastErr = err
		}
		if ctx.Err() != nil {
			return Reading{}, ctx.Err()
		}
	}

	if lastErr != nil {
		return Reading{}, lastErr
	}
	return Reading{}, ErrNoData
}

var _ ReadingFetcher = (*Chain)(nil)
