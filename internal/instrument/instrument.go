// Package instrument handles perpetual instrument ticker parsing and
// validation, and funding-cap configuration checks.
package instrument

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/model"
)

// Supported leagues.
const (
	LeagueNBA = "NBA"
	LeagueNFL = "NFL"
	LeagueMLB = "MLB"
	LeagueNHL = "NHL"
)

var validLeagues = map[string]bool{
	LeagueNBA: true,
	LeagueNFL: true,
	LeagueMLB: true,
	LeagueNHL: true,
}

// tickerRegex matches: WPX-{league}-{team}-{season}
// Example: WPX-NBA-BOS-2026
var tickerRegex = regexp.MustCompile(
	`^WPX-([A-Z]+)-([A-Z]{2,4})-(\d{4})$`,
)

var (
	ErrInvalidTicker = errors.New("instrument: invalid ticker format")
	ErrInvalidLeague = errors.New("instrument: unsupported league")
	ErrInvalidCap    = errors.New("instrument: invalid funding cap configuration")
)

// Ticker is a parsed instrument identifier.
type Ticker struct {
	Raw    string `json:"ticker"`
	League string `json:"league"`
	Team   string `json:"team"`
	Season string `json:"season"`
}

// ParseTicker parses and validates an instrument ticker string.
// Format: WPX-{league}-{team}-{YYYY}
func ParseTicker(ticker string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected WPX-{league}-{team}-{YYYY})",
			ErrInvalidTicker, ticker)
	}

	league := matches[1]
	if !validLeagues[league] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLeague, league)
	}

	return &Ticker{
		Raw:    ticker,
		League: league,
		Team:   matches[2],
		Season: matches[3],
	}, nil
}

var one = decimal.NewFromInt(1)

// ValidateCap checks a funding-cap configuration: both cap percentages in
// (0, 1], emergency threshold positive and no higher than the cumulative
// cap, debt age non-negative.
func ValidateCap(c model.FundingCap) error {
	switch {
	case c.DailyCapPercent.LessThanOrEqual(decimal.Zero),
		c.DailyCapPercent.GreaterThan(one):
		return fmt.Errorf("%w: daily cap %s", ErrInvalidCap, c.DailyCapPercent)
	case c.CumulativeCapPercent.LessThanOrEqual(decimal.Zero),
		c.CumulativeCapPercent.GreaterThan(one):
		return fmt.Errorf("%w: cumulative cap %s", ErrInvalidCap, c.CumulativeCapPercent)
	case c.EmergencyThreshold.LessThanOrEqual(decimal.Zero),
		c.EmergencyThreshold.GreaterThan(c.CumulativeCapPercent):
		return fmt.Errorf("%w: emergency threshold %s exceeds cumulative cap %s",
			ErrInvalidCap, c.EmergencyThreshold, c.CumulativeCapPercent)
	case c.MaxDebtAgeSeconds < 0:
		return fmt.Errorf("%w: negative max debt age", ErrInvalidCap)
	}
	return nil
}
