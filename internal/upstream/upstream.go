// Package upstream defines the narrow request/response contract of the
// terminal that holds historical candle data.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/candle-collector/internal/market"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindConnectionRefused Kind = "connection_refused"
	KindInvalidSymbol     Kind = "invalid_symbol"
	KindNoData            Kind = "no_data"
	KindUnknown           Kind = "unknown"
)

// Error is a structured failure reported by (or about) the terminal.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a failed fetch may succeed when repeated.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindConnectionRefused:
		return true
	default:
		return false
	}
}

// IsNoData reports whether the window simply held no candles.
func IsNoData(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == KindNoData
}

// FetchRequest asks for candles in the half-open window [From, To).
type FetchRequest struct {
	Symbol    string
	Timeframe market.Timeframe
	From      time.Time
	To        time.Time
	MaxRows   int
}

// Fetcher is the terminal bridge as seen by the engine.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error)
	// Ping checks that the terminal is reachable and logged in.
	Ping(ctx context.Context) error
}
