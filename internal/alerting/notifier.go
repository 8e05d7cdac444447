package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification kinds.
const (
	KindRebase  = "rebase"
	KindFailure = "failure"
)

// ChannelTelegram is the channel name routed to a TelegramNotifier.
const ChannelTelegram = "telegram"

// Notification carries the context of one alert.
type Notification struct {
	Kind         string
	Epoch        uint64
	At           time.Time
	TradingPrice decimal.Decimal
	TargetPrice  decimal.Decimal
	DeviationPct decimal.Decimal
	SupplyDelta  decimal.Decimal
	TotalSupply  decimal.Decimal
	// Channels restricts delivery; empty means every registered channel.
	Channels []string
	Error    string
}

// Notifier delivers notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Router fans a notification out to named channels.
type Router struct {
	channels map[string]Notifier
	order    []string
	logger   zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{channels: make(map[string]Notifier), logger: logger.With().Str("component", "alert_router").Logger()}
}

// Register adds or replaces the notifier behind a channel name.
func (r *Router) Register(channel string, n Notifier) {
	if _, exists := r.channels[channel]; !exists {
		r.order = append(r.order, channel)
	}
	r.channels[channel] = n
}

// Len reports how many channels are registered.
func (r *Router) Len() int {
	return len(r.order)
}

// Notify delivers to every selected channel and joins the failures.
func (r *Router) Notify(ctx context.Context, note Notification) error {
	targets := note.Channels
	if len(targets) == 0 {
		targets = r.order
	}

	var errs []error
	for _, name := range targets {
		n, ok := r.channels[name]
		if !ok {
			r.logger.Warn().Str("channel", name).Msg("no notifier registered for channel")
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func renderMessage(note Notification) string {
	var b strings.Builder
	if note.Kind == KindFailure {
		b.WriteString("[Rebase Failed]\n")
	} else {
		fmt.Fprintf(&b, "[Rebase #%d]\n", note.Epoch)
	}
	fmt.Fprintf(&b, "Time: %s UTC\n", note.At.UTC().Format(time.RFC3339))
	if !note.TradingPrice.IsZero() || !note.TargetPrice.IsZero() {
		fmt.Fprintf(&b, "Trading: %s\n", note.TradingPrice.StringFixed(6))
		fmt.Fprintf(&b, "Target: %s\n", note.TargetPrice.StringFixed(6))
		fmt.Fprintf(&b, "Deviation: %s%%\n", note.DeviationPct.StringFixed(3))
	}
	if note.Kind != KindFailure {
		fmt.Fprintf(&b, "Supply delta: %s\n", note.SupplyDelta.String())
		fmt.Fprintf(&b, "Supply before: %s\n", note.TotalSupply.String())
		fmt.Fprintf(&b, "Supply after: %s\n", note.TotalSupply.Add(note.SupplyDelta).String())
	}
	if note.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", note.Error)
	}
	return b.String()
}

var _ Notifier = (*Router)(nil)
