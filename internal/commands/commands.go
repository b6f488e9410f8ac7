// Package commands implements the $subscribe and $cancel direct-message
// commands.
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcourtman/subsync/internal/billing"
	"github.com/rcourtman/subsync/internal/identity"
	"github.com/rcourtman/subsync/internal/metrics"
	"github.com/rcourtman/subsync/internal/reconcile"
	"github.com/rs/zerolog/log"
)

// Command is a recognised direct-message command.
type Command string

const (
	CommandSubscribe Command = "$subscribe"
	CommandCancel    Command = "$cancel"
)

// Replies sent back over direct message.
const (
	ReplySubscribePrefix = "Click here to subscribe: "
	ReplyCancelled       = "Your subscription has been canceled."
	ReplyNoSubscription  = "No active subscription found."
	ReplyCancelErrorFmt  = "Error canceling subscription: %v"
)

// ParseCommand matches content against the known commands, ignoring case and
// surrounding whitespace.
func ParseCommand(content string) (Command, bool) {
	switch Command(strings.ToLower(strings.TrimSpace(content))) {
	case CommandSubscribe:
		return CommandSubscribe, true
	case CommandCancel:
		return CommandCancel, true
	}
	return "", false
}

// Billing is the billing-provider surface the commands use.
type Billing interface {
	CreateCheckoutSession(ctx context.Context, discordID string) (string, error)
	FindSubscription(ctx context.Context, match func(billing.Subscription) bool) (*billing.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Canceller applies the access and ledger side of a cancellation.
type Canceller interface {
	ApplyCancellation(ctx context.Context, discordID string) (reconcile.Report, error)
}

// Service executes commands on behalf of a chat user.
type Service struct {
	billing   Billing
	canceller Canceller
	linker    *identity.Linker
}

// NewService creates a Service.
func NewService(b Billing, canceller Canceller) *Service {
	return &Service{
		billing:   b,
		canceller: canceller,
		linker:    identity.NewLinker(),
	}
}

// Handle runs the command in content for userID and returns the reply to
// send. ok is false when content is not a command or nothing should be sent.
func (s *Service) Handle(ctx context.Context, userID, content string) (reply string, ok bool) {
	cmd, known := ParseCommand(content)
	if !known {
		return "", false
	}
	switch cmd {
	case CommandSubscribe:
		return s.Subscribe(ctx, userID)
	case CommandCancel:
		return s.Cancel(ctx, userID), true
	}
	return "", false
}

// Subscribe creates a checkout session tagged with userID and returns the
// reply carrying its URL. Nothing is granted until the billing webhook
// reports the subscription. A failure is logged and produces no reply.
func (s *Service) Subscribe(ctx context.Context, userID string) (string, bool) {
	url, err := s.billing.CreateCheckoutSession(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("discord_id", userID).Msg("Failed to create checkout session")
		metrics.RecordCommand(string(CommandSubscribe), "error")
		return "", false
	}
	log.Info().Str("discord_id", userID).Msg("Sent subscription link")
	metrics.RecordCommand(string(CommandSubscribe), "ok")
	return ReplySubscribePrefix + url, true
}

// Cancel cancels the first subscription tagged with userID, then revokes the
// role and marks the ledger row. With no tagged subscription nothing is
// mutated.
func (s *Service) Cancel(ctx context.Context, userID string) string {
	lg := log.With().Str("discord_id", userID).Str("command", string(CommandCancel)).Logger()

	sub, err := s.billing.FindSubscription(ctx, func(sub billing.Subscription) bool {
		return s.linker.Matches(sub, userID)
	})
	if err != nil {
		lg.Error().Err(err).Msg("Failed to list subscriptions")
		metrics.RecordCommand(string(CommandCancel), "error")
		return fmt.Sprintf(ReplyCancelErrorFmt, err)
	}
	if sub == nil {
		lg.Info().Msg("No active subscription found")
		metrics.RecordCommand(string(CommandCancel), "not_found")
		return ReplyNoSubscription
	}

	lg = lg.With().Str("subscription_id", sub.ID).Logger()
	if err := s.billing.CancelSubscription(ctx, sub.ID); err != nil {
		lg.Error().Err(err).Msg("Failed to cancel subscription")
		metrics.RecordCommand(string(CommandCancel), "error")
		return fmt.Sprintf(ReplyCancelErrorFmt, err)
	}
	lg.Info().Msg("Canceled subscription")

	// The billing side is done; later access or ledger failures are retried
	// by the customer.subscription.deleted webhook.
	if _, err := s.canceller.ApplyCancellation(ctx, userID); err != nil {
		lg.Warn().Err(err).Msg("Cancellation applied partially")
	}
	metrics.RecordCommand(string(CommandCancel), "ok")
	return ReplyCancelled
}
