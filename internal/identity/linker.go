// Package identity resolves the Discord user behind a Stripe subscription or
// customer. The only join key is the discord_id metadata tag written when the
// checkout session is created; nothing is persisted locally.
package identity

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/rcourtman/subsync/internal/billing"
)

// ErrUnresolved is returned when the metadata tag is missing or unusable.
// Subscriptions created outside the $subscribe flow hit this, as do events
// that arrive before Stripe has propagated the metadata.
var ErrUnresolved = errors.New("identity unresolved")

// Linker reads the Discord id tag from billing metadata.
type Linker struct {
	key string
}

// NewLinker creates a Linker that reads billing.MetadataDiscordID.
func NewLinker() *Linker {
	return &Linker{key: billing.MetadataDiscordID}
}

// ResolveSubscription returns the Discord user id tagged on sub.
func (l *Linker) ResolveSubscription(sub *billing.Subscription) (string, error) {
	if sub == nil {
		return "", ErrUnresolved
	}
	return l.resolve(sub.Metadata)
}

// ResolveCustomer returns the Discord user id tagged on cust.
func (l *Linker) ResolveCustomer(cust *billing.Customer) (string, error) {
	if cust == nil {
		return "", ErrUnresolved
	}
	return l.resolve(cust.Metadata)
}

// Matches reports whether sub is tagged with discordID.
func (l *Linker) Matches(sub billing.Subscription, discordID string) bool {
	id, err := l.resolve(sub.Metadata)
	return err == nil && id == discordID
}

func (l *Linker) resolve(metadata map[string]string) (string, error) {
	raw := strings.TrimSpace(metadata[l.key])
	if raw == "" {
		return "", ErrUnresolved
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return "", ErrUnresolved
	}
	return id.String(), nil
}
