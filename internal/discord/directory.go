package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/rcourtman/subsync/internal/access"
)

// UserLookup is the part of *discordgo.Session used to fetch users.
type UserLookup interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Directory resolves Discord user ids to the display names that key ledger
// rows.
type Directory struct {
	users UserLookup
}

// NewDirectory creates a Directory.
func NewDirectory(users UserLookup) *Directory {
	return &Directory{users: users}
}

// DisplayName fetches userID and formats its name. An unknown user returns an
// *access.ResourceNotFoundError and a 403 wraps access.ErrMissingPermission.
func (d *Directory) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := d.users.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", access.WrapRESTError(err, access.ResourceUser, userID, "fetch user")
	}
	if u == nil {
		return "", &access.ResourceNotFoundError{Resource: access.ResourceUser, ID: userID}
	}
	return FormatDisplayName(u), nil
}

// FormatDisplayName renders username#discriminator for legacy accounts and
// the bare username for accounts migrated to unique names.
func FormatDisplayName(u *discordgo.User) string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}
