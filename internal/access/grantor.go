// Package access grants and revokes the premium role on Discord.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// Resource names the Discord object a precondition check could not find.
type Resource string

const (
	ResourceGuild Resource = "guild"
	ResourceRole  Resource = "role"
	ResourceUser  Resource = "user"
)

// ResourceNotFoundError is returned when the guild, role, or member does not
// exist. No mutation has been performed when it is returned.
type ResourceNotFoundError struct {
	Resource Resource
	ID       string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ErrMissingPermission is wrapped by errors Discord answers with 403. The bot
// lacks the permission or its role sits below the target role, and retrying
// will not change that until an operator fixes the guild.
var ErrMissingPermission = errors.New("missing discord permission")

// IsResourceNotFound reports whether err is (or wraps) a ResourceNotFoundError.
func IsResourceNotFound(err error) bool {
	var nf *ResourceNotFoundError
	return errors.As(err, &nf)
}

// RESTClient is the subset of *discordgo.Session the grantor uses.
type RESTClient interface {
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// Grantor applies and removes a role, checking preconditions first.
type Grantor struct {
	rest RESTClient
}

// NewGrantor creates a Grantor over a Discord REST client.
func NewGrantor(rest RESTClient) *Grantor {
	return &Grantor{rest: rest}
}

// Grant adds roleID to userID in guildID. Already holding the role is a no-op.
func (g *Grantor) Grant(ctx context.Context, guildID, userID, roleID string) error {
	member, role, err := g.preconditions(ctx, guildID, userID, roleID)
	if err != nil {
		return err
	}
	if slices.Contains(member.Roles, roleID) {
		log.Debug().Str("discord_id", userID).Str("role", role.Name).Msg("Role already held; grant is a no-op")
		return nil
	}
	if err := g.rest.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return WrapRESTError(err, ResourceUser, userID, "add role "+roleID+" to")
	}
	log.Info().Str("discord_id", userID).Str("role", role.Name).Msg("Granted role")
	return nil
}

// Revoke removes roleID from userID in guildID. Not holding the role is a no-op.
func (g *Grantor) Revoke(ctx context.Context, guildID, userID, roleID string) error {
	member, role, err := g.preconditions(ctx, guildID, userID, roleID)
	if err != nil {
		return err
	}
	if !slices.Contains(member.Roles, roleID) {
		log.Debug().Str("discord_id", userID).Str("role", role.Name).Msg("Role not held; revoke is a no-op")
		return nil
	}
	if err := g.rest.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return WrapRESTError(err, ResourceUser, userID, "remove role "+roleID+" from")
	}
	log.Info().Str("discord_id", userID).Str("role", role.Name).Msg("Revoked role")
	return nil
}

func (g *Grantor) preconditions(ctx context.Context, guildID, userID, roleID string) (*discordgo.Member, *discordgo.Role, error) {
	if _, err := g.rest.Guild(guildID, discordgo.WithContext(ctx)); err != nil {
		return nil, nil, WrapRESTError(err, ResourceGuild, guildID, "lookup guild")
	}

	roles, err := g.rest.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, nil, WrapRESTError(err, ResourceGuild, guildID, "list guild roles")
	}
	idx := slices.IndexFunc(roles, func(r *discordgo.Role) bool { return r != nil && r.ID == roleID })
	if idx < 0 {
		return nil, nil, &ResourceNotFoundError{Resource: ResourceRole, ID: roleID}
	}

	member, err := g.rest.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, nil, WrapRESTError(err, ResourceUser, userID, "lookup member")
	}
	if member == nil {
		return nil, nil, &ResourceNotFoundError{Resource: ResourceUser, ID: userID}
	}
	return member, roles[idx], nil
}

// WrapRESTError maps a Discord 404 to ResourceNotFoundError and a 403 to
// ErrMissingPermission. Anything else is wrapped as a plain failure.
func WrapRESTError(err error, resource Resource, id, op string) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return &ResourceNotFoundError{Resource: resource, ID: id}
		case http.StatusForbidden:
			return fmt.Errorf("%s %s: %w: %v", op, id, ErrMissingPermission, err)
		}
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}
