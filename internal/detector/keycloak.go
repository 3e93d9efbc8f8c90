package detector

import (
	"context"
	stderrors "errors"
	"strings"

	"notification-monitor/internal/common/auth"
	"notification-monitor/internal/notification"
)

// GroupDirectory is the part of the identity provider the Keycloak resolver
// needs.
type GroupDirectory interface {
	GroupByPath(ctx context.Context, path string) (*auth.Group, error)
	GroupMembers(ctx context.Context, groupID string) ([]auth.User, error)
}

// KeycloakResolver treats the members of the group at prefix+organisationID
// as the organisation's contacts.
type KeycloakResolver struct {
	directory GroupDirectory
	prefix    string
}

func NewKeycloakResolver(directory GroupDirectory, groupPrefix string) *KeycloakResolver {
	if !strings.HasSuffix(groupPrefix, "/") {
		groupPrefix += "/"
	}
	return &KeycloakResolver{directory: directory, prefix: groupPrefix}
}

func (k *KeycloakResolver) Recipients(ctx context.Context, organisationIDs []string) (map[string][]notification.Recipient, error) {
	out := make(map[string][]notification.Recipient, len(organisationIDs))
	for _, orgID := range organisationIDs {
		group, err := k.directory.GroupByPath(ctx, k.prefix+orgID)
		if stderrors.Is(err, auth.ErrGroupNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		members, err := k.directory.GroupMembers(ctx, group.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if !m.Enabled || m.Email == "" {
				continue
			}
			out[orgID] = append(out[orgID], notification.Recipient{Email: m.Email, Name: m.DisplayName()})
		}
	}
	return out, nil
}
