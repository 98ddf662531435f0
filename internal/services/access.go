package services

import (
	"fmt"
	"strings"

	"github.com/tbourn/pillsync/internal/messenger"
)

// AllowList decides which identities may use the bot. An identity passes
// when its username or its chat id is listed. An empty list admits nobody.
type AllowList struct {
	usernames map[string]struct{}
	chatIDs   map[string]struct{}
}

// NewAllowList builds an AllowList. Usernames match case-insensitively and
// a leading "@" is ignored.
func NewAllowList(usernames, chatIDs []string) AllowList {
	a := AllowList{
		usernames: make(map[string]struct{}, len(usernames)),
		chatIDs:   make(map[string]struct{}, len(chatIDs)),
	}
	for _, u := range usernames {
		if k := usernameKey(u); k != "" {
			a.usernames[k] = struct{}{}
		}
	}
	for _, id := range chatIDs {
		if id = strings.TrimSpace(id); id != "" {
			a.chatIDs[id] = struct{}{}
		}
	}
	return a
}

func usernameKey(u string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
}

// Empty reports whether the list admits nobody.
func (a AllowList) Empty() bool { return len(a.usernames) == 0 && len(a.chatIDs) == 0 }

// Authorize returns ErrUnauthorized unless ev comes from a listed identity.
func (a AllowList) Authorize(ev messenger.Event) error {
	if k := usernameKey(ev.Username); k != "" {
		if _, ok := a.usernames[k]; ok {
			return nil
		}
	}
	if _, ok := a.chatIDs[ev.ChatID]; ok && ev.ChatID != "" {
		return nil
	}
	return fmt.Errorf("%w: chat %s user %q", ErrUnauthorized, ev.ChatID, ev.Username)
}
