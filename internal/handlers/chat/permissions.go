package handlers

import (
	"context"
	"sync"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/config"
)

// AdminCache holds per-group administrator ids, fetched once at
// startup and refreshed on demand. Admin sets change rarely; a stale
// read only delays recognition of a newly promoted admin until the
// next refresh.
type AdminCache struct {
	mutex  sync.RWMutex
	admins map[int64]map[int64]struct{}
}

type adminLister interface {
	GetAdministrators(ctx context.Context, chatID int64) ([]api.ChatMember, error)
}

func NewAdminCache() *AdminCache {
	return &AdminCache{
		admins: make(map[int64]map[int64]struct{}),
	}
}

// Refresh re-fetches the administrator list for every monitored group.
// Failures are logged per group and leave the previous snapshot in
// place.
func (c *AdminCache) Refresh(ctx context.Context, gw adminLister, registry *config.GroupRegistry) {
	for _, policy := range registry.AllGroups() {
		members, err := gw.GetAdministrators(ctx, policy.GroupID)
		if err != nil {
			log.WithError(err).WithField("group_id", policy.GroupID).Error("cant fetch administrators")
			continue
		}
		ids := make(map[int64]struct{}, len(members))
		for _, member := range members {
			ids[member.User.ID] = struct{}{}
		}
		c.mutex.Lock()
		c.admins[policy.GroupID] = ids
		c.mutex.Unlock()
	}
}

func (c *AdminCache) IsAdmin(groupID, userID int64) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, ok := c.admins[groupID][userID]
	return ok
}

// IsAnyGroupAdmin reports whether the user administers at least one
// monitored group. Admin commands arrive over DM, where there is no
// group context to check against.
func (c *AdminCache) IsAnyGroupAdmin(userID int64) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for _, ids := range c.admins {
		if _, ok := ids[userID]; ok {
			return true
		}
	}
	return false
}
