package handlers

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/observability"
)

// Recover re-arms every persisted challenge after a restart. It must
// run before the first update is served: the rows are the durable
// truth, and an in-memory timer lost in a crash would otherwise leave
// its user muted forever. Overdue challenges expire inline; the rest
// get a fresh timer for exactly the time they had left.
func (g *Gatekeeper) Recover(ctx context.Context) error {
	challenges, err := g.s.GetDB().GetAllChallenges(ctx)
	if err != nil {
		return errors.WithMessage(err, "cant load pending challenges")
	}

	now := g.clock()
	for _, challenge := range challenges {
		entry := log.WithFields(log.Fields{
			"handler":  "gatekeeper",
			"group_id": challenge.GroupID,
			"user_id":  challenge.UserID,
		})

		policy := g.s.GetRegistry().Get(challenge.GroupID)
		if policy == nil {
			// The group was removed from the registry while the
			// challenge was pending; the row can never resolve.
			entry.Warn("dropping challenge for unmonitored group")
			if err := g.s.GetDB().DeleteChallenge(ctx, challenge.UserID, challenge.GroupID); err != nil {
				entry.WithError(err).Error("cant drop orphaned challenge")
			}
			continue
		}

		remaining := challenge.CreatedAt.Add(policy.ChallengeTimeout()).Sub(now)
		if remaining <= 0 {
			entry.WithField("overdue", -remaining).Info("expiring challenge on recovery")
			g.fireTimeout(ctx, challenge.GroupID, challenge.UserID)
			continue
		}

		entry.WithField("remaining", remaining).Info("rescheduling challenge timeout")
		g.scheduleTimeout(challenge.GroupID, challenge.UserID, remaining)
		observability.RecordChallenge("recovered")
	}
	return nil
}
