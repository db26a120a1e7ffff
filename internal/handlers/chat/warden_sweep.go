package handlers

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/config"
	"github.com/profilewarden/warden/internal/db"
	"github.com/profilewarden/warden/internal/i18n"
	"github.com/profilewarden/warden/internal/observability"
	"github.com/profilewarden/warden/internal/scheduler"
)

const sweepInterval = 5 * time.Minute

// StartSweep registers the repeating time-threshold pass. Count and
// time restriction cannot double-fire for one record: both paths
// select only active rows and both flip is_restricted.
func (w *ProfileWarden) StartSweep(sched *scheduler.Scheduler) {
	sched.RunRepeating(sweepInterval, "warden_sweep", w.Sweep)
}

// Sweep restricts every active record older than its group's time
// threshold. Users who already left are cleaned up instead of muted;
// the action would target nobody and would otherwise retry forever.
func (w *ProfileWarden) Sweep(ctx context.Context) {
	for _, policy := range w.s.GetRegistry().AllGroups() {
		if !policy.Enforce {
			continue
		}
		cutoff := w.clock().Add(-policy.WarningTimeThreshold())
		records, err := w.s.GetDB().GetActiveWarningsBefore(ctx, policy.GroupID, cutoff)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"handler":  "warden",
				"group_id": policy.GroupID,
			}).Error("cant load overdue warnings")
			continue
		}
		for _, record := range records {
			w.sweepOne(ctx, policy, record)
		}
	}
}

func (w *ProfileWarden) sweepOne(ctx context.Context, policy *config.GroupPolicy, record *db.WarningRecord) {
	entry := log.WithFields(log.Fields{
		"handler":  "warden",
		"group_id": record.GroupID,
		"user_id":  record.UserID,
	})

	status, err := w.gw.GetMembershipStatus(ctx, record.GroupID, record.UserID)
	if err != nil {
		entry.WithError(err).Warn("cant check membership, will retry next sweep")
		return
	}
	if status.Absent() {
		if err := w.s.GetDB().DeleteWarning(ctx, record.ID); err != nil {
			entry.WithError(err).Error("cant delete warning of departed user")
		}
		return
	}

	if err := w.gw.Mute(ctx, record.UserID, record.GroupID); err != nil {
		entry.WithError(err).Warn("cant mute over time threshold, will retry next sweep")
		return
	}
	if err := w.s.GetDB().MarkWarningRestricted(ctx, record.UserID, record.GroupID, true); err != nil {
		entry.WithError(err).Error("cant mark swept record restricted")
		return
	}
	observability.RecordRestriction("time")

	text := fmt.Sprintf(
		i18n.Get("%s has been restricted after exceeding the %s limit for completing their profile.", w.lang),
		mentionHTMLByID(record.UserID),
		policy.WarningTimeThreshold().String(),
	)
	w.notify(ctx, policy, text, w.appealMarkup())
}
