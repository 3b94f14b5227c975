package detection

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/arcfence/controlplane/internal/store"
)

// BanQueue is the subset of *banqueue.Queue this package depends on, kept
// as an interface here to avoid an import cycle (banqueue depends on
// providers, not on detection).
type BanQueue interface {
	Enqueue(integrationID uint, op BanOp)
}

// BanOp mirrors banqueue.Operation's shape for the ban-creation call only.
type BanOp struct {
	Action          string
	IP              string
	Reason          string
	DurationSeconds int
	Severity        store.Severity
	BanRecordID     uint
}

// Apply persists decision as an IPBan (extending an existing active ban's
// expiry if the new duration is longer, rather than duplicating it) and
// enqueues a ban operation on every enabled BanIntegration (spec.md §4.6
// Emission).
func Apply(s *store.Store, bq BanQueue, decision BanDecision) error {
	now := time.Now()

	var existing store.IPBan
	err := s.DB.Where("ip_address = ? AND unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", decision.IP, now).
		Order("id desc").First(&existing).Error

	var ban store.IPBan
	switch {
	case err == nil:
		ban = existing
		newExpiry := now.Add(time.Duration(decision.DurationSeconds) * time.Second)
		if ban.ExpiresAt == nil || newExpiry.After(*ban.ExpiresAt) {
			ban.ExpiresAt = &newExpiry
			if uerr := s.DB.Model(&store.IPBan{}).Where("id = ?", ban.ID).Update("expires_at", ban.ExpiresAt).Error; uerr != nil {
				return uerr
			}
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		expires := now.Add(time.Duration(decision.DurationSeconds) * time.Second)
		ban = store.IPBan{
			IPAddress:       decision.IP,
			Reason:          decision.Reason,
			Severity:        decision.Severity,
			AutoBanned:      true,
			DetectionRuleID: &decision.DetectionRuleID,
			BannedAt:        now,
			ExpiresAt:       &expires,
			BannedBy:        "detection-engine",
		}
		if cerr := s.DB.Create(&ban).Error; cerr != nil {
			return cerr
		}
	default:
		return err
	}

	var integrations []store.BanIntegration
	if ferr := s.DB.Where("enabled = ?", true).Find(&integrations).Error; ferr != nil {
		return ferr
	}
	for _, integration := range integrations {
		bq.Enqueue(integration.ID, BanOp{
			Action:          "ban",
			IP:              decision.IP,
			Reason:          decision.Reason,
			DurationSeconds: decision.DurationSeconds,
			Severity:        decision.Severity,
			BanRecordID:     ban.ID,
		})
	}
	return nil
}
