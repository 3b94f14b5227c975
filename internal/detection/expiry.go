package detection

import (
	"time"

	"github.com/arcfence/controlplane/internal/store"
)

// SweepExpired marks every IPBan whose expiry has passed as unbanned and
// enqueues an "unban" operation on every enabled BanIntegration, the
// counterpart to Apply's ban emission (spec.md §2 L6 "ban expiry sweep").
// Returns the number of bans retired.
func SweepExpired(s *store.Store, bq BanQueue) (int, error) {
	now := time.Now()

	var expired []store.IPBan
	if err := s.DB.Where("unbanned_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?", now).Find(&expired).Error; err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var integrations []store.BanIntegration
	if err := s.DB.Where("enabled = ?", true).Find(&integrations).Error; err != nil {
		return 0, err
	}

	for _, ban := range expired {
		if err := s.DB.Model(&store.IPBan{}).Where("id = ?", ban.ID).Update("unbanned_at", now).Error; err != nil {
			continue
		}
		for _, integ := range integrations {
			bq.Enqueue(integ.ID, BanOp{Action: "unban", IP: ban.IPAddress, BanRecordID: ban.ID})
		}
	}

	return len(expired), nil
}
