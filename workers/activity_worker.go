// workers/activity_worker.go
package workers

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wallet-custody-service/models"
	"wallet-custody-service/services"
)

// ActivityReconcileWorker polls the custodian's activity log for completed
// raw-payload signatures and backfills any trade the submit path failed to
// record (trade persistence is non-fatal by design, so gaps can exist). The
// unique tx_hash index plus conflict-ignore keeps this idempotent.
type ActivityReconcileWorker struct {
	db        *gorm.DB
	custodian *services.CustodianClient
	interval  time.Duration
}

func NewActivityReconcileWorker(db *gorm.DB, custodian *services.CustodianClient) *ActivityReconcileWorker {
	return &ActivityReconcileWorker{
		db:        db,
		custodian: custodian,
		interval:  1 * time.Minute,
	}
}

func (w *ActivityReconcileWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting Activity Reconcile Worker (custodian log → trades)…")
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Activity reconcile worker stopped.")
			return
		case <-ticker.C:
			pollStart := time.Now().UTC()
			if err := w.reconcileOnce(ctx, lastSyncTime); err != nil {
				log.Printf("❌ Error reconciling custodian activities: %v", err)
				continue
			}
			lastSyncTime = pollStart
		}
	}
}

func (w *ActivityReconcileWorker) reconcileOnce(ctx context.Context, since time.Time) error {
	activities, err := w.custodian.ListSigningActivities(ctx, since)
	if err != nil {
		return err
	}
	if len(activities) == 0 {
		return nil
	}

	backfilled := 0
	for _, act := range activities {
		if act.TxHash == "" {
			continue
		}

		var org models.CustodyOrganization
		if err := w.db.WithContext(ctx).First(&org, "organization_id = ?", act.OrganizationID).Error; err != nil {
			log.Printf("⚠️ activity %s references unknown org %s, skipping", act.ID, act.OrganizationID)
			continue
		}

		res := w.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tx_hash"}}, DoNothing: true}).
			Create(&models.Trade{
				UserID:        org.UserID,
				TxHash:        act.TxHash,
				ActivityID:    act.ID,
				SignedXDR:     "", // not recoverable from the activity log
				SecurityLevel: string(services.SecurityLevelHigh),
			})
		if res.Error != nil {
			log.Printf("⚠️ failed to backfill trade for activity %s: %v", act.ID, res.Error)
			continue
		}
		if res.RowsAffected > 0 {
			backfilled++
		}
	}

	if backfilled > 0 {
		log.Printf("📥 Backfilled %d trade(s) from the custodian activity log.", backfilled)
	}
	return nil
}
