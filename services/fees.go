// services/fees.go
package services

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"gorm.io/gorm"

	"wallet-custody-service/models"
	apperrors "wallet-custody-service/pkg/errors"
)

const (
	baseNetworkFeeXLM  = 0.00001 // 100 stroops
	serviceFeeRate     = 0.001   // 0.1% of native value
	serviceFeeFloorXLM = 0.1

	volumeThresholdXLM = 100_000.0
	volumeWindow       = 7 * 24 * time.Hour

	baseSharePct     = 25.0
	boostedSharePct  = 35.0
	shareStepPct     = 5.0
	maxReferralDepth = 5
)

// pathFinder is the slice of the horizon client the fee engine needs.
type pathFinder interface {
	StrictSendPaths(request horizonclient.StrictSendPathsRequest) (hProtocol.PathsPage, error)
}

// FeeEngine derives network/service fees from a signed transaction's
// economic value and fans out multi-level referral rewards. Everything in
// here runs after the signature is final: failures are logged, never
// propagated back to the signing result.
type FeeEngine struct {
	DB      *gorm.DB
	Horizon pathFinder
}

func NewFeeEngine(db *gorm.DB, horizon pathFinder) *FeeEngine {
	return &FeeEngine{DB: db, Horizon: horizon}
}

// FeeQuote is the computed fee breakdown for one transaction.
type FeeQuote struct {
	NetworkFeeXLM float64
	ServiceFeeXLM float64
	VolumeXLM     float64
}

// Quote prices a transaction. Non-native value is converted to XLM through
// a best-effort path query; a missing path degrades to the floor fee. The
// floor quote is always returned — the error reports the degradation so the
// caller can decide whether it is fatal for its own flow.
func (f *FeeEngine) Quote(ctx context.Context, amt float64, assetCode, assetIssuer string) (*FeeQuote, error) {
	quote := &FeeQuote{NetworkFeeXLM: baseNetworkFeeXLM, ServiceFeeXLM: serviceFeeFloorXLM}
	if amt <= 0 {
		return quote, nil
	}

	volumeXLM := amt
	if assetCode != "" && assetCode != "XLM" && assetCode != "native" {
		converted, err := f.convertToNative(amt, assetCode, assetIssuer)
		if err != nil {
			log.Printf("[FEES] ⚠️ conversion %s %s → XLM failed, applying floor: %v", strconv.FormatFloat(amt, 'f', -1, 64), assetCode, err)
			return quote, err
		}
		volumeXLM = converted
	}

	quote.VolumeXLM = volumeXLM
	if fee := volumeXLM * serviceFeeRate; fee > serviceFeeFloorXLM {
		quote.ServiceFeeXLM = fee
	}
	return quote, nil
}

// convertToNative asks horizon for a strict-send path into lumens and takes
// the best destination amount.
func (f *FeeEngine) convertToNative(amt float64, assetCode, assetIssuer string) (float64, error) {
	page, err := f.Horizon.StrictSendPaths(horizonclient.StrictSendPathsRequest{
		SourceAssetType:   horizonclient.AssetType4,
		SourceAssetCode:   assetCode,
		SourceAssetIssuer: assetIssuer,
		SourceAmount:      strconv.FormatFloat(amt, 'f', 7, 64),
		DestinationAssets: "native",
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeConversionPathNotFound, "path query failed", err)
	}
	if len(page.Embedded.Records) == 0 {
		return 0, apperrors.ErrConversionPathNotFound
	}

	var best int64
	for _, rec := range page.Embedded.Records {
		stroops, err := amount.ParseInt64(rec.DestinationAmount)
		if err == nil && stroops > best {
			best = stroops
		}
	}
	if best == 0 {
		return 0, apperrors.ErrConversionPathNotFound
	}
	return float64(best) / float64(amount.One), nil
}

// levelSharePct returns the percentage of the service fee owed to the
// referrer at the given depth, or 0 when the chain walk must stop.
func levelSharePct(basePct float64, level int) float64 {
	share := basePct - shareStepPct*float64(level)
	if share <= 0 {
		return 0
	}
	return share
}

// baseShareFor picks the level-0 percentage from the paying user's trailing
// 7-day volume.
func (f *FeeEngine) baseShareFor(ctx context.Context, payingUserID string, now time.Time) float64 {
	var volume float64
	err := f.DB.WithContext(ctx).Model(&models.Trade{}).
		Where("user_id = ? AND created_at > ?", payingUserID, now.Add(-volumeWindow)).
		Select("COALESCE(SUM(volume_xlm), 0)").
		Scan(&volume).Error
	if err != nil {
		log.Printf("[FEES] ⚠️ volume lookup for %s failed, using base share: %v", payingUserID, err)
		return baseSharePct
	}
	if volume > volumeThresholdXLM {
		return boostedSharePct
	}
	return baseSharePct
}

// DistributeRewards walks the referrer chain up to five levels and writes
// one unpaid Reward row per qualifying level. Each level gets 5 points less
// than the one above; the walk stops the first time a share hits zero or the
// chain runs out. Any failure is logged and swallowed — the trade is already
// economically final.
func (f *FeeEngine) DistributeRewards(ctx context.Context, trade *models.Trade) {
	if trade.FeeAmount <= 0 {
		return
	}

	basePct := f.baseShareFor(ctx, trade.UserID, time.Now().UTC())

	current := trade.UserID
	for level := 0; level < maxReferralDepth; level++ {
		share := levelSharePct(basePct, level)
		if share == 0 {
			return
		}

		var edge models.Referral
		err := f.DB.WithContext(ctx).First(&edge, "referred_id = ?", current).Error
		if err != nil {
			if err != gorm.ErrRecordNotFound {
				log.Printf("[FEES] ⚠️ referral walk aborted at level %d: %v", level, err)
			}
			return
		}

		reward := &models.Reward{
			UserID:     edge.ReferrerID,
			SourceUser: trade.UserID,
			TradeID:    trade.ID,
			Level:      level,
			Amount:     trade.FeeAmount * share / 100,
			Asset:      "XLM",
			Status:     models.RewardStatusUnpaid,
		}
		if err := f.DB.WithContext(ctx).Create(reward).Error; err != nil {
			log.Printf("[FEES] ⚠️ failed to persist level-%d reward for %s: %v", level, edge.ReferrerID, err)
			return
		}
		current = edge.ReferrerID
	}
}
