package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"oraclewatch/internal/alerting"
	"oraclewatch/internal/evaluator"
)

// SimulateAlert 用给定的偏差与滞后时间构造一行合成数据并走一遍告警流程。
func (a *App) SimulateAlert(ctx context.Context, pair string, divergenceRatio, minutesSinceUpdate float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	staleness := evaluator.ClassifyStaleness(minutesSinceUpdate)
	divergence := evaluator.ClassifyDivergence(divergenceRatio)
	if staleness != evaluator.StalenessStale && divergence != evaluator.DivergenceDivergent {
		return errors.New("给定数值不会触发告警，请增大 --divergence 或 --minutes")
	}

	note := alerting.Notification{
		Bucket:             time.Now().UTC().Truncate(a.Config.Scheduler.Interval),
		AssetPair:          pair,
		Address:            "simulated",
		OnChainPrice:       decimal.NewFromInt(1),
		ReferencePrice:     decimal.NewFromFloat(1 + divergenceRatio),
		DivergenceRatio:    decimal.NewFromFloat(divergenceRatio),
		MinutesSinceUpdate: decimal.NewFromFloat(minutesSinceUpdate),
		Staleness:          string(staleness),
		Divergence:         string(divergence),
		Channels:           a.Config.Alerting.Channels,
		AdditionalMsg:      "(simulated)",
	}

	return notifier.Notify(ctx, note)
}
