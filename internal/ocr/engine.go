package ocr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wellmonitor/agent/internal/imaging"
	"github.com/wellmonitor/agent/internal/wellerr"
)

// PreprocessFunc lets Engine re-invoke Image Preprocess with alternate
// parameters between retries (spec.md §4.F: "re-invoking the preprocess
// step with alternate parameters on the second attempt").
type PreprocessFunc func(raw []byte, cfg imaging.Config) (imaging.Result, error)

// EngineConfig selects the active provider and retry policy.
type EngineConfig struct {
	Primary           Provider
	Fallback          Provider // used when Primary is cloud and credentials are missing
	PrimaryUnusable   bool
	MaxRetryAttempts  int
	BaseROIConfig     imaging.Config
	StricterThreshold imaging.Config
	LooserThreshold   imaging.Config
}

// Engine wraps a Provider with the retry/fallback policy spec.md §4.F
// describes.
type Engine struct {
	cfg        EngineConfig
	preprocess PreprocessFunc
	FellBack   bool
}

func NewEngine(cfg EngineConfig, preprocess PreprocessFunc) *Engine {
	return &Engine{cfg: cfg, preprocess: preprocess}
}

// Extract runs raw through preprocess and the selected provider, retrying
// with alternate threshold parameters up to MaxRetryAttempts with
// exponential back-off.
func (e *Engine) Extract(ctx context.Context, raw []byte, deadline time.Time) (Result, error) {
	provider := e.cfg.Primary
	if e.cfg.PrimaryUnusable && e.cfg.Fallback != nil {
		provider = e.cfg.Fallback
		e.FellBack = true
	}

	attemptConfigs := []imaging.Config{e.cfg.BaseROIConfig, e.cfg.StricterThreshold, e.cfg.LooserThreshold}
	maxAttempts := e.cfg.MaxRetryAttempts
	if maxAttempts <= 0 || maxAttempts > len(attemptConfigs) {
		maxAttempts = len(attemptConfigs)
	}

	bo := backoff.NewExponentialBackOff()
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastErr error
	var result Result
	attempt := 0
	err := backoff.Retry(func() error {
		cfg := attemptConfigs[attempt%len(attemptConfigs)]
		pre, err := e.preprocess(raw, cfg)
		if err != nil {
			lastErr = err
			attempt++
			return err
		}
		result, lastErr = provider.Extract(ctx, pre.JPEG)
		attempt++
		if lastErr != nil {
			if wellerr.KindOf(lastErr) == wellerr.KindTimeout {
				return backoff.Permanent(lastErr)
			}
			return lastErr
		}
		result.InkRatio = pre.InkRatio
		return nil
	}, backoff.WithMaxRetries(bo, uint64(maxAttempts-1)))

	if err != nil {
		return Result{}, lastErr
	}
	return result, nil
}
