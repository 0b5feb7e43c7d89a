// Package canary compares a candidate population's metrics against the
// trusted baseline and produces a bounded score and a three-way verdict.
// The comparison method is a tolerance-banded mean ratio per metric; the
// contract is only that sub-scores are 0-100, the aggregate is a weighted
// average, and thresholds come from configuration.
package canary

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rolloutd/internal/infra"
	"rolloutd/internal/pipeline"
)

// ReasonInsufficientData marks a FAIL verdict caused by too many failed
// metric queries rather than by bad scores.
const ReasonInsufficientData = "insufficient-data"

// Engine runs canary analyses against a metrics provider.
type Engine struct {
	Metrics infra.MetricsProvider
	Logger  *slog.Logger
}

// New creates an analysis engine.
func New(metrics infra.MetricsProvider, logger *slog.Logger) *Engine {
	return &Engine{Metrics: metrics, Logger: logger}
}

// samples holds the per-interval observations for one metric.
type samples struct {
	baseline []float64
	canary   []float64
	missing  int
}

// Analyze samples both populations at the configured interval until the
// configured duration elapses, then scores the accumulated pairs. The
// context cancels the run; cancellation is an error, not a verdict.
func (e *Engine) Analyze(ctx context.Context, cfg *pipeline.CanaryConfig, baselineGroup, canaryGroup string) (*pipeline.CanaryResult, error) {
	intervals := int(cfg.Duration.Std() / cfg.Interval.Std())
	if intervals < 1 {
		intervals = 1
	}

	acc := make(map[string]*samples, len(cfg.Metrics))
	for _, m := range cfg.Metrics {
		acc[m.Name] = &samples{}
	}

	ticker := time.NewTicker(cfg.Interval.Std())
	defer ticker.Stop()

	windowStart := time.Now()
	for tick := 0; tick < intervals; tick++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		window := infra.TimeWindow{From: windowStart, To: time.Now()}
		windowStart = window.To

		for _, m := range cfg.Metrics {
			s := acc[m.Name]

			base, errB := e.Metrics.Query(ctx, m.Query, baselineGroup, window)
			cand, errC := e.Metrics.Query(ctx, m.Query, canaryGroup, window)
			if errB != nil || errC != nil || len(base) == 0 || len(cand) == 0 {
				// Missing sample for this interval, not a hard error.
				s.missing++
				e.Logger.Warn("canary metric query failed",
					"metric", m.Name, "baseline_err", errB, "canary_err", errC)
				continue
			}

			s.baseline = append(s.baseline, mean(base))
			s.canary = append(s.canary, mean(cand))
		}
	}

	result := evaluate(cfg, intervals, acc)
	result.BaselineGroup = baselineGroup
	result.CanaryGroup = canaryGroup
	return result, nil
}

// evaluate scores accumulated samples. Split from the sampling loop so
// the scoring rules are testable without timers.
func evaluate(cfg *pipeline.CanaryConfig, intervals int, acc map[string]*samples) *pipeline.CanaryResult {
	result := &pipeline.CanaryResult{
		MetricScores: make(map[string]float64, len(cfg.Metrics)),
	}

	for _, m := range cfg.Metrics {
		s := acc[m.Name]
		if float64(s.missing)/float64(intervals) > cfg.MaxMissingFraction || len(s.baseline) == 0 {
			result.Verdict = pipeline.VerdictFail
			result.Reason = ReasonInsufficientData
			result.Score = 0
			return result
		}
		result.MetricScores[m.Name] = scoreMetric(m, mean(s.baseline), mean(s.canary))
	}

	var weighted, totalWeight float64
	for _, m := range cfg.Metrics {
		weighted += result.MetricScores[m.Name] * m.Weight
		totalWeight += m.Weight
	}
	result.Score = weighted / totalWeight

	switch {
	case result.Score >= cfg.PassThreshold:
		result.Verdict = pipeline.VerdictPass
	case result.Score >= cfg.MarginalThreshold:
		result.Verdict = pipeline.VerdictMarginal
	default:
		result.Verdict = pipeline.VerdictFail
		result.Reason = fmt.Sprintf("aggregate score %.1f below marginal threshold %.1f",
			result.Score, cfg.MarginalThreshold)
	}

	return result
}

// scoreMetric maps the canary/baseline deviation to a 0-100 sub-score.
// Deviation at or better than baseline scores 100; deviation within the
// tolerance band still scores 100; beyond it the score falls linearly,
// reaching 0 at twice the tolerance.
func scoreMetric(m pipeline.CanaryMetric, baseline, canary float64) float64 {
	if baseline == 0 {
		if canary == 0 {
			return 100
		}
		// No baseline signal to compare against: worst-case score puts
		// the decision on the aggregate and the thresholds.
		return 0
	}

	deviation := canary/baseline - 1
	if m.Direction == "higher" {
		deviation = -deviation
	}

	// deviation > 0 means the canary is worse than the baseline.
	switch {
	case deviation <= m.Tolerance:
		return 100
	case deviation >= 2*m.Tolerance:
		return 0
	default:
		return 100 * (2*m.Tolerance - deviation) / m.Tolerance
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
