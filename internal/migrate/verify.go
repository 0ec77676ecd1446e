package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/memcp-migrate/internal/metrics"
	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

// Discrepancy is one difference found between source and target.
type Discrepancy struct {
	Kind        string `json:"kind"`
	Key         string `json:"key"`
	Description string `json:"description"`
}

// CheckResult is the outcome of one verification check.
type CheckResult struct {
	Name          string        `json:"name"`
	Passed        bool          `json:"passed"`
	SourceCount   int           `json:"source_count,omitempty"`
	TargetCount   int           `json:"target_count,omitempty"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Report aggregates all verification checks. Passed is true only when
// every check passed.
type Report struct {
	Checks    []CheckResult `json:"checks"`
	Passed    bool          `json:"passed"`
	CheckedAt time.Time     `json:"checked_at"`
}

// FailedCheckNames lists the names of failed checks.
func (r *Report) FailedCheckNames() []string {
	var names []string
	for _, c := range r.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

// Discrepancies flattens every retained discrepancy across checks.
func (r *Report) Discrepancies() []Discrepancy {
	var all []Discrepancy
	for _, c := range r.Checks {
		all = append(all, c.Discrepancies...)
	}
	return all
}

// VerifierConfig configures the verification engine.
type VerifierConfig struct {
	Workspace  string
	SampleSize int // content samples; default 100
	Staging    bool
}

// Verifier compares record counts and sampled content between the
// source store and the target.
type Verifier struct {
	src     *source.Store
	target  TargetStore
	cfg     VerifierConfig
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewVerifier creates a verification engine.
func NewVerifier(src *source.Store, target TargetStore, cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{src: src, target: target, cfg: cfg, logger: logger, metrics: metrics.NewCollector()}
}

// VerifyAll runs six independent checks: count parity for each record
// kind, a random-sample content comparison, and vector dimension
// consistency. A failing check never prevents the others from running.
func (v *Verifier) VerifyAll(ctx context.Context) *Report {
	report := &Report{CheckedAt: time.Now().UTC()}

	run := func(check func() CheckResult) {
		start := time.Now()
		result := check()
		v.metrics.RecordTiming(metrics.OpVerifyCheck, time.Since(start))
		report.Checks = append(report.Checks, result)
	}

	for _, kind := range source.Kinds {
		kind := kind
		run(func() CheckResult { return v.checkCount(ctx, kind) })
	}
	run(func() CheckResult { return v.checkContentSample(ctx) })
	run(func() CheckResult { return v.checkVectorDims(ctx) })

	report.Passed = true
	for _, c := range report.Checks {
		if !c.Passed {
			report.Passed = false
			break
		}
	}

	snap := v.metrics.Snapshot()
	v.logger.Info("verification complete",
		"passed", report.Passed, "checks", len(report.Checks),
		"failed", report.FailedCheckNames(),
		"total_check_ms", snap.VerifyCheck.TotalTimeMs)
	return report
}

func (v *Verifier) checkCount(ctx context.Context, kind source.Kind) CheckResult {
	result := CheckResult{Name: string(kind) + "_count"}

	srcCount, err := v.src.Count(kind)
	if err != nil {
		result.Error = fmt.Sprintf("source count: %v", err)
		return result
	}
	tgtCount, err := v.target.CountRecords(ctx, kind, v.cfg.Workspace, v.cfg.Staging)
	if err != nil {
		result.Error = fmt.Sprintf("target count: %v", err)
		return result
	}

	result.SourceCount = srcCount
	result.TargetCount = tgtCount
	result.Passed = srcCount == tgtCount
	if !result.Passed {
		result.Discrepancies = append(result.Discrepancies, Discrepancy{
			Kind:        string(kind),
			Description: fmt.Sprintf("count mismatch: source=%d target=%d", srcCount, tgtCount),
		})
	}
	return result
}

// checkContentSample compares sampled records key-by-key between the
// deserialized source value and the stored target value. The sample
// budget is split evenly across the four kinds.
func (v *Verifier) checkContentSample(ctx context.Context) CheckResult {
	result := CheckResult{Name: "content_sample"}
	perKind := v.cfg.SampleSize / len(source.Kinds)
	if perKind < 1 {
		perKind = 1
	}

	sampled := 0
	for _, kind := range source.Kinds {
		keys, err := v.src.SampleKeys(kind, perKind)
		if err != nil {
			result.Error = fmt.Sprintf("sample %s keys: %v", kind, err)
			return result
		}
		if len(keys) == 0 {
			continue
		}

		targetValues, err := v.target.FetchValues(ctx, kind, v.cfg.Workspace, keys, v.cfg.Staging)
		if err != nil {
			result.Error = fmt.Sprintf("fetch %s values: %v", kind, err)
			return result
		}

		for _, key := range keys {
			sampled++
			srcRec, err := v.src.Get(kind, key)
			if err != nil || srcRec == nil {
				// Sampled key vanished between calls; source drift is
				// reported, not fatal.
				result.Discrepancies = append(result.Discrepancies, Discrepancy{
					Kind: string(kind), Key: key,
					Description: "source record disappeared during verification",
				})
				continue
			}
			tgtValue, ok := targetValues[key]
			if !ok {
				result.Discrepancies = append(result.Discrepancies, Discrepancy{
					Kind: string(kind), Key: key,
					Description: "missing in target",
				})
				continue
			}
			if desc := compareValues(srcRec.Value, tgtValue); desc != "" {
				result.Discrepancies = append(result.Discrepancies, Discrepancy{
					Kind: string(kind), Key: key,
					Description: desc,
				})
			}
		}
	}

	result.SourceCount = sampled
	result.TargetCount = sampled - len(result.Discrepancies)
	result.Passed = len(result.Discrepancies) == 0
	return result
}

// checkVectorDims verifies every stored embedding has the same width
// and that it matches the detected source width.
func (v *Verifier) checkVectorDims(ctx context.Context) CheckResult {
	result := CheckResult{Name: "vector_dimensions"}

	minDim, maxDim, ok, err := v.target.VectorDimRange(ctx, v.cfg.Workspace, v.cfg.Staging)
	if err != nil {
		result.Error = fmt.Sprintf("target vector dims: %v", err)
		return result
	}
	if !ok {
		// No embeddings stored; nothing to be inconsistent.
		result.Passed = true
		return result
	}

	srcDim, err := v.src.DetectVectorDim(0)
	if err != nil {
		result.Error = fmt.Sprintf("detect source dim: %v", err)
		return result
	}

	result.SourceCount = srcDim
	result.TargetCount = maxDim
	switch {
	case minDim != maxDim:
		result.Discrepancies = append(result.Discrepancies, Discrepancy{
			Kind:        string(source.KindChunks),
			Description: fmt.Sprintf("inconsistent target widths: min=%d max=%d", minDim, maxDim),
		})
	case maxDim != srcDim:
		result.Discrepancies = append(result.Discrepancies, Discrepancy{
			Kind:        string(source.KindChunks),
			Description: fmt.Sprintf("target width %d does not match source width %d", maxDim, srcDim),
		})
	default:
		result.Passed = true
	}
	return result
}

// compareValues reports the first difference between two record
// values, or "" when they match. Numeric types are normalized before
// comparison: the source decodes JSON (float64) while the target
// round-trips through CBOR.
func compareValues(src, tgt map[string]any) string {
	for key, sv := range src {
		tv, ok := tgt[key]
		if !ok {
			return fmt.Sprintf("field %q missing in target", key)
		}
		if !valueEqual(sv, tv) {
			return fmt.Sprintf("field %q differs", key)
		}
	}
	return ""
}

func valueEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case []any:
		bv, ok := asSlice(b)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !valueEqual(v, bv[k]) {
				return false
			}
		}
		return true
	default:
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []float64:
		out := make([]any, len(s))
		for i, f := range s {
			out[i] = f
		}
		return out, true
	case []float32:
		out := make([]any, len(s))
		for i, f := range s {
			out[i] = f
		}
		return out, true
	}
	return nil, false
}
