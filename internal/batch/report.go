package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/archive_downloader/internal/logctx"
	"github.com/italolelis/archive_downloader/internal/target"
	"github.com/samber/lo"
)

type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeNetworkError     Outcome = "network_error"
	OutcomeFormatError      Outcome = "format_error"
	OutcomeChecksumNotFound Outcome = "checksum_not_found"
	OutcomeChecksumMismatch Outcome = "checksum_mismatch"
	OutcomeIOError          Outcome = "io_error"
	OutcomeCancelled        Outcome = "cancelled"
)

// Failed reports whether the outcome leaves the target without a verified
// final file.
func (o Outcome) Failed() bool {
	return o != OutcomeCompleted && o != OutcomeSkipped
}

// Result is the outcome of one target.
type Result struct {
	Target   target.Target
	Outcome  Outcome
	Err      error
	Checksum string // hex CRC32 of the verified payload
	Bytes    int64  // size of the staged file after downloading
	Resumed  bool
	Duration time.Duration
}

// Report holds one result per target in input order.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []Result
}

// Failed reports whether any target failed; it drives the exit status.
func (r *Report) Failed() bool {
	return lo.SomeBy(r.Results, func(res Result) bool {
		return res.Outcome.Failed()
	})
}

// Counts returns the number of targets per outcome.
func (r *Report) Counts() map[Outcome]int {
	return lo.CountValuesBy(r.Results, func(res Result) Outcome {
		return res.Outcome
	})
}

// Failures returns the failed results in input order.
func (r *Report) Failures() []Result {
	return lo.Filter(r.Results, func(res Result, _ int) bool {
		return res.Outcome.Failed()
	})
}

// Summary renders a short human readable summary, one line per failure.
func (r *Report) Summary() string {
	var b strings.Builder

	counts := r.Counts()
	outcomes := lo.Keys(counts)
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i] < outcomes[j] })

	parts := lo.Map(outcomes, func(o Outcome, _ int) string {
		return fmt.Sprintf("%d %s", counts[o], o)
	})

	icon := "✅"
	if r.Failed() {
		icon = "❌"
	}

	fmt.Fprintf(&b, "%s batch %s finished: %d targets (%s)", icon, r.RunID, len(r.Results), strings.Join(parts, ", "))

	for _, res := range r.Failures() {
		fmt.Fprintf(&b, "\n- %s: %s", res.Target.ID, res.Outcome)

		if res.Err != nil {
			fmt.Fprintf(&b, " (%v)", res.Err)
		}
	}

	return b.String()
}

// Log writes one line per target and a closing summary line.
func (r *Report) Log(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("run_id", r.RunID)

	for _, res := range r.Results {
		attrs := []any{
			"target", res.Target.ID,
			"outcome", string(res.Outcome),
			"duration", res.Duration.Round(time.Millisecond).String(),
		}

		if res.Bytes > 0 {
			attrs = append(attrs, "size", humanize.Bytes(uint64(res.Bytes)))
		}

		if res.Checksum != "" {
			attrs = append(attrs, "crc32", res.Checksum)
		}

		if res.Err != nil {
			logger.Error("target failed", append(attrs, "err", res.Err)...)

			continue
		}

		logger.Info("target done", attrs...)
	}

	counts := lo.MapKeys(r.Counts(), func(_ int, o Outcome) string { return string(o) })

	logger.Info("batch finished",
		"targets", len(r.Results),
		"outcomes", counts,
		"failed", r.Failed(),
		"elapsed", r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String())
}
