// Package notify reports finished runs to chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/plan"
	"go.uber.org/zap"
)

// Notifier delivers a run outcome somewhere people will see it.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, out *executor.Outcome) error
}

// Multi fans an outcome out to every notifier. Failures are logged and
// joined; one broken platform does not stop the others.
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMulti creates a fan-out notifier.
func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

// Add registers another notifier.
func (m *Multi) Add(n Notifier) { m.notifiers = append(m.notifiers, n) }

// Platforms lists the registered platforms.
func (m *Multi) Platforms() []string {
	out := make([]string, len(m.notifiers))
	for i, n := range m.notifiers {
		out[i] = n.Platform()
	}
	return out
}

func (m *Multi) Platform() string { return "multi" }

// Notify implements Notifier.
func (m *Multi) Notify(ctx context.Context, out *executor.Outcome) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, out); err != nil {
			m.logger.Warn("notification failed",
				zap.String("platform", n.Platform()),
				zap.String("run_id", out.RunID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", n.Platform(), err))
		}
	}
	return errors.Join(errs...)
}

// style holds the platform's bold markers.
type style struct {
	boldOpen, boldClose string
}

var (
	slackStyle   = style{"*", "*"}
	discordStyle = style{"**", "**"}
)

const maxDetail = 1200

// FormatOutcome renders a short message describing out.
func FormatOutcome(out *executor.Outcome, st style) string {
	var b strings.Builder
	if out.Success {
		fmt.Fprintf(&b, "%sRun succeeded%s: %s\n", st.boldOpen, st.boldClose, out.Goal)
	} else {
		fmt.Fprintf(&b, "%sRun failed%s: %s\n", st.boldOpen, st.boldClose, out.Goal)
	}
	done, total := 0, 0
	if out.Plan != nil {
		total = len(out.Plan.Steps)
		done = out.Plan.Counts()[plan.StatusDone]
	}
	fmt.Fprintf(&b, "run %s, %d/%d steps done in %s\n", out.RunID, done, total, out.Duration.Round(time.Millisecond))

	detail := out.Text()
	if r := []rune(detail); len(r) > maxDetail {
		detail = string(r[:maxDetail]) + "..."
	}
	if detail != "" {
		b.WriteString("\n" + detail)
	}
	return strings.TrimRight(b.String(), "\n")
}
