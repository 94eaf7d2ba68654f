package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/promptcron/internal/model"
)

// FormatRun renders the notification text for a completed run
func FormatRun(job *model.Job, run *model.Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", job.Name, statusLabel(run.Status))
	if run.StopReason != "" && run.StopReason != model.StopReasonEndTurn {
		fmt.Fprintf(&b, " (%s)", run.StopReason)
	}
	fmt.Fprintf(&b, "\ncost $%.4f / $%.2f, %s\n",
		run.CostUSD, job.MaxBudgetUSD, time.Duration(run.DurationMS)*time.Millisecond)

	body := run.Result
	if run.Status == model.RunStatusError && run.Error != "" {
		body = run.Error
	}
	if body = strings.TrimSpace(body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	return b.String()
}

func statusLabel(s model.RunStatus) string {
	switch s {
	case model.RunStatusSuccess:
		return "completed"
	case model.RunStatusBudgetExceeded:
		return "budget exceeded"
	case model.RunStatusError:
		return "failed"
	default:
		return string(s)
	}
}
