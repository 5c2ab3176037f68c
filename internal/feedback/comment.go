// Package feedback delivers task status transitions back to the systems the
// work came from, currently as GitHub issue comments. Events are consumed
// from the store's pending queue; every event ends up either sent or in the
// dead letter queue.
package feedback

import (
	"strings"

	"github.com/fluxhq/flux/internal/store"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// maxOutputChars bounds the output block in a status comment. Longer output
// is cut and marked with a trailing ellipsis.
const maxOutputChars = 1500

// BuildComment renders the status update comment for a feedback event. The
// output block is appended only when the event carries non-empty output.
func BuildComment(event store.FeedbackEvent, task *v1.Task) string {
	label := event.TaskID
	if task != nil && task.Goal != "" {
		label = task.Goal
	}
	from := event.FromStatus
	if from == "" {
		from = "unknown"
	}

	var b strings.Builder
	b.WriteString("Squads status update\n")
	b.WriteString("- Task: " + label + "\n")
	b.WriteString("- Transition: " + from + " -> " + event.ToStatus + "\n")
	b.WriteString("- Feedback event: " + event.ID)

	if output := strings.TrimSpace(event.Output); output != "" {
		b.WriteString("\n\nOutput:\n```text\n")
		b.WriteString(truncateOutput(output))
		b.WriteString("\n```")
	}
	return b.String()
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + "..."
}
