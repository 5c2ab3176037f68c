package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/fluxhq/flux/internal/store"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// SkillResolver looks up prompt templates by skill name.
type SkillResolver interface {
	GetSkillByName(ctx context.Context, name string) (*store.Skill, error)
}

// MaterializePrompt produces the final prompt text for a packet. A
// server-rendered prompt wins outright; otherwise the prompt is assembled
// from the template (inline or resolved via skill name), the variables,
// the context, and a trailing task block.
func MaterializePrompt(ctx context.Context, skills SkillResolver, packet v1.TaskPacket) (string, error) {
	if rendered := strings.TrimSpace(packet.Prompt.Rendered); rendered != "" {
		return rendered, nil
	}

	template := packet.Prompt.Template
	if template == "" && packet.Prompt.SkillName != "" {
		skill, err := skills.GetSkillByName(ctx, packet.Prompt.SkillName)
		if err != nil {
			return "", fmt.Errorf("failed to resolve skill %q: %w", packet.Prompt.SkillName, err)
		}
		if skill != nil {
			template = skill.Template
		}
	}

	var parts []string
	if template != "" {
		parts = append(parts, template)
	}
	if vars := strings.TrimSpace(packet.Prompt.VarsJSON); vars != "" {
		parts = append(parts, "Variables:\n"+vars)
	}
	if promptCtx := strings.TrimSpace(packet.Prompt.Context); promptCtx != "" {
		parts = append(parts, "Context:\n"+promptCtx)
	}
	parts = append(parts, taskBlock(packet.Task))

	return strings.Join(parts, "\n\n"), nil
}

func taskBlock(task v1.Task) string {
	var b strings.Builder
	b.WriteString("Task " + task.ID)
	if task.Goal != "" {
		b.WriteString(": " + task.Goal)
	}
	if input := strings.TrimSpace(task.Input); input != "" {
		b.WriteString("\nInput:\n" + input)
	}
	return b.String()
}
