package v1

// TaskPacket is the server-formed bundle describing a task, its prompt, and
// its execution hints. The runner treats everything here as advisory except
// the task identity and the prompt material.
type TaskPacket struct {
	Task      Task            `json:"task"`
	Prompt    PromptBlock     `json:"prompt"`
	Execution ExecutionHints  `json:"execution"`
}

// PromptBlock carries the prompt material for a task. When Rendered is
// non-empty it is used verbatim; otherwise the runner assembles a prompt
// from the remaining fields.
type PromptBlock struct {
	Rendered  string `json:"rendered,omitempty"`
	Template  string `json:"template,omitempty"`
	SkillName string `json:"skillName,omitempty"`
	VarsJSON  string `json:"varsJson,omitempty"`
	Context   string `json:"context,omitempty"`
	Backend   string `json:"backend,omitempty"`
}

// ExecutionHints carries server-side execution preferences for a task.
type ExecutionHints struct {
	Backend       string   `json:"backend,omitempty"`
	Model         string   `json:"model,omitempty"`
	AllowedTools  []string `json:"allowedTools,omitempty"`
	CostClass     string   `json:"costClass,omitempty"`
	TimeoutMs     int64    `json:"timeoutMs,omitempty"`
	RepoPath      string   `json:"repoPath,omitempty"`
	RequireReview bool     `json:"requireReview,omitempty"`
}
