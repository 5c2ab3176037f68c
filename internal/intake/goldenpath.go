package intake

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GoldenPathFile is the repo-relative location of the policy file.
const GoldenPathFile = ".flux/golden-path.yaml"

// GoldenPath is the per-repo policy file. It opts a repository into status
// comments and names the lifecycle stages the intake poller watches.
type GoldenPath struct {
	Feedback  GoldenPathFeedback `yaml:"feedback"`
	Lifecycle []LifecyclePhase   `yaml:"lifecycle"`
}

type GoldenPathFeedback struct {
	GitHub GoldenPathGitHub `yaml:"github"`
}

type GoldenPathGitHub struct {
	PostTaskStatusComments bool `yaml:"postTaskStatusComments"`
}

type LifecyclePhase struct {
	Name     string            `yaml:"name,omitempty"`
	Statuses []LifecycleStatus `yaml:"statuses"`
}

type LifecycleStatus struct {
	Name string `yaml:"name"`
}

// StatusNames flattens the lifecycle into the ordered list of status names.
func (g *GoldenPath) StatusNames() []string {
	if g == nil {
		return nil
	}
	var names []string
	for _, phase := range g.Lifecycle {
		for _, status := range phase.Statuses {
			if status.Name != "" {
				names = append(names, status.Name)
			}
		}
	}
	return names
}

// PostComments reports whether the repo opted into task status comments.
// A missing policy means no.
func (g *GoldenPath) PostComments() bool {
	return g != nil && g.Feedback.GitHub.PostTaskStatusComments
}

// LoadGoldenPath reads .flux/golden-path.yaml under repoRoot. A missing file
// or empty repoRoot yields (nil, nil); a malformed file is an error.
func LoadGoldenPath(repoRoot string) (*GoldenPath, error) {
	if repoRoot == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(filepath.Join(repoRoot, filepath.FromSlash(GoldenPathFile)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var gp GoldenPath
	if err := yaml.Unmarshal(raw, &gp); err != nil {
		return nil, err
	}
	return &gp, nil
}
