// ABOUTME: Agent discovery — scans user and project .pi/agents directories
// ABOUTME: for markdown files with YAML-ish frontmatter describing
// ABOUTME: reusable agent configs.
package swarm

import (
	"os"
	"path/filepath"
	"strings"
)

// AgentSource records which directory an AgentConfig was discovered in.
type AgentSource string

const (
	AgentSourceUser    AgentSource = "user"
	AgentSourceProject AgentSource = "project"
)

// AgentScope selects which directories DiscoverAgents reads.
type AgentScope string

const (
	AgentScopeUser    AgentScope = "user"
	AgentScopeProject AgentScope = "project"
	AgentScopeBoth    AgentScope = "both"
)

// AgentConfig is a reusable agent definition discovered from a markdown
// file: YAML-ish frontmatter for name/description/model/tools, and the
// body used verbatim as the agent's system prompt.
type AgentConfig struct {
	Name         string
	Description  string
	SystemPrompt string
	Model        string
	Tools        []string
	Source       AgentSource
	FilePath     string
}

const maxAncestorWalk = 10

// userAgentsDir returns ~/.pi/agent/agents, the fixed location for
// user-scoped agent configs.
func userAgentsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pi", "agent", "agents")
}

// findNearestProjectAgentsDir walks upward from start, at most
// maxAncestorWalk levels, looking for an ancestor directory containing
// .pi/agents. Returns ("", false) if none is found.
func findNearestProjectAgentsDir(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}

	for i := 0; i <= maxAncestorWalk; i++ {
		candidate := filepath.Join(dir, ".pi", "agents")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// parseFrontmatter splits text into a YAML-ish frontmatter block and a
// body. If the first non-empty line is not "---", or no closing "---" is
// found, the frontmatter is empty and body is the entire input.
func parseFrontmatter(text string) (map[string]string, string) {
	lines := strings.Split(text, "\n")

	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == "---" {
			start = i
		}
		break
	}
	if start == -1 {
		return map[string]string{}, text
	}

	fm := map[string]string{}
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			body := strings.Join(lines[i+1:], "\n")
			return fm, strings.TrimPrefix(body, "\n")
		}

		idx := strings.Index(lines[i], ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(lines[i][:idx])
		value := strings.TrimSpace(lines[i][idx+1:])
		if key == "" || value == "" {
			continue
		}
		fm[key] = value
	}

	// No closing delimiter was found: treat as if there was no
	// frontmatter at all.
	return map[string]string{}, text
}

func splitCommaTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadAgentConfigsFromDir(dir string, source AgentSource) (map[string]AgentConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]AgentConfig{}, nil
		}
		return nil, err
	}

	out := map[string]AgentConfig{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		fm, body := parseFrontmatter(string(data))
		name := fm["name"]
		description := fm["description"]
		if name == "" || description == "" {
			continue
		}

		cfg := AgentConfig{
			Name:         name,
			Description:  description,
			SystemPrompt: body,
			Model:        fm["model"],
			Source:       source,
			FilePath:     path,
		}
		if tools, ok := fm["tools"]; ok {
			cfg.Tools = splitCommaTrim(tools)
		}
		out[name] = cfg
	}
	return out, nil
}

// DiscoveryResult is the output of DiscoverAgents.
type DiscoveryResult struct {
	Agents           map[string]AgentConfig
	ProjectAgentsDir string
}

// DiscoverAgents reads .md agent configs from the user agents directory
// and/or the nearest ancestor project agents directory (relative to cwd),
// depending on scope. When scope is AgentScopeBoth, user configs are read
// first and project configs with the same name override them.
func DiscoverAgents(cwd string, scope AgentScope) (DiscoveryResult, error) {
	if scope == "" {
		scope = AgentScopeBoth
	}

	result := DiscoveryResult{Agents: map[string]AgentConfig{}}

	if scope == AgentScopeUser || scope == AgentScopeBoth {
		userAgents, err := loadAgentConfigsFromDir(userAgentsDir(), AgentSourceUser)
		if err != nil {
			return result, err
		}
		for name, cfg := range userAgents {
			result.Agents[name] = cfg
		}
	}

	if scope == AgentScopeProject || scope == AgentScopeBoth {
		if dir, ok := findNearestProjectAgentsDir(cwd); ok {
			result.ProjectAgentsDir = dir
			projectAgents, err := loadAgentConfigsFromDir(dir, AgentSourceProject)
			if err != nil {
				return result, err
			}
			for name, cfg := range projectAgents {
				result.Agents[name] = cfg
			}
		}
	}

	return result, nil
}
