// Package llm uses the Anthropic API to summarize builds and sharpen build
// descriptions before they are submitted.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/apex/internal/models"
)

// maxPromptThoughts caps how many recent thoughts go into a summary prompt.
const maxPromptThoughts = 20

// BuildReport is an LLM-written summary of a build session.
type BuildReport struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights"`
	Risks      []string `json:"risks"`
}

// RefinedRequest is a build description rewritten for the build agents.
type RefinedRequest struct {
	Description string `json:"description"`
	Mode        string `json:"mode"`
	Rationale   string `json:"rationale"`
}

// Client wraps the Anthropic API.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildSummaryPrompt constructs the system and user prompts for summarizing
// a build session.
func buildSummaryPrompt(s *models.BuildSession) (system string, user string) {
	system = `You review the record of an automated multi-agent software build. Return ONLY a JSON object with these fields:
- "summary": 2-4 sentences on what was built and how the build ended
- "highlights": short strings naming notable results (key files, finished checkpoints)
- "risks": short strings naming problems a developer should look at (agent errors, failed status, missing files)

Rules:
- Base every statement on the record; do not invent files or agents
- Use empty arrays when there is nothing to report
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Build: %s\n", s.ID)
	fmt.Fprintf(&sb, "Description: %s\n", s.Description)
	fmt.Fprintf(&sb, "Status: %s (%d%%)\n", s.Status, s.Progress)
	if s.Mode != "" {
		fmt.Fprintf(&sb, "Mode: %s\n", s.Mode)
	}
	if s.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", s.Error)
	}

	if len(s.Agents) > 0 {
		ids := make([]string, 0, len(s.Agents))
		for id := range s.Agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sb.WriteString("\nAgents:\n")
		for _, id := range ids {
			a := s.Agents[id]
			fmt.Fprintf(&sb, "- %s (%s, %s): %s", a.Role, a.Provider, id, a.Status)
			if a.Error != "" {
				fmt.Fprintf(&sb, ", error: %s", a.Error)
			}
			sb.WriteString("\n")
		}
	}

	if len(s.Checkpoints) > 0 {
		sb.WriteString("\nCheckpoints:\n")
		for _, cp := range s.Checkpoints {
			fmt.Fprintf(&sb, "- %d. %s (%d%%)\n", cp.Number, cp.Name, cp.Progress)
		}
	}

	if len(s.Files) > 0 {
		fmt.Fprintf(&sb, "\nFiles (%d):\n", len(s.Files))
		for _, f := range s.Files {
			fmt.Fprintf(&sb, "- %s\n", f.Path)
		}
	}

	if thoughts := s.Thoughts.Last(maxPromptThoughts); len(thoughts) > 0 {
		sb.WriteString("\nRecent agent thoughts:\n")
		for _, t := range thoughts {
			fmt.Fprintf(&sb, "- [%s/%s] %s\n", t.AgentRole, t.Type, t.Content)
		}
	}

	user = sb.String()
	return
}

// buildRefinePrompt constructs the system and user prompts for rewriting a
// build description.
func buildRefinePrompt(description string) (system string, user string) {
	system = `You prepare requests for an automated app builder staffed by planner, architect, frontend, backend, database, tester and reviewer agents. Given a user's app idea, return a JSON object with exactly three fields:

- "description": the idea rewritten as a clear, self-contained build request (3-8 sentences) naming pages, data, and behavior the user expects
- "mode": "fast" for a small prototype or "full" for an app that needs planning, tests and review
- "rationale": one sentence explaining the mode choice

Rules:
- Keep the user's intent; do not add unrelated features
- Return valid JSON only, no markdown fencing or explanation`

	user = "App idea:\n" + strings.TrimSpace(description)
	return
}

// SummarizeBuild asks the model for a report on s.
func (c *Client) SummarizeBuild(ctx context.Context, s *models.BuildSession) (*BuildReport, error) {
	if s == nil {
		return nil, fmt.Errorf("summarize build: no session")
	}
	system, user := buildSummaryPrompt(s)
	var report BuildReport
	if err := c.complete(ctx, system, user, 2048, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RefineRequest rewrites a build description for the build agents.
func (c *Client) RefineRequest(ctx context.Context, description string) (*RefinedRequest, error) {
	system, user := buildRefinePrompt(description)
	var refined RefinedRequest
	if err := c.complete(ctx, system, user, 1024, &refined); err != nil {
		return nil, err
	}
	return &refined, nil
}

// complete sends one prompt and decodes the JSON reply into out.
func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64, out any) error {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return fmt.Errorf("no text content in API response")
	}

	text = stripFences(text)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
