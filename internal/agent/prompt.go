package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// safetyPreamble opens every system prompt. It is fixed text, not
// configurable, so no deployment can talk an agent out of it.
const safetyPreamble = `You are an autonomous agent on a shared work fabric. Non-negotiable rules:

- Never read, print or transmit credentials, private keys or .env contents.
- Write files only inside your workspace.
- Never run destructive commands unless the task explicitly asks for them.
- When a tool returns an error, adapt or report it; do not retry the same call blindly.
- Report honestly. If you could not finish, say what is missing instead of inventing results.`

var roleTemplates = map[models.AgentRole]string{
	models.RoleOrchestrator: `## Role: Orchestrator

You coordinate the agent team. Break incoming work into tasks, delegate them
with the message_agent tool (type "delegation"), and track them to completion.
After delegating you must check progress with check_delegated_task before
reporting results; fire-and-forget delegation is not acceptable. Do the work
yourself only when no capable peer exists.`,

	models.RoleDev: `## Role: Developer

You execute engineering tasks: write and change code, run builds and tests,
inspect systems. Prefer small verifiable steps, verify your own output before
reporting, and record anything a teammate would need in shared memory.`,

	models.RoleMarketing: `## Role: Marketing

You handle research, writing and outreach tasks: drafts, summaries, campaign
copy, competitive notes. Ground claims in material you actually fetched and
store reusable findings in shared memory.`,
}

func roleTemplate(role models.AgentRole) string {
	if t, ok := roleTemplates[role]; ok {
		return t
	}
	return "## Role: Agent\n\nYou execute tasks assigned by the fabric."
}

// systemPrompt assembles the per-task system prompt: safety preamble, role
// template, peer roster, skills, plugin sections (ascending priority), then
// task and runtime facts.
func (r *Runtime) systemPrompt(ctx context.Context, task *models.Task) string {
	var b strings.Builder
	b.WriteString(safetyPreamble)
	b.WriteString("\n\n")
	b.WriteString(roleTemplate(r.cfg.Role))

	if roster := r.peerRoster(ctx); roster != "" {
		b.WriteString("\n\n## Peers\n")
		b.WriteString(roster)
	}

	if r.deps.Skills != nil {
		for _, sk := range r.deps.Skills.ForRole(string(r.cfg.Role)) {
			b.WriteString("\n\n")
			b.WriteString(sk.PromptSection())
		}
	}
	if r.deps.Plugins != nil {
		for _, sec := range r.deps.Plugins.PromptSections() {
			fmt.Fprintf(&b, "\n\n## %s\n%s", sec.Title, sec.Content)
		}
	}

	if task != nil {
		b.WriteString("\n\n## Current Task\n")
		fmt.Fprintf(&b, "- id: %s\n- title: %s\n", task.ID, task.Title)
		if task.Priority != "" {
			fmt.Fprintf(&b, "- priority: %s\n", task.Priority)
		}
		if len(task.RequiredCapabilities) > 0 {
			fmt.Fprintf(&b, "- required capabilities: %s\n", strings.Join(task.RequiredCapabilities, ", "))
		}
		if task.CreatedBy != "" {
			fmt.Fprintf(&b, "- created by: %s\n", task.CreatedBy)
		}
	}

	b.WriteString("\n## Runtime\n")
	fmt.Fprintf(&b, "- you are agent %q, role %s, on host %s\n", r.cfg.ID, r.cfg.Role, r.cfg.Host)
	if r.cfg.Model != "" {
		fmt.Fprintf(&b, "- model: %s\n", r.cfg.Model)
	}
	if len(r.cfg.Capabilities) > 0 {
		fmt.Fprintf(&b, "- your capabilities: %s\n", strings.Join(r.cfg.Capabilities, ", "))
	}
	fmt.Fprintf(&b, "- current time: %s\n", time.Now().UTC().Format(time.RFC3339))
	return b.String()
}

// peerRoster renders the other agents known to KV, one line each, sorted
// by id. Empty when KV is absent or the roster is empty.
func (r *Runtime) peerRoster(ctx context.Context) string {
	if r.deps.KV == nil {
		return ""
	}
	entries, err := r.deps.KV.HGetAll(ctx, kv.AgentsKey)
	if err != nil {
		r.logger.Warn("reading peer roster failed", "error", err)
		return ""
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		if id != r.cfg.ID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		var st models.AgentState
		if err := json.Unmarshal(entries[id], &st); err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s) status=%s", id, st.Identity.Role, st.Status)
		if len(st.Capabilities) > 0 {
			fmt.Fprintf(&b, " capabilities=%s", strings.Join(st.Capabilities, ","))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// heartbeatPrompt is the system prompt for heartbeat poll turns. It names
// the two control literals; the runtime additionally enforces both after
// the turn, so a model that paraphrases still cannot leak noise.
func (r *Runtime) heartbeatPrompt() string {
	var b strings.Builder
	b.WriteString(safetyPreamble)
	b.WriteString("\n\n")
	b.WriteString(roleTemplate(r.cfg.Role))
	b.WriteString("\n\n## Heartbeat\n")
	b.WriteString(`The hub is polling you. Review the messages below.

- If nothing needs attention, reply with exactly HEARTBEAT_OK and nothing else.
- If you have a status worth broadcasting, reply with one short paragraph.
- Reply with exactly NO_REPLY to stay silent about a message that needs no answer.`)
	return b.String()
}

// queryPrompt is the system prompt for answering a direct question from a
// peer while idle.
func (r *Runtime) queryPrompt(from string) string {
	var b strings.Builder
	b.WriteString(safetyPreamble)
	b.WriteString("\n\n")
	b.WriteString(roleTemplate(r.cfg.Role))
	b.WriteString("\n\n## Direct Message\n")
	fmt.Fprintf(&b, `Agent %q asked you a question. Answer it concisely from what you know.
If it deserves no answer, reply with exactly NO_REPLY.`, from)
	return b.String()
}
