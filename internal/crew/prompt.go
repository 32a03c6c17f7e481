package crew

import (
	"fmt"
	"strings"
)

func systemPrompt(a *Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", a.Role)
	if a.Backstory != "" {
		b.WriteString(a.Backstory)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Your personal goal is: %s", a.Goal)
	if a.Instruction != "" {
		b.WriteString("\n\nAdditional instructions:\n")
		b.WriteString(a.Instruction)
	}
	return b.String()
}

func unitPrompt(c *Crew, u *Unit, prior []UnitOutput) string {
	var b strings.Builder
	b.WriteString("Current Task: ")
	b.WriteString(u.Description)
	b.WriteString("\n\nThis is the expected criteria for your final answer: ")
	b.WriteString(u.ExpectedOutput)
	b.WriteString("\nyou MUST return the actual complete content as the final answer, not a summary.")

	if ctx := strings.TrimSpace(c.Context); ctx != "" {
		b.WriteString("\n\nAdditional context provided by the requester:\n")
		b.WriteString(ctx)
	}

	if len(prior) > 0 {
		b.WriteString("\n\nThis is the context you're working with:\n")
		for _, out := range prior {
			fmt.Fprintf(&b, "--- %s (task %s) ---\n%s\n", out.Role, out.UnitID, out.Text)
		}
	}

	if u.Agent.AllowDelegation {
		var coworkers []string
		for _, a := range c.Agents {
			if a.Role != u.Agent.Role {
				coworkers = append(coworkers, a.Role)
			}
		}
		if len(coworkers) > 0 {
			b.WriteString("\n\nYou may take your coworkers' perspectives into account: ")
			b.WriteString(strings.Join(coworkers, ", "))
		}
	}
	return b.String()
}
