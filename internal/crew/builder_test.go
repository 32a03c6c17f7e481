package crew

import (
	"context"
	"strings"
	"testing"

	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/llm"
)

var stubClient = llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: "ok"}, nil
})

func TestBuildDefaults(t *testing.T) {
	c, err := NewBuilder().Build(context.Background(), Request{Objective: "summarize X"}, stubClient)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := strings.Join(c.Roles(), ","); got != "Researcher,Writer" {
		t.Fatalf("unexpected default agents: %s", got)
	}
	if len(c.Units) != 2 {
		t.Fatalf("expected two default units, got %d", len(c.Units))
	}
	if c.Units[0].Description != "Research: summarize X" || c.Units[1].Description != "Write content about: summarize X" {
		t.Fatalf("unexpected default descriptions: %q / %q", c.Units[0].Description, c.Units[1].Description)
	}
	if c.Units[1].Agent.Role != "Writer" || c.Units[0].ExpectedOutput != DefaultExpectedOutput {
		t.Fatalf("unexpected unit assignment: %+v", c.Units[1])
	}
	if c.MaxIterations != DefaultMaxIterations {
		t.Fatalf("unexpected max iterations: %d", c.MaxIterations)
	}
}

func TestBuildSkipsDefinitionWithoutAgents(t *testing.T) {
	req := Request{
		Objective: "X",
		Tasks: []TaskDefinition{
			{Description: "{objective}", ExpectedOutput: "x"},
		},
	}
	_, err := NewBuilder().Build(context.Background(), req, stubClient)
	if xerrors.CodeOf(err) != CodeNoAgents {
		t.Fatalf("expected CREW_NO_AGENTS, got %v", err)
	}
	if !strings.Contains(err.Error(), "no agents") {
		t.Fatalf("error should mention missing agents: %v", err)
	}
}

func TestBuildDeduplicatesRolesAndSkipsInvalid(t *testing.T) {
	analyst := AgentDefinition{Role: "Analyst", Goal: "first", Backstory: "b", Instruction: "be brief"}
	req := Request{
		Objective: "markets",
		Context:   "Q3",
		Tasks: []TaskDefinition{
			{Description: "Study {objective} in {context}", Agents: []AgentDefinition{analyst}, ExpectedOutput: "notes"},
			{Description: "Bad {placeholder}", Agents: []AgentDefinition{{Role: "Critic", Goal: "g"}}},
			{Description: "Report", Agents: []AgentDefinition{{Role: " "}, {Role: "Analyst", Goal: "second"}}},
		},
	}
	c, err := NewBuilder().Build(context.Background(), req, stubClient)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(c.Units) != 2 {
		t.Fatalf("expected the invalid template to be skipped, got %d units", len(c.Units))
	}
	if c.Units[0].Description != "Study markets in Q3" {
		t.Fatalf("unexpected description: %q", c.Units[0].Description)
	}
	if c.Units[1].Agent != c.Units[0].Agent || c.Units[1].Agent.Goal != "first" {
		t.Fatalf("first definition of a role should win")
	}
	if got := strings.Join(c.Roles(), ","); got != "Analyst,Critic" {
		t.Fatalf("unexpected crew agents: %s", got)
	}
	if c.Units[1].ExpectedOutput != DefaultExpectedOutput {
		t.Fatalf("blank expected output should use the default")
	}
}

func TestBuildSkipsDefinitionWithBlankDescription(t *testing.T) {
	agent := AgentDefinition{Role: "R", Goal: "g"}
	req := Request{
		Objective: "X",
		Tasks: []TaskDefinition{
			{Agents: []AgentDefinition{agent}},
			{Description: "   ", Agents: []AgentDefinition{agent}},
			{Description: "Summarize {objective}", Agents: []AgentDefinition{agent}},
		},
	}
	c, err := NewBuilder().Build(context.Background(), req, stubClient)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(c.Units) != 1 || c.Units[0].Description != "Summarize X" || c.Units[0].ID != "3" {
		t.Fatalf("blank descriptions should be skipped, got %+v", c.Units)
	}

	req.Tasks = req.Tasks[:2]
	if _, err := NewBuilder().Build(context.Background(), req, stubClient); xerrors.CodeOf(err) != CodeNoAgents {
		t.Fatalf("expected CREW_NO_AGENTS when every definition is skipped, got %v", err)
	}
}

func TestUnitDescriptionRejectsBlank(t *testing.T) {
	if _, err := unitDescription("", nil); xerrors.CodeOf(err) != CodeInvalidTask {
		t.Fatalf("expected CREW_INVALID_TASK, got %v", err)
	}
	if _, err := unitDescription("Bad {placeholder}", map[string]string{}); xerrors.CodeOf(err) != CodeInvalidTask {
		t.Fatalf("expected CREW_INVALID_TASK for bad template, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	zero := 0
	if err := (Request{Objective: "  "}).Validate(); err == nil {
		t.Fatalf("expected error for blank objective")
	}
	if err := (Request{Objective: "x", MaxIterations: &zero}).Validate(); err == nil {
		t.Fatalf("expected error for max_iterations < 1")
	}
	req := Request{Objective: "x"}
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.Async() || req.Iterations() != 3 {
		t.Fatalf("unexpected defaults: async=%v iterations=%d", req.Async(), req.Iterations())
	}
}

func TestSystemPromptIncludesInstruction(t *testing.T) {
	prompt := systemPrompt(&Agent{Role: "Analyst", Goal: "g", Backstory: "b", Instruction: "cite sources"})
	if !strings.Contains(prompt, "cite sources") || !strings.Contains(prompt, "You are Analyst") {
		t.Fatalf("unexpected system prompt: %s", prompt)
	}
}
