package google

import (
	"testing"

	"a2arunner/pkg/llm"
)

func TestToContents(t *testing.T) {
	system, contents := ToContents([]llm.Message{
		llm.NewSystemMessage("be brief"),
		llm.NewUserMessage("hi"),
		llm.NewAssistantMessage("hello"),
		llm.NewUserMessage("bye"),
	})

	if system != "be brief" {
		t.Errorf("unexpected system %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	wantRoles := []string{"user", "model", "user"}
	for i, c := range contents {
		if c.Role != wantRoles[i] {
			t.Errorf("content %d role = %q, want %q", i, c.Role, wantRoles[i])
		}
		if len(c.Parts) != 1 || c.Parts[0].Text == "" {
			t.Errorf("content %d has unexpected parts %+v", i, c.Parts)
		}
	}
}
