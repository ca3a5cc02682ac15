package openai

import "testing"

func TestNew_DefaultsModel(t *testing.T) {
	g := New("sk-test", "")
	if g.model == "" {
		t.Fatal("expected a default chat model")
	}
	if g.breaker == nil || g.limiter == nil {
		t.Fatal("expected New to wire a breaker and rate limiter")
	}
}

func TestNew_HonorsExplicitModel(t *testing.T) {
	g := New("sk-test", "gpt-4o-mini")
	if g.model != "gpt-4o-mini" {
		t.Fatalf("expected explicit model to be kept, got %q", g.model)
	}
}
