package schema

import "testing"

func TestTagCollection_AddDedups(t *testing.T) {
	tc := NewTagCollection()
	tc.Add("user", "admin")
	tc.Add("user", "admin")
	tc.Add("user", "owner")
	if len(tc["user"]) != 2 {
		t.Fatalf("expected 2 deduped values, got %v", tc["user"])
	}
	if tc["user"][0] != "admin" || tc["user"][1] != "owner" {
		t.Fatalf("expected insertion order preserved, got %v", tc["user"])
	}
}

func TestTagCollection_Merge(t *testing.T) {
	a := NewTagCollection()
	a.Add("type", "news")
	b := NewTagCollection()
	b.Add("type", "news")
	b.Add("user", "admin")
	a.Merge(b)
	if !a.Has("type", "news") || !a.Has("user", "admin") {
		t.Fatalf("merge did not union tags: %v", a)
	}
	if len(a["type"]) != 1 {
		t.Fatalf("merge duplicated an existing value: %v", a["type"])
	}
}

func TestPipelineState_AdvanceStep(t *testing.T) {
	p := &PipelineState{
		Steps:          []string{"extract", "partition", "gen_embeddings", "save_records"},
		RemainingSteps: []string{"extract", "partition", "gen_embeddings", "save_records"},
	}
	p.AdvanceStep("extract")
	if len(p.CompletedSteps) != 1 || p.CompletedSteps[0] != "extract" {
		t.Fatalf("expected extract completed, got %v", p.CompletedSteps)
	}
	if p.NextStep() != "partition" {
		t.Fatalf("expected partition next, got %q", p.NextStep())
	}
	// Monotonicity: CompletedSteps ++ RemainingSteps == Steps in order.
	got := append(append([]string{}, p.CompletedSteps...), p.RemainingSteps...)
	for i, s := range p.Steps {
		if got[i] != s {
			t.Fatalf("monotonicity broken at %d: got %v want %v", i, got, p.Steps)
		}
	}
}

func TestPipelineState_AdvanceStep_WrongStepIsNoop(t *testing.T) {
	p := &PipelineState{
		Steps:          []string{"extract", "partition"},
		RemainingSteps: []string{"extract", "partition"},
	}
	p.AdvanceStep("partition") // not the current head
	if len(p.CompletedSteps) != 0 {
		t.Fatalf("expected no-op, got %v", p.CompletedSteps)
	}
}

func TestPipelineState_IsReady(t *testing.T) {
	p := &PipelineState{RemainingSteps: nil}
	if !p.IsReady() {
		t.Fatal("expected ready when no steps remain and no terminal error")
	}
	errMsg := "boom"
	p.TerminalError = &errMsg
	if p.IsReady() {
		t.Fatal("expected not ready with a terminal error")
	}
}

func TestPipelineState_RecomputeRemaining(t *testing.T) {
	p := &PipelineState{
		Steps:          []string{"extract", "partition", "gen_embeddings"},
		CompletedSteps: []string{"extract"},
	}
	p.RecomputeRemaining()
	want := []string{"partition", "gen_embeddings"}
	if len(p.RemainingSteps) != len(want) {
		t.Fatalf("got %v want %v", p.RemainingSteps, want)
	}
	for i := range want {
		if p.RemainingSteps[i] != want[i] {
			t.Fatalf("got %v want %v", p.RemainingSteps, want)
		}
	}
}

func TestPipelineState_Status(t *testing.T) {
	p := &PipelineState{RemainingSteps: []string{"extract"}}
	if p.Status() != StatusAdmitted {
		t.Fatalf("expected admitted, got %s", p.Status())
	}
	p.CompletedSteps = []string{"prior"}
	if p.Status() != StatusRunning {
		t.Fatalf("expected running, got %s", p.Status())
	}
	p.RemainingSteps = nil
	if p.Status() != StatusComplete {
		t.Fatalf("expected completed, got %s", p.Status())
	}
	p.Deleting = true
	if p.Status() != StatusDeleting {
		t.Fatalf("expected deleting, got %s", p.Status())
	}
}
