package flow

import (
	"testing"
	"time"
)

func TestAddStageAppliesDefaults(t *testing.T) {
	g := NewGraph("defaults")
	if err := g.AddStage(StageSpec{Name: "analysis", OutputSlot: SlotAnalysis}); err != nil {
		t.Fatalf("AddStage() error = %v", err)
	}
	spec, ok := g.Spec("analysis")
	if !ok {
		t.Fatal("declared stage not found")
	}
	if spec.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", spec.MaxAttempts, DefaultMaxAttempts)
	}
	if spec.Timeout != DefaultStageTimeout {
		t.Errorf("Timeout = %v, want %v", spec.Timeout, DefaultStageTimeout)
	}

	// Explicit values survive.
	if err := g.AddStage(StageSpec{Name: "quick", OutputSlot: "quick", MaxAttempts: 1, Timeout: 10 * time.Second}); err != nil {
		t.Fatalf("AddStage() error = %v", err)
	}
	spec, _ = g.Spec("quick")
	if spec.MaxAttempts != 1 || spec.Timeout != 10*time.Second {
		t.Errorf("explicit spec = %+v", spec)
	}
}

func TestAddStageRejectsInvalid(t *testing.T) {
	g := NewGraph("invalid")
	if err := g.AddStage(StageSpec{Name: "", OutputSlot: "x"}); err == nil {
		t.Error("empty name accepted")
	}
	if err := g.AddStage(StageSpec{Name: End, OutputSlot: "x"}); err == nil {
		t.Error("END as stage name accepted")
	}
	if err := g.AddStage(StageSpec{Name: "a", OutputSlot: ""}); err == nil {
		t.Error("empty output slot accepted")
	}
	if err := g.AddStage(StageSpec{Name: "a", OutputSlot: "x"}); err != nil {
		t.Fatalf("AddStage() error = %v", err)
	}
	if err := g.AddStage(StageSpec{Name: "a", OutputSlot: "y"}); err == nil {
		t.Error("duplicate stage accepted")
	}
}

func TestConnectOneEdgePerStage(t *testing.T) {
	g := NewGraph("edges")
	for _, n := range []string{"a", "b", "c"} {
		if err := g.AddStage(StageSpec{Name: n, OutputSlot: n}); err != nil {
			t.Fatalf("AddStage(%s) error = %v", n, err)
		}
	}
	if err := g.Connect("a", "b"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := g.Connect("a", "c"); err == nil {
		t.Error("second edge from a accepted")
	}
	if err := g.ConnectRouter("a", func(*RunState) []string { return nil }, ""); err == nil {
		t.Error("router edge over existing edge accepted")
	}
	if err := g.ConnectRouter("b", nil, ""); err == nil {
		t.Error("nil router accepted")
	}
}

func TestGraphValidate(t *testing.T) {
	t.Run("no entry", func(t *testing.T) {
		g := NewGraph("g")
		_ = g.AddStage(StageSpec{Name: "a", OutputSlot: "a"})
		if err := g.Validate(); err == nil {
			t.Error("graph without entry validated")
		}
	})

	t.Run("undeclared entry", func(t *testing.T) {
		g := NewGraph("g")
		_ = g.AddStage(StageSpec{Name: "a", OutputSlot: "a"})
		_ = g.SetEntry("missing")
		if err := g.Validate(); err == nil {
			t.Error("undeclared entry validated")
		}
	})

	t.Run("undeclared edge target", func(t *testing.T) {
		g := NewGraph("g")
		_ = g.AddStage(StageSpec{Name: "a", OutputSlot: "a"})
		_ = g.SetEntry("a")
		_ = g.Connect("a", "ghost")
		if err := g.Validate(); err == nil {
			t.Error("edge to undeclared stage validated")
		}
	})

	t.Run("undeclared join", func(t *testing.T) {
		g := NewGraph("g")
		_ = g.AddStage(StageSpec{Name: "a", OutputSlot: "a"})
		_ = g.SetEntry("a")
		_ = g.ConnectRouter("a", func(*RunState) []string { return nil }, "ghost")
		if err := g.Validate(); err == nil {
			t.Error("undeclared join validated")
		}
	})

	t.Run("valid", func(t *testing.T) {
		g := NewGraph("g")
		_ = g.AddStage(StageSpec{Name: "a", OutputSlot: "a"})
		_ = g.AddStage(StageSpec{Name: "b", OutputSlot: "b"})
		_ = g.SetEntry("a")
		_ = g.Connect("a", "b")
		_ = g.Connect("b", End)
		if err := g.Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})
}

func TestSlotCountDeduplicates(t *testing.T) {
	g := NewGraph("g")
	_ = g.AddStage(StageSpec{Name: "dev_api", OutputSlot: SlotDevelopment})
	_ = g.AddStage(StageSpec{Name: "dev_ui", OutputSlot: SlotDevelopment})
	_ = g.AddStage(StageSpec{Name: "testing", OutputSlot: SlotTesting})
	if got := g.SlotCount(); got != 2 {
		t.Errorf("SlotCount() = %d, want 2", got)
	}
}

func TestFrozenGraphRejectsMutation(t *testing.T) {
	g := NewGraph("g")
	_ = g.AddStage(StageSpec{Name: "a", OutputSlot: "a"})
	_ = g.SetEntry("a")
	g.freeze()
	if err := g.AddStage(StageSpec{Name: "b", OutputSlot: "b"}); err == nil {
		t.Error("AddStage on frozen graph accepted")
	}
	if err := g.Connect("a", End); err == nil {
		t.Error("Connect on frozen graph accepted")
	}
	if err := g.SetEntry("b"); err == nil {
		t.Error("SetEntry on frozen graph accepted")
	}
}
