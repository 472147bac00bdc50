package check

import "testing"

func TestEffectiveFanoutDefaults(t *testing.T) {
	cases := []struct {
		typeTag string
		want    Fanout
	}{
		{"script", FanoutReduce},
		{"memory", FanoutReduce},
		{"log", FanoutReduce},
		{"workflow", FanoutReduce},
		{"noop", FanoutReduce},
		{"command", FanoutMap},
		{"http", FanoutMap},
	}
	for _, c := range cases {
		ch := &Check{Type: c.typeTag}
		if got := ch.EffectiveFanout(); got != c.want {
			t.Errorf("EffectiveFanout(%q) = %q, want %q", c.typeTag, got, c.want)
		}
	}
}

func TestEffectiveFanoutHonorsExplicitSetting(t *testing.T) {
	ch := &Check{Type: "command", Fanout: FanoutReduce}
	if got := ch.EffectiveFanout(); got != FanoutReduce {
		t.Fatalf("expected explicit FanoutReduce to override the command default, got %q", got)
	}
}

func TestEffectiveTimeoutMSDefault(t *testing.T) {
	ch := &Check{}
	if got := ch.EffectiveTimeoutMS(600_000); got != 600_000 {
		t.Fatalf("default timeout = %d, want 600000", got)
	}
	if got := ch.EffectiveTimeoutMS(30_000); got != 30_000 {
		t.Fatalf("run-configured default timeout = %d, want 30000", got)
	}
	ch.TimeoutMS = 1500
	if got := ch.EffectiveTimeoutMS(600_000); got != 1500 {
		t.Fatalf("configured timeout = %d, want 1500", got)
	}
}

func TestRoutingBlockIsEmpty(t *testing.T) {
	var nilBlock *RoutingBlock
	if !nilBlock.IsEmpty() {
		t.Fatalf("nil routing block should be empty")
	}
	empty := &RoutingBlock{}
	if !empty.IsEmpty() {
		t.Fatalf("zero-value routing block should be empty")
	}
	withGoto := &RoutingBlock{Goto: "b"}
	if withGoto.IsEmpty() {
		t.Fatalf("routing block with goto should not be empty")
	}
}

func TestSchemaRefIsEmpty(t *testing.T) {
	var nilRef *SchemaRef
	if !nilRef.IsEmpty() {
		t.Fatalf("nil schema ref should be empty")
	}
	if (&SchemaRef{}).IsEmpty() == false {
		t.Fatalf("zero-value schema ref should be empty")
	}
	if (&SchemaRef{ValidatorID: "v1"}).IsEmpty() {
		t.Fatalf("schema ref with validator id should not be empty")
	}
}
