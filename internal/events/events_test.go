package events

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestDispatcherPreservesOrder(t *testing.T) {
	collector := &Collector{}
	d := NewDispatcher(collector)
	const n = 200
	for i := 0; i < n; i++ {
		d.Emit(Event{RunID: "r", Kind: KindDiagnostic, Data: map[string]any{"i": i}})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	got := collector.Events()
	if len(got) != n {
		t.Fatalf("got %d events, want %d", len(got), n)
	}
	for i, ev := range got {
		if ev.Data["i"] != i {
			t.Fatalf("event %d out of order: %v", i, ev.Data["i"])
		}
	}
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(NullSink{})
	ctx := context.Background()
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestCollectorKinds(t *testing.T) {
	c := &Collector{}
	for i := 0; i < 3; i++ {
		c.Emit(Event{Kind: fmt.Sprintf("k%d", i)})
	}
	kinds := c.Kinds()
	if len(kinds) != 3 || kinds[0] != "k0" || kinds[2] != "k2" {
		t.Errorf("kinds = %v", kinds)
	}
}
