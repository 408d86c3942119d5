package metrics

import "testing"

func TestCounter(t *testing.T) {
	c := NewCounter()
	if count := c.Snapshot().Count(); count != 0 {
		t.Errorf("wrong count: %v", count)
	}
	c.Inc(1)
	c.Inc(2)
	c.Dec(1)
	if count := c.Snapshot().Count(); count != 2 {
		t.Errorf("wrong count: %v", count)
	}
	c.Clear()
	if count := c.Snapshot().Count(); count != 0 {
		t.Errorf("wrong count after clear: %v", count)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge()
	g.Update(47)
	if v := g.Snapshot().Value(); v != 47 {
		t.Errorf("wrong value: %v", v)
	}
}

func TestMeter(t *testing.T) {
	m := NewMeter()
	m.Mark(3)
	m.Mark(4)
	if c := m.Snapshot().Count(); c != 7 {
		t.Errorf("wrong count: %v", c)
	}
}

func TestRegistryGetOrRegister(t *testing.T) {
	r := NewRegistry()
	c1 := NewRegisteredCounter("paladin/test/counter", r)
	c1.Inc(5)
	c2 := NewRegisteredCounter("paladin/test/counter", r)
	if c2.Snapshot().Count() != 5 {
		t.Fatalf("expected same counter instance to be reused, got count %d", c2.Snapshot().Count())
	}

	seen := map[string]bool{}
	r.Each(func(name string, metric interface{}) { seen[name] = true })
	if !seen["paladin/test/counter"] {
		t.Fatalf("expected Each to observe registered counter")
	}
}
