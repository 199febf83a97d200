package stamp

import "testing"

func TestCounterMonotonic(t *testing.T) {
	var c Counter
	a := c.New()
	b := c.New()
	if b <= a {
		t.Fatalf("expected b > a, got a=%d b=%d", a, b)
	}
	if got := c.Current(); got != b {
		t.Fatalf("Current() = %d, want %d", got, b)
	}
}
