package presence

import "testing"

func TestCanDial(t *testing.T) {
	dialable := []Status{StatusIdle, StatusWrapUp, StatusPostCall}
	for _, s := range dialable {
		if !s.CanDial() {
			t.Errorf("expected CanDial for %s", s)
		}
	}

	blocked := []Status{StatusInit, StatusOffline, StatusBusy, StatusResting, StatusDialing}
	for _, s := range blocked {
		if s.CanDial() {
			t.Errorf("expected no dial in %s", s)
		}
	}
}

func TestCacheReset(t *testing.T) {
	c := NewCache()
	c.SetStatus(StatusBusy)
	c.SetRoutingID("r-42")

	c.Reset()

	if c.Status() != StatusInit {
		t.Errorf("expected init after reset, got %s", c.Status())
	}
	if c.RoutingID() != "" {
		t.Errorf("expected empty routing id after reset, got %q", c.RoutingID())
	}
}
