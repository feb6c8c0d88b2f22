package risk

import "testing"

func TestCheckTriggersAtLevels(t *testing.T) {
	tr := NewTracker()
	tr.Arm("pos1", 10000, 0.02, 0.02) // sl=9800 tp=10200

	cases := []struct {
		name   string
		price  float64
		reason Reason
		due    bool
	}{
		{"below stop loss", 9799, ReasonStopLoss, true},
		{"at stop loss", 9800, ReasonStopLoss, true},
		{"inside band", 10000, "", false},
		{"at take profit", 10200, ReasonTakeProfit, true},
		{"above take profit", 10201, ReasonTakeProfit, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason, due := tr.Check("pos1", tc.price)
			if due != tc.due || reason != tc.reason {
				t.Fatalf("Check(%f) = (%q, %v), want (%q, %v)", tc.price, reason, due, tc.reason, tc.due)
			}
		})
	}
}

func TestCheckUnknownPositionNeverTriggers(t *testing.T) {
	tr := NewTracker()
	if reason, due := tr.Check("missing", 1); due || reason != "" {
		t.Fatalf("unknown position triggered (%q, %v)", reason, due)
	}
}

func TestDisarmStopsTriggering(t *testing.T) {
	tr := NewTracker()
	tr.Arm("pos1", 10000, 0.02, 0.02)
	tr.Disarm("pos1")

	if _, due := tr.Check("pos1", 1); due {
		t.Fatal("disarmed position still triggers")
	}
	if tr.Armed("pos1") {
		t.Fatal("position still armed after disarm")
	}
}

func TestArmComputesLevelsFromEntry(t *testing.T) {
	tr := NewTracker()
	l := tr.Arm("pos1", 50000, 0.01, 0.03)
	if l.StopLoss != 49500 || l.TakeProfit != 51500 {
		t.Fatalf("levels = %+v", l)
	}
}
