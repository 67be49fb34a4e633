package backoff

import "testing"

func TestJitterRangeStaysWithinCaps(t *testing.T) {
	for n := 1; n < 200; n++ {
		d := JitterRange(n, 20, 60, 300, 900)

		if d.Seconds() < 0 || d.Seconds() > 900 {
			t.Fatalf("n=%d: got %v, want within [0,900]s", n, d)
		}
	}
}

func TestJitterRangeLowNeverExceedsCap(t *testing.T) {
	d := JitterRange(1000, 20, 60, 300, 900)
	if d.Seconds() < 300 {
		t.Fatalf("got %v, want at least the low cap of 300s", d)
	}
}

func TestJitterCentersOnBase(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := Jitter(60, 15)
		if d.Seconds() < 45 || d.Seconds() > 75 {
			t.Fatalf("got %v, want within [45,75]s", d)
		}
	}
}

func TestExponentialDoublesUntilCap(t *testing.T) {
	cases := []struct {
		attempt int
		want    float64
	}{
		{0, 10},
		{1, 20},
		{2, 40},
		{3, 80},
		{10, 600},
	}

	for _, c := range cases {
		got := Exponential(c.attempt, 10, 600).Seconds()
		if got != c.want {
			t.Fatalf("Exponential(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}
