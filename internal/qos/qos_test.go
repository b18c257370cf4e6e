package qos

import "testing"

func TestStartsAtDefaultBitrate(t *testing.T) {
	c := NewController()
	if got := c.BitrateBPS(); got != startKbps*1000 {
		t.Errorf("starting bitrate = %d, want %d", got, startKbps*1000)
	}
}

func TestHeavyLossStepsDownImmediately(t *testing.T) {
	c := NewController()
	// One interval with every frame missing pushes smoothed loss over the
	// step-down threshold straight away.
	if !c.Observe(0, 100, 50, 0) {
		t.Fatal("an all-loss interval must change the bitrate")
	}
	if got := c.BitrateBPS(); got != 24_000 {
		t.Errorf("bitrate after loss = %d, want 24000", got)
	}
}

func TestCleanLinkNeedsAStreakToStepUp(t *testing.T) {
	c := NewController()
	if c.Observe(100, 0, 50, 0) {
		t.Fatal("one clean interval must not step up yet")
	}
	if !c.Observe(200, 0, 50, 0) {
		t.Fatal("the second consecutive clean interval must step up")
	}
	if got := c.BitrateBPS(); got != 48_000 {
		t.Errorf("bitrate after streak = %d, want 48000", got)
	}
}

func TestUnmeasuredRTTBlocksStepUp(t *testing.T) {
	c := NewController()
	for i := uint64(1); i <= 5; i++ {
		if c.Observe(i*100, 0, 0, 0) {
			t.Fatal("a zero RTT must hold the bitrate, not climb on it")
		}
	}
}

func TestHighRTTBlocksStepUp(t *testing.T) {
	c := NewController()
	for i := uint64(1); i <= 5; i++ {
		if c.Observe(i*100, 0, 400, 0) {
			t.Fatal("a 400ms RTT must not be treated as a good link")
		}
	}
}

func TestLossBreaksTheStreak(t *testing.T) {
	c := NewController()
	c.Observe(100, 0, 50, 0) // clean, streak 1

	// A moderately lossy interval (4% raw): neither step down nor step up,
	// and the streak restarts.
	c.Observe(196, 4, 50, 0)
	if c.Observe(296, 4, 50, 0) {
		t.Fatal("the streak must restart after a non-clean interval")
	}
}

func TestNeverLeavesTheLadder(t *testing.T) {
	c := NewController()
	// Hammer it down past the bottom rung.
	frames := uint64(0)
	for i := 0; i < 20; i++ {
		frames += 100
		c.Observe(0, frames, 50, 0)
	}
	if got := c.BitrateBPS(); got != bitrateLadderKbps[0]*1000 {
		t.Errorf("bitrate floor = %d, want %d", got, bitrateLadderKbps[0]*1000)
	}

	// And climb it past the top.
	decoded := uint64(0)
	for i := 0; i < 40; i++ {
		decoded += 100
		c.Observe(decoded, frames, 50, 0)
	}
	if got := c.BitrateBPS(); got != bitrateLadderKbps[len(bitrateLadderKbps)-1]*1000 {
		t.Errorf("bitrate ceiling = %d, want %d", got, bitrateLadderKbps[len(bitrateLadderKbps)-1]*1000)
	}
}

func TestJitterDepthDefaultsWithoutMeasurement(t *testing.T) {
	c := NewController()
	if got := c.JitterDepth(); got != minDepth {
		t.Errorf("depth with no jitter measured = %d, want %d", got, minDepth)
	}
}

func TestJitterDepthCoversTheJitterWindow(t *testing.T) {
	c := NewController()
	c.Observe(100, 0, 50, 45) // 45 ms of jitter -> ceil(45/20)+1 = 4
	if got := c.JitterDepth(); got != 4 {
		t.Errorf("depth for 45ms jitter = %d, want 4", got)
	}
}

func TestJitterDepthAddsAFrameOnLossyLinks(t *testing.T) {
	c := NewController()
	c.Observe(0, 100, 50, 45) // all-loss interval plus 45 ms jitter
	if got := c.JitterDepth(); got != 5 {
		t.Errorf("depth for lossy 45ms-jitter link = %d, want 5", got)
	}
}

func TestJitterDepthClamped(t *testing.T) {
	c := NewController()
	c.Observe(100, 0, 50, 10_000)
	if got := c.JitterDepth(); got != maxDepth {
		t.Errorf("depth for absurd jitter = %d, want clamp to %d", got, maxDepth)
	}
}

func TestRungForSnapsToClosest(t *testing.T) {
	cases := []struct{ kbps, wantRung int }{
		{8, 0}, {13, 1}, {20, 2}, {100, len(bitrateLadderKbps) - 1},
	}
	for _, tc := range cases {
		if got := rungFor(tc.kbps); got != tc.wantRung {
			t.Errorf("rungFor(%d) = %d, want %d", tc.kbps, got, tc.wantRung)
		}
	}
}
