package turn

import (
	"testing"
	"time"
)

const frameDur = 20 * time.Millisecond

// run feeds frames of the given kind starting after from and returns the
// stream offset of the frame that fired, or -1.
func run(b *BargeInDetector, from time.Duration, frames int, speech bool) (time.Duration, time.Duration) {
	at := from
	fired := time.Duration(-1)
	for i := 0; i < frames; i++ {
		at += frameDur
		if b.Observe(speech, at, frameDur) && fired < 0 {
			fired = at
		}
	}
	return at, fired
}

func TestBargeInFiresAfterSustainedSpeech(t *testing.T) {
	b := NewBargeInDetector(DefaultBargeInConfig())
	b.AgentStarted(0)

	// 2 s of silence, then 0.6 s of speech
	at, fired := run(b, 0, 100, false)
	if fired >= 0 {
		t.Fatal("Expected no barge-in during silence")
	}
	_, fired = run(b, at, 30, true)
	if fired < 0 {
		t.Fatal("Expected barge-in to fire")
	}
	if want := at + 500*time.Millisecond; fired != want {
		t.Errorf("Expected barge-in at %s, got %s", want, fired)
	}
	if b.Armed() {
		t.Error("Expected detector to stay quiet after firing")
	}
}

func TestBargeInFiresOncePerResponse(t *testing.T) {
	b := NewBargeInDetector(DefaultBargeInConfig())
	b.AgentStarted(0)

	at, _ := run(b, 0, 100, false)
	count := 0
	for i := 0; i < 200; i++ {
		at += frameDur
		if b.Observe(true, at, frameDur) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly one barge-in, got %d", count)
	}

	// a new response re-arms it
	b.AgentStarted(at)
	_, fired := run(b, at, 150, true)
	if fired < 0 {
		t.Error("Expected a new response to re-arm detection")
	}
}

func TestBargeInSuppressedInsideIgnoreWindow(t *testing.T) {
	b := NewBargeInDetector(DefaultBargeInConfig())
	b.AgentStarted(time.Second)

	// 1.4 s of speech right after onset: all inside the 1.5 s window
	_, fired := run(b, time.Second, 70, true)
	if fired >= 0 {
		t.Errorf("Expected echo to be ignored, fired at %s", fired)
	}
}

func TestBargeInRunStartsAfterIgnoreWindow(t *testing.T) {
	b := NewBargeInDetector(DefaultBargeInConfig())
	b.AgentStarted(0)

	// speech straddling the window end only counts from the window end
	_, fired := run(b, 0, 100, true)
	if fired < 0 {
		t.Fatal("Expected barge-in")
	}
	if fired < 1500*time.Millisecond+480*time.Millisecond {
		t.Errorf("Expected the run to start after the ignore window, fired at %s", fired)
	}
}

func TestBargeInSuppressedForShortSpeech(t *testing.T) {
	b := NewBargeInDetector(DefaultBargeInConfig())
	b.AgentStarted(0)

	at, _ := run(b, 0, 100, false)
	// 0.4 s bursts separated by silence never reach 0.5 s
	for i := 0; i < 5; i++ {
		var fired time.Duration
		at, fired = run(b, at, 20, true)
		if fired >= 0 {
			t.Fatalf("Expected short speech to be ignored, fired at %s", fired)
		}
		at, _ = run(b, at, 5, false)
	}
}

func TestBargeInIdleWhenAgentSilent(t *testing.T) {
	b := NewBargeInDetector(DefaultBargeInConfig())
	if b.Armed() {
		t.Error("Expected a new detector to be idle")
	}
	if _, fired := run(b, 0, 200, true); fired >= 0 {
		t.Error("Expected no barge-in without agent speech")
	}

	b.AgentStarted(0)
	b.AgentStopped()
	if _, fired := run(b, 0, 200, true); fired >= 0 {
		t.Error("Expected no barge-in after agent stopped")
	}
}
