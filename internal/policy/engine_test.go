package policy

import (
	"strings"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(cfg Config) (*Engine, *fakeClock) {
	clock := newFakeClock()
	return NewEngine(cfg, WithEngineClock(clock.Now)), clock
}

func TestVADDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VAD.Enabled = false
	e, _ := newTestEngine(cfg)

	for _, rms := range []float64{0, 5000, 10000} {
		d := e.EvaluateVAD(rms, 0.99)
		if d.IsSpeech {
			t.Errorf("EvaluateVAD(rms=%g) with VAD disabled returned is_speech=true", rms)
		}
		if d.Reason != "VAD disabled" {
			t.Errorf("reason = %q, want %q", d.Reason, "VAD disabled")
		}
	}
}

func TestVADProbabilityBlend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VAD.MinSpeechDuration = 0
	e, _ := newTestEngine(cfg)

	// rms 5000 -> 0.35, confidence 1.0 -> 0.30; blended 0.65 > 1-0.6
	d := e.EvaluateVAD(5000, 1.0)
	if !d.IsSpeech {
		t.Errorf("expected speech at probability %.2f with sensitivity 0.6", d.Probability)
	}
	if d.Probability < 0.64 || d.Probability > 0.66 {
		t.Errorf("probability = %.3f, want ~0.65", d.Probability)
	}

	// Loud clipping input stays clamped to [0,1].
	d = e.EvaluateVAD(50000, 1.0)
	if d.Probability > 1 {
		t.Errorf("probability = %.3f, want <= 1", d.Probability)
	}
}

func TestVADMinSpeechDurationDebounce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VAD.MinSpeechDuration = 100 * time.Millisecond
	e, clock := newTestEngine(cfg)

	// First loud frame starts the clock but is not yet confirmed speech.
	d := e.EvaluateVAD(9000, 0.9)
	if d.IsSpeech {
		t.Error("speech should not be confirmed before min speech duration")
	}

	clock.Advance(150 * time.Millisecond)
	d = e.EvaluateVAD(9000, 0.9)
	if !d.IsSpeech {
		t.Errorf("speech should be confirmed after sustained input, reason=%q", d.Reason)
	}
}

func TestVADHysteresisBridgesBriefSilence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VAD.MinSpeechDuration = 0
	cfg.VAD.MinSilenceDuration = 300 * time.Millisecond
	e, clock := newTestEngine(cfg)

	if d := e.EvaluateVAD(9000, 0.9); !d.IsSpeech {
		t.Fatalf("setup: expected speech, got %q", d.Reason)
	}

	// A gap shorter than the silence threshold reads as continued speech.
	clock.Advance(100 * time.Millisecond)
	d := e.EvaluateVAD(0, 0.1)
	if !d.IsSpeech {
		t.Errorf("brief silence should be treated as continued speech, reason=%q", d.Reason)
	}

	// Once the gap outlasts the threshold, silence is confirmed.
	clock.Advance(400 * time.Millisecond)
	d = e.EvaluateVAD(0, 0.1)
	if d.IsSpeech {
		t.Errorf("sustained silence should end speech, reason=%q", d.Reason)
	}
}

func TestEndpointingPriorityOrder(t *testing.T) {
	cfg := DefaultConfig()
	e, _ := newTestEngine(cfg)

	// Max duration exceeded AND confidence below threshold: the max-duration
	// rule wins because priority order is deterministic.
	d := e.EvaluateEndpointing(true, 0.1, 31*time.Second, 0)
	if !d.ShouldEndpoint {
		t.Fatalf("should_endpoint = false, want true (max duration rule), reason=%q", d.Reason)
	}
	if !strings.Contains(d.Reason, "max duration") {
		t.Errorf("reason = %q, want max-duration citation", d.Reason)
	}
}

func TestEndpointingRules(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name      string
		isSpeech  bool
		conf      float64
		utterance time.Duration
		silence   time.Duration
		want      bool
	}{
		{"too short to act on", true, 0.9, 100 * time.Millisecond, 0, false},
		{"silence timeout", false, 0.9, 2 * time.Second, time.Second, true},
		{"low confidence", false, 0.2, 2 * time.Second, 100 * time.Millisecond, false},
		{"speech in progress", true, 0.9, 2 * time.Second, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(cfg)
			d := e.EvaluateEndpointing(tt.isSpeech, tt.conf, tt.utterance, tt.silence)
			if d.ShouldEndpoint != tt.want {
				t.Errorf("should_endpoint = %v, want %v (reason %q)", d.ShouldEndpoint, tt.want, d.Reason)
			}
		})
	}
}

func TestEndpointingDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpointing.Enabled = false
	e, _ := newTestEngine(cfg)

	d := e.EvaluateEndpointing(false, 0.9, time.Minute, time.Minute)
	if d.ShouldEndpoint {
		t.Error("disabled endpointing must never endpoint")
	}
	if !strings.Contains(d.Reason, "disabled") {
		t.Errorf("reason = %q, want disabled citation", d.Reason)
	}
}

func TestEndpointingStateAdvancesOneStep(t *testing.T) {
	e, _ := newTestEngine(DefaultConfig())

	if e.State() != EndpointListening {
		t.Fatalf("initial state = %s, want listening", e.State())
	}

	endpoint := func() {
		d := e.EvaluateEndpointing(false, 0.9, 2*time.Second, time.Second)
		if !d.ShouldEndpoint {
			t.Fatalf("setup: expected endpoint, reason=%q", d.Reason)
		}
	}

	endpoint()
	if e.State() != EndpointProcessing {
		t.Errorf("state = %s, want processing", e.State())
	}
	endpoint()
	if e.State() != EndpointResponding {
		t.Errorf("state = %s, want responding", e.State())
	}
	endpoint()
	if e.State() != EndpointResponding {
		t.Errorf("state = %s, must never move past responding", e.State())
	}

	e.ResetState()
	if e.State() != EndpointListening {
		t.Errorf("state after reset = %s, want listening", e.State())
	}
}

func TestBargeInGates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BargeIn.Mode = BargeInImmediate

	tests := []struct {
		name     string
		isSpeech bool
		conf     float64
		playback bool
		dur      time.Duration
		want     BargeInAction
	}{
		{"no playback", true, 0.9, false, 0, BargeInDeny},
		{"no speech", false, 0.9, true, time.Second, BargeInDeny},
		{"low confidence", true, 0.5, true, time.Second, BargeInDeny},
		{"past interruption window", true, 0.9, true, 11 * time.Second, BargeInDeny},
		{"permitted", true, 0.9, true, time.Second, BargeInAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(cfg)
			d := e.EvaluateBargeIn(tt.isSpeech, tt.conf, tt.playback, tt.dur)
			if d.Action != tt.want {
				t.Errorf("action = %s, want %s (reason %q)", d.Action, tt.want, d.Reason)
			}
		})
	}
}

func TestBargeInGracefulDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BargeIn.Mode = BargeInGraceful
	cfg.BargeIn.ResponseDelay = 250 * time.Millisecond
	e, _ := newTestEngine(cfg)

	d := e.EvaluateBargeIn(true, 0.9, true, time.Second)
	if d.Action != BargeInAllowGrace {
		t.Fatalf("action = %s, want graceful (reason %q)", d.Action, d.Reason)
	}
	if d.Delay != 250*time.Millisecond {
		t.Errorf("delay = %s, want 250ms", d.Delay)
	}

	cfg.BargeIn.Mode = BargeInImmediate
	e2, _ := newTestEngine(cfg)
	if d := e2.EvaluateBargeIn(true, 0.9, true, time.Second); d.Delay != 0 {
		t.Errorf("immediate mode delay = %s, want 0", d.Delay)
	}
}

func TestBargeInDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BargeIn.Enabled = false
	e, _ := newTestEngine(cfg)

	d := e.EvaluateBargeIn(true, 0.99, true, time.Second)
	if d.Action != BargeInDeny {
		t.Errorf("action = %s, want deny when disabled", d.Action)
	}
}

func TestWakeCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Wake.Cooldown = 2 * time.Second
	e, clock := newTestEngine(cfg)

	d := e.EvaluateWake(true, 0.9, "hey")
	if !d.IsWake {
		t.Fatalf("first wake should be accepted, reason=%q", d.Reason)
	}

	// Immediately again: inside the cooldown window.
	d = e.EvaluateWake(true, 0.9, "hey")
	if d.IsWake {
		t.Error("second wake inside cooldown should be rejected")
	}
	if !strings.Contains(d.Reason, "Cooldown") {
		t.Errorf("reason = %q, want Cooldown citation", d.Reason)
	}

	clock.Advance(2 * time.Second)
	d = e.EvaluateWake(true, 0.9, "hey")
	if !d.IsWake {
		t.Errorf("wake after cooldown elapsed should be accepted, reason=%q", d.Reason)
	}
}

func TestWakeRejectionDoesNotAdvanceCooldown(t *testing.T) {
	cfg := DefaultConfig()
	e, clock := newTestEngine(cfg)

	// A low-confidence rejection must not start the cooldown clock.
	e.EvaluateWake(true, 0.1, "hey")
	clock.Advance(10 * time.Millisecond)
	d := e.EvaluateWake(true, 0.9, "hey")
	if !d.IsWake {
		t.Errorf("wake after a rejected attempt should be accepted, reason=%q", d.Reason)
	}
}

func TestWakeDisabledAndBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Wake.Enabled = false
	e, _ := newTestEngine(cfg)
	if d := e.EvaluateWake(true, 0.99, "hey"); d.IsWake {
		t.Error("disabled wake gating must reject")
	}

	cfg.Wake.Enabled = true
	e2, _ := newTestEngine(cfg)
	if d := e2.EvaluateWake(true, 0.5, "hey"); d.IsWake {
		t.Error("wake below confidence threshold must reject")
	}
}

func TestValidateLatency(t *testing.T) {
	cfg := DefaultConfig()
	e, _ := newTestEngine(cfg)

	if !e.ValidateLatency(time.Second, "e2e") {
		t.Error("1s e2e latency is within the 1.5s budget")
	}
	if e.ValidateLatency(2*time.Second, "e2e") {
		t.Error("2s e2e latency exceeds the 1.5s budget")
	}
	if !e.ValidateLatency(time.Hour, "unknown_op") {
		t.Error("unknown operations have no budget and always pass")
	}

	if got := e.Counts().LatencyViolations; got != 1 {
		t.Errorf("latency violations = %d, want 1", got)
	}
}

func TestDecisionCounters(t *testing.T) {
	e, _ := newTestEngine(DefaultConfig())

	e.EvaluateVAD(5000, 0.9)
	e.EvaluateVAD(0, 0.1)
	e.EvaluateEndpointing(true, 0.9, time.Second, 0)
	e.EvaluateWake(false, 0.9, "")

	c := e.Counts()
	if c.VAD != 2 || c.Endpointing != 1 || c.Wake != 1 || c.BargeIn != 0 {
		t.Errorf("counts = %+v, want vad=2 endpointing=1 wake=1 barge_in=0", c)
	}
}
