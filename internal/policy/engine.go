package policy

import (
	"fmt"
	"log/slog"
	"time"
)

// EndpointingState is the engine's utterance processing phase.
type EndpointingState string

const (
	EndpointListening  EndpointingState = "listening"
	EndpointProcessing EndpointingState = "processing"
	EndpointResponding EndpointingState = "responding"
)

// VADDecision is the outcome of one voice-activity evaluation.
type VADDecision struct {
	IsSpeech    bool      `json:"is_speech"`
	Probability float64   `json:"probability"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// EndpointDecision is the outcome of one endpointing evaluation.
type EndpointDecision struct {
	ShouldEndpoint bool             `json:"should_endpoint"`
	State          EndpointingState `json:"state"`
	Confidence     float64          `json:"confidence"`
	Reason         string           `json:"reason"`
	At             time.Time        `json:"at"`
}

// BargeInAction is what the caller should do with an interruption.
type BargeInAction string

const (
	BargeInAllow      BargeInAction = "allow"
	BargeInAllowGrace BargeInAction = "graceful"
	BargeInDeny       BargeInAction = "deny"
)

// BargeInDecision is the outcome of one barge-in evaluation.
type BargeInDecision struct {
	Action     BargeInAction `json:"action"`
	Delay      time.Duration `json:"delay"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason"`
	At         time.Time     `json:"at"`
}

// Permitted reports whether the interruption may proceed.
func (d BargeInDecision) Permitted() bool {
	return d.Action == BargeInAllow || d.Action == BargeInAllowGrace
}

// WakeDecision is the outcome of one wake-phrase evaluation.
type WakeDecision struct {
	IsWake     bool      `json:"is_wake"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// DecisionCounts is a telemetry snapshot of evaluations performed.
type DecisionCounts struct {
	VAD               int64 `json:"vad"`
	Endpointing       int64 `json:"endpointing"`
	BargeIn           int64 `json:"barge_in"`
	Wake              int64 `json:"wake"`
	LatencyViolations int64 `json:"latency_violations"`
}

// rmsCeiling is the RMS level mapped to probability 1.0.
const rmsCeiling = 10000.0

// Engine evaluates policy gates against one speaker's timeline.
//
// The engine's timing state is not session-scoped: one engine tracks one
// speaker. A host serving multiple concurrent sessions must give each
// session its own engine; sharing one across sessions corrupts the timing
// state. Evaluations never panic outward: internal failures degrade to
// rejecting decisions carrying the failure text as the reason.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	state            EndpointingState
	isSpeaking       bool
	lastSpeechTime   time.Time
	speechStartTime  time.Time
	silenceStartTime time.Time
	lastWakeTime     time.Time

	counts DecisionCounts
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithEngineClock overrides the time source. Used by tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine for one speaker's timeline. The config must
// already be validated; NewEngine does not re-check it.
func NewEngine(cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		state:  EndpointListening,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current endpointing phase.
func (e *Engine) State() EndpointingState {
	return e.state
}

// ResetState rearms the endpointing state machine back to listening.
// The engine never transitions back on its own.
func (e *Engine) ResetState() {
	e.state = EndpointListening
}

// Counts returns the decision counters for telemetry.
func (e *Engine) Counts() DecisionCounts {
	return e.counts
}

// EvaluateVAD classifies an audio segment as speech or silence.
//
// The speech probability blends the RMS level with the upstream confidence
// (0.7/0.3) and compares against the configured sensitivity. Transitions in
// either direction are debounced: speech must be sustained for the minimum
// speech duration before the engine starts speaking, and a silence gap
// shorter than the minimum silence duration is reported as continued speech
// so micro-pauses do not chop utterances.
func (e *Engine) EvaluateVAD(rms, confidence float64) (d VADDecision) {
	now := e.now()
	defer func() {
		if r := recover(); r != nil {
			d = VADDecision{Reason: fmt.Sprintf("vad evaluation failed: %v", r), At: now}
		}
	}()
	e.counts.VAD++

	if !e.cfg.VAD.Enabled {
		return VADDecision{IsSpeech: false, Reason: "VAD disabled", At: now}
	}

	level := rms
	if level < 0 {
		level = 0
	}
	if level > rmsCeiling {
		level = rmsCeiling
	}
	prob := 0.7*(level/rmsCeiling) + 0.3*confidence
	if prob < 0 {
		prob = 0
	}
	if prob > 1 {
		prob = 1
	}

	isSpeech := prob > (1 - e.cfg.VAD.Sensitivity)
	reason := "silence"

	if isSpeech {
		e.silenceStartTime = time.Time{}
		e.lastSpeechTime = now
		if e.isSpeaking {
			reason = "speech continues"
		} else {
			if e.speechStartTime.IsZero() {
				e.speechStartTime = now
			}
			if now.Sub(e.speechStartTime) >= e.cfg.VAD.MinSpeechDuration {
				e.isSpeaking = true
				reason = "speech confirmed"
			} else {
				isSpeech = false
				reason = "speech below minimum duration"
			}
		}
	} else {
		e.speechStartTime = time.Time{}
		if e.isSpeaking {
			if e.silenceStartTime.IsZero() {
				e.silenceStartTime = now
			}
			if now.Sub(e.silenceStartTime) < e.cfg.VAD.MinSilenceDuration {
				// Brief gap: report continued speech rather than chopping
				// the utterance on a micro-pause.
				isSpeech = true
				reason = "brief silence treated as continued speech"
			} else {
				e.isSpeaking = false
				reason = "silence confirmed"
			}
		}
	}

	return VADDecision{IsSpeech: isSpeech, Probability: prob, Reason: reason, At: now}
}

// EvaluateEndpointing decides whether the current utterance has ended.
//
// Rules apply in priority order, first match wins:
//  1. utterance at or past the maximum -> endpoint (force cut)
//  2. utterance below the minimum -> no endpoint
//  3. not speaking and silence past the timeout -> endpoint
//  4. confidence below threshold -> no endpoint
//
// A positive decision advances the endpointing state one step
// (listening -> processing -> responding), never skipping and never moving
// past responding.
func (e *Engine) EvaluateEndpointing(isSpeech bool, confidence float64, utterance, silence time.Duration) (d EndpointDecision) {
	now := e.now()
	defer func() {
		if r := recover(); r != nil {
			d = EndpointDecision{State: e.state, Reason: fmt.Sprintf("endpointing evaluation failed: %v", r), At: now}
		}
	}()
	e.counts.Endpointing++

	if !e.cfg.Endpointing.Enabled {
		return EndpointDecision{State: e.state, Reason: "endpointing disabled", At: now}
	}

	cfg := e.cfg.Endpointing
	var should bool
	var reason string

	switch {
	case cfg.MaxUtterance > 0 && utterance >= cfg.MaxUtterance:
		should = true
		reason = fmt.Sprintf("utterance exceeded max duration %s", cfg.MaxUtterance)
	case utterance < cfg.MinUtterance:
		reason = fmt.Sprintf("utterance below minimum duration %s", cfg.MinUtterance)
	case !isSpeech && silence >= cfg.SilenceTimeout:
		should = true
		reason = fmt.Sprintf("silence exceeded timeout %s", cfg.SilenceTimeout)
	case confidence < cfg.ConfidenceThreshold:
		reason = fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, cfg.ConfidenceThreshold)
	default:
		reason = "no endpoint condition met"
	}

	if should {
		e.advanceState()
	}
	return EndpointDecision{ShouldEndpoint: should, State: e.state, Confidence: confidence, Reason: reason, At: now}
}

// advanceState moves the endpointing machine one step forward.
func (e *Engine) advanceState() {
	switch e.state {
	case EndpointListening:
		e.state = EndpointProcessing
	case EndpointProcessing:
		e.state = EndpointResponding
	}
}

// EvaluateBargeIn decides whether a user may interrupt active playback.
func (e *Engine) EvaluateBargeIn(isSpeech bool, confidence float64, playbackActive bool, playbackDuration time.Duration) (d BargeInDecision) {
	now := e.now()
	defer func() {
		if r := recover(); r != nil {
			d = BargeInDecision{Action: BargeInDeny, Reason: fmt.Sprintf("barge-in evaluation failed: %v", r), At: now}
		}
	}()
	e.counts.BargeIn++

	cfg := e.cfg.BargeIn
	deny := func(reason string) BargeInDecision {
		return BargeInDecision{Action: BargeInDeny, Confidence: confidence, Reason: reason, At: now}
	}

	if !cfg.Enabled {
		return deny("barge-in disabled")
	}
	if !playbackActive {
		return deny("no active playback to interrupt")
	}
	if !isSpeech {
		return deny("no speech detected")
	}
	if confidence < cfg.ConfidenceThreshold {
		return deny(fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, cfg.ConfidenceThreshold))
	}
	if cfg.MaxInterruption > 0 && playbackDuration > cfg.MaxInterruption {
		return deny(fmt.Sprintf("playback past max interruption window %s", cfg.MaxInterruption))
	}

	switch cfg.Mode {
	case BargeInImmediate:
		return BargeInDecision{Action: BargeInAllow, Confidence: confidence, Reason: "immediate interruption permitted", At: now}
	case BargeInGraceful:
		return BargeInDecision{Action: BargeInAllowGrace, Delay: cfg.ResponseDelay, Confidence: confidence, Reason: "graceful interruption permitted", At: now}
	default:
		return deny(fmt.Sprintf("barge-in mode %q does not permit interruption", cfg.Mode))
	}
}

// EvaluateWake gates a wake verdict on confidence and cooldown. The cooldown
// clock only advances on accepted wakes.
func (e *Engine) EvaluateWake(isWake bool, confidence float64, phrase string) (d WakeDecision) {
	now := e.now()
	defer func() {
		if r := recover(); r != nil {
			d = WakeDecision{Confidence: confidence, Reason: fmt.Sprintf("wake evaluation failed: %v", r), At: now}
		}
	}()
	e.counts.Wake++

	cfg := e.cfg.Wake
	if !cfg.Enabled {
		return WakeDecision{Confidence: confidence, Reason: "wake gating disabled", At: now}
	}
	if confidence < cfg.ConfidenceThreshold {
		return WakeDecision{Confidence: confidence, Reason: fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, cfg.ConfidenceThreshold), At: now}
	}
	if cfg.Cooldown > 0 && !e.lastWakeTime.IsZero() && now.Sub(e.lastWakeTime) < cfg.Cooldown {
		return WakeDecision{Confidence: confidence, Reason: fmt.Sprintf("Cooldown active for %s after last wake", cfg.Cooldown), At: now}
	}

	if !isWake {
		return WakeDecision{Confidence: confidence, Reason: "no wake phrase detected", At: now}
	}

	e.lastWakeTime = now
	return WakeDecision{IsWake: true, Confidence: confidence, Reason: fmt.Sprintf("wake phrase %q accepted", phrase), At: now}
}

// ValidateLatency checks a measured latency against the budget for the given
// operation ("e2e", "barge_in", "stt", "tts"). Advisory: violations are
// logged and counted, never raised, and nothing in flight is aborted.
func (e *Engine) ValidateLatency(latency time.Duration, operation string) bool {
	if !e.cfg.Latency.Enabled {
		return true
	}

	var budget time.Duration
	switch operation {
	case "e2e":
		budget = e.cfg.Latency.E2EBudget
	case "barge_in":
		budget = e.cfg.Latency.BargeInBudget
	case "stt":
		budget = e.cfg.Latency.STTBudget
	case "tts":
		budget = e.cfg.Latency.TTSBudget
	default:
		return true
	}

	if budget > 0 && latency > budget {
		e.counts.LatencyViolations++
		e.logger.Warn("latency budget exceeded",
			"operation", operation,
			"latency_ms", latency.Milliseconds(),
			"budget_ms", budget.Milliseconds(),
		)
		return false
	}
	return true
}
