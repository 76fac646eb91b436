package entities

import "time"

// TurnLatency holds the per-stage latencies measured for one turn.
type TurnLatency struct {
	VAD time.Duration `json:"vad"`
	STT time.Duration `json:"stt"`
	// LLM is the generator's time to first sentence.
	LLM time.Duration `json:"llm"`
	TTS time.Duration `json:"tts"`
	E2E time.Duration `json:"e2e"`
}

// SessionMetrics aggregates latencies and counters across a session.
// Averages are in milliseconds.
type SessionMetrics struct {
	TotalTurns     int     `json:"total_turns" bson:"total_turns"`
	MeasuredTurns  int     `json:"measured_turns" bson:"measured_turns"`
	CancelledTurns int     `json:"cancelled_turns" bson:"cancelled_turns"`
	FailedTurns    int     `json:"failed_turns" bson:"failed_turns"`
	Interruptions  int     `json:"interruptions" bson:"interruptions"`
	AvgVADMs       float64 `json:"avg_vad_ms" bson:"avg_vad_ms"`
	AvgSTTMs       float64 `json:"avg_stt_ms" bson:"avg_stt_ms"`
	AvgTTFTMs      float64 `json:"avg_ttft_ms" bson:"avg_ttft_ms"`
	AvgTTSMs       float64 `json:"avg_tts_ms" bson:"avg_tts_ms"`
	AvgE2EMs       float64 `json:"avg_e2e_ms" bson:"avg_e2e_ms"`
	LastE2EMs      float64 `json:"last_e2e_ms" bson:"last_e2e_ms"`
}

// Record folds one measured turn into the running averages:
// avg = (avg*(n-1) + new) / n.
func (m *SessionMetrics) Record(l TurnLatency) {
	m.MeasuredTurns++
	n := float64(m.MeasuredTurns)
	m.AvgVADMs = runningAverage(m.AvgVADMs, ms(l.VAD), n)
	m.AvgSTTMs = runningAverage(m.AvgSTTMs, ms(l.STT), n)
	m.AvgTTFTMs = runningAverage(m.AvgTTFTMs, ms(l.LLM), n)
	m.AvgTTSMs = runningAverage(m.AvgTTSMs, ms(l.TTS), n)
	m.AvgE2EMs = runningAverage(m.AvgE2EMs, ms(l.E2E), n)
	m.LastE2EMs = ms(l.E2E)
}

func runningAverage(avg, v, n float64) float64 {
	return (avg*(n-1) + v) / n
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
