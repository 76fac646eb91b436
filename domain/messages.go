package domain

import "time"

// MessageType is the "type" discriminator of every JSON frame
type MessageType string

// Inbound message types
const (
	MessageTypeControl          MessageType = "control"
	MessageTypeInterrupt        MessageType = "interrupt"
	MessageTypeAudioEnd         MessageType = "audio_end"
	MessageTypeInit             MessageType = "init"
	MessageTypeContextUpdate    MessageType = "context_update"
	MessageTypeGetMetrics       MessageType = "get_metrics"
	MessageTypeGetSessionStatus MessageType = "get_session_status"
	MessageTypeClearHistory     MessageType = "clear_history"
	MessageTypePing             MessageType = "ping"
)

// Outbound message types
const (
	MessageTypeReady                     MessageType = "ready"
	MessageTypeStatus                    MessageType = "status"
	MessageTypeVAD                       MessageType = "vad"
	MessageTypeUserTranscription         MessageType = "user_transcription"
	MessageTypeUserTranscriptionComplete MessageType = "user_transcription_complete"
	MessageTypePartialAgentResponse      MessageType = "partial_agent_response"
	MessageTypeAgentResponseComplete     MessageType = "agent_response_complete"
	MessageTypePipelineMetrics           MessageType = "pipeline_metrics"
	MessageTypeStopAudio                 MessageType = "stop_audio"
	MessageTypeInterruptAck              MessageType = "interrupt_ack"
	MessageTypeTurnComplete              MessageType = "turn_complete"
	MessageTypeTurnCancelled             MessageType = "turn_cancelled"
	MessageTypeError                     MessageType = "error"
	MessageTypePong                      MessageType = "pong"
	MessageTypeContextUpdated            MessageType = "context_updated"
	MessageTypeSystemMetrics             MessageType = "system_metrics"
	MessageTypeSessionStatus             MessageType = "session_status"
	MessageTypeHistoryCleared            MessageType = "history_cleared"
)

// Control actions
const (
	ControlActionStart = "start"
	ControlActionStop  = "stop"
)

// Agent status values
const (
	StatusListening = "listening"
	StatusThinking  = "thinking"
	StatusSpeaking  = "speaking"
	StatusIdle      = "idle"
)

// Cancellation reasons
const (
	ReasonBargeIn         = "barge_in"
	ReasonClientInterrupt = "client_interrupt"
	ReasonContextUpdate   = "context_update"
	ReasonSuperseded      = "superseded"
	ReasonDisconnect      = "disconnect"
)

// Message is implemented by every protocol frame, inbound or outbound
type Message interface {
	MessageType() MessageType
}

// BaseMessage defines the common structure for all JSON frames
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

func (b BaseMessage) MessageType() MessageType {
	return b.Type
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// ControlMessage starts or stops audio processing
type ControlMessage struct {
	BaseMessage
	Action string `json:"action"`
}

// InterruptMessage is sent by clients to stop the agent, and by the
// server when a barge-in is confirmed.
type InterruptMessage struct {
	BaseMessage
}

// AudioEndMessage flushes any buffered tail audio
type AudioEndMessage struct {
	BaseMessage
}

// InitMessage attaches a control connection to a session
type InitMessage struct {
	BaseMessage
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// ContextUpdateMessage appends to or replaces the dynamic context
type ContextUpdateMessage struct {
	BaseMessage
	Context string `json:"context"`
	Replace bool   `json:"replace"`
}

// GetMetricsMessage requests system metrics
type GetMetricsMessage struct {
	BaseMessage
}

// GetSessionStatusMessage requests the status of a session. An empty
// SessionID means the attached session.
type GetSessionStatusMessage struct {
	BaseMessage
	SessionID string `json:"session_id,omitempty"`
}

// ClearHistoryMessage drops the attached session's history
type ClearHistoryMessage struct {
	BaseMessage
}

// PingMessage is a keepalive in either direction
type PingMessage struct {
	BaseMessage
}

// ReadyMessage is sent once a session is attached
type ReadyMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
}

// StatusMessage reports the agent status
type StatusMessage struct {
	BaseMessage
	Status string `json:"status"`
}

// VADMessage reports a speech boundary
type VADMessage struct {
	BaseMessage
	Event string `json:"event"`
}

// TranscriptionMessage carries user speech as text
type TranscriptionMessage struct {
	BaseMessage
	Transcription string `json:"transcription"`
	IsFinal       bool   `json:"is_final"`
}

// PartialResponseMessage carries the agent text delivered so far. It
// follows the binary audio frame of the same sentence.
type PartialResponseMessage struct {
	BaseMessage
	AIPartial string `json:"ai_partial"`
}

// PipelineMetrics are stage latencies in milliseconds
type PipelineMetrics struct {
	VAD int64 `json:"vad"`
	STT int64 `json:"stt"`
	LLM int64 `json:"llm"`
	TTS int64 `json:"tts"`
	E2E int64 `json:"e2e"`
}

// PipelineMetricsMessage reports the latencies of one turn
type PipelineMetricsMessage struct {
	BaseMessage
	Metrics    PipelineMetrics `json:"metrics"`
	TurnNumber int             `json:"turn_number"`
}

// StopAudioMessage tells the client to drop queued audio
type StopAudioMessage struct {
	BaseMessage
	Reason string `json:"reason"`
}

// TurnMessage ends a turn: turn_complete, turn_cancelled, or an error
// raised inside a turn.
type TurnMessage struct {
	BaseMessage
	TurnNumber int    `json:"turn_number,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Message string `json:"message"`
}

// ResultMessage acknowledges a control request
type ResultMessage struct {
	BaseMessage
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
}

// SystemMetricsMessage summarises live sessions
type SystemMetricsMessage struct {
	BaseMessage
	ActiveSessions int      `json:"active_sessions"`
	ActiveTasks    int      `json:"active_tasks"`
	Sessions       []string `json:"sessions"`
}

// SessionStatus is the payload of a session_status frame
type SessionStatus struct {
	UserID    string      `json:"user_id"`
	CreatedAt time.Time   `json:"created_at"`
	Metrics   interface{} `json:"metrics"`
	Active    bool        `json:"active"`
}

// SessionStatusMessage reports one session
type SessionStatusMessage struct {
	BaseMessage
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
}

func NewReady(sessionID string) *ReadyMessage {
	return &ReadyMessage{BaseMessage: newBase(MessageTypeReady), SessionID: sessionID}
}

func NewStatus(status string) *StatusMessage {
	return &StatusMessage{BaseMessage: newBase(MessageTypeStatus), Status: status}
}

func NewVAD(event string) *VADMessage {
	return &VADMessage{BaseMessage: newBase(MessageTypeVAD), Event: event}
}

func NewTranscription(text string, isFinal bool) *TranscriptionMessage {
	return &TranscriptionMessage{BaseMessage: newBase(MessageTypeUserTranscription), Transcription: text, IsFinal: isFinal}
}

func NewPartialResponse(text string) *PartialResponseMessage {
	return &PartialResponseMessage{BaseMessage: newBase(MessageTypePartialAgentResponse), AIPartial: text}
}

func NewPipelineMetrics(m PipelineMetrics, turn int) *PipelineMetricsMessage {
	return &PipelineMetricsMessage{BaseMessage: newBase(MessageTypePipelineMetrics), Metrics: m, TurnNumber: turn}
}

func NewInterrupt() *InterruptMessage {
	return &InterruptMessage{BaseMessage: newBase(MessageTypeInterrupt)}
}

func NewStopAudio(reason string) *StopAudioMessage {
	return &StopAudioMessage{BaseMessage: newBase(MessageTypeStopAudio), Reason: reason}
}

func NewTurnComplete(turn int) *TurnMessage {
	return &TurnMessage{BaseMessage: newBase(MessageTypeTurnComplete), TurnNumber: turn}
}

func NewTurnCancelled(turn int, reason string) *TurnMessage {
	return &TurnMessage{BaseMessage: newBase(MessageTypeTurnCancelled), TurnNumber: turn, Reason: reason}
}

func NewTurnError(turn int, message string) *TurnMessage {
	return &TurnMessage{BaseMessage: newBase(MessageTypeError), TurnNumber: turn, Message: message}
}

func NewError(message string) *ErrorMessage {
	return &ErrorMessage{BaseMessage: newBase(MessageTypeError), Message: message}
}

// NewEvent creates a frame that carries only its type
func NewEvent(t MessageType) *BaseMessage {
	b := newBase(t)
	return &b
}

func NewResult(t MessageType, success bool, sessionID string) *ResultMessage {
	return &ResultMessage{BaseMessage: newBase(t), Success: success, SessionID: sessionID}
}

func NewSystemMetrics(activeSessions, activeTasks int, sessions []string) *SystemMetricsMessage {
	return &SystemMetricsMessage{
		BaseMessage:    newBase(MessageTypeSystemMetrics),
		ActiveSessions: activeSessions,
		ActiveTasks:    activeTasks,
		Sessions:       sessions,
	}
}

func NewSessionStatus(sessionID string, status SessionStatus) *SessionStatusMessage {
	return &SessionStatusMessage{BaseMessage: newBase(MessageTypeSessionStatus), SessionID: sessionID, Status: status}
}
