package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Control message types (client -> server)
const (
	ControlStart = "start"
	ControlFlush = "flush"
)

// Event types (server -> client)
const (
	EventAck      = "ack"
	EventLanguage = "language"
	EventASRFinal = "asr_final"
	EventNoVoice  = "no_voice"
	EventEnd      = "end"
	EventError    = "error"
	EventResult   = "result"
	EventCompress = "compress"
)

// Stage labels carried on events
const (
	StageVAD          = "vad"
	StageOrchestrator = "orchestrator"
	StageChain        = "vad+compress"
)

// ChainParams are the Compress stage parameters of a chained push
type ChainParams struct {
	Codec    string `json:"codec,omitempty"`
	Bitrate  string `json:"bitrate,omitempty"`
	TargetSR int    `json:"target_sr,omitempty"`
	Save     *bool  `json:"save,omitempty"`
}

// Chain selects the downstream a chain front-end pushes utterances to
type Chain struct {
	Type   string      `json:"type"`
	URL    string      `json:"url,omitempty"`
	Params ChainParams `json:"params"`
}

// ChainTypeCompressHTTP is the only supported chain type
const ChainTypeCompressHTTP = "compress-http"

// Control is a parsed text control frame
type Control struct {
	Type       string `json:"type"`
	FlowID     string `json:"flowId,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	Ack        bool   `json:"ack,omitempty"`
	NoReply    *bool  `json:"no_reply,omitempty"`
	Chain      *Chain `json:"chain,omitempty"`
}

// ParseControl parses a text frame. Frames that are not JSON are treated as
// a bare type word, so "flush" works as well as {"type":"flush"}. The type
// is normalized to lower case.
func ParseControl(data []byte) (*Control, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("empty control frame")
	}

	var ctrl Control
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &ctrl); err != nil {
			return nil, fmt.Errorf("invalid control frame: %w", err)
		}
	} else {
		ctrl.Type = text
	}

	ctrl.Type = strings.ToLower(strings.TrimSpace(ctrl.Type))
	if ctrl.Type == "" {
		return nil, fmt.Errorf("control frame has no type")
	}

	return &ctrl, nil
}

// ValidateChain checks a chain override from a start frame
func ValidateChain(c *Chain) error {
	if c == nil {
		return nil
	}
	if c.Type != ChainTypeCompressHTTP {
		return fmt.Errorf("unsupported chain type %q", c.Type)
	}
	if c.Params.TargetSR < 0 {
		return fmt.Errorf("target_sr must not be negative, got %d", c.Params.TargetSR)
	}
	return nil
}

// Event is a message written to the client. When Raw is set it is written
// verbatim instead of the structured fields.
type Event struct {
	Type       string  `json:"type"`
	Stage      string  `json:"stage,omitempty"`
	FlowID     string  `json:"flowId,omitempty"`
	Language   string  `json:"language,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Code       string  `json:"code,omitempty"`
	Msg        string  `json:"msg,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// MarshalJSON writes Raw when present
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	type plain Event
	return json.Marshal(plain(e))
}

// String returns a short description for logs
func (e Event) String() string {
	if e.Code != "" {
		return fmt.Sprintf("%s{flow=%s, code=%s}", e.Type, e.FlowID, e.Code)
	}
	return fmt.Sprintf("%s{flow=%s}", e.Type, e.FlowID)
}

// Ack acknowledges a start
func Ack(stage, flowID string) Event {
	return Event{Type: EventAck, Stage: stage, FlowID: flowID}
}

// Language reports the detected language of a flow
func Language(flowID, language string, score float64) Event {
	return Event{Type: EventLanguage, FlowID: flowID, Language: language, Score: score}
}

// ASRFinal carries the terminal recognition text
func ASRFinal(flowID, text string, confidence float64) Event {
	return Event{Type: EventASRFinal, FlowID: flowID, Text: text, Confidence: confidence}
}

// NoVoice reports a flush that found no speech
func NoVoice(flowID string) Event {
	return Event{Type: EventNoVoice, FlowID: flowID}
}

// End terminates a flow
func End(stage, flowID string) Event {
	return Event{Type: EventEnd, Stage: stage, FlowID: flowID}
}

// Error reports a failure with a client-facing code
func Error(flowID, code, msg string) Event {
	return Event{Type: EventError, FlowID: flowID, Code: code, Msg: msg}
}

// Result precedes the descriptor of a chained push
func Result(flowID string) Event {
	return Event{Type: EventResult, Stage: StageChain, FlowID: flowID}
}

// Compress wraps a Compress stage descriptor
func Compress(flowID string, descriptor json.RawMessage) Event {
	return Event{Type: EventCompress, FlowID: flowID, Raw: descriptor}
}
