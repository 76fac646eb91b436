package websocket

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/satriahrh/duplex/domain"
)

var codec = sonic.ConfigStd

// DecodeInbound parses one text frame into its typed message. Malformed or
// unknown frames return a protocol error.
func DecodeInbound(data []byte) (domain.Message, error) {
	var base domain.BaseMessage
	if err := codec.Unmarshal(data, &base); err != nil {
		return nil, domain.Protocol("decode message", fmt.Errorf("invalid json: %w", err))
	}

	var msg domain.Message
	switch base.Type {
	case domain.MessageTypeControl:
		msg = &domain.ControlMessage{}
	case domain.MessageTypeInterrupt:
		msg = &domain.InterruptMessage{}
	case domain.MessageTypeAudioEnd:
		msg = &domain.AudioEndMessage{}
	case domain.MessageTypeInit:
		msg = &domain.InitMessage{}
	case domain.MessageTypeContextUpdate:
		msg = &domain.ContextUpdateMessage{}
	case domain.MessageTypeGetMetrics:
		msg = &domain.GetMetricsMessage{}
	case domain.MessageTypeGetSessionStatus:
		msg = &domain.GetSessionStatusMessage{}
	case domain.MessageTypeClearHistory:
		msg = &domain.ClearHistoryMessage{}
	case domain.MessageTypePing:
		msg = &domain.PingMessage{}
	case "":
		return nil, domain.Protocol("decode message", errors.New("missing type field"))
	default:
		return nil, domain.Protocol("decode message", fmt.Errorf("unknown message type %q", base.Type))
	}

	if err := codec.Unmarshal(data, msg); err != nil {
		return nil, domain.Protocol("decode message", fmt.Errorf("invalid %s message: %w", base.Type, err))
	}
	return msg, nil
}

// Encode serializes an outbound message
func Encode(msg domain.Message) ([]byte, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.MessageType(), err)
	}
	return data, nil
}
