package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DBTypeRegular tags messages produced without consulting a knowledge base.
const DBTypeRegular = "regular"

type DecodeError struct {
	Code    string
	Message string
	Param   string

	// Frame is the envelope type of the rejected frame ("auth", "speech"),
	// empty when the envelope itself was unreadable. Lets the session treat a
	// malformed auth attempt as recoverable instead of a protocol violation.
	Frame string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func frameBadRequest(frame, message, param string) *DecodeError {
	de := badRequest(message, param)
	de.Frame = frame
	return de
}

// FlexID accepts a JSON string or number and normalizes it to a string.
// Browser clients send numeric user ids; the rest of the system treats
// identities as opaque strings.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// ClientAuth binds the connection to an application identity. It must be the
// first message on a connection.
type ClientAuth struct {
	Type   string `json:"type"`
	UserID FlexID `json:"userId"`
	Email  string `json:"email"`
	ChatID *int64 `json:"chatId"`
}

// ClientSpeech carries one base64 audio submission plus the retrieval flags
// for the turn.
type ClientSpeech struct {
	Type      string `json:"type"`
	AudioData string `json:"audioData"`
	UseWeb    bool   `json:"useweb"`
	UseDB     bool   `json:"usedb"`
	DB        string `json:"db"`
}

// DecodeClientMessage parses a JSON text frame into its typed client message.
// Unknown or malformed frames yield a *DecodeError.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "auth":
		var msg ClientAuth
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, frameBadRequest(typ, "invalid auth frame", "")
		}
		if strings.TrimSpace(msg.UserID.String()) == "" {
			return nil, frameBadRequest(typ, "auth.userId is required", "userId")
		}
		if strings.TrimSpace(msg.Email) == "" {
			return nil, frameBadRequest(typ, "auth.email is required", "email")
		}
		if msg.ChatID == nil {
			return nil, frameBadRequest(typ, "auth.chatId must be an integer", "chatId")
		}
		if *msg.ChatID <= 0 {
			return nil, frameBadRequest(typ, "auth.chatId must be > 0", "chatId")
		}
		return msg, nil
	case "speech":
		var msg ClientSpeech
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, frameBadRequest(typ, "invalid speech frame", "")
		}
		// audioData presence is validated by the pipeline so the session can
		// answer with a recoverable error instead of a decode failure.
		msg.DB = strings.TrimSpace(msg.DB)
		return msg, nil
	default:
		return nil, frameBadRequest(typ, "unsupported message type", "type")
	}
}

// ResolveDBType returns the retrieval-source tag for a speech turn.
func ResolveDBType(useDB bool, db string) string {
	db = strings.TrimSpace(db)
	if !useDB || db == "" {
		return DBTypeRegular
	}
	return db
}

// Message is the wire shape of a persisted chat message.
type Message struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	ChatID    int64     `json:"chatId"`
	Content   string    `json:"content"`
	IsBot     bool      `json:"isBot"`
	DBType    string    `json:"dbType"`
	CreatedAt time.Time `json:"createdAt"`
}

type ServerConnected struct {
	Type string `json:"type"`
}

type ServerAuthSuccess struct {
	Type string `json:"type"`
}

type ServerTranscription struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerAIResponse carries both persisted messages for a voice turn so the
// client can append them without re-fetching.
type ServerAIResponse struct {
	Type        string  `json:"type"`
	UserMessage Message `json:"userMessage"`
	Message     Message `json:"message"`
}

type ServerSpeechResponse struct {
	Type      string `json:"type"`
	AudioData string `json:"audioData"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
