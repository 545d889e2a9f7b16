package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TaskType tags the payload variant carried by a task.
type TaskType string

// Supported task types.
const (
	TypeKeywordSearch   TaskType = "KEYWORD_SEARCH"
	TypeAccountTimeline TaskType = "ACCOUNT_TIMELINE"
	TypeSessionProbe    TaskType = "SESSION_PROBE"
)

// Payload is the tagged union of task work shapes.
type Payload interface {
	Kind() TaskType
}

// KeywordSearch harvests posts matching a query.
type KeywordSearch struct {
	Query    string `json:"query"`
	MaxPosts int    `json:"max_posts"`
}

// Kind implements Payload.
func (KeywordSearch) Kind() TaskType { return TypeKeywordSearch }

// AccountTimeline harvests one account's timeline.
type AccountTimeline struct {
	Handle   string `json:"handle"`
	MaxPosts int    `json:"max_posts"`
}

// Kind implements Payload.
func (AccountTimeline) Kind() TaskType { return TypeAccountTimeline }

// SessionProbe checks that an account's active session still works.
type SessionProbe struct {
	AccountID string `json:"account_id"`
}

// Kind implements Payload.
func (SessionProbe) Kind() TaskType { return TypeSessionProbe }

type payloadEnvelope struct {
	Type TaskType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrUnknownPayload is returned when decoding an unrecognized task type.
var ErrUnknownPayload = errors.New("unknown payload type")

// EncodePayload serializes a payload into its tagged envelope.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("payload is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out, err := json.Marshal(payloadEnvelope{Type: p.Kind(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

// DecodePayload restores a payload from its tagged envelope.
func DecodePayload(raw []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	var p Payload
	switch env.Type {
	case TypeKeywordSearch:
		var v KeywordSearch
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		p = v
	case TypeAccountTimeline:
		var v AccountTimeline
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		p = v
	case TypeSessionProbe:
		var v SessionProbe
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, env.Type)
	}
	return p, nil
}
