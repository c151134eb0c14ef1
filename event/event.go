// Package event defines the messages exchanged over a session's bus channel.
//
// Every message travels as an envelope {"topic": string, "value": any}. The
// topic selects one of a closed set of variants, each with its own strongly
// typed payload. Decode turns raw bus bytes into one of those variants and
// Encode does the reverse.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/quizrace/quiz"
)

// Topic names a bus message kind.
type Topic string

const (
	TopicClientJoin         Topic = "client_join"
	TopicClientLeave        Topic = "client_leave"
	TopicClientUpdate       Topic = "client_update"
	TopicUpdateStatus       Topic = "update_status"
	TopicClientUpdateUsers  Topic = "client_update_users"
	TopicClientUpdateResult Topic = "client_update_result"
	TopicCloseWebsocket     Topic = "close_websocket"
)

// ErrProtocol marks a message that could not be interpreted. Such messages
// are dropped by consumers.
var ErrProtocol = errors.New("event: protocol error")

// Event is one variant of the bus message union.
type Event interface {
	Topic() Topic
	isEvent()
}

// ClientJoin announces a new participant with its initial state.
type ClientJoin struct {
	Player quiz.PlayerState
}

// ClientLeave announces that a participant disconnected.
type ClientLeave struct {
	UID string
}

// ClientUpdate carries a scored action submitted by a participant.
type ClientUpdate struct {
	Player quiz.PlayerState
}

// StatusUpdate requests or announces a lifecycle transition.
type StatusUpdate struct {
	Status quiz.Status
}

// UsersSnapshot is the connected client set together with all results.
type UsersSnapshot struct {
	PlayerList []string                    `json:"player_list"`
	Data       map[string]quiz.PlayerState `json:"data"`
}

// ResultSnapshot is the current ranking together with all results.
type ResultSnapshot struct {
	Ranking []string                    `json:"ranking"`
	Data    map[string]quiz.PlayerState `json:"data"`
}

// CloseSocket instructs gateways to terminate their sockets.
type CloseSocket struct{}

func (ClientJoin) Topic() Topic     { return TopicClientJoin }
func (ClientLeave) Topic() Topic    { return TopicClientLeave }
func (ClientUpdate) Topic() Topic   { return TopicClientUpdate }
func (StatusUpdate) Topic() Topic   { return TopicUpdateStatus }
func (UsersSnapshot) Topic() Topic  { return TopicClientUpdateUsers }
func (ResultSnapshot) Topic() Topic { return TopicClientUpdateResult }
func (CloseSocket) Topic() Topic    { return TopicCloseWebsocket }

func (ClientJoin) isEvent()     {}
func (ClientLeave) isEvent()    {}
func (ClientUpdate) isEvent()   {}
func (StatusUpdate) isEvent()   {}
func (UsersSnapshot) isEvent()  {}
func (ResultSnapshot) isEvent() {}
func (CloseSocket) isEvent()    {}

// Envelope is the wire form of every bus message.
type Envelope struct {
	Topic Topic           `json:"topic"`
	Value json.RawMessage `json:"value"`
}

// Outbound is the frame relayed to client sockets.
type Outbound struct {
	Event Topic           `json:"event"`
	Value json.RawMessage `json:"value"`
}

// ClientFacing reports whether gateways relay the topic to sockets.
func ClientFacing(t Topic) bool {
	switch t {
	case TopicUpdateStatus, TopicClientUpdateUsers, TopicClientUpdateResult:
		return true
	}
	return false
}

// value returns the payload carried in the envelope value field.
func value(ev Event) any {
	switch e := ev.(type) {
	case ClientJoin:
		return e.Player
	case ClientLeave:
		return e.UID
	case ClientUpdate:
		return e.Player
	case StatusUpdate:
		return e.Status
	case UsersSnapshot:
		return normalizeUsers(e)
	case ResultSnapshot:
		return normalizeResult(e)
	case CloseSocket:
		return ""
	}
	return nil
}

func normalizeUsers(e UsersSnapshot) UsersSnapshot {
	if e.PlayerList == nil {
		e.PlayerList = []string{}
	}
	if e.Data == nil {
		e.Data = map[string]quiz.PlayerState{}
	}
	return e
}

func normalizeResult(e ResultSnapshot) ResultSnapshot {
	if e.Ranking == nil {
		e.Ranking = []string{}
	}
	if e.Data == nil {
		e.Data = map[string]quiz.PlayerState{}
	}
	return e
}

// Encode serializes an event into its envelope form.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrProtocol)
	}
	v, err := json.Marshal(value(ev))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s value: %w", ev.Topic(), err)
	}
	return json.Marshal(Envelope{Topic: ev.Topic(), Value: v})
}

// Decode parses an envelope and its typed payload. Any failure wraps
// ErrProtocol.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrProtocol, err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope interprets the value of an already parsed envelope.
func DecodeEnvelope(env Envelope) (Event, error) {
	switch env.Topic {
	case TopicClientJoin:
		p, err := decodePlayer(env)
		if err != nil {
			return nil, err
		}
		return ClientJoin{Player: p}, nil
	case TopicClientUpdate:
		p, err := decodePlayer(env)
		if err != nil {
			return nil, err
		}
		return ClientUpdate{Player: p}, nil
	case TopicClientLeave:
		var uid string
		if err := unmarshalValue(env, &uid); err != nil {
			return nil, err
		}
		if uid == "" {
			return nil, fmt.Errorf("%w: %s: empty uid", ErrProtocol, env.Topic)
		}
		return ClientLeave{UID: uid}, nil
	case TopicUpdateStatus:
		var s quiz.Status
		if err := unmarshalValue(env, &s); err != nil {
			return nil, err
		}
		if !s.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown status %q", ErrProtocol, env.Topic, s)
		}
		return StatusUpdate{Status: s}, nil
	case TopicClientUpdateUsers:
		var u UsersSnapshot
		if err := unmarshalValue(env, &u); err != nil {
			return nil, err
		}
		return u, nil
	case TopicClientUpdateResult:
		var r ResultSnapshot
		if err := unmarshalValue(env, &r); err != nil {
			return nil, err
		}
		return r, nil
	case TopicCloseWebsocket:
		return CloseSocket{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown topic %q", ErrProtocol, env.Topic)
	}
}

// ToOutbound converts an event into the socket frame form.
func ToOutbound(ev Event) (Outbound, error) {
	v, err := json.Marshal(value(ev))
	if err != nil {
		return Outbound{}, fmt.Errorf("failed to marshal %s value: %w", ev.Topic(), err)
	}
	return Outbound{Event: ev.Topic(), Value: v}, nil
}

func decodePlayer(env Envelope) (quiz.PlayerState, error) {
	var p quiz.PlayerState
	if err := unmarshalValue(env, &p); err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrProtocol, env.Topic, err)
	}
	return p, nil
}

func unmarshalValue(env Envelope, dst any) error {
	if len(bytes.TrimSpace(env.Value)) == 0 {
		return fmt.Errorf("%w: %s: missing value", ErrProtocol, env.Topic)
	}
	if err := json.Unmarshal(env.Value, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, env.Topic, err)
	}
	return nil
}
