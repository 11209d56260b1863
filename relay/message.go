package relay

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gonostr/relaypool/negentropy"
)

// SubscriptionID is a client-assigned subscription identifier.
type SubscriptionID string

// NewSubscriptionID generates a fresh random-hex subscription id, safe
// to call concurrently from many goroutines.
func NewSubscriptionID() SubscriptionID {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return SubscriptionID(hex.EncodeToString(b[:]))
}

// ClientMessage is any message the connector may send to a relay. The
// Is* predicates drive the read/write capability gates on the send
// path.
type ClientMessage interface {
	json.Marshaler
	IsEvent() bool
	IsReq() bool
	IsClose() bool
}

type eventMessage struct{ Event *Event }

func NewEventClientMessage(e *Event) ClientMessage { return eventMessage{Event: e} }

func (m eventMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{"EVENT", m.Event})
}
func (eventMessage) IsEvent() bool { return true }
func (eventMessage) IsReq() bool   { return false }
func (eventMessage) IsClose() bool { return false }

type reqMessage struct {
	ID      SubscriptionID
	Filters []Filter
}

func NewReqClientMessage(id SubscriptionID, filters []Filter) ClientMessage {
	return reqMessage{ID: id, Filters: filters}
}

func (m reqMessage) MarshalJSON() ([]byte, error) {
	arr := make([]interface{}, 0, len(m.Filters)+2)
	arr = append(arr, "REQ", m.ID)
	for _, f := range m.Filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}
func (reqMessage) IsEvent() bool { return false }
func (reqMessage) IsReq() bool   { return true }
func (reqMessage) IsClose() bool { return false }

type closeMessage struct{ ID SubscriptionID }

func NewCloseClientMessage(id SubscriptionID) ClientMessage { return closeMessage{ID: id} }

func (m closeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{"CLOSE", m.ID})
}
func (closeMessage) IsEvent() bool { return false }
func (closeMessage) IsReq() bool   { return false }
func (closeMessage) IsClose() bool { return true }

type countMessage struct {
	ID      SubscriptionID
	Filters []Filter
}

func NewCountClientMessage(id SubscriptionID, filters []Filter) ClientMessage {
	return countMessage{ID: id, Filters: filters}
}

func (m countMessage) MarshalJSON() ([]byte, error) {
	arr := make([]interface{}, 0, len(m.Filters)+2)
	arr = append(arr, "COUNT", m.ID)
	for _, f := range m.Filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}
func (countMessage) IsEvent() bool { return false }
func (countMessage) IsReq() bool   { return true }
func (countMessage) IsClose() bool { return false }

type negOpenMessage struct {
	ID     SubscriptionID
	Filter Filter
	Sketch negentropy.Bytes
}

func newNegOpenMessage(id SubscriptionID, filter Filter, sketch negentropy.Bytes) ClientMessage {
	return negOpenMessage{ID: id, Filter: filter, Sketch: sketch}
}

func (m negOpenMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]interface{}{"NEG-OPEN", m.ID, m.Filter, m.Sketch.Hex()})
}
func (negOpenMessage) IsEvent() bool { return false }
func (negOpenMessage) IsReq() bool   { return true }
func (negOpenMessage) IsClose() bool { return false }

type negMsgMessage struct {
	ID      SubscriptionID
	Payload string
}

func newNegMsgMessage(id SubscriptionID, payloadHex string) ClientMessage {
	return negMsgMessage{ID: id, Payload: payloadHex}
}

func (m negMsgMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{"NEG-MSG", m.ID, m.Payload})
}
func (negMsgMessage) IsEvent() bool { return false }
func (negMsgMessage) IsReq() bool   { return true }
func (negMsgMessage) IsClose() bool { return false }

type negCloseMessage struct{ ID SubscriptionID }

func newNegCloseMessage(id SubscriptionID) ClientMessage { return negCloseMessage{ID: id} }

func (m negCloseMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{"NEG-CLOSE", m.ID})
}
func (negCloseMessage) IsEvent() bool { return false }
func (negCloseMessage) IsReq() bool   { return false }
func (negCloseMessage) IsClose() bool { return true }

// RelayMessageKind discriminates the RelayMessage sum type.
type RelayMessageKind int

const (
	RMEvent RelayMessageKind = iota
	RMOK
	RMEOSE
	RMNotice
	RMCount
	RMNegMsg
	RMNegErr
)

// RelayMessage is any message received from a relay.
type RelayMessage struct {
	Kind           RelayMessageKind
	SubscriptionID SubscriptionID
	Event          *Event
	EventID        string
	Accepted       bool
	Reason         string
	Notice         string
	Count          int
	NegPayload     string
	NegCode        string
}

// envelope is the raw, two-element-minimum JSON array every relay
// message is wrapped in: ["COMMAND", ...fields].
type envelope struct {
	command string
	parts   []json.RawMessage
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, wrapErr(KindMessageHandle, "decode envelope", err)
	}
	if len(parts) == 0 {
		return nil, newErr(KindMessageHandle, "empty message")
	}
	var cmd string
	if err := json.Unmarshal(parts[0], &cmd); err != nil {
		return nil, wrapErr(KindMessageHandle, "decode command", err)
	}
	return &envelope{command: cmd, parts: parts}, nil
}

func str(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

// parseNonEventRelayMessage decodes every relay message kind except
// EVENT, which the receiver loop handles in two phases (see receiver.go)
// so it can gate on PoW/deletion before paying for the full decode.
func parseNonEventRelayMessage(env *envelope) (*RelayMessage, error) {
	switch env.command {
	case "OK":
		if len(env.parts) < 3 {
			return nil, newErr(KindMessageHandle, "OK: too few fields")
		}
		msg := &RelayMessage{Kind: RMOK, EventID: str(env.parts[1])}
		var accepted bool
		_ = json.Unmarshal(env.parts[2], &accepted)
		msg.Accepted = accepted
		if len(env.parts) > 3 {
			msg.Reason = str(env.parts[3])
		}
		return msg, nil
	case "EOSE":
		if len(env.parts) < 2 {
			return nil, newErr(KindMessageHandle, "EOSE: too few fields")
		}
		return &RelayMessage{Kind: RMEOSE, SubscriptionID: SubscriptionID(str(env.parts[1]))}, nil
	case "NOTICE":
		if len(env.parts) < 2 {
			return nil, newErr(KindMessageHandle, "NOTICE: too few fields")
		}
		return &RelayMessage{Kind: RMNotice, Notice: str(env.parts[1])}, nil
	case "COUNT":
		if len(env.parts) < 3 {
			return nil, newErr(KindMessageHandle, "COUNT: too few fields")
		}
		var count int
		_ = json.Unmarshal(env.parts[2], &count)
		return &RelayMessage{Kind: RMCount, SubscriptionID: SubscriptionID(str(env.parts[1])), Count: count}, nil
	case "NEG-MSG":
		if len(env.parts) < 3 {
			return nil, newErr(KindMessageHandle, "NEG-MSG: too few fields")
		}
		return &RelayMessage{Kind: RMNegMsg, SubscriptionID: SubscriptionID(str(env.parts[1])), NegPayload: str(env.parts[2])}, nil
	case "NEG-ERR":
		if len(env.parts) < 3 {
			return nil, newErr(KindMessageHandle, "NEG-ERR: too few fields")
		}
		return &RelayMessage{Kind: RMNegErr, SubscriptionID: SubscriptionID(str(env.parts[1])), NegCode: str(env.parts[2])}, nil
	case "EVENT":
		return nil, newErr(KindMessageHandle, "EVENT must be handled by the two-phase decoder")
	default:
		return nil, newErr(KindMessageHandle, fmt.Sprintf("unknown command %q", env.command))
	}
}
