package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Tag is one positional tag array, e.g. ["e", "<event-id>", "<relay>"].
type Tag []string

// Key returns the tag's first element (its name), or "" if empty.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element (its primary value), or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an event's full tag list.
type Tags []Tag

// Find returns the first tag whose key matches name.
func (t Tags) Find(name string) (Tag, bool) {
	for _, tag := range t {
		if tag.Key() == name {
			return tag, true
		}
	}
	return nil, false
}

// Event is the minimal nostr event shape the connector needs to move
// across the wire, dedupe, and gate on size/expiry/PoW. Signing stays
// with the host application; verification goes through the pluggable
// Verifier.
type Event struct {
	ID        string    `json:"id"`
	PubKey    string    `json:"pubkey"`
	CreatedAt Timestamp `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

// Timestamp is unix seconds, matching the wire representation.
type Timestamp int64

func Now() Timestamp { return Timestamp(time.Now().Unix()) }

// AsJSON serializes the event; used for size-ceiling checks.
func (e *Event) AsJSON() ([]byte, error) { return json.Marshal(e) }

// IsReplaceable reports kinds 0, 3, and 10000-19999 (NIP-01/16).
func (e *Event) IsReplaceable() bool {
	return e.Kind == 0 || e.Kind == 3 || (e.Kind >= 10000 && e.Kind < 20000)
}

// IsParameterizedReplaceable reports kinds 30000-39999 (NIP-33).
func (e *Event) IsParameterizedReplaceable() bool {
	return e.Kind >= 30000 && e.Kind < 40000
}

// Identifier returns the event's "d" tag value, defaulting to "".
func (e *Event) Identifier() string {
	if t, ok := e.Tags.Find("d"); ok {
		return t.Value()
	}
	return ""
}

// IsExpired checks the NIP-40 "expiration" tag against wall time.
func (e *Event) IsExpired() bool {
	t, ok := e.Tags.Find("expiration")
	if !ok {
		return false
	}
	var exp int64
	if _, err := fmt.Sscanf(t.Value(), "%d", &exp); err != nil {
		return false
	}
	return time.Now().Unix() > exp
}

// Coordinate identifies a replaceable event's address: (kind, pubkey,
// identifier).
type Coordinate struct {
	Kind       int
	PubKey     string
	Identifier string
}

// PartialEvent is the cheap first-pass decode (id, pubkey, sig only),
// used to gate on PoW/deletion before paying for the full decode.
type PartialEvent struct {
	ID     string
	PubKey string
	Sig    string
}

type partialEventWire struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
	Sig    string `json:"sig"`
}

// ParsePartialEvent decodes only id/pubkey/sig from a raw event payload.
func ParsePartialEvent(raw json.RawMessage) (*PartialEvent, error) {
	var w partialEventWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, wrapErr(KindPartialEvent, "decode partial event", err)
	}
	return &PartialEvent{ID: w.ID, PubKey: w.PubKey, Sig: w.Sig}, nil
}

// CheckPow reports whether the event id has at least `difficulty`
// leading zero bits, per NIP-13.
func (p *PartialEvent) CheckPow(difficulty uint8) bool {
	raw, err := hex.DecodeString(p.ID)
	if err != nil {
		return false
	}
	return leadingZeroBits(raw) >= int(difficulty)
}

func leadingZeroBits(b []byte) int {
	count := 0
	for _, by := range b {
		if by == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if by&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// missingPartialEvent is the remainder of an Event not covered by
// PartialEvent, merged back in after the cheap gating checks pass.
type missingPartialEvent struct {
	CreatedAt Timestamp `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
}

func parseMissingPartialEvent(raw json.RawMessage) (missingPartialEvent, error) {
	var m missingPartialEvent
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, wrapErr(KindPartialEvent, "decode event body", err)
	}
	return m, nil
}

func mergeEvent(p *PartialEvent, m missingPartialEvent) *Event {
	return &Event{
		ID:        p.ID,
		PubKey:    p.PubKey,
		Sig:       p.Sig,
		CreatedAt: m.CreatedAt,
		Kind:      m.Kind,
		Tags:      m.Tags,
		Content:   m.Content,
	}
}

// Verifier checks an event's signature. This interface is the boundary
// a host application plugs its own verification into.
type Verifier interface {
	Verify(e *Event) (bool, error)
}

// AssumeValidVerifier skips verification entirely, an escape hatch for
// trusted relays.
type AssumeValidVerifier struct{}

func (AssumeValidVerifier) Verify(*Event) (bool, error) { return true, nil }

// Secp256k1Verifier checks the BIP-340/NIP-01 schnorr signature over
// sha256(serialized-event) using the x-only pubkey in Event.PubKey.
// It is the default verifier.
type Secp256k1Verifier struct{}

func (Secp256k1Verifier) Verify(e *Event) (bool, error) {
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return false, wrapErr(KindEvent, "decode event id", err)
	}
	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return false, wrapErr(KindEvent, "decode pubkey", err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false, wrapErr(KindEvent, "decode signature", err)
	}

	pubKey, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false, wrapErr(KindEvent, "parse pubkey", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, wrapErr(KindEvent, "parse signature", err)
	}

	hash := sha256.Sum256(serializeForSigning(e))
	if hex.EncodeToString(hash[:]) != e.ID {
		return false, nil
	}
	return sig.Verify(idBytes, pubKey), nil
}

// serializeForSigning builds the NIP-01 canonical array used to derive
// an event's id: [0, pubkey, created_at, kind, tags, content].
func serializeForSigning(e *Event) []byte {
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	b, _ := json.Marshal(arr)
	return b
}
