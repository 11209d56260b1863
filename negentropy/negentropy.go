// Package negentropy implements a range-based set-reconciliation
// sketch used by the relay connector to diff a local
// event-id/timestamp set against a remote relay's set without
// transferring either set in full.
//
// The wire encoding is a self-contained bucketed fingerprint protocol
// (bounds + skip/fingerprint/id-list entries) in the spirit of the
// public Negentropy protocol, but it is not byte-compatible with any
// other implementation: both endpoints of a session must run this
// package.
package negentropy

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"sort"
)

// Bytes is a raw byte payload, hex-encodable for the wire (query/sketch
// payloads travel as hex strings inside NEG-OPEN/NEG-MSG).
type Bytes []byte

// Hex encodes b as lowercase hex.
func (b Bytes) Hex() string { return hex.EncodeToString(b) }

// FromHex decodes a hex string into Bytes.
func FromHex(s string) (Bytes, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return Bytes(raw), nil
}

// FromSlice copies a byte slice into Bytes.
func FromSlice(b []byte) Bytes {
	out := make(Bytes, len(b))
	copy(out, b)
	return out
}

const (
	modeSkip        byte = 0
	modeFingerprint byte = 1
	modeIDList      byte = 2
	fingerprintSize      = 16
	// idListThreshold bounds how many items a leaf range may hold
	// before it is split into buckets instead of listed in full.
	idListThreshold = 16
	numBuckets      = 16
)

var (
	// ErrAlreadySealed is returned by AddItem after Seal has been called.
	ErrAlreadySealed = errors.New("negentropy: already sealed")
	// ErrNotSealed is returned by Initiate/ReconcileWithIDs before Seal.
	ErrNotSealed = errors.New("negentropy: not sealed")
	// ErrInvalidIDSize is returned when an item id doesn't match idSize.
	ErrInvalidIDSize = errors.New("negentropy: invalid id size")
	// ErrMalformedMessage is returned when a peer payload can't be parsed.
	ErrMalformedMessage = errors.New("negentropy: malformed message")
)

// Item is one (id, timestamp) entry in the local set.
type Item struct {
	ID        Bytes
	Timestamp uint64
}

// Negentropy holds the local sealed set and drives one reconciliation
// session against a single remote peer. The side that calls Initiate
// becomes the session's initiator; the two roles terminate id-list
// ranges differently (see ReconcileWithIDs).
type Negentropy struct {
	idSize         int
	frameSizeLimit int
	items          []Item
	sealed         bool
	isInitiator    bool
}

// New creates a sketch for ids of idSize bytes (32 for nostr event ids).
// frameSizeLimit, if non-nil, is recorded on the sketch but not
// applied: outgoing messages are never split across rounds by size.
func New(idSize int, frameSizeLimit *int) (*Negentropy, error) {
	limit := 0
	if frameSizeLimit != nil {
		limit = *frameSizeLimit
	}
	return &Negentropy{idSize: idSize, frameSizeLimit: limit}, nil
}

// AddItem inserts one (timestamp, id) pair. Must be called before Seal.
func (n *Negentropy) AddItem(timestamp uint64, id Bytes) error {
	if n.sealed {
		return ErrAlreadySealed
	}
	if len(id) != n.idSize {
		return ErrInvalidIDSize
	}
	n.items = append(n.items, Item{ID: FromSlice(id), Timestamp: timestamp})
	return nil
}

// Seal sorts and fixes the local set. No more items may be added.
func (n *Negentropy) Seal() error {
	if n.sealed {
		return ErrAlreadySealed
	}
	sort.Slice(n.items, func(i, j int) bool {
		if n.items[i].Timestamp != n.items[j].Timestamp {
			return n.items[i].Timestamp < n.items[j].Timestamp
		}
		return bytes.Compare(n.items[i].ID, n.items[j].ID) < 0
	})
	n.sealed = true
	return nil
}

// Initiate builds the first message describing the whole local range,
// to be sent as the NEG-OPEN payload, and marks this side as the
// session's initiator.
func (n *Negentropy) Initiate() (Bytes, error) {
	if !n.sealed {
		return nil, ErrNotSealed
	}
	n.isInitiator = true
	var buf bytes.Buffer
	n.encodeRange(&buf, 0, len(n.items))
	return Bytes(buf.Bytes()), nil
}

// ReconcileWithIDs consumes a peer's query/response message, appends
// any newly-identified have/need ids to the given slices, and returns
// the next message to send (or nil when this side has nothing further
// to say, i.e. its view of the reconciliation is complete).
//
// An id-list range is where a session converges: the responder answers
// a differing id list with its own list for the same range, so the
// initiator can diff it; the initiator records the diff and answers
// nothing, ending the exchange for that range.
func (n *Negentropy) ReconcileWithIDs(query Bytes, haveIDs, needIDs *[]Bytes) (*Bytes, error) {
	if !n.sealed {
		return nil, ErrNotSealed
	}

	r := bytes.NewReader(query)
	var out bytes.Buffer
	wroteAny := false

	lo := 0
	for r.Len() > 0 {
		bound, err := decodeBound(r, n.idSize)
		if err != nil {
			return nil, err
		}
		mode, err := readByte(r)
		if err != nil {
			return nil, err
		}

		hi := n.upperBound(bound)
		if hi < lo {
			hi = lo
		}

		switch mode {
		case modeSkip:
			// peer has nothing to say about [lo, hi); neither do we.
		case modeFingerprint:
			peerFP, err := readN(r, fingerprintSize)
			if err != nil {
				return nil, err
			}
			localFP := n.fingerprint(lo, hi)
			if bytes.Equal(peerFP, localFP) {
				// ranges match, nothing to reconcile here
			} else if hi-lo <= idListThreshold {
				n.emitIDList(&out, lo, hi)
				wroteAny = true
			} else {
				n.splitAndEmit(&out, lo, hi)
				wroteAny = true
			}
		case modeIDList:
			count, err := decodeVarint(r)
			if err != nil {
				return nil, err
			}
			peerIDs := make([]Bytes, 0, count)
			for i := uint64(0); i < count; i++ {
				id, err := readN(r, n.idSize)
				if err != nil {
					return nil, err
				}
				peerIDs = append(peerIDs, FromSlice(id))
			}
			differs := n.diffIDList(lo, hi, peerIDs, haveIDs, needIDs)
			if differs && !n.isInitiator {
				n.emitIDList(&out, lo, hi)
				wroteAny = true
			}
		default:
			return nil, ErrMalformedMessage
		}

		lo = hi
	}

	if !wroteAny {
		return nil, nil
	}
	b := Bytes(out.Bytes())
	return &b, nil
}

// --- internals ---

// bound identifies a split point: the smallest (timestamp, idPrefix)
// pair at or after which the next range begins.
type bound struct {
	timestamp uint64
	idPrefix  Bytes
}

func (n *Negentropy) upperBound(b bound) int {
	return sort.Search(len(n.items), func(i int) bool {
		it := n.items[i]
		if it.Timestamp != b.timestamp {
			return it.Timestamp > b.timestamp
		}
		return bytes.Compare(it.ID, b.idPrefix) >= 0
	})
}

func (n *Negentropy) fingerprint(lo, hi int) []byte {
	// Accumulate ids as big numbers (mod 2^(8*idSize)) with carry, then
	// hash the accumulator together with the item count. Order-independent.
	acc := make([]byte, n.idSize)
	for i := lo; i < hi; i++ {
		addInto(acc, n.items[i].ID)
	}
	h := sha256.New()
	h.Write(acc)
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(hi-lo))
	h.Write(countBuf[:])
	sum := h.Sum(nil)
	return sum[:fingerprintSize]
}

func addInto(acc, id []byte) {
	carry := 0
	for i := len(acc) - 1; i >= 0; i-- {
		s := int(acc[i]) + int(id[i]) + carry
		acc[i] = byte(s & 0xff)
		carry = s >> 8
	}
}

func (n *Negentropy) encodeRange(buf *bytes.Buffer, lo, hi int) {
	if hi-lo <= idListThreshold {
		n.emitIDList(buf, lo, hi)
		return
	}
	n.splitAndEmit(buf, lo, hi)
}

// splitAndEmit divides [lo, hi) into up to numBuckets sub-ranges and
// writes one (bound, fingerprint-mode, fingerprint) entry per bucket.
func (n *Negentropy) splitAndEmit(buf *bytes.Buffer, lo, hi int) {
	total := hi - lo
	buckets := numBuckets
	if buckets > total {
		buckets = total
	}
	if buckets == 0 {
		return
	}
	step := total / buckets
	if step == 0 {
		step = 1
	}
	cur := lo
	for b := 0; b < buckets && cur < hi; b++ {
		end := cur + step
		if b == buckets-1 || end > hi {
			end = hi
		}
		encodeBound(buf, n.boundAt(end))
		buf.WriteByte(modeFingerprint)
		buf.Write(n.fingerprint(cur, end))
		cur = end
	}
}

func (n *Negentropy) emitIDList(buf *bytes.Buffer, lo, hi int) {
	encodeBound(buf, n.boundAt(hi))
	buf.WriteByte(modeIDList)
	encodeVarint(buf, uint64(hi-lo))
	for i := lo; i < hi; i++ {
		buf.Write(n.items[i].ID)
	}
}

// boundAt returns the bound describing "everything before items[idx]",
// using items[idx]'s own key as the exclusive upper marker (or a
// past-the-end sentinel when idx is the length of the set).
func (n *Negentropy) boundAt(idx int) bound {
	if idx >= len(n.items) {
		return bound{timestamp: ^uint64(0), idPrefix: bytes.Repeat([]byte{0xff}, n.idSize)}
	}
	it := n.items[idx]
	return bound{timestamp: it.Timestamp, idPrefix: it.ID}
}

// diffIDList records the symmetric difference between the local range
// [lo, hi) and the peer's id list, and reports whether the two sides
// differed at all.
func (n *Negentropy) diffIDList(lo, hi int, peerIDs []Bytes, haveIDs, needIDs *[]Bytes) bool {
	differs := false
	local := make(map[string]struct{}, hi-lo)
	for i := lo; i < hi; i++ {
		local[string(n.items[i].ID)] = struct{}{}
	}
	peerSet := make(map[string]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		peerSet[string(id)] = struct{}{}
		if _, ok := local[string(id)]; !ok {
			*needIDs = append(*needIDs, id)
			differs = true
		}
	}
	for i := lo; i < hi; i++ {
		id := n.items[i].ID
		if _, ok := peerSet[string(id)]; !ok {
			*haveIDs = append(*haveIDs, id)
			differs = true
		}
	}
	return differs
}

// --- varint / bound wire helpers ---

func encodeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func decodeVarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, ErrMalformedMessage
	}
	return v, nil
}

func encodeBound(buf *bytes.Buffer, b bound) {
	encodeVarint(buf, b.timestamp)
	buf.Write(b.idPrefix)
}

func decodeBound(r *bytes.Reader, idSize int) (bound, error) {
	ts, err := decodeVarint(r)
	if err != nil {
		return bound{}, err
	}
	id, err := readN(r, idSize)
	if err != nil {
		return bound{}, err
	}
	return bound{timestamp: ts, idPrefix: id}, nil
}

func readByte(r *bytes.Reader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, ErrMalformedMessage
	}
	return b, nil
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrMalformedMessage
	}
	return buf, nil
}
