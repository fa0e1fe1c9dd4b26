package vrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// SequenceLength is the number of pre-committed values generated per match.
	SequenceLength = 10

	// SequenceValueMin / SequenceValueMax bound each committed value.
	// Consumers map these onto chance outcomes (crit rolls, dodge rolls,
	// winner selection) via modular reduction.
	SequenceValueMin = 0
	SequenceValueMax = 9999

	// inputPrefix domain-separates randomness inputs from other keyed
	// hashes in the system.
	inputPrefix = "fairness-vrf-v1/"
)

// Engine produces and verifies keyed-hash randomness proofs.
//
// The construction is a simplified stand-in for an elliptic-curve VRF:
// the seed is derived with the secret MAC key (unpredictable without it),
// while the proof is derived with the published derivation key, so
// VerifyProof needs no secret material. Swapping in a genuine ECVRF only
// touches this package.
type Engine struct {
	secretKey     []byte
	derivationKey []byte
}

// Proof is one randomness derivation. Immutable once generated.
type Proof struct {
	Input []byte `json:"input"`
	Nonce int64  `json:"nonce"`
	Seed  []byte `json:"seed"`
	Hash  []byte `json:"hash"`
	Proof []byte `json:"proof"`
}

// SequenceContext identifies the match a committed sequence belongs to.
type SequenceContext struct {
	GameID    string `json:"game_id"`
	Round     int64  `json:"round"`
	Timestamp int64  `json:"timestamp"`
}

// Sequence is a pre-committed list of values for an entire match.
type Sequence struct {
	Context SequenceContext `json:"context"`
	Seed    []byte          `json:"seed"`
	Values  []int64         `json:"values"`
	Proof   []byte          `json:"proof"`
}

func NewEngine(secretKey, derivationKey []byte) (*Engine, error) {
	if len(secretKey) == 0 {
		return nil, fmt.Errorf("vrf: secret key is empty")
	}
	if len(derivationKey) == 0 {
		return nil, fmt.Errorf("vrf: derivation key is empty")
	}
	return &Engine{secretKey: secretKey, derivationKey: derivationKey}, nil
}

// DerivationKey returns the public verification material.
func (e *Engine) DerivationKey() []byte {
	out := make([]byte, len(e.derivationKey))
	copy(out, e.derivationKey)
	return out
}

// GenerateProof derives a proof for input using the current time as nonce.
func (e *Engine) GenerateProof(input []byte) (*Proof, error) {
	return e.GenerateProofAt(input, time.Now().UnixNano())
}

// GenerateProofAt derives a proof with an explicit nonce. Deterministic:
// the same (secret, input, nonce) always yields the same (seed, hash, proof).
func (e *Engine) GenerateProofAt(input []byte, nonce int64) (*Proof, error) {
	msg := prefixedInput(input)

	seedMAC := hmac.New(sha256.New, e.secretKey)
	seedMAC.Write(msg)
	seedMAC.Write(encodeInt64(nonce))
	seed := seedMAC.Sum(nil)

	h := sha256.New()
	h.Write(e.secretKey)
	h.Write(msg)
	h.Write(seed)
	hash := h.Sum(nil)

	return &Proof{
		Input: append([]byte(nil), input...),
		Nonce: nonce,
		Seed:  seed,
		Hash:  hash,
		Proof: deriveProof(e.derivationKey, msg, hash),
	}, nil
}

// VerifyProof recomputes the proof from (input, hash) using only the
// public derivation key. Returns false rather than erroring on any
// malformed input.
func VerifyProof(derivationKey, input, proof, hash []byte) bool {
	if len(derivationKey) == 0 || len(proof) == 0 || len(hash) == 0 {
		return false
	}
	expected := deriveProof(derivationKey, prefixedInput(input), hash)
	return hmac.Equal(expected, proof)
}

// VerifyProof checks a proof against this engine's derivation key.
func (e *Engine) VerifyProof(input, proof, hash []byte) bool {
	return VerifyProof(e.derivationKey, input, proof, hash)
}

// HashToRange derives one integer in [min, max] from hash.
func HashToRange(hash []byte, min, max int64) int64 {
	vals := HashToMultiple(hash, 1, min, max)
	return vals[0]
}

// HashToMultiple derives count integers in [min, max] from a single hash
// by reading successive 8-byte windows, re-hashing when exhausted.
func HashToMultiple(hash []byte, count int, min, max int64) []int64 {
	if count <= 0 {
		return nil
	}
	out := make([]int64, 0, count)
	if max < min {
		min, max = max, min
	}
	span := uint64(max-min) + 1

	cur := append([]byte(nil), hash...)
	if len(cur) < 8 {
		sum := sha256.Sum256(cur)
		cur = sum[:]
	}
	offset := 0
	for len(out) < count {
		if offset+8 > len(cur) {
			sum := sha256.Sum256(cur)
			cur = sum[:]
			offset = 0
		}
		word := binary.BigEndian.Uint64(cur[offset : offset+8])
		offset += 8
		if span == 0 {
			// Full int64 range: uint64(max-min)+1 wrapped to zero, every
			// word already maps onto [min, max].
			out = append(out, min+int64(word))
			continue
		}
		out = append(out, min+int64(word%span))
	}
	return out
}

// GenerateSequence produces a pre-committed value list for a match. The
// seed is secret-derived (unpredictable before commitment); the values and
// proof are publicly re-derivable from the seed, so any party can later
// confirm nothing was altered.
func (e *Engine) GenerateSequence(sc SequenceContext) (*Sequence, error) {
	p, err := e.GenerateProofAt(encodeContext(sc), sc.Timestamp)
	if err != nil {
		return nil, err
	}
	values := valuesFromSeed(sc, p.Seed)
	return &Sequence{
		Context: sc,
		Seed:    p.Seed,
		Values:  values,
		Proof:   sequenceProof(e.derivationKey, sc, p.Seed, values),
	}, nil
}

// ValidateSequence re-derives the sequence from the committed seed and
// checks both the element values and the commitment proof. A single
// altered element fails validation.
func ValidateSequence(derivationKey []byte, sc SequenceContext, seed []byte, values []int64, proof []byte) bool {
	if len(derivationKey) == 0 || len(seed) == 0 || len(proof) == 0 {
		return false
	}
	if len(values) != SequenceLength {
		return false
	}
	expected := valuesFromSeed(sc, seed)
	for i := range expected {
		if values[i] != expected[i] {
			return false
		}
	}
	return hmac.Equal(sequenceProof(derivationKey, sc, seed, values), proof)
}

// ValidateSequence checks a committed sequence against this engine's
// derivation key.
func (e *Engine) ValidateSequence(sc SequenceContext, seed []byte, values []int64, proof []byte) bool {
	return ValidateSequence(e.derivationKey, sc, seed, values, proof)
}

func valuesFromSeed(sc SequenceContext, seed []byte) []int64 {
	h := sha256.New()
	h.Write(seed)
	h.Write(prefixedInput(encodeContext(sc)))
	return HashToMultiple(h.Sum(nil), SequenceLength, SequenceValueMin, SequenceValueMax)
}

func sequenceProof(derivationKey []byte, sc SequenceContext, seed []byte, values []int64) []byte {
	mac := hmac.New(sha256.New, derivationKey)
	mac.Write(prefixedInput(encodeContext(sc)))
	mac.Write(seed)
	for _, v := range values {
		mac.Write(encodeInt64(v))
	}
	return mac.Sum(nil)
}

func deriveProof(derivationKey, msg, hash []byte) []byte {
	mac := hmac.New(sha256.New, derivationKey)
	mac.Write(msg)
	mac.Write(hash)
	return mac.Sum(nil)
}

func encodeContext(sc SequenceContext) []byte {
	buf := make([]byte, 0, len(sc.GameID)+16)
	buf = append(buf, []byte(sc.GameID)...)
	buf = append(buf, encodeInt64(sc.Round)...)
	buf = append(buf, encodeInt64(sc.Timestamp)...)
	return buf
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func prefixedInput(input []byte) []byte {
	msg := make([]byte, 0, len(inputPrefix)+len(input))
	msg = append(msg, []byte(inputPrefix)...)
	msg = append(msg, input...)
	return msg
}
