// Package announce publishes this instance's self-describing record to
// external relays on a periodic schedule.
package announce

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// announcementKind tags provider records on the relay network.
const announcementKind = 38421

// Record is the payload announced to relays.
type Record struct {
	ProviderID string   `json:"provider_id"`
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	URLs       []string `json:"urls"`
	Mints      []string `json:"mints"`
}

// Equal reports semantic equality between two records. Publication is
// skipped when the latest relay copy already says the same thing.
func (r Record) Equal(other Record) bool {
	if r.ProviderID != other.ProviderID || r.Name != other.Name || r.Version != other.Version {
		return false
	}
	return equalSets(r.URLs, other.URLs) && equalSets(r.Mints, other.Mints)
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string{}, a...)
	bs := append([]string{}, b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Event is the signed envelope a relay accepts.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// digest is the canonical serialization hashed for the id and signature.
func (e *Event) digest() ([32]byte, error) {
	canonical := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	raw, err := json.Marshal(canonical)
	if err != nil {
		return [32]byte{}, fmt.Errorf("serialize event: %w", err)
	}
	return sha256.Sum256(raw), nil
}

// NewEvent builds and signs the announcement event for record.
func NewEvent(key *ecdsa.PrivateKey, record Record, now time.Time) (Event, error) {
	content, err := json.Marshal(record)
	if err != nil {
		return Event{}, fmt.Errorf("serialize record: %w", err)
	}
	ev := Event{
		PubKey:    hex.EncodeToString(ethcrypto.CompressPubkey(&key.PublicKey)),
		CreatedAt: now.Unix(),
		Kind:      announcementKind,
		Tags:      [][]string{{"d", record.ProviderID}},
		Content:   string(content),
	}
	hash, err := ev.digest()
	if err != nil {
		return Event{}, err
	}
	ev.ID = hex.EncodeToString(hash[:])
	sig, err := ethcrypto.Sign(hash[:], key)
	if err != nil {
		return Event{}, fmt.Errorf("sign event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig)
	return ev, nil
}

// Verify checks the signature against the embedded public key.
func (e *Event) Verify() error {
	hash, err := e.digest()
	if err != nil {
		return err
	}
	if e.ID != hex.EncodeToString(hash[:]) {
		return fmt.Errorf("event id mismatch")
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	pub, err := ethcrypto.SigToPub(hash[:], sig)
	if err != nil {
		return fmt.Errorf("recover public key: %w", err)
	}
	if hex.EncodeToString(ethcrypto.CompressPubkey(pub)) != e.PubKey {
		return fmt.Errorf("signature does not match public key")
	}
	return nil
}

// RecordOf decodes the record carried by an event.
func (e *Event) RecordOf() (Record, error) {
	var record Record
	if err := json.Unmarshal([]byte(e.Content), &record); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// LoadKey parses a hex-encoded secp256k1 private key.
func LoadKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse announcement key: %w", err)
	}
	return key, nil
}
