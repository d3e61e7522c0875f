// Package oracle owns announced events and their write-once attestations.
//
// An event is announced with one nonce per outcome position (a single
// position for enum outcomes, one per digit for numeric outcomes). When
// the oracle later attests the outcome, every job linked to the event is
// handed back to the lifecycle engine, in link-creation order. Events that
// never attest are not an error; their jobs simply keep waiting.
package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"

	"github.com/roach88/dvm/internal/store"
)

// attestationDomain is the message domain for outcome signatures.
const attestationDomain = "dvm/attestation/v1"

// OutcomeSpace describes the possible outcomes of an event.
// Exactly one of Outcomes or Digits should be set; enum events take
// precedence when both are.
type OutcomeSpace struct {
	// Outcomes enumerates the possible results of an enum event.
	Outcomes []string
	// Digits is the number of digit positions for a numeric event.
	Digits int
}

func (o OutcomeSpace) isEnum() bool { return len(o.Outcomes) > 0 }

// positions returns the number of nonces the event needs.
func (o OutcomeSpace) positions() int {
	if o.isEnum() {
		return 1
	}
	if o.Digits > 0 {
		return o.Digits
	}
	return 1
}

// Announcement is the payload published for a freshly registered event.
type Announcement struct {
	Name         string   `json:"name"`
	OraclePubKey string   `json:"oracle_pubkey"`
	IsEnum       bool     `json:"is_enum"`
	Outcomes     []string `json:"outcomes,omitempty"`
	Digits       int      `json:"digits,omitempty"`
	Nonces       []string `json:"nonces"`
	CreatedAt    int64    `json:"created_at"`
}

// Trigger is invoked for each job released by an attestation.
type Trigger func(ctx context.Context, jobID int64)

// Service manages oracle events against the durable store.
//
// The oracle identity (x-only public key) is fixed at construction and
// read-only afterwards; there is exactly one oracle per process.
type Service struct {
	store    *store.Store
	pub      *btcec.PublicKey
	trigger  Trigger
	newNonce func() ([]byte, error)
	now      func() time.Time
}

// Option configures a Service. Used by tests to pin nonces and time.
type Option func(*Service)

// WithNonceSource overrides fresh-keypair nonce generation.
func WithNonceSource(fn func() ([]byte, error)) Option {
	return func(s *Service) { s.newNonce = fn }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service for the given oracle identity.
func New(st *store.Store, pub *btcec.PublicKey, opts ...Option) *Service {
	s := &Service{
		store:    st,
		pub:      pub,
		newNonce: freshNonce,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTrigger installs the callback fired for each job an attestation
// releases. Must be called before Attest; typically wired to the
// lifecycle engine's OnTriggerReady at startup.
func (s *Service) SetTrigger(fn Trigger) {
	s.trigger = fn
}

// freshNonce derives a nonce from a fresh secp256k1 keypair, serialized
// as a 32-byte x-only public key.
func freshNonce() ([]byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate nonce key: %w", err)
	}
	return schnorr.SerializePubKey(priv.PubKey()), nil
}

// Register creates a new event and returns its announcement payload.
// An empty name gets a generated one. Returns store.ErrDuplicateEventName
// if the name is already announced.
func (s *Service) Register(ctx context.Context, name string, space OutcomeSpace) (Announcement, error) {
	if name == "" {
		name = uuid.NewString()
	}

	n := space.positions()
	nonces := make([][]byte, n)
	for i := range nonces {
		nonce, err := s.newNonce()
		if err != nil {
			return Announcement{}, fmt.Errorf("register event %q: %w", name, err)
		}
		nonces[i] = nonce
	}

	if _, err := s.store.InsertEvent(ctx, name, space.isEnum(), nonces); err != nil {
		return Announcement{}, fmt.Errorf("register event %q: %w", name, err)
	}

	slog.Info("oracle event registered",
		"name", name,
		"is_enum", space.isEnum(),
		"positions", n,
	)

	return s.announcement(name, space, nonces), nil
}

func (s *Service) announcement(name string, space OutcomeSpace, nonces [][]byte) Announcement {
	hexNonces := make([]string, len(nonces))
	for i, nonce := range nonces {
		hexNonces[i] = hex.EncodeToString(nonce)
	}

	a := Announcement{
		Name:         name,
		OraclePubKey: hex.EncodeToString(schnorr.SerializePubKey(s.pub)),
		IsEnum:       space.isEnum(),
		Outcomes:     space.Outcomes,
		Nonces:       hexNonces,
		CreatedAt:    s.now().Unix(),
	}
	if !space.isEnum() {
		a.Digits = space.positions()
	}
	return a
}

// EnsureEvent returns the ID of the named event, registering it if it
// does not exist yet. Used when an admission names an event that another
// job may already be waiting on.
func (s *Service) EnsureEvent(ctx context.Context, name string, space OutcomeSpace) (int64, error) {
	e, err := s.store.GetEventByName(ctx, name)
	if err == nil {
		return e.ID, nil
	}
	if !errors.Is(err, store.ErrUnknownEvent) {
		return 0, fmt.Errorf("ensure event %q: %w", name, err)
	}

	if _, err := s.Register(ctx, name, space); err != nil {
		return 0, err
	}
	e, err = s.store.GetEventByName(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("ensure event %q: %w", name, err)
	}
	return e.ID, nil
}

// AttestationHash is the message an attestation signature covers.
func AttestationHash(name, outcome string) [32]byte {
	h := sha256.New()
	h.Write([]byte(attestationDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(name))
	h.Write([]byte{0x00})
	h.Write([]byte(outcome))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Attest records the signed outcome for an event and fires the trigger
// for every linked job, in link-creation order.
//
// Returns store.ErrUnknownEvent or store.ErrAlreadyAttested unchanged.
// The signature must verify against the oracle identity; a bad signature
// records nothing.
func (s *Service) Attest(ctx context.Context, name, outcome string, sig *schnorr.Signature) error {
	hash := AttestationHash(name, outcome)
	if !sig.Verify(hash[:], s.pub) {
		return fmt.Errorf("attest %q: signature does not verify", name)
	}

	if err := s.store.AttestEvent(ctx, name, outcome, sig.Serialize(), s.now()); err != nil {
		return fmt.Errorf("attest %q: %w", name, err)
	}

	e, err := s.store.GetEventByName(ctx, name)
	if err != nil {
		return fmt.Errorf("attest %q: %w", name, err)
	}

	jobIDs, err := s.store.JobsForEvent(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("attest %q: %w", name, err)
	}

	slog.Info("oracle event attested",
		"name", name,
		"outcome", outcome,
		"fan_out", len(jobIDs),
	)

	for _, id := range jobIDs {
		if s.trigger != nil {
			s.trigger(ctx, id)
		}
	}
	return nil
}

// Sign produces an attestation signature with the oracle's private key.
// Exposed for the operator CLI; the serving path never holds the key.
func Sign(priv *btcec.PrivateKey, name, outcome string) (*schnorr.Signature, error) {
	hash := AttestationHash(name, outcome)
	sig, err := schnorr.Sign(priv, hash[:])
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}
	return sig, nil
}
