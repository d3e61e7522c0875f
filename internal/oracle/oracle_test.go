package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dvm/internal/job"
	"github.com/roach88/dvm/internal/store"
)

// generatorPubKey is the secp256k1 generator point, used as a stable
// oracle identity in golden tests.
const generatorPubKey = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/oracle.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func fixedPubKey(t *testing.T) *btcec.PublicKey {
	t.Helper()
	raw, err := hex.DecodeString(generatorPubKey)
	require.NoError(t, err)
	pub, err := schnorr.ParsePubKey(raw)
	require.NoError(t, err)
	return pub
}

// countingNonces yields 32-byte nonces filled with 0x01, 0x02, ...
func countingNonces() func() ([]byte, error) {
	var n byte
	return func() ([]byte, error) {
		n++
		nonce := make([]byte, 32)
		for i := range nonce {
			nonce[i] = n
		}
		return nonce, nil
	}
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Unix(1700000000, 0).UTC() }
}

func TestRegister_EnumAnnouncement(t *testing.T) {
	svc := New(testStore(t), fixedPubKey(t),
		WithNonceSource(countingNonces()),
		WithClock(fixedClock()),
	)

	a, err := svc.Register(context.Background(), "world-cup-2026", OutcomeSpace{
		Outcomes: []string{"argentina", "brazil", "france"},
	})
	require.NoError(t, err)
	assert.Len(t, a.Nonces, 1)

	data, err := json.MarshalIndent(a, "", "  ")
	require.NoError(t, err)
	data = append(data, '\n')

	g := goldie.New(t)
	g.Assert(t, "announcement_enum", data)
}

func TestRegister_NumericAnnouncement(t *testing.T) {
	svc := New(testStore(t), fixedPubKey(t),
		WithNonceSource(countingNonces()),
		WithClock(fixedClock()),
	)

	a, err := svc.Register(context.Background(), "btc-price-digits", OutcomeSpace{
		Digits: 3,
	})
	require.NoError(t, err)
	assert.Len(t, a.Nonces, 3)
	assert.False(t, a.IsEnum)

	data, err := json.MarshalIndent(a, "", "  ")
	require.NoError(t, err)
	data = append(data, '\n')

	g := goldie.New(t)
	g.Assert(t, "announcement_numeric", data)
}

func TestRegister_GeneratesName(t *testing.T) {
	svc := New(testStore(t), fixedPubKey(t), WithNonceSource(countingNonces()))

	a, err := svc.Register(context.Background(), "", OutcomeSpace{Outcomes: []string{"yes", "no"}})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Name)
}

func TestRegister_DuplicateName(t *testing.T) {
	svc := New(testStore(t), fixedPubKey(t), WithNonceSource(countingNonces()))
	ctx := context.Background()

	_, err := svc.Register(ctx, "halving", OutcomeSpace{Outcomes: []string{"yes", "no"}})
	require.NoError(t, err)

	_, err = svc.Register(ctx, "halving", OutcomeSpace{Outcomes: []string{"yes", "no"}})
	assert.ErrorIs(t, err, store.ErrDuplicateEventName)
}

func TestEnsureEvent_Idempotent(t *testing.T) {
	svc := New(testStore(t), fixedPubKey(t), WithNonceSource(countingNonces()))
	ctx := context.Background()
	space := OutcomeSpace{Outcomes: []string{"up", "down"}}

	first, err := svc.EnsureEvent(ctx, "direction", space)
	require.NoError(t, err)

	second, err := svc.EnsureEvent(ctx, "direction", space)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func insertJob(t *testing.T, st *store.Store, seed string) int64 {
	t.Helper()
	j := &job.Job{
		RequestHash: "req-" + seed,
		PaymentHash: "pay-" + seed,
		Requester:   "npub-test",
		Params: job.Params{
			URL:      "https://example.com/" + seed + ".wasm",
			Function: "run",
			Input:    "{}",
			Checksum: strings.Repeat("0", 64),
			Time:     1000,
		},
		Trigger:    job.TriggerAttested,
		Funding:    job.FundingPayPerUse,
		AmountMsat: 1000,
	}
	require.NoError(t, st.InsertJob(context.Background(), j))
	return j.ID
}

func TestAttest_FansOutInLinkOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	svc := New(st, priv.PubKey())

	var fired []int64
	svc.SetTrigger(func(_ context.Context, jobID int64) {
		fired = append(fired, jobID)
	})

	eventID, err := svc.EnsureEvent(ctx, "match-result", OutcomeSpace{Outcomes: []string{"home", "away"}})
	require.NoError(t, err)

	j1 := insertJob(t, st, "a")
	j2 := insertJob(t, st, "b")
	j3 := insertJob(t, st, "c")

	// Link out of ID order; fan-out must follow link order, not job ID.
	require.NoError(t, st.LinkJobToEvent(ctx, j2, eventID))
	require.NoError(t, st.LinkJobToEvent(ctx, j3, eventID))
	require.NoError(t, st.LinkJobToEvent(ctx, j1, eventID))

	sig, err := Sign(priv, "match-result", "home")
	require.NoError(t, err)
	require.NoError(t, svc.Attest(ctx, "match-result", "home", sig))

	assert.Equal(t, []int64{j2, j3, j1}, fired)
}

func TestAttest_WriteOnce(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	svc := New(st, priv.PubKey())

	_, err = svc.EnsureEvent(ctx, "final", OutcomeSpace{Outcomes: []string{"a", "b"}})
	require.NoError(t, err)

	sig, err := Sign(priv, "final", "a")
	require.NoError(t, err)
	require.NoError(t, svc.Attest(ctx, "final", "a", sig))

	sig2, err := Sign(priv, "final", "b")
	require.NoError(t, err)
	err = svc.Attest(ctx, "final", "b", sig2)
	assert.ErrorIs(t, err, store.ErrAlreadyAttested)

	e, err := st.GetEventByName(ctx, "final")
	require.NoError(t, err)
	require.NotNil(t, e.Outcome)
	assert.Equal(t, "a", *e.Outcome)
}

func TestAttest_UnknownEvent(t *testing.T) {
	st := testStore(t)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	svc := New(st, priv.PubKey())

	sig, err := Sign(priv, "ghost", "x")
	require.NoError(t, err)
	err = svc.Attest(context.Background(), "ghost", "x", sig)
	assert.ErrorIs(t, err, store.ErrUnknownEvent)
}

func TestAttest_RejectsForeignSignature(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	svc := New(st, priv.PubKey())

	_, err = svc.EnsureEvent(ctx, "tamper", OutcomeSpace{Outcomes: []string{"a", "b"}})
	require.NoError(t, err)

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sig, err := Sign(other, "tamper", "a")
	require.NoError(t, err)

	err = svc.Attest(ctx, "tamper", "a", sig)
	require.Error(t, err)

	e, err := st.GetEventByName(ctx, "tamper")
	require.NoError(t, err)
	assert.Nil(t, e.Outcome)
}
