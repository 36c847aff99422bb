package ilp

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareRoundTrip(t *testing.T) {
	fulfillment := [32]byte{1, 2, 3}
	p := &Prepare{
		Amount:             500,
		ExpiresAt:          time.Date(2026, 3, 14, 15, 9, 26, 535*1e6, time.UTC),
		ExecutionCondition: Condition(fulfillment),
		Destination:        "g.alice.receiver",
		Data:               []byte("hello"),
	}

	raw := p.Marshal()
	require.Equal(t, byte(TypePrepare), raw[0])

	parsed, err := ParsePrepare(raw)
	require.NoError(t, err)
	assert.Equal(t, p.Amount, parsed.Amount)
	assert.True(t, p.ExpiresAt.Equal(parsed.ExpiresAt))
	assert.Equal(t, p.ExecutionCondition, parsed.ExecutionCondition)
	assert.Equal(t, p.Destination, parsed.Destination)
	assert.Equal(t, p.Data, parsed.Data)
}

func TestPrepareTimestampMillisecondPrecision(t *testing.T) {
	p := &Prepare{
		ExpiresAt:   time.Date(2026, 1, 2, 3, 4, 5, 6_700_000, time.UTC),
		Destination: "g.bob",
	}
	parsed, err := ParsePrepare(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), int64(parsed.ExpiresAt.Nanosecond()),
		"timestamp should truncate below millisecond")
}

func TestFulfillRoundTripAndValidation(t *testing.T) {
	f := &Fulfill{Fulfillment: [32]byte{9, 9, 9}, Data: []byte{0xab}}

	parsed, err := ParseReply(f.Marshal())
	require.NoError(t, err)
	got, ok := parsed.(*Fulfill)
	require.True(t, ok)
	assert.Equal(t, f.Fulfillment, got.Fulfillment)
	assert.Equal(t, f.Data, got.Data)

	condition := sha256.Sum256(f.Fulfillment[:])
	assert.True(t, got.Validates(condition))
	condition[0] ^= 0xff
	assert.False(t, got.Validates(condition))
}

func TestRejectRoundTrip(t *testing.T) {
	r := &Reject{
		Code:        CodeT04InsufficientLiquidity,
		TriggeredBy: "g.connector",
		Message:     "no liquidity",
		Data:        []byte{1, 2},
	}
	parsed, err := ParseReply(r.Marshal())
	require.NoError(t, err)
	got, ok := parsed.(*Reject)
	require.True(t, ok)
	assert.Equal(t, r.Code, got.Code)
	assert.Equal(t, r.TriggeredBy, got.TriggeredBy)
	assert.Equal(t, r.Message, got.Message)
	assert.Equal(t, r.Data, got.Data)
}

func TestParseRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{12},
		{99, 1, 0},
		append([]byte{12, 4}, make([]byte, 2)...), // length beyond buffer
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected error for % x", raw)
		}
	}
}

func TestParseRejectsTrailingBytes(t *testing.T) {
	raw := (&Fulfill{}).Marshal()
	raw = append(raw, 0x00)
	_, err := Parse(raw)
	assert.ErrorIs(t, err, ErrTrailingBytes)
}

func TestVarOctetsLongForm(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, 300)
	p := &Prepare{Destination: "g.alice", Data: data, ExpiresAt: time.Now()}
	parsed, err := ParsePrepare(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, data, parsed.Data)
}

func TestAmountTooLargeData(t *testing.T) {
	d := &AmountTooLargeData{ReceivedAmount: 500, MaximumAmount: 100}
	got, ok := ParseAmountTooLargeData(d.Marshal())
	require.True(t, ok)
	assert.Equal(t, uint64(500), got.ReceivedAmount)
	assert.Equal(t, uint64(100), got.MaximumAmount)

	_, ok = ParseAmountTooLargeData([]byte("short"))
	assert.False(t, ok)
}

func TestAddressValidate(t *testing.T) {
	valid := []Address{"g.alice", "private.node-1", "peer.config", "test.a.b_c~d"}
	for _, a := range valid {
		assert.NoError(t, a.Validate(), string(a))
	}
	invalid := []Address{"", "bogus.alice", "g..alice", "g.al ice", "g.alice."}
	for _, a := range invalid {
		assert.Error(t, a.Validate(), string(a))
	}
}

func TestAddressHasPrefix(t *testing.T) {
	assert.True(t, Address("g.alice.bob").HasPrefix("g.alice"))
	assert.True(t, Address("g.alice").HasPrefix("g.alice"))
	assert.False(t, Address("g.alicex").HasPrefix("g.alice"))
	assert.False(t, Address("g.ali").HasPrefix("g.alice"))
}

func TestErrorClasses(t *testing.T) {
	assert.True(t, Final(CodeF08AmountTooLarge))
	assert.True(t, Temporary(CodeT05RateLimited))
	assert.False(t, Final(CodeR00TransferTimedOut))
	assert.False(t, Temporary(CodeF02Unreachable))
}
