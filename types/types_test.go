package types

import (
	"bytes"
	"errors"
	"testing"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockKeysSortByIndex(t *testing.T) {
	t.Parallel()

	prev := BlockKey(0)
	for _, idx := range []uint64{1, 2, 255, 256, 1 << 32} {
		key := BlockKey(idx)
		assert.Equal(t, 1, bytes.Compare(key, prev), "key for %d must sort after its predecessor", idx)
		assert.Equal(t, idx, IndexFromKey(key))
		prev = key
	}
}

func TestPrefixEnd(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte("b0"), PrefixEnd([]byte("b/")))
	assert.Equal(t, []byte{0x01}, PrefixEnd([]byte{0x00, 0xff}))
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}

func TestIncidentBlockKeysStayUnderIncidentPrefix(t *testing.T) {
	t.Parallel()

	prefix := IncidentBlockPrefixKey("INC-20240101-0001")
	key := IncidentBlockKey("INC-20240101-0001", 7)
	require.True(t, bytes.HasPrefix(key, prefix))
	assert.Equal(t, uint64(7), IndexFromKey(key))

	// INC-20240101-00010 must not fall under the prefix of INC-20240101-0001
	other := IncidentBlockKey("INC-20240101-00010", 1)
	assert.False(t, bytes.HasPrefix(other, prefix))
}

func TestIncidentID(t *testing.T) {
	t.Parallel()

	day := IncidentDay(time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, "20240101", day)
	assert.Equal(t, "INC-20240101-0001", FormatIncidentID(day, 1))
	assert.Equal(t, "INC-20240101-12345", FormatIncidentID(day, 12345))

	require.NoError(t, ValidateIncidentID("INC-20240101-0001"))
	require.Error(t, ValidateIncidentID("INC-2024-01"))
	require.Error(t, ValidateIncidentID("../etc/passwd"))

	parsedDay, seq, err := ParseIncidentID("INC-20240101-12345")
	require.NoError(t, err)
	assert.Equal(t, "20240101", parsedDay)
	assert.Equal(t, uint64(12345), seq)
	_, _, err = ParseIncidentID("INC-20240101-99999999999999999999999")
	require.Error(t, err)
}

func TestValidateIncidentType(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"lims", "finance", "CHAIN_INTEGRITY_VIOLATION", "app.v2"} {
		assert.NoError(t, ValidateIncidentType(ok), ok)
	}
	for _, bad := range []string{"", "../x", "a b", "-lead"} {
		assert.ErrorIs(t, ValidateIncidentType(bad), ErrInvalidTrigger, bad)
	}
}

func TestTriggerSourceValidate(t *testing.T) {
	t.Parallel()

	for _, s := range []TriggerSource{TriggerManual, TriggerWebhook, TriggerAlert, TriggerScheduled} {
		assert.NoError(t, s.Validate())
	}
	assert.ErrorIs(t, TriggerSource("cron").Validate(), ErrInvalidTrigger)
}

func TestTipAdvance(t *testing.T) {
	t.Parallel()

	tip := GenesisTip()
	require.True(t, tip.Empty())
	assert.Equal(t, int64(-1), tip.Height())
	assert.Equal(t, uint64(0), tip.NextIndex())

	tip = tip.Advance(EvidenceBlock{BlockIndex: 0, BlockHash: "aa"})
	assert.False(t, tip.Empty())
	assert.Equal(t, uint64(1), tip.NextIndex())
	assert.Equal(t, "aa", tip.LastHash)
	assert.Equal(t, int64(0), tip.Height())
}

func TestReplicaSiteLag(t *testing.T) {
	t.Parallel()

	site := NewReplicaSite("dr", "http://dr:8080")
	tip := Tip{LastIndex: 9, Length: 10}

	assert.False(t, site.Holds(0))
	assert.Equal(t, uint64(10), site.Lag(tip))

	site.LastSyncedIndex = 4
	assert.True(t, site.Holds(4))
	assert.False(t, site.Holds(5))
	assert.Equal(t, uint64(5), site.Lag(tip))

	site.LastSyncedIndex = 9
	assert.Equal(t, uint64(0), site.Lag(tip))
	assert.Equal(t, uint64(0), site.Lag(GenesisTip()))
}

func TestReportAffectedBlocks(t *testing.T) {
	t.Parallel()

	report := VerificationReport{Verified: true}
	report.Record(TamperDetected{BlockIndex: 5, Field: FieldBlob})
	report.Record(TamperDetected{BlockIndex: 2, Field: FieldCreatedAt})
	report.Record(TamperDetected{BlockIndex: 5, Field: FieldSignature})

	assert.False(t, report.Verified)
	assert.Equal(t, []uint64{2, 5}, report.AffectedBlocks())
}

func TestErrorCodeRoundTrip(t *testing.T) {
	wrapped := errorsmod.Wrapf(ErrChainMismatch, "block %d", 7)
	code := ErrorCode(wrapped)
	require.Equal(t, uint32(15), code)

	restored, ok := ErrorFromCode(code, wrapped.Error())
	require.True(t, ok)
	require.ErrorIs(t, restored, ErrChainMismatch)

	require.Zero(t, ErrorCode(errors.New("plain")))
	_, ok = ErrorFromCode(999, "")
	require.False(t, ok)
}
