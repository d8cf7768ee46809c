package payload

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/models"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleSettlement() *models.Settlement {
	return &models.Settlement{
		ID:             "s-1",
		ClientID:       "c-1",
		CycleID:        "cy-1",
		RouteID:        "R7",
		Timestamp:      t0,
		PreviousDebt:   d("0"),
		GrossAmount:    d("100"),
		Discount:       d("0"),
		AmountReceived: d("60"),
		CurrentDebt:    d("40"),
		PaymentBreakdown: map[string]decimal.Decimal{
			"cash": d("50"),
			"pix":  d("10"),
		},
		CreatedAt: t0,
	}
}

func TestSettlementRoundTrip(t *testing.T) {
	s := sampleSettlement()

	raw, err := Encode(models.EntitySettlement, models.KindCreate, FromSettlement(s))
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, models.EntitySettlement, env.EntityType)
	assert.Equal(t, models.KindCreate, env.Kind)

	var dto Settlement
	require.NoError(t, env.Into(&dto))
	got := dto.Model()

	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Timestamp, got.Timestamp)
	assert.True(t, s.CurrentDebt.Equal(got.CurrentDebt))
	assert.True(t, s.PaymentBreakdown["pix"].Equal(got.PaymentBreakdown["pix"]))
}

func TestCycleRoundTripKeepsFrozenTotals(t *testing.T) {
	finished := t0.Add(time.Hour)
	c := &models.SettlementCycle{
		ID: "cy", RouteID: "R7", Year: 2025, SequenceNumber: 3,
		Status:     models.CycleFinalized,
		StartedAt:  t0,
		FinishedAt: &finished,
		FrozenTotals: &models.CycleTotals{
			TotalClients:   4,
			SettledClients: 3,
			TotalSettled:   d("300"),
		},
		CreatedAt: t0,
		UpdatedAt: finished,
	}

	raw, err := Encode(models.EntityCycle, models.KindUpdate, FromCycle(c))
	require.NoError(t, err)
	env, err := Decode(raw)
	require.NoError(t, err)

	var dto Cycle
	require.NoError(t, env.Into(&dto))
	got := dto.Model()

	assert.Equal(t, "3/2025", got.Title())
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
	require.NotNil(t, got.FrozenTotals)
	assert.Equal(t, 3, got.FrozenTotals.SettledClients)
}

func TestSettlementGolden(t *testing.T) {
	raw, err := Encode(models.EntitySettlement, models.KindCreate, FromSettlement(sampleSettlement()))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	pretty, err := json.MarshalIndent(env, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "settlement_create", append(pretty, '\n'))
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"future version", `{"version":99,"entityType":"client","kind":"CREATE","data":{}}`},
		{"missing version", `{"entityType":"client","kind":"CREATE","data":{}}`},
		{"missing entity type", `{"version":1,"kind":"CREATE","data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.True(t, apperr.IsPermanent(err))
		})
	}
}

func TestRewriteClientID(t *testing.T) {
	raw, err := Encode(models.EntitySettlement, models.KindCreate, FromSettlement(sampleSettlement()))
	require.NoError(t, err)

	t.Run("matching client id is replaced", func(t *testing.T) {
		out, changed, err := RewriteClientID(raw, "c-1", "server-9")
		require.NoError(t, err)
		assert.True(t, changed)

		env, err := Decode(out)
		require.NoError(t, err)
		var dto Settlement
		require.NoError(t, env.Into(&dto))
		assert.Equal(t, "server-9", dto.ClientID)
		assert.Equal(t, "s-1", dto.ID)
	})

	t.Run("other client ids are left alone", func(t *testing.T) {
		out, changed, err := RewriteClientID(raw, "someone-else", "server-9")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, raw, out)
	})
}
