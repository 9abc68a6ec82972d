package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundCents(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"whole amount", "700", "700.00"},
		{"half cent rounds up", "10.005", "10.01"},
		{"already at scale", "0.25", "0.25"},
		{"negative", "-3.333", "-3.33"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundCents(decimal.RequireFromString(tt.in))
			assert.Equal(t, tt.want, got.StringFixed(CentsScale))
		})
	}
}

func TestRoundCents_RendersLikeScannedNumeric(t *testing.T) {
	// lib/pq hands NUMERIC(19,2) columns over as text with both places
	var scanned decimal.Decimal
	require.NoError(t, scanned.Scan([]byte("700.00")))
	rounded := RoundCents(decimal.NewFromInt(700))

	fromDB, err := json.Marshal(scanned)
	require.NoError(t, err)
	fromMemory, err := json.Marshal(rounded)
	require.NoError(t, err)

	assert.Equal(t, string(fromDB), string(fromMemory))
	assert.Equal(t, `"700"`, string(fromMemory))
}

func TestHasSubCentPrecision(t *testing.T) {
	assert.False(t, HasSubCentPrecision(decimal.RequireFromString("10.10")))
	assert.False(t, HasSubCentPrecision(decimal.RequireFromString("10.100")))
	assert.True(t, HasSubCentPrecision(decimal.RequireFromString("10.101")))
}
