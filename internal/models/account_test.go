package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthFile_IsKiro(t *testing.T) {
	tests := []struct {
		provider string
		want     bool
	}{
		{"kiro", true},
		{"Kiro", true},
		{"KIRO", true},
		{"gemini", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AuthFile{Provider: tt.provider}.IsKiro(), "provider %q", tt.provider)
	}
}

func TestAuthFile_IsDisabled(t *testing.T) {
	assert.True(t, AuthFile{Status: "disabled"}.IsDisabled())
	assert.False(t, AuthFile{Status: "active"}.IsDisabled())
	assert.False(t, AuthFile{}.IsDisabled())
}

func TestAuthFile_Identifier(t *testing.T) {
	assert.Equal(t, "a@example.com", AuthFile{Name: "kiro-a.json", Email: "a@example.com"}.Identifier())
	assert.Equal(t, "kiro-a.json", AuthFile{Name: "kiro-a.json"}.Identifier())
}

func TestAccountUsageRecord_OK(t *testing.T) {
	ok := AccountUsageRecord{Account: "a@example.com"}
	failed := AccountUsageRecord{Account: "b@example.com", Error: "token expired"}

	assert.True(t, ok.OK())
	assert.False(t, failed.OK())
}

func TestAccountUsageRecord_Key(t *testing.T) {
	r := AccountUsageRecord{Panel: "main", Account: "a@example.com"}
	assert.Equal(t, "main/a@example.com", r.Key())

	other := AccountUsageRecord{Panel: "backup", Account: "a@example.com"}
	assert.NotEqual(t, r.Key(), other.Key(), "same account on two panels keeps two keys")
}

func TestAccountUsageRecord_RemainingPercent(t *testing.T) {
	tests := []struct {
		name      string
		remaining float64
		quota     float64
		want      float64
	}{
		{"Half", 50, 100, 50},
		{"Full", 100, 100, 100},
		{"ZeroQuota", 10, 0, 0},
		{"NegativeQuota", 10, -5, 0},
		{"OverQuota", 150, 100, 100},
		{"NegativeRemaining", -1, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := AccountUsageRecord{Remaining: tt.remaining}
			assert.InDelta(t, tt.want, r.RemainingPercent(tt.quota), 1e-9)
		})
	}
}
