package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMergeConversionWins(t *testing.T) {
	conversion := NewRecord(map[string]any{"af_status": "Non-organic", "campaign": "spring", "shared": "conversion"})
	deeplink := NewRecord(map[string]any{"shared": "deeplink", "deep_link_value": "vault/42"})

	merged := conversion.Merge(deeplink)
	want := map[string]any{
		"af_status":       "Non-organic",
		"campaign":        "spring",
		"shared":          "conversion",
		"deep_link_value": "vault/42",
	}
	if diff := cmp.Diff(want, merged.Map()); diff != "" {
		t.Fatalf("merged mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, conversion.Len(), "merge must not mutate the conversion")
	assert.Equal(t, 2, deeplink.Len(), "merge must not mutate the deeplink")
}

func TestRecordMergeEmptySides(t *testing.T) {
	deeplink := NewRecord(map[string]any{"deep_link_value": "x"})
	if diff := cmp.Diff(deeplink.Map(), Record{}.Merge(deeplink).Map()); diff != "" {
		t.Fatalf("empty conversion should take deeplink values: %s", diff)
	}
	assert.True(t, (Record{}).Merge(Record{}).IsEmpty())
}

func TestRecordIsOrganic(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want bool
	}{
		{"empty", nil, true},
		{"status organic", map[string]any{"af_status": "Organic", "media_source": "ignored"}, true},
		{"status non-organic", map[string]any{"af_status": "Non-organic"}, false},
		{"media source marker", map[string]any{"media_source": "facebook"}, false},
		{"blank marker", map[string]any{"campaign": "  "}, true},
		{"numeric marker", map[string]any{"campaign_id": 1234.0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NewRecord(tc.data).IsOrganic())
		})
	}
}

func TestRecordJSONDecodesFreeFormValues(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"a":"b","n":3,"ok":true}`), &rec))
	assert.Equal(t, "b", rec.String("a"))
	assert.Equal(t, 3, rec.Len())

	raw, err := json.Marshal(Record{})
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(raw))
}

func TestShouldShowPermissionPrompt(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	old := now.Add(-96 * time.Hour)

	assert.True(t, (AppConfiguration{}).ShouldShowPermissionPrompt(now, 72*time.Hour), "fresh configuration prompts")
	assert.False(t, (AppConfiguration{PermissionGranted: true}).ShouldShowPermissionPrompt(now, 0), "granted")
	assert.False(t, (AppConfiguration{PermissionDenied: true}).ShouldShowPermissionPrompt(now, 0), "denied")
	assert.False(t, (AppConfiguration{LastPermissionRequest: &recent}).ShouldShowPermissionPrompt(now, 72*time.Hour), "recent deferral")
	assert.True(t, (AppConfiguration{LastPermissionRequest: &old}).ShouldShowPermissionPrompt(now, 72*time.Hour), "expired cooldown")
}
