package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestValidateID(t *testing.T) {
	v := NewValidatorWithLimits(16, 1024, 8)
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "users/1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 17), true},
		{"null byte", "users\x001", true},
		{"control", "users\n1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateID(tt.id)
			if tt.wantErr {
				assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateDocument(t *testing.T) {
	v := NewValidatorWithLimits(16, 16, 8)
	assert.NoError(t, v.ValidateDocument("a", "users", []byte(`{"n":1}`)))
	assert.NoError(t, v.ValidateDocument("a", "", []byte(`{}`)))

	for _, body := range []string{"", "not json", `{"long":"xxxxxxxxxxxx"}`} {
		err := v.ValidateDocument("a", "users", []byte(body))
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidItem), body)
	}
	err := v.ValidateDocument("a", "collections", []byte(`{}`))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidItem))
}

func TestValidateVector(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateVector("a", model.MustParseVersionVector("R1:1, R2:5")))

	bad := []model.VersionVector{
		{},
		{Entries: []model.VersionVectorEntry{{ReplicaID: "", Counter: 1}}},
		{Entries: []model.VersionVectorEntry{{ReplicaID: strings.Repeat("r", MaxReplicaIDSize+1), Counter: 1}}},
		{Entries: []model.VersionVectorEntry{{ReplicaID: "R1", Counter: -1}}},
	}
	for i, vec := range bad {
		err := v.ValidateVector("a", vec)
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidItem), "case %d", i)
	}
}

func TestValidateItem(t *testing.T) {
	v := NewValidator()
	vec := model.MustParseVersionVector("R1:1")
	now := time.Now().UTC()

	item := func(p model.ItemPayload) *model.ReplicatedItem {
		return &model.ReplicatedItem{ID: "docs/1", Collection: "docs", Vector: vec, Payload: p}
	}

	valid := []model.ItemPayload{
		model.DocumentPayload{Body: []byte(`{}`)},
		model.DocumentTombstonePayload{},
		model.RevisionPayload{},
		model.RevisionPayload{Body: []byte(`[1]`)},
		model.AttachmentPayload{Name: "a", Hash: "h"},
		model.AttachmentTombstonePayload{Name: "a"},
		model.CounterGroupPayload{Counters: map[string]int64{"likes": 1}},
		model.TimeSeriesSegmentPayload{Name: "hr", Baseline: now},
		model.TimeSeriesDeletedRangePayload{Name: "hr", From: now, To: now.Add(time.Minute)},
	}
	for _, p := range valid {
		assert.NoError(t, v.ValidateItem(item(p)), "%T", p)
	}

	invalid := []model.ItemPayload{
		nil,
		model.DocumentPayload{Body: []byte("{")},
		model.RevisionPayload{Body: []byte("nope")},
		model.AttachmentPayload{Name: "a"},
		model.AttachmentTombstonePayload{},
		model.TimeSeriesSegmentPayload{},
		model.TimeSeriesDeletedRangePayload{Name: "hr", From: now, To: now.Add(-time.Minute)},
	}
	for _, p := range invalid {
		assert.True(t, errors.HasCode(v.ValidateItem(item(p)), errors.ErrCodeInvalidItem), "%T", p)
	}

	assert.True(t, errors.HasCode(v.ValidateItem(nil), errors.ErrCodeInvalidArgument))
	bad := item(model.DocumentTombstonePayload{})
	bad.ID = ""
	assert.True(t, errors.HasCode(v.ValidateItem(bad), errors.ErrCodeInvalidItem))
}
