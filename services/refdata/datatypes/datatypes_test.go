// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "rainbow dyers", NormalizeName("  Rainbow Dyers "))
	assert.Equal(t, NormalizeName("RAINBOW DYERS"), NormalizeName("rainbow dyers"))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestNewPendingEntity(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	e := NewPendingEntity("  Kaveri Processors ", now)

	assert.True(t, IsPendingID(e.ID))
	assert.True(t, e.Pending)
	assert.True(t, e.IsActive)
	assert.Equal(t, "Kaveri Processors", e.Name)
	assert.Equal(t, now, e.CreatedAt)

	other := NewPendingEntity("Kaveri Processors", now)
	assert.NotEqual(t, e.ID, other.ID)
}

func TestDefaultFirms(t *testing.T) {
	firms := DefaultFirms()
	require.Len(t, firms, 3)

	seen := map[string]bool{}
	for _, f := range firms {
		assert.True(t, f.IsActive)
		assert.False(t, f.Pending)
		assert.False(t, seen[f.Key()], "duplicate default %q", f.Name)
		seen[f.Key()] = true
	}
}

func TestEntityPatch_Apply(t *testing.T) {
	name := "  Sakthi Dyers  "
	inactive := false
	base := NamedEntity{ID: "7", Name: "Sakthi", IsActive: true}

	got := EntityPatch{Name: &name, IsActive: &inactive}.Apply(base)
	assert.Equal(t, "Sakthi Dyers", got.Name)
	assert.False(t, got.IsActive)
	assert.Equal(t, "Sakthi", base.Name, "Apply must not modify its argument")

	assert.Equal(t, base, EntityPatch{}.Apply(base))
}

func TestValidate_Entity(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		wantErr bool
	}{
		{"valid input", EntityInput{Name: "Rainbow Dyers"}, false},
		{"blank input", EntityInput{Name: "   "}, true},
		{"empty input", EntityInput{}, true},
		{"empty patch", EntityPatch{}, false},
		{"blank patch name", EntityPatch{Name: strPtr(" ")}, true},
		{"valid patch name", EntityPatch{Name: strPtr("New Name")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_Record(t *testing.T) {
	valid := RecordInput{
		DyeingFirm: "Kaveri Processors",
		PartyName:  "Lakshmi Mills",
		YarnType:   "40s combed",
		Quantity:   120.5,
		SentDate:   strfmt.Date(time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, Validate(valid))

	noQty := valid
	noQty.Quantity = 0
	assert.Error(t, Validate(noQty))

	noDate := valid
	noDate.SentDate = strfmt.Date{}
	assert.Error(t, Validate(noDate))

	negative := -3.0
	assert.Error(t, Validate(RecordPatch{Quantity: &negative}))
}

func TestRecordInput_ToRecordAndPatch(t *testing.T) {
	in := RecordInput{DyeingFirm: " Kaveri Processors ", PartyName: "Lakshmi Mills", YarnType: "30s", Quantity: 10}
	rec := in.ToRecord()
	assert.Equal(t, "Kaveri Processors", rec.DyeingFirm)
	assert.Empty(t, rec.ID)

	qty := 25.0
	patched := RecordPatch{Quantity: &qty, Remarks: strPtr("urgent")}.Apply(rec)
	assert.Equal(t, 25.0, patched.Quantity)
	assert.Equal(t, "urgent", patched.Remarks)
	assert.Equal(t, 10.0, rec.Quantity)
}

func strPtr(s string) *string { return &s }

func TestRecord_DatesTravelAsCalendarDates(t *testing.T) {
	rec := Record{ID: "r1", SentDate: strfmt.Date(time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC))}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sentDate":"2025-02-10"`)
	assert.NotContains(t, string(data), "expectedArrivalDate")
}
