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
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
)

// Record is one dyeing order: yarn sent to a dyeing firm for a party.
//
// Sent and expected dates are calendar dates and travel as "2006-01-02".
//
// DyeingFirm holds the firm's name, not its id. Records survive firm
// renames only as far as the remote API rewrites them.
type Record struct {
	ID           string       `json:"id"`
	DyeingFirm   string       `json:"dyeingFirm"`
	PartyName    string       `json:"partyName"`
	YarnType     string       `json:"yarnType"`
	ShadeNo      string       `json:"shadeNo,omitempty"`
	Lot          string       `json:"lot,omitempty"`
	Quantity     float64      `json:"quantity"`
	SentDate     strfmt.Date  `json:"sentDate"`
	ExpectedDate *strfmt.Date `json:"expectedArrivalDate,omitempty"`
	Remarks      string       `json:"remarks,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// EntityID returns the record id.
func (r Record) EntityID() string {
	return r.ID
}

// RecordInput is the payload for creating a Record.
type RecordInput struct {
	DyeingFirm   string       `json:"dyeingFirm" validate:"notblank,max=200"`
	PartyName    string       `json:"partyName" validate:"notblank,max=200"`
	YarnType     string       `json:"yarnType" validate:"notblank,max=100"`
	ShadeNo      string       `json:"shadeNo,omitempty" validate:"max=50"`
	Lot          string       `json:"lot,omitempty" validate:"max=50"`
	Quantity     float64      `json:"quantity" validate:"gt=0"`
	SentDate     strfmt.Date  `json:"sentDate" validate:"required"`
	ExpectedDate *strfmt.Date `json:"expectedArrivalDate,omitempty"`
	Remarks      string       `json:"remarks,omitempty" validate:"max=500"`
}

// RecordPatch is a partial update of a Record. Nil fields are left as is.
type RecordPatch struct {
	DyeingFirm   *string      `json:"dyeingFirm,omitempty" validate:"omitnil,notblank,max=200"`
	PartyName    *string      `json:"partyName,omitempty" validate:"omitnil,notblank,max=200"`
	YarnType     *string      `json:"yarnType,omitempty" validate:"omitnil,notblank,max=100"`
	ShadeNo      *string      `json:"shadeNo,omitempty" validate:"omitnil,max=50"`
	Lot          *string      `json:"lot,omitempty" validate:"omitnil,max=50"`
	Quantity     *float64     `json:"quantity,omitempty" validate:"omitnil,gt=0"`
	SentDate     *strfmt.Date `json:"sentDate,omitempty"`
	ExpectedDate *strfmt.Date `json:"expectedArrivalDate,omitempty"`
	Remarks      *string      `json:"remarks,omitempty" validate:"omitnil,max=500"`
}

// ToRecord builds the record the input describes, without id or timestamps.
func (in RecordInput) ToRecord() Record {
	return Record{
		DyeingFirm:   strings.TrimSpace(in.DyeingFirm),
		PartyName:    strings.TrimSpace(in.PartyName),
		YarnType:     strings.TrimSpace(in.YarnType),
		ShadeNo:      strings.TrimSpace(in.ShadeNo),
		Lot:          strings.TrimSpace(in.Lot),
		Quantity:     in.Quantity,
		SentDate:     in.SentDate,
		ExpectedDate: in.ExpectedDate,
		Remarks:      in.Remarks,
	}
}

// Apply returns a copy of r with the patch applied.
func (p RecordPatch) Apply(r Record) Record {
	if p.DyeingFirm != nil {
		r.DyeingFirm = strings.TrimSpace(*p.DyeingFirm)
	}
	if p.PartyName != nil {
		r.PartyName = strings.TrimSpace(*p.PartyName)
	}
	if p.YarnType != nil {
		r.YarnType = strings.TrimSpace(*p.YarnType)
	}
	if p.ShadeNo != nil {
		r.ShadeNo = strings.TrimSpace(*p.ShadeNo)
	}
	if p.Lot != nil {
		r.Lot = strings.TrimSpace(*p.Lot)
	}
	if p.Quantity != nil {
		r.Quantity = *p.Quantity
	}
	if p.SentDate != nil {
		r.SentDate = *p.SentDate
	}
	if p.ExpectedDate != nil {
		r.ExpectedDate = p.ExpectedDate
	}
	if p.Remarks != nil {
		r.Remarks = *p.Remarks
	}
	return r
}
