// Package alerts turns rule findings into rows of an append-only sheet and
// suppresses rows that were already written.
package alerts

import (
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/sla"
)

// Columns is the fixed sink schema.
var Columns = []string{
	"emitted_at", "source_label", "deal_id", "title", "stage", "responsible_name", "reference_link", "remark",
}

type Violation struct {
	OccurredAt      time.Time `json:"occurred_at"`
	Rule            string    `json:"rule"`
	SourceLabel     string    `json:"source_label"`
	DealID          *int      `json:"deal_id,omitempty"`
	Title           string    `json:"title,omitempty"`
	Stage           string    `json:"stage,omitempty"`
	ResponsibleName string    `json:"responsible_name"`
	ReferenceLink   string    `json:"reference_link,omitempty"`
	Remark          string    `json:"remark"`
}

// AlertKey is every sink column except the emission time. Two violations
// with equal keys are the same alert.
type AlertKey struct {
	SourceLabel     string
	DealID          string
	Title           string
	Stage           string
	ResponsibleName string
	ReferenceLink   string
	Remark          string
}

func (v Violation) Key() AlertKey {
	return AlertKey{
		SourceLabel:     strings.TrimSpace(v.SourceLabel),
		DealID:          dealIDString(v.DealID),
		Title:           strings.TrimSpace(v.Title),
		Stage:           strings.TrimSpace(v.Stage),
		ResponsibleName: strings.TrimSpace(v.ResponsibleName),
		ReferenceLink:   strings.TrimSpace(v.ReferenceLink),
		Remark:          strings.TrimSpace(v.Remark),
	}
}

func (v Violation) Row(loc *time.Location) []string {
	k := v.Key()
	return []string{
		v.OccurredAt.In(loc).Format(sla.SinkTimeLayout),
		k.SourceLabel,
		k.DealID,
		k.Title,
		k.Stage,
		k.ResponsibleName,
		k.ReferenceLink,
		k.Remark,
	}
}

// KeyFromRow reads a sink row. Rows written before the link column existed
// have seven cells and no link.
func KeyFromRow(row []string) (AlertKey, bool) {
	cells := make([]string, len(row))
	for i, c := range row {
		cells[i] = strings.TrimSpace(c)
	}
	switch {
	case len(cells) < 2:
		return AlertKey{}, false
	case len(cells) == 7:
		return AlertKey{
			SourceLabel:     cells[1],
			DealID:          cells[2],
			Title:           cells[3],
			Stage:           cells[4],
			ResponsibleName: cells[5],
			Remark:          cells[6],
		}, true
	}
	for len(cells) < len(Columns) {
		cells = append(cells, "")
	}
	return AlertKey{
		SourceLabel:     cells[1],
		DealID:          cells[2],
		Title:           cells[3],
		Stage:           cells[4],
		ResponsibleName: cells[5],
		ReferenceLink:   cells[6],
		Remark:          cells[7],
	}, true
}

func dealIDString(id *int) string {
	if id == nil {
		return ""
	}
	return strconv.Itoa(*id)
}
