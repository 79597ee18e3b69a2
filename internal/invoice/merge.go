package invoice

import (
	"encoding/json"
	"maps"
	"time"
)

// NewRecord builds the record for a freshly created invoice. Descriptive
// fields are taken from the payload; score and analysis fields stay unset
// until the analysis events arrive.
func NewRecord(id ID, p *Patch) *Record {
	rec := &Record{ID: id, IsAnalyzing: true}
	if p == nil {
		return rec
	}
	if p.InvoiceNumber != nil {
		rec.InvoiceNumber = *p.InvoiceNumber
	}
	if p.VendorName != nil {
		rec.VendorName = *p.VendorName
	}
	if p.Amount != nil {
		rec.Amount = *p.Amount
	}
	if p.Currency != nil {
		rec.Currency = *p.Currency
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Flags != nil {
		rec.Flags = append([]string(nil), p.Flags...)
	}
	rec.CreatedAt = copyTime(p.CreatedAt)
	rec.UpdatedAt = copyTime(p.UpdatedAt)
	rec.Extra = maps.Clone(p.Extra)
	return rec
}

// Merge returns a copy of rec with every present patch field overwritten and
// IsAnalyzing cleared. Applying the same patch twice gives the same record.
func Merge(rec *Record, p *Patch) *Record {
	out := rec.clone()
	if p.InvoiceNumber != nil {
		out.InvoiceNumber = *p.InvoiceNumber
	}
	if p.VendorName != nil {
		out.VendorName = *p.VendorName
	}
	if p.Amount != nil {
		out.Amount = *p.Amount
	}
	if p.Currency != nil {
		out.Currency = *p.Currency
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.TrustScore != nil {
		out.TrustScore = copyFloat(p.TrustScore)
	}
	if p.RiskScore != nil {
		out.RiskScore = copyFloat(p.RiskScore)
	}
	if p.RiskLevel != nil {
		out.RiskLevel = *p.RiskLevel
	}
	if p.AISummary != nil {
		out.AISummary = *p.AISummary
	}
	if p.AIStatus != nil {
		out.AIStatus = *p.AIStatus
	}
	if p.Flags != nil {
		out.Flags = append([]string(nil), p.Flags...)
	}
	if p.CreatedAt != nil {
		out.CreatedAt = copyTime(p.CreatedAt)
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = copyTime(p.UpdatedAt)
	}
	if len(p.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage, len(p.Extra))
		}
		maps.Copy(out.Extra, p.Extra)
	}
	// A readable value supersedes any raw one kept from an earlier payload.
	for _, key := range p.namedKeys() {
		delete(out.Extra, key)
	}
	out.IsAnalyzing = false
	return out
}

// Insert prepends rec unless a record with the same id exists, in which
// case records is returned unchanged and false is reported.
func Insert(records []*Record, rec *Record) ([]*Record, bool) {
	if Index(records, rec.ID) >= 0 {
		return records, false
	}
	out := make([]*Record, 0, len(records)+1)
	out = append(out, rec)
	out = append(out, records...)
	return out, true
}

// MergeInto replaces the record matching id with Merge(record, p). Only that
// element changes; when nothing matches records is returned unchanged.
func MergeInto(records []*Record, id ID, p *Patch) ([]*Record, bool) {
	i := Index(records, id)
	if i < 0 {
		return records, false
	}
	out := make([]*Record, len(records))
	copy(out, records)
	out[i] = Merge(records[i], p)
	return out, true
}

// Index returns the position of the record with id, or -1.
func Index(records []*Record, id ID) int {
	for i, r := range records {
		if r != nil && r.ID == id {
			return i
		}
	}
	return -1
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
