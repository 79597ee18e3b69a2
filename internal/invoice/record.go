// Package invoice holds the in-memory invoice model and the reducer that
// applies live stream events to it.
//
// Records are treated as immutable values: every change produces a new
// *Record and a new collection slice, leaving unrelated records untouched
// so views can compare pointers to skip work.
package invoice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ID identifies an invoice. It decodes from a JSON number or a numeric string
// so that 42 and "42" refer to the same record.
type ID int64

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	v, ok := parseID(gjson.ParseBytes(b))
	if !ok {
		return fmt.Errorf("invalid invoice id %s", b)
	}
	*id = v
	return nil
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseID parses an id from its string form.
func ParseID(s string) (ID, bool) {
	return parseID(gjson.Result{Type: gjson.String, Str: s})
}

func parseID(r gjson.Result) (ID, bool) {
	switch r.Type {
	case gjson.Number:
		n := r.Int()
		if float64(n) != r.Num {
			return 0, false
		}
		return ID(n), true
	case gjson.String:
		n, err := strconv.ParseInt(r.Str, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(r.Str, 64)
			if ferr != nil || f != float64(int64(f)) {
				return 0, false
			}
			n = int64(f)
		}
		return ID(n), true
	default:
		return 0, false
	}
}

// extractID reads the correlation key from an event payload, preferring
// "invoiceId" over "id".
func extractID(data []byte) (ID, bool) {
	for _, key := range []string{"invoiceId", "id"} {
		if r := gjson.GetBytes(data, key); r.Exists() {
			if id, ok := parseID(r); ok {
				return id, true
			}
		}
	}
	return 0, false
}

// Record is one invoice as held by the live collection.
type Record struct {
	ID            ID         `json:"id"`
	InvoiceNumber string     `json:"invoiceNumber,omitempty"`
	VendorName    string     `json:"vendorName,omitempty"`
	Amount        float64    `json:"amount,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	Status        string     `json:"status,omitempty"`
	TrustScore    *float64   `json:"trustScore,omitempty"`
	RiskScore     *float64   `json:"riskScore,omitempty"`
	RiskLevel     string     `json:"riskLevel,omitempty"`
	AISummary     string     `json:"aiSummary,omitempty"`
	AIStatus      string     `json:"aiStatus,omitempty"`
	Flags         []string   `json:"flags,omitempty"`
	IsAnalyzing   bool       `json:"isAnalyzing"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`

	// Extra carries payload fields the model does not name.
	Extra map[string]json.RawMessage `json:"-"`
}

type recordJSON Record

// MarshalJSON flattens Extra next to the named fields.
func (r Record) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(recordJSON(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, named := fields[k]; !named {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reads a record, keeping unknown fields in Extra.
func (r *Record) UnmarshalJSON(b []byte) error {
	var named recordJSON
	if err := json.Unmarshal(b, &named); err != nil {
		return err
	}
	extra, err := unknownFields(b)
	if err != nil {
		return err
	}
	named.Extra = extra
	*r = Record(named)
	return nil
}

func (r *Record) clone() *Record {
	out := *r
	out.Flags = slices.Clone(r.Flags)
	out.Extra = maps.Clone(r.Extra)
	return &out
}

// Patch is the partial content of an update event. Nil fields are absent
// and never clear the target.
type Patch struct {
	InvoiceNumber *string    `json:"invoiceNumber"`
	VendorName    *string    `json:"vendorName"`
	Amount        *float64   `json:"amount"`
	Currency      *string    `json:"currency"`
	Status        *string    `json:"status"`
	TrustScore    *float64   `json:"trustScore"`
	RiskScore     *float64   `json:"riskScore"`
	RiskLevel     *string    `json:"riskLevel"`
	AISummary     *string    `json:"aiSummary"`
	AIStatus      *string    `json:"aiStatus"`
	Flags         []string   `json:"flags"`
	CreatedAt     *time.Time `json:"createdAt"`
	UpdatedAt     *time.Time `json:"updatedAt"`

	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON reads a payload the same way DecodePatch does.
func (p *Patch) UnmarshalJSON(b []byte) error {
	decoded, err := DecodePatch(b)
	if err != nil {
		return err
	}
	*p = *decoded
	return nil
}

// DecodePatch decodes an event payload field by field. Null values are
// absent. A named field whose value cannot be read as its type is kept
// verbatim in Extra instead.
func DecodePatch(data []byte) (*Patch, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode payload: invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("decode payload: expected an object, got %s", root.Type)
	}

	p := &Patch{}
	root.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if value.Type == gjson.Null || correlationFields[name] {
			return true
		}
		if !p.set(name, value) {
			if p.Extra == nil {
				p.Extra = make(map[string]json.RawMessage)
			}
			p.Extra[name] = json.RawMessage(value.Raw)
		}
		return true
	})
	return p, nil
}

// set assigns a named field from v. It reports false for unnamed keys and
// for values that do not fit the field.
func (p *Patch) set(name string, v gjson.Result) bool {
	switch name {
	case "invoiceNumber":
		return setString(&p.InvoiceNumber, v)
	case "vendorName":
		return setString(&p.VendorName, v)
	case "currency":
		return setString(&p.Currency, v)
	case "status":
		return setString(&p.Status, v)
	case "riskLevel":
		return setString(&p.RiskLevel, v)
	case "aiSummary":
		return setString(&p.AISummary, v)
	case "aiStatus":
		return setString(&p.AIStatus, v)
	case "amount":
		return setFloat(&p.Amount, v)
	case "trustScore":
		return setFloat(&p.TrustScore, v)
	case "riskScore":
		return setFloat(&p.RiskScore, v)
	case "createdAt":
		return setTime(&p.CreatedAt, v)
	case "updatedAt":
		return setTime(&p.UpdatedAt, v)
	case "flags":
		if !v.IsArray() {
			return false
		}
		flags := []string{}
		for _, f := range v.Array() {
			if f.Type != gjson.String {
				return false
			}
			flags = append(flags, f.Str)
		}
		p.Flags = flags
		return true
	}
	return false
}

// namedKeys lists the payload keys of the fields p sets.
func (p *Patch) namedKeys() []string {
	var keys []string
	add := func(set bool, key string) {
		if set {
			keys = append(keys, key)
		}
	}
	add(p.InvoiceNumber != nil, "invoiceNumber")
	add(p.VendorName != nil, "vendorName")
	add(p.Amount != nil, "amount")
	add(p.Currency != nil, "currency")
	add(p.Status != nil, "status")
	add(p.TrustScore != nil, "trustScore")
	add(p.RiskScore != nil, "riskScore")
	add(p.RiskLevel != nil, "riskLevel")
	add(p.AISummary != nil, "aiSummary")
	add(p.AIStatus != nil, "aiStatus")
	add(p.Flags != nil, "flags")
	add(p.CreatedAt != nil, "createdAt")
	add(p.UpdatedAt != nil, "updatedAt")
	return keys
}

// setString accepts strings, and numbers as their literal text since
// invoice numbers often arrive unquoted.
func setString(dst **string, v gjson.Result) bool {
	switch v.Type {
	case gjson.String:
		s := v.Str
		*dst = &s
	case gjson.Number:
		s := v.Raw
		*dst = &s
	default:
		return false
	}
	return true
}

// setFloat accepts numbers and numeric strings such as "1200.00".
func setFloat(dst **float64, v gjson.Result) bool {
	switch v.Type {
	case gjson.Number:
		f := v.Num
		*dst = &f
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		*dst = &f
	default:
		return false
	}
	return true
}

// timeLayouts are tried in order for timestamp fields.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func setTime(dst **time.Time, v gjson.Result) bool {
	if v.Type != gjson.String {
		return false
	}
	s := strings.TrimSpace(v.Str)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*dst = &t
			return true
		}
	}
	return false
}

// correlationFields identify the invoice or belong to the reducer and are
// never copied from a payload.
var correlationFields = map[string]bool{
	"id": true, "invoiceId": true, "isAnalyzing": true,
}

// knownFields are payload keys with a named Record field, plus the
// correlation keys which are never copied.
var knownFields = map[string]bool{
	"id": true, "invoiceId": true, "isAnalyzing": true,
	"invoiceNumber": true, "vendorName": true, "amount": true, "currency": true,
	"status": true, "trustScore": true, "riskScore": true, "riskLevel": true,
	"aiSummary": true, "aiStatus": true, "flags": true,
	"createdAt": true, "updatedAt": true,
}

var jsonNull = []byte("null")

func unknownFields(b []byte) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range all {
		if knownFields[k] || bytes.Equal(bytes.TrimSpace(v), jsonNull) {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}
