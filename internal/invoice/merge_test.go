package invoice

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestMerge_DoesNotMutateInput(t *testing.T) {
	orig := &Record{ID: 1, VendorName: "Acme", Flags: []string{"a"}, IsAnalyzing: true}
	p := &Patch{TrustScore: ptr(70.0), Flags: []string{"b"}}

	out := Merge(orig, p)

	assert.NotSame(t, orig, out)
	assert.Equal(t, []string{"a"}, orig.Flags)
	assert.True(t, orig.IsAnalyzing)
	assert.Nil(t, orig.TrustScore)
	assert.Equal(t, []string{"b"}, out.Flags)
	assert.Equal(t, "Acme", out.VendorName)
	assert.False(t, out.IsAnalyzing)
}

func TestMerge_NullNeverClears(t *testing.T) {
	rec := &Record{ID: 1, AISummary: "kept", TrustScore: ptr(10.0)}
	p, err := DecodePatch([]byte(`{"invoiceId":1,"aiSummary":null,"trustScore":null,"note":null}`))
	require.NoError(t, err)

	out := Merge(rec, p)
	assert.Equal(t, "kept", out.AISummary)
	require.NotNil(t, out.TrustScore)
	assert.Equal(t, 10.0, *out.TrustScore)
	assert.NotContains(t, out.Extra, "note")
}

func TestMerge_OverwritesNotAccumulates(t *testing.T) {
	rec := &Record{ID: 1, RiskScore: ptr(5.0)}
	p := &Patch{RiskScore: ptr(5.0)}

	once := Merge(rec, p)
	twice := Merge(once, p)
	assert.Equal(t, 5.0, *twice.RiskScore)
	assert.Equal(t, *once, *twice)
}

func TestInsert(t *testing.T) {
	a := &Record{ID: 1}
	records := []*Record{a}

	out, ok := Insert(records, &Record{ID: 2})
	require.True(t, ok)
	require.Len(t, out, 2)
	assert.Equal(t, ID(2), out[0].ID)
	assert.Same(t, a, out[1])
	assert.Len(t, records, 1, "input slice untouched")

	same, ok := Insert(out, &Record{ID: 1})
	assert.False(t, ok)
	assert.Same(t, &out[0], &same[0])
}

func TestMergeInto(t *testing.T) {
	a, b := &Record{ID: 1}, &Record{ID: 2}
	records := []*Record{a, b}

	out, ok := MergeInto(records, 2, &Patch{Status: ptr("approved")})
	require.True(t, ok)
	assert.Same(t, a, out[0])
	assert.NotSame(t, b, out[1])
	assert.Equal(t, "approved", out[1].Status)
	assert.Same(t, b, records[1], "input slice untouched")
	assert.Empty(t, b.Status)

	none, ok := MergeInto(records, 3, &Patch{Status: ptr("x")})
	assert.False(t, ok)
	assert.Same(t, &records[0], &none[0])
}

func TestNewRecord_LeavesScoresUnset(t *testing.T) {
	p, err := DecodePatch([]byte(`{"invoiceId":3,"invoiceNumber":"INV-3","amount":12.5,"trustScore":99,"aiSummary":"early","supplierCountry":"DE"}`))
	require.NoError(t, err)

	rec := NewRecord(3, p)
	assert.Equal(t, ID(3), rec.ID)
	assert.Equal(t, "INV-3", rec.InvoiceNumber)
	assert.Equal(t, 12.5, rec.Amount)
	assert.True(t, rec.IsAnalyzing)
	assert.Nil(t, rec.TrustScore)
	assert.Empty(t, rec.AISummary)
	assert.Equal(t, json.RawMessage(`"DE"`), rec.Extra["supplierCountry"])
}

func TestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    ID
		wantErr bool
	}{
		{in: `42`, want: 42},
		{in: `"42"`, want: 42},
		{in: `42.0`, want: 42},
		{in: `"7.0"`, want: 7},
		{in: `42.5`, wantErr: true},
		{in: `"abc"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var id ID
			err := json.Unmarshal([]byte(tt.in), &id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestRecord_JSONRoundTripKeepsExtra(t *testing.T) {
	in := `{"id":"12","vendorName":"Acme","isAnalyzing":false,"trustScore":61,"paymentTerms":"net30"}`

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(in), &rec))
	assert.Equal(t, ID(12), rec.ID)
	assert.Equal(t, json.RawMessage(`"net30"`), rec.Extra["paymentTerms"])

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":12,"vendorName":"Acme","isAnalyzing":false,"trustScore":61,"paymentTerms":"net30"}`, string(out))
}
