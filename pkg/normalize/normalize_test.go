package normalize

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stl311/stl311sync/pkg/geo"
	"github.com/stl311/stl311sync/pkg/source"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-07-05T23:48:01Z", time.Date(2025, 7, 5, 23, 48, 1, 0, time.UTC)},
		{"07/05/2025", time.Date(2025, 7, 5, 0, 0, 0, 0, time.UTC)},
		{"2025-07-05 08:15:00", time.Date(2025, 7, 5, 8, 15, 0, 0, time.UTC)},
		{"2025-07-05", time.Date(2025, 7, 5, 0, 0, 0, 0, time.UTC)},
		{"2025-07-05T23:48:01", time.Date(2025, 7, 5, 23, 48, 1, 0, time.UTC)},
		{"2025-07-05T18:48:01-05:00", time.Date(2025, 7, 5, 23, 48, 1, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in)
		if err != nil {
			t.Fatalf("ParseTime(%q): %v", tt.in, err)
		}
		if !got.Equal(tt.want) || got.Location() != time.UTC {
			t.Fatalf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "yesterday", "2025/07/05", "13/45/2025"} {
		if _, err := ParseTime(bad); err == nil {
			t.Fatalf("ParseTime(%q) should fail", bad)
		}
	}
}

const fullRecord = `{
	"SERVICE_REQUEST_ID": "501234",
	"SERVICE_NAME": "  Pothole  ",
	"SERVICE_CODE": "STR-12",
	"AGENCY_RESPONSIBLE": "Streets",
	"ADDRESS": "1200 MARKET STREET, Downtown, WARD 7",
	"ZIPCODE": "63103",
	"STATUS": "Open",
	"STATUS_NOTES": "queued",
	"SERVICE_NOTICE": "Phone",
	"MEDIA_URL": "crew-a",
	"SRX": -10040000,
	"SRY": "4650000",
	"REQUESTED_DATETIME": "2025-07-05T23:48:01Z",
	"UPDATED_DATETIME": "not a date",
	"EXPECTED_DATETIME": "07/10/2025"
}`

func TestNormalizeFullRecord(t *testing.T) {
	n := New(Options{})
	recs, stats := n.Batch([]source.RawRecord{source.ParseRecord(fullRecord)})
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d (%+v)", len(recs), stats)
	}
	r := recs[0]

	if r.ExternalID != 501234 || r.ProvisionalID {
		t.Fatalf("id: %d provisional=%v", r.ExternalID, r.ProvisionalID)
	}
	if r.Description != "Pothole" || r.ProblemCode != "STR-12" || r.SubmitTo != "Streets" {
		t.Fatalf("mapped fields wrong: %+v", r)
	}
	if r.Status != "Open" || r.Explanation != "queued" || r.CallerType != "Phone" || r.GroupName != "crew-a" {
		t.Fatalf("mapped fields wrong: %+v", r)
	}
	if r.Zip == nil || *r.Zip != 63103 {
		t.Fatalf("zip: %v", r.Zip)
	}
	if r.Neighborhood != "Downtown" {
		t.Fatalf("neighborhood: %q", r.Neighborhood)
	}
	if r.Ward == nil || *r.Ward != 7 {
		t.Fatalf("ward: %v", r.Ward)
	}
	if r.City != DefaultCity || r.AddressType != "Street" {
		t.Fatalf("derived: city=%q type=%q", r.City, r.AddressType)
	}
	if r.Location != (geo.Point{X: -10040000, Y: 4650000}) {
		t.Fatalf("location: %+v", r.Location)
	}
	if r.InitiatedAt == nil || !r.InitiatedAt.Equal(time.Date(2025, 7, 5, 23, 48, 1, 0, time.UTC)) {
		t.Fatalf("initiated: %v", r.InitiatedAt)
	}
	if r.ClosedAt != nil {
		t.Fatalf("unparsable date should be dropped, got %v", r.ClosedAt)
	}
	if r.CompletedAt == nil || !r.CompletedAt.Equal(time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("completed: %v", r.CompletedAt)
	}
	if stats.InvalidDates != 1 || stats.WithDates != 1 || stats.ValidCoordinates != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestBatchDropsRecordsWithoutCoordinates(t *testing.T) {
	raws := []source.RawRecord{
		source.ParseRecord(`{"SERVICE_REQUEST_ID":1,"SRX":-10040000,"SRY":4650000}`),
		source.ParseRecord(`{"SERVICE_REQUEST_ID":2}`),
		source.ParseRecord(`{"SERVICE_REQUEST_ID":3,"SRX":0,"SRY":0}`),
		source.ParseRecord(`{"SERVICE_REQUEST_ID":4,"SRX":null,"SRY":"","LAT":38.6,"LONG":-90.2}`),
		source.ParseRecord(`{"SERVICE_REQUEST_ID":5,"SRX":-10040001,"SRY":4650001}`),
	}
	recs, stats := New(Options{}).Batch(raws)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ExternalID != 1 || recs[1].ExternalID != 5 {
		t.Fatalf("order not preserved: %d, %d", recs[0].ExternalID, recs[1].ExternalID)
	}
	if stats.MissingCoordinates != 3 || stats.Dropped() != 3 || stats.Processed != 2 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestFallbackPairIsUsedVerbatim(t *testing.T) {
	// A box around the degree values shows LAT is read as x and LONG as y.
	box := geo.BBox{MinX: 30, MaxX: 40, MinY: -95, MaxY: -85}
	n := New(Options{BBox: box})
	r, err := n.Normalize(source.ParseRecord(`{"SERVICE_REQUEST_ID":9,"SRX":0,"SRY":0,"LAT":38.6,"LONG":-90.2}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.Location != (geo.Point{X: 38.6, Y: -90.2}) {
		t.Fatalf("location: %+v", r.Location)
	}
}

func TestIdentifierResolution(t *testing.T) {
	n := New(Options{})
	loc := `"SRX":-10040000,"SRY":4650000`

	r, err := n.Normalize(source.ParseRecord(`{"SERVICE_CODE":"4411",` + loc + `}`))
	if err != nil || r.ExternalID != 4411 || !r.ProvisionalID {
		t.Fatalf("numeric service code: %+v %v", r, err)
	}

	a, err := n.Normalize(source.ParseRecord(`{"SERVICE_CODE":"SWR-1",` + loc + `}`))
	if err != nil || !a.ProvisionalID || a.ExternalID <= 0 {
		t.Fatalf("hashed service code: %+v %v", a, err)
	}
	b, _ := n.Normalize(source.ParseRecord(`{"SERVICE_CODE":"SWR-1",` + loc + `}`))
	if a.ExternalID != b.ExternalID {
		t.Fatalf("hashed id not deterministic: %d vs %d", a.ExternalID, b.ExternalID)
	}

	r, err = n.Normalize(source.ParseRecord(`{"SERVICE_REQUEST_ID":"abc","SERVICE_CODE":"77",` + loc + `}`))
	if err != nil || r.ExternalID != 77 {
		t.Fatalf("unparsable request id should fall back: %+v %v", r, err)
	}

	_, err = n.Normalize(source.ParseRecord(`{` + loc + `}`))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "identifier" || !errors.Is(err, ErrNoIdentifier) {
		t.Fatalf("expected identifier validation error, got %v", err)
	}
}

func TestAddressType(t *testing.T) {
	tests := map[string]string{
		"4500 MAIN ST":         "Street",
		"12 Lindell Blvd":      "Street",
		"123 MAIN DRIVE":       "Street",
		"700 Grand Boulevard":  "Street",
		"5 Forest Park Pkwy":   "Street",
		"31 Portland Pl":       "Street",
		"DRAKE PLACE":          "Street",
		"9 Gravois Rd.":        "Street",
		"REAR ALLEY OF 3400 X": "Alley",
		"88 PINE LANE":         "Alley",
		"1 ADDRESS UNKNOWN":    "Address",
		"4500 STEWART":         "Address",
		"DRAKESTREETWISE":      "Address",
		"1200 MAIN ST / ALLEY": "Street",
		"":                     "Address",
	}
	for addr, want := range tests {
		if got := addressType(strings.ToUpper(addr)); got != want {
			t.Fatalf("addressType(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestProvidedFieldsOverrideHeuristics(t *testing.T) {
	raw := source.ParseRecord(`{"SERVICE_REQUEST_ID":3,"SRX":-10040000,"SRY":4650000,
		"ADDRESS":"1 MAIN ST, Soulard, WARD 9","NEIGHBORHOOD":"Benton Park","WARD":"12","CITY":"Clayton","ADDRESS_TYPE":"Intersection"}`)
	r, err := New(Options{}).Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.Neighborhood != "Benton Park" || r.Ward == nil || *r.Ward != 12 || r.City != "Clayton" || r.AddressType != "Intersection" {
		t.Fatalf("provided fields not kept: %+v", r)
	}
}

func TestTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("é", 300)
	r, err := New(Options{}).Normalize(source.ParseRecord(`{"SERVICE_REQUEST_ID":3,"SRX":-10040000,"SRY":4650000,"SERVICE_NAME":"` + long + `"}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if n := len([]rune(r.Description)); n != 255 {
		t.Fatalf("expected 255 runes, got %d", n)
	}
}

func TestUnknownFieldsCounted(t *testing.T) {
	raws := []source.RawRecord{
		source.ParseRecord(`{"SERVICE_REQUEST_ID":1,"SRX":-10040000,"SRY":4650000,"FOO":1}`),
		source.ParseRecord(`{"SERVICE_REQUEST_ID":2,"SRX":-10040000,"SRY":4650000,"FOO":2,"BAR":3}`),
	}
	_, stats := New(Options{}).Batch(raws)
	if stats.UnknownFields["FOO"] != 2 || stats.UnknownFields["BAR"] != 1 {
		t.Fatalf("unknown fields: %v", stats.UnknownFields)
	}
}
