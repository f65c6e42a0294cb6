package source

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Source field names understood by the normalizer.
const (
	FieldServiceRequestID  = "SERVICE_REQUEST_ID"
	FieldServiceName       = "SERVICE_NAME"
	FieldServiceCode       = "SERVICE_CODE"
	FieldAgencyResponsible = "AGENCY_RESPONSIBLE"
	FieldAddress           = "ADDRESS"
	FieldZipcode           = "ZIPCODE"
	FieldStatus            = "STATUS"
	FieldStatusNotes       = "STATUS_NOTES"
	FieldServiceNotice     = "SERVICE_NOTICE"
	FieldMediaURL          = "MEDIA_URL"
	FieldNeighborhood      = "NEIGHBORHOOD"
	FieldWard              = "WARD"
	FieldCity              = "CITY"
	FieldAddressType       = "ADDRESS_TYPE"
	FieldSRX               = "SRX"
	FieldSRY               = "SRY"
	FieldLat               = "LAT"
	FieldLong              = "LONG"
	FieldRequestedDatetime = "REQUESTED_DATETIME"
	FieldUpdatedDatetime   = "UPDATED_DATETIME"
	FieldExpectedDatetime  = "EXPECTED_DATETIME"
)

var knownFields = map[string]struct{}{
	FieldServiceRequestID: {}, FieldServiceName: {}, FieldServiceCode: {}, FieldAgencyResponsible: {},
	FieldAddress: {}, FieldZipcode: {}, FieldStatus: {}, FieldStatusNotes: {}, FieldServiceNotice: {},
	FieldMediaURL: {}, FieldNeighborhood: {}, FieldWard: {}, FieldCity: {}, FieldAddressType: {},
	FieldSRX: {}, FieldSRY: {}, FieldLat: {}, FieldLong: {},
	FieldRequestedDatetime: {}, FieldUpdatedDatetime: {}, FieldExpectedDatetime: {},
}

// RawRecord is one element of a source page. It only exposes the fields the
// pipeline knows about; everything else is reported by UnknownFields.
type RawRecord struct {
	res gjson.Result
}

// ParseRecord wraps a single JSON object.
func ParseRecord(raw string) RawRecord {
	return RawRecord{res: gjson.Parse(raw)}
}

func (r RawRecord) get(name string) Field { return Field{res: r.res.Get(name)} }

func (r RawRecord) ServiceRequestID() Field  { return r.get(FieldServiceRequestID) }
func (r RawRecord) ServiceName() Field       { return r.get(FieldServiceName) }
func (r RawRecord) ServiceCode() Field       { return r.get(FieldServiceCode) }
func (r RawRecord) AgencyResponsible() Field { return r.get(FieldAgencyResponsible) }
func (r RawRecord) Address() Field           { return r.get(FieldAddress) }
func (r RawRecord) Zipcode() Field           { return r.get(FieldZipcode) }
func (r RawRecord) Status() Field            { return r.get(FieldStatus) }
func (r RawRecord) StatusNotes() Field       { return r.get(FieldStatusNotes) }
func (r RawRecord) ServiceNotice() Field     { return r.get(FieldServiceNotice) }
func (r RawRecord) MediaURL() Field          { return r.get(FieldMediaURL) }
func (r RawRecord) Neighborhood() Field      { return r.get(FieldNeighborhood) }
func (r RawRecord) Ward() Field              { return r.get(FieldWard) }
func (r RawRecord) City() Field              { return r.get(FieldCity) }
func (r RawRecord) AddressType() Field       { return r.get(FieldAddressType) }
func (r RawRecord) SRX() Field               { return r.get(FieldSRX) }
func (r RawRecord) SRY() Field               { return r.get(FieldSRY) }
func (r RawRecord) Lat() Field               { return r.get(FieldLat) }
func (r RawRecord) Long() Field              { return r.get(FieldLong) }
func (r RawRecord) RequestedDatetime() Field { return r.get(FieldRequestedDatetime) }
func (r RawRecord) UpdatedDatetime() Field   { return r.get(FieldUpdatedDatetime) }
func (r RawRecord) ExpectedDatetime() Field  { return r.get(FieldExpectedDatetime) }

// UnknownFields lists field names outside the known table, sorted.
func (r RawRecord) UnknownFields() []string {
	var out []string
	r.res.ForEach(func(key, _ gjson.Result) bool {
		if _, ok := knownFields[key.String()]; !ok {
			out = append(out, key.String())
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Raw returns the original JSON text.
func (r RawRecord) Raw() string { return r.res.Raw }

// Field is an optional, loosely typed source value.
type Field struct {
	res gjson.Result
}

// Present reports whether the field exists and is not JSON null.
func (f Field) Present() bool {
	return f.res.Exists() && f.res.Type != gjson.Null
}

// Text returns the value as text. Numbers are rendered as in the payload.
func (f Field) Text() (string, bool) {
	if !f.Present() {
		return "", false
	}
	switch f.res.Type {
	case gjson.String:
		return f.res.Str, true
	case gjson.Number:
		return f.res.Raw, true
	case gjson.True, gjson.False:
		return f.res.String(), true
	}
	return "", false
}

// Int coerces numbers and numeric strings holding an integral value.
func (f Field) Int() (int64, bool) {
	if !f.Present() {
		return 0, false
	}
	switch f.res.Type {
	case gjson.Number:
		if n, err := strconv.ParseInt(f.res.Raw, 10, 64); err == nil {
			return n, true
		}
		return integral(f.res.Num)
	case gjson.String:
		s := strings.TrimSpace(f.res.Str)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return integral(n)
		}
	}
	return 0, false
}

// Value returns a float64 for numbers, a string for strings, nil otherwise.
// It feeds the coordinate validator, which does its own coercion.
func (f Field) Value() any {
	if !f.Present() {
		return nil
	}
	switch f.res.Type {
	case gjson.Number:
		return f.res.Num
	case gjson.String:
		return f.res.Str
	}
	return f.res.Raw
}

func integral(n float64) (int64, bool) {
	if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
		return 0, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if n >= math.MaxInt64 || n < math.MinInt64 {
		return 0, false
	}
	return int64(n), true
}
