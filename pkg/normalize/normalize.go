package normalize

import (
	"errors"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stl311/stl311sync/pkg/geo"
	"github.com/stl311/stl311sync/pkg/source"
)

const (
	DefaultCity   = "St. Louis"
	DefaultStatus = "New"

	maxFieldLen  = 255
	addressTypeS = "Street"
	addressTypeA = "Alley"
	addressTypeD = "Address"
)

var (
	ErrNoIdentifier = errors.New("no request id or service code")

	wardPattern = regexp.MustCompile(`WARD\s*(\d+)`)

	// Matched as whole words so "STEWART" or "DRAKE" never count as a suffix.
	streetWords = wordSet("STREET", "ST", "AVENUE", "AVE", "BOULEVARD", "BLVD", "DRIVE", "DR",
		"ROAD", "RD", "PLACE", "PL", "COURT", "CT", "TERRACE", "TER", "PARKWAY", "PKWY",
		"HIGHWAY", "HWY", "WAY")
	alleyWords = wordSet("ALLEY", "LANE", "LN")
)

type Options struct {
	BBox geo.BBox
	City string
}

type Normalizer struct {
	bbox geo.BBox
	city string
}

func New(opts Options) *Normalizer {
	if opts.BBox == (geo.BBox{}) {
		opts.BBox = geo.StLouis
	}
	if opts.City == "" {
		opts.City = DefaultCity
	}
	return &Normalizer{bbox: opts.BBox, city: opts.City}
}

// Batch normalizes records in arrival order. Drops are tallied in Stats and
// never abort the batch.
func (n *Normalizer) Batch(raws []source.RawRecord) ([]Record, Stats) {
	stats := Stats{Total: len(raws), UnknownFields: map[string]int{}}
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		for _, f := range raw.UnknownFields() {
			stats.UnknownFields[f]++
		}
		rec, err := n.normalize(raw, &stats)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) && ve.Field == "identifier" {
				stats.MissingIdentifier++
			} else {
				stats.MissingCoordinates++
			}
			continue
		}
		stats.Processed++
		out = append(out, rec)
	}
	if len(stats.UnknownFields) == 0 {
		stats.UnknownFields = nil
	}
	return out, stats
}

// Normalize maps a single record. A *ValidationError means the record has
// to be dropped.
func (n *Normalizer) Normalize(raw source.RawRecord) (Record, error) {
	var stats Stats
	return n.normalize(raw, &stats)
}

func (n *Normalizer) normalize(raw source.RawRecord, stats *Stats) (Record, error) {
	var rec Record

	id, provisional, ok := resolveID(raw)
	if !ok {
		return rec, &ValidationError{Field: "identifier", Err: ErrNoIdentifier}
	}
	rec.ExternalID = id
	rec.ProvisionalID = provisional

	// SRX/SRY are projected meters. LAT/LONG are taken as x/y without
	// reprojection; stored geometry already follows that convention.
	pt, err := n.bbox.ValidateWithFallback(raw.SRX().Value(), raw.SRY().Value(), raw.Lat().Value(), raw.Long().Value())
	if err != nil {
		return rec, &ValidationError{Field: "coordinates", Err: err}
	}
	if _, primaryErr := n.bbox.Validate(raw.SRX().Value(), raw.SRY().Value()); primaryErr != nil {
		stats.FallbackLocations++
	}
	rec.Location = pt
	stats.ValidCoordinates++
	if provisional {
		stats.ProvisionalIDs++
	}

	rec.Description = text(raw.ServiceName())
	rec.ProblemCode = text(raw.ServiceCode())
	rec.SubmitTo = text(raw.AgencyResponsible())
	rec.Address = text(raw.Address())
	rec.Status = text(raw.Status())
	rec.Explanation = text(raw.StatusNotes())
	rec.CallerType = text(raw.ServiceNotice())
	rec.GroupName = text(raw.MediaURL())
	rec.Neighborhood = text(raw.Neighborhood())
	rec.City = text(raw.City())
	rec.AddressType = text(raw.AddressType())
	rec.Zip = optInt(raw.Zipcode())
	rec.Ward = optInt(raw.Ward())

	rec.InitiatedAt = n.date(raw.RequestedDatetime(), stats)
	rec.ClosedAt = n.date(raw.UpdatedDatetime(), stats)
	rec.CompletedAt = n.date(raw.ExpectedDatetime(), stats)
	if rec.InitiatedAt != nil {
		stats.WithDates++
	}

	n.derive(&rec)
	return rec, nil
}

// derive fills the address heuristics. None of these can fail the record.
func (n *Normalizer) derive(rec *Record) {
	upper := strings.ToUpper(rec.Address)

	if rec.Neighborhood == "" {
		if parts := strings.Split(rec.Address, ","); len(parts) > 1 {
			rec.Neighborhood = clean(parts[1])
		}
	}
	if rec.Ward == nil {
		if m := wardPattern.FindStringSubmatch(upper); m != nil {
			if w, err := strconv.Atoi(m[1]); err == nil {
				rec.Ward = &w
			}
		}
	}
	if rec.City == "" {
		rec.City = n.city
	}
	if rec.Status == "" {
		rec.Status = DefaultStatus
	}
	if rec.AddressType == "" && rec.Address != "" {
		rec.AddressType = addressType(upper)
	}
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func addressType(upper string) string {
	words := strings.FieldsFunc(upper, func(r rune) bool {
		return (r < 'A' || r > 'Z') && (r < '0' || r > '9')
	})
	for _, w := range words {
		if streetWords[w] {
			return addressTypeS
		}
	}
	for _, w := range words {
		if alleyWords[w] {
			return addressTypeA
		}
	}
	return addressTypeD
}

// resolveID prefers SERVICE_REQUEST_ID. Without one, the service code stands
// in: its integer value when numeric, otherwise a stable hash of the code.
func resolveID(raw source.RawRecord) (int64, bool, bool) {
	if id, ok := raw.ServiceRequestID().Int(); ok && id > 0 {
		return id, false, true
	}
	if code, ok := raw.ServiceCode().Int(); ok && code > 0 {
		return code, true, true
	}
	code, ok := raw.ServiceCode().Text()
	code = strings.TrimSpace(code)
	if !ok || code == "" {
		return 0, false, false
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(code))
	// Keep it positive so it never collides with the "absent" zero value.
	return int64(h.Sum64()>>1) | 1, true, true
}

func (n *Normalizer) date(f source.Field, stats *Stats) *time.Time {
	if !f.Present() {
		return nil
	}
	s, ok := f.Text()
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}
	t, err := ParseTime(s)
	if err != nil {
		stats.InvalidDates++
		return nil
	}
	return &t
}

func text(f source.Field) string {
	s, _ := f.Text()
	return clean(s)
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxFieldLen {
		s = strings.TrimSpace(string(r[:maxFieldLen]))
	}
	return s
}

func optInt(f source.Field) *int {
	v, ok := f.Int()
	if !ok {
		return nil
	}
	i := int(v)
	return &i
}
