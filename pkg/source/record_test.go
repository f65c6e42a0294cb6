package source

import (
	"reflect"
	"testing"
)

func TestFieldCoercion(t *testing.T) {
	r := ParseRecord(`{"SERVICE_REQUEST_ID":"1234","ZIPCODE":63101.0,"SRX":"-10040000.5","STATUS":null,"WARD":"x","EXTRA":1,"OTHER":"y"}`)

	if id, ok := r.ServiceRequestID().Int(); !ok || id != 1234 {
		t.Fatalf("id: got %d %v", id, ok)
	}
	if zip, ok := r.Zipcode().Int(); !ok || zip != 63101 {
		t.Fatalf("zip: got %d %v", zip, ok)
	}
	if _, ok := r.SRX().Int(); ok {
		t.Fatalf("fractional value should not coerce to int")
	}
	if v, ok := r.SRX().Value().(string); !ok || v != "-10040000.5" {
		t.Fatalf("SRX value: %#v", r.SRX().Value())
	}
	if r.Status().Present() {
		t.Fatalf("null should not be present")
	}
	if _, ok := r.Ward().Int(); ok {
		t.Fatalf("non-numeric string should not coerce")
	}
	if s, ok := r.Zipcode().Text(); !ok || s != "63101.0" {
		t.Fatalf("text of number: %q", s)
	}
	if got := r.UnknownFields(); !reflect.DeepEqual(got, []string{"EXTRA", "OTHER"}) {
		t.Fatalf("unknown fields: %v", got)
	}
}

func TestFieldIntRange(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{`9223372036854775807`, 9223372036854775807, true},
		{`-9223372036854775808`, -9223372036854775808, true},
		{`9223372036854775808`, 0, false},
		{`9.3e18`, 0, false},
		{`"9223372036854775808"`, 0, false},
		{`"9.3e18"`, 0, false},
		{`"-9.3e18"`, 0, false},
		{`1e3`, 1000, true},
	}
	for _, tt := range tests {
		r := ParseRecord(`{"SERVICE_REQUEST_ID":` + tt.raw + `}`)
		got, ok := r.ServiceRequestID().Int()
		if ok != tt.ok || got != tt.want {
			t.Fatalf("Int(%s) = %d %v, want %d %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}
