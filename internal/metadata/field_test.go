package metadata

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCentsTransform(t *testing.T) {
	cents := Cents("currency")
	cases := []struct {
		name string
		raw  any
		p    Payload
		want any
	}{
		{"usd json number", json.Number("4200"), Payload{"currency": "usd"}, "42.00"},
		{"usd odd cents", json.Number("1999"), Payload{"currency": "USD"}, "19.99"},
		{"jpy is zero decimal", json.Number("4200"), Payload{"currency": "jpy"}, "4200"},
		{"float input", float64(50), Payload{"currency": "eur"}, "0.50"},
		{"null", nil, Payload{}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cents(tc.raw, tc.p)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := cents(true, Payload{}); err == nil {
		t.Fatal("expected error for non-numeric amount")
	}
}

func TestUnixTimestamp(t *testing.T) {
	got, err := UnixTimestamp(json.Number("1600000000"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Unix(1600000000, 0).UTC()
	if !got.(time.Time).Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestConvertTypeNulls(t *testing.T) {
	if v, _ := ConvertType(TypeString, false, nil); v != "" {
		t.Fatalf("non-nullable string null should be empty, got %v", v)
	}
	if v, _ := ConvertType(TypeString, true, nil); v != nil {
		t.Fatalf("nullable string null should stay nil, got %v", v)
	}
	if v, _ := ConvertType(TypeBoolean, false, nil); v != false {
		t.Fatalf("non-nullable boolean null should be false, got %v", v)
	}
	if v, _ := ConvertType(TypeInt, false, json.Number("12")); v != int64(12) {
		t.Fatalf("int conversion got %v", v)
	}
	if v, _ := ConvertType(TypeDecimal, false, json.Number("8.25")); v != "8.25" {
		t.Fatalf("decimal conversion got %v", v)
	}
}

func TestFieldExtractUsesSourcePath(t *testing.T) {
	f := Field{Name: "request_id", Source: "request.id", Type: TypeString}
	raw, ok := f.Extract(Payload{"request": map[string]any{"id": "req_1"}})
	if !ok || raw != "req_1" {
		t.Fatalf("got %v %v", raw, ok)
	}
	if _, ok := f.Extract(Payload{"request": "req_1"}); ok {
		t.Fatal("string intermediate must not resolve a nested path")
	}
}
