package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Field types understood by the migrator and the row decoder.
const (
	TypeString    = "string"
	TypeInt       = "int"
	TypeBoolean   = "boolean"
	TypeDecimal   = "decimal"
	TypeTimestamp = "timestamp"
	TypeJSON      = "json"
)

// TransformFunc converts a raw payload value into the value stored in the
// column. The whole payload is passed for transforms that depend on sibling
// fields (currency-aware amounts).
type TransformFunc func(raw any, p Payload) (any, error)

type Field struct {
	Name      string
	Source    string // payload path; defaults to Name
	Type      string
	Required  bool
	Nullable  bool
	LocalOnly bool // never sent back to the remote
	Managed   bool // not read from the payload; maintained by hooks or local actions
	Transform TransformFunc
}

// SourcePath returns the payload path the field is read from.
func (f Field) SourcePath() string {
	if f.Source != "" {
		return f.Source
	}
	return f.Name
}

// Extract reads the raw value for this field. present is false when the
// payload does not carry the key at all.
func (f Field) Extract(p Payload) (raw any, present bool) {
	return p.Lookup(f.SourcePath())
}

// Convert applies the field's transform, falling back to the default
// conversion for its type.
func (f Field) Convert(raw any, p Payload) (any, error) {
	if f.Transform != nil {
		return f.Transform(raw, p)
	}
	return ConvertType(f.Type, f.Nullable, raw)
}

// ConvertType is the default payload-to-column conversion for a field type.
func ConvertType(fieldType string, nullable bool, raw any) (any, error) {
	switch fieldType {
	case TypeString:
		if raw == nil {
			if nullable {
				return nil, nil
			}
			return "", nil
		}
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", raw), nil
	case TypeInt:
		if raw == nil {
			return nil, nil
		}
		return toInt64(raw)
	case TypeBoolean:
		if raw == nil {
			if nullable {
				return nil, nil
			}
			return false, nil
		}
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return b, nil
	case TypeDecimal:
		if raw == nil {
			return nil, nil
		}
		d, err := toDecimal(raw)
		if err != nil {
			return nil, err
		}
		return d.String(), nil
	case TypeTimestamp:
		return UnixTimestamp(raw, nil)
	case TypeJSON:
		return raw, nil
	default:
		return raw, nil
	}
}

// UnixTimestamp converts epoch seconds to a UTC time.
func UnixTimestamp(raw any, _ Payload) (any, error) {
	if raw == nil {
		return nil, nil
	}
	n, err := toInt64(raw)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	return time.Unix(n, 0).UTC(), nil
}

// zeroDecimalCurrencies are charged in whole units, so their amounts are
// not divided by 100.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// Cents returns a transform that turns an integer minor-unit amount into a
// fixed-point decimal string, using the currency found at currencyPath.
func Cents(currencyPath string) TransformFunc {
	return func(raw any, p Payload) (any, error) {
		if raw == nil {
			return nil, nil
		}
		d, err := toDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
		currency := strings.ToLower(p.String(currencyPath))
		if zeroDecimalCurrencies[currency] {
			return d.StringFixed(0), nil
		}
		return d.Shift(-2).StringFixed(2), nil
	}
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		return v.Int64()
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(v)
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("expected number, got %T", raw)
	}
}
