package replicate

import (
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// The sink stores timestamps as unsigned 32-bit epochs. Values outside this
// window are dropped to NULL rather than wrapped.
var (
	minSinkTime = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	maxSinkTime = time.Date(2106, 2, 7, 6, 28, 15, 0, time.UTC)
)

// rowVersionToUint64 normalizes the opaque version counter. Drivers hand it
// back as raw bytes, a hex string, or an integer depending on the source.
func rowVersionToUint64(v interface{}) (uint64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case []byte:
		if len(val) > 8 {
			val = val[len(val)-8:]
		}
		padded := make([]byte, 8)
		copy(padded[8-len(val):], val)
		return binary.BigEndian.Uint64(padded), nil
	case string:
		s := strings.TrimSpace(val)
		// Hex only with an explicit 0x prefix; a bare digit string is
		// ambiguous and is always read as decimal.
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			b, err := hex.DecodeString(s[2:])
			if err != nil || len(b) == 0 {
				return 0, fmt.Errorf("cannot parse rowversion %q", val)
			}
			return rowVersionToUint64(b)
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse rowversion %q", val)
		}
		return n, nil
	case int64:
		return uint64(val), nil
	case uint64:
		return val, nil
	case int:
		return uint64(val), nil
	default:
		return 0, fmt.Errorf("unsupported rowversion type %T", v)
	}
}

// uint64ToRowVersionArg encodes a version watermark as the 8-byte big-endian
// value binary source columns compare against.
func uint64ToRowVersionArg(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func asInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case float64:
		return int64(val), nil
	case []byte:
		return strconv.ParseInt(string(val), 10, 64)
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported integer type %T", v)
	}
}

// Layouts drivers are known to return timestamps in when they come back as
// text instead of time.Time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asTime(v interface{}) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return val, nil
	case sql.NullTime:
		if !val.Valid {
			return time.Time{}, nil
		}
		return val.Time, nil
	case []byte:
		return parseTimeString(string(val))
	case string:
		return parseTimeString(val)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

// convertRow rewrites one fetched row into sink-ready values, collapsing
// driver-specific representations per column kind. Unknown columns pass
// through untouched.
func convertRow(td *TableDescriptor, row map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(row))
	for name, raw := range row {
		col, ok := td.Column(name)
		if !ok {
			out[name] = raw
			continue
		}
		v, err := convertValue(&col, raw)
		if err != nil {
			return nil, fmt.Errorf("column %s.%s: %w", td.SourceName, name, err)
		}
		out[col.Name] = v
	}
	return out, nil
}

func convertValue(col *Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch col.Kind {
	case KindRowVersion:
		return rowVersionToUint64(raw)

	case KindTimestamp:
		t, err := asTime(raw)
		if err != nil {
			return nil, err
		}
		if t.IsZero() {
			return nil, nil
		}
		t = t.UTC()
		if t.Before(minSinkTime) || t.After(maxSinkTime) {
			return nil, nil
		}
		return t, nil

	case KindDecimal:
		return decimalToFloat(raw)

	case KindBool:
		return toBool(raw)

	case KindBinary:
		if b, ok := raw.([]byte); ok {
			return hex.EncodeToString(b), nil
		}
		return raw, nil

	case KindText:
		if b, ok := raw.([]byte); ok {
			return string(b), nil
		}
		return raw, nil

	default:
		return raw, nil
	}
}

func decimalToFloat(v interface{}) (interface{}, error) {
	var s string
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case []byte:
		s = string(val)
	case string:
		s = val
	case *apd.Decimal:
		s = val.String()
	default:
		return nil, fmt.Errorf("unsupported decimal type %T", v)
	}
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("cannot parse decimal %q: %w", s, err)
	}
	f, err := d.Float64()
	if err != nil {
		return nil, fmt.Errorf("decimal %q out of float range: %w", s, err)
	}
	return f, nil
}

func toBool(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int64:
		return val != 0, nil
	case int:
		return val != 0, nil
	case []byte:
		return len(val) > 0 && val[0] != 0 && val[0] != '0', nil
	case string:
		return val == "1" || strings.EqualFold(val, "true") || strings.EqualFold(val, "t"), nil
	default:
		return nil, fmt.Errorf("unsupported boolean type %T", v)
	}
}
