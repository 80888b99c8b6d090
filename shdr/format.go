package shdr

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Timestamp renders t in the layout agents expect in the first field.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// FormatValue renders a scalar cache value as a sanitized field.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return Sanitize(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		return decimal.NewFromFloat32(v).String()
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return strconv.FormatFloat(v, 'g', -1, 64)
		}
		return decimal.NewFromFloat(v).String()
	case decimal.Decimal:
		return v.String()
	case time.Time:
		return Timestamp(v)
	case fmt.Stringer:
		return Sanitize(v.String())
	default:
		return Sanitize(fmt.Sprint(v))
	}
}

// isFalsy reports values that carry no condition information.
func isFalsy(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case int:
		return v == 0
	case int32:
		return v == 0
	case int64:
		return v == 0
	case uint:
		return v == 0
	case uint16:
		return v == 0
	case uint32:
		return v == 0
	case uint64:
		return v == 0
	case float32:
		return v == 0 || math.IsNaN(float64(v))
	case float64:
		return v == 0 || math.IsNaN(v)
	case decimal.Decimal:
		return v.IsZero()
	default:
		return false
	}
}
