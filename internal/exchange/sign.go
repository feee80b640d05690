package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// paramString builds the canonical parameter string that is signed. Keys are
// sorted ascending; each key is concatenated with its encoded value. The
// request body marshals the exact same params map, so the signed string and
// the body agree on every value including list ordering. Any divergence here
// breaks authentication on write endpoints only: reads without list params
// keep working, which makes the mismatch silent.
func paramString(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for _, k := range keys {
		out += k + encodeValue(params[k])
	}
	return out
}

// encodeValue encodes a single parameter value for signing. List values are
// encoded element by element in slice order; nested objects recurse through
// paramString so ordering stays deterministic at every depth.
func encodeValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case decimal.Decimal:
		return t.String()
	case []string:
		out := ""
		for _, e := range t {
			out += e
		}
		return out
	case []any:
		out := ""
		for _, e := range t {
			out += encodeValue(e)
		}
		return out
	case []map[string]any:
		out := ""
		for _, e := range t {
			out += paramString(e)
		}
		return out
	case map[string]any:
		return paramString(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// sign computes the request signature:
// HMAC-SHA256(method + id + apiKey + paramString + nonce).
func sign(secret, method string, id int64, apiKey string, params map[string]any, nonce int64) string {
	payload := method + strconv.FormatInt(id, 10) + apiKey + paramString(params) + strconv.FormatInt(nonce, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
