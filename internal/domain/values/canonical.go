package values

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// CanonicalTimeLayout is the fixed-width UTC layout used wherever a
// timestamp contributes to a hash.
const CanonicalTimeLayout = "2006-01-02T15:04:05.000000000Z"

// CanonicalJSON encodes v in the canonical form used for every content hash
// in the system:
//
//   - object keys sorted byte-wise, no insignificant whitespace
//   - numbers re-rendered through decimal with trailing zeros removed, so
//     1.50, 1.5 and 15e-1 encode identically
//   - strings encoded without HTML escaping
//
// Changing this function invalidates every stored hash.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewValidationError("UNENCODABLE_VALUE",
			"value cannot be encoded as JSON").WithCause(err)
	}
	return Canonicalize(raw)
}

// Canonicalize rewrites an existing JSON document into canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, errors.NewValidationError("INVALID_JSON",
			"document is not valid JSON").WithCause(err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.NewValidationError("INVALID_JSON",
			"document contains trailing data")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FormatCanonicalTime renders t in CanonicalTimeLayout.
func FormatCanonicalTime(t time.Time) string {
	return t.UTC().Format(CanonicalTimeLayout)
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return errors.NewValidationError("INVALID_NUMBER",
				fmt.Sprintf("number %q cannot be canonicalized", t.String())).WithCause(err)
		}
		buf.WriteString(d.String())
	case string:
		return writeCanonicalString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.NewValidationError("UNSUPPORTED_JSON_TYPE",
			fmt.Sprintf("unsupported JSON value of type %T", v))
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return errors.NewInternalError("failed to encode string").WithCause(err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
