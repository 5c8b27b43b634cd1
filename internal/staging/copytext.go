// COPY text format encoding. The escaping here must stay bit-exact with the
// bulk-load protocol: backslash, tab, newline, and carriage return get
// single-character escapes, NULL is \N, arrays are brace-delimited quoted
// lists, and structured values are canonical JSON escaped as ordinary text.
package staging

import (
	"encoding/json"
	"fmt"
	"strings"
)

// copyNull is the protocol's NULL token.
const copyNull = `\N`

var copyEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\t", `\t`,
	"\n", `\n`,
	"\r", `\r`,
)

// escapeCopyText escapes one field value for the COPY text format.
func escapeCopyText(s string) string {
	return copyEscaper.Replace(s)
}

// encodeNullableText encodes s as a field, treating the empty string as NULL.
func encodeNullableText(s string) string {
	if s == "" {
		return copyNull
	}
	return escapeCopyText(s)
}

// encodeTextArray encodes a text array literal: {"a","b"}. Backslashes and
// double quotes inside elements are escaped; the result is then escaped again
// as a normal COPY field by the caller.
func encodeTextArray(values []string) string {
	elems := make([]string, len(values))
	for i, v := range values {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `"`, `\"`)
		elems[i] = `"` + v + `"`
	}
	return "{" + strings.Join(elems, ",") + "}"
}

// encodeJSONField encodes a structured value as its canonical JSON text, then
// escapes it as an ordinary string field. nil encodes as NULL.
func encodeJSONField(v any) (string, error) {
	if v == nil {
		return copyNull, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding JSON field: %w", err)
	}
	return escapeCopyText(string(b)), nil
}

// encodeRawJSONField encodes an already-serialized JSON payload.
func encodeRawJSONField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return copyNull
	}
	return escapeCopyText(string(raw))
}
