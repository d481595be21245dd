package httpapi

import "encoding/json"

// jsonLine marshals a value to a single-line JSON string for SSE framing
// (section 4.10: each envelope is one `data: <json>\n\n` line).
func jsonLine(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
