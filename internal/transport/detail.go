package transport

import (
	"encoding/json"
	"io"
)

const maxDetailSize = 64 << 10

// ReadDetail extracts human readable reason the API puts into "detail" of error responses
// Detail is either a string or an object; object is returned as raw JSON
func ReadDetail(r io.Reader) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}

	if err := json.NewDecoder(io.LimitReader(r, maxDetailSize)).Decode(&body); err != nil || len(body.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	return string(body.Detail)
}
