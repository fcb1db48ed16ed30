package utils

import (
	"encoding/json"
)

// Unmarshal JSON to generic struct
func UnmarshalFromJSON[T any](data []byte, output *T) error {
	return json.Unmarshal(data, output)
}

// MustJSON is for tests and tools building payloads from literals.
func MustJSON(input any) []byte {
	b, err := json.Marshal(input)
	if err != nil {
		panic(err)
	}
	return b
}
