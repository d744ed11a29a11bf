package executors

import (
	"encoding/json"

	"github.com/sentryflow/sentryflow/internal/canonical"
)

// hashRow computes the canonical content hash of a plain row mapping.
// No executor in this package calls it.
func hashRow(row map[string]interface{}) (string, error) {
	return canonical.Hash(row)
}

// jsonErr renders an error as the single-field JSON blob stored in
// error_json columns.
func jsonErr(err error) *string {
	if err == nil {
		return nil
	}
	data, marshalErr := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: err.Error()})
	if marshalErr != nil {
		fallback := `{"message":"unrepresentable error"}`
		return &fallback
	}
	s := string(data)
	return &s
}
