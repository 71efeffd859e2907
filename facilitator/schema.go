package facilitator

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Verify and settle share a request shape: one payload answering one
// requirement. The schema rejects structurally broken requests before any
// field-level validation runs.
const settleRequestSchema = `{
  "type": "object",
  "required": ["payload", "requirement"],
  "properties": {
    "payload": {
      "type": "object",
      "required": ["scheme", "network", "asset", "amount", "payTo", "payer", "nonce", "proof"],
      "properties": {
        "scheme": {"type": "string", "minLength": 1},
        "network": {"type": "string", "minLength": 1},
        "asset": {"type": "string", "minLength": 1},
        "amount": {"type": "string", "pattern": "^[0-9]+$"},
        "payTo": {"type": "string", "minLength": 1},
        "payer": {"type": "string", "minLength": 1},
        "nonce": {"type": "string", "minLength": 1},
        "proof": {"type": "string", "minLength": 1},
        "timestamp": {"type": "integer"},
        "txRef": {"type": "string"}
      }
    },
    "requirement": {
      "type": "object",
      "required": ["scheme", "network", "asset", "amount", "payTo", "resource"],
      "properties": {
        "scheme": {"type": "string", "minLength": 1},
        "network": {"type": "string", "minLength": 1},
        "asset": {"type": "string", "minLength": 1},
        "amount": {"type": "string", "pattern": "^[0-9]+$"},
        "payTo": {"type": "string", "minLength": 1},
        "resource": {"type": "string", "minLength": 1},
        "expiry": {"type": "integer"},
        "nonce": {"type": "string"}
      }
    }
  }
}`

var settleSchema = gojsonschema.NewStringLoader(settleRequestSchema)

// validateRequestBody checks a raw verify or settle body against the
// request schema and returns a joined description of every violation.
func validateRequestBody(body []byte) error {
	result, err := gojsonschema.Validate(settleSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("request is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	descriptions := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descriptions = append(descriptions, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("invalid request: %s", strings.Join(descriptions, "; "))
}
