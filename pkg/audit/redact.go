package audit

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

// piiFieldNames is the set of JSON field names that are redacted wholesale
// regardless of their value's shape, matched case-insensitively.
var piiFieldNames = map[string]struct{}{
	"email": {}, "phone": {}, "address": {}, "address_line1": {},
	"address_line2": {}, "contact_name": {}, "card_last_four": {},
	"card_number": {}, "ssn": {}, "tax_id": {}, "bank_account": {},
	"routing_number": {}, "payment_method": {},
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\b(?:\+?\d{1,2}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)
)

const redactedToken = "[REDACTED]"

// RedactJSON walks a JSON value and returns a redacted copy: any object
// field whose name matches the PII set is replaced wholesale, and any
// string value (field-named or not) has embedded email/phone/card-number
// substrings masked. salt is used only for the content hash recorded when
// raw isn't valid JSON — the redaction itself is a fixed sentinel, not a
// reversible hash, since nothing downstream needs to correlate values.
func RedactJSON(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		payload := map[string]interface{}{
			"redaction_error": "invalid_json",
			"content_hash":    models.StableHash(raw, salt),
		}
		b, _ := json.Marshal(payload)
		return b
	}
	redacted := redactValue(v)
	b, err := json.Marshal(redacted)
	if err != nil {
		return json.RawMessage(`{"redaction_error":"marshal_failed"}`)
	}
	return b
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if isQueryField(k) {
				if s, ok := inner.(string); ok {
					out[k] = redactPatterns(s)
				} else {
					out[k] = inner
				}
				continue
			}
			if isPIIFieldName(k) {
				out[k] = redactedToken
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}
		return out
	case string:
		return redactPatterns(val)
	default:
		return val
	}
}

// isQueryField marks the raw SQL text field as preserved verbatim per
// spec: the query itself is evidence, only embedded literal values (the
// closest thing this schema has to "parameter bindings") are
// pattern-redacted within it.
func isQueryField(key string) bool {
	return strings.EqualFold(key, "query")
}

func isPIIFieldName(key string) bool {
	_, ok := piiFieldNames[strings.ToLower(key)]
	return ok
}

func redactPatterns(s string) string {
	s = emailPattern.ReplaceAllString(s, redactedToken)
	s = cardPattern.ReplaceAllString(s, redactedToken)
	s = phonePattern.ReplaceAllString(s, redactedToken)
	return s
}
