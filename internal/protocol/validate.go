package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// ErrStructural matches every *StructuralError via errors.Is.
var ErrStructural = errors.New("protocol: structural error")

// StructuralError reports a malformed or incomplete frame. Code is stable and
// machine readable: invalid_frame, missing_envelope, missing_<field> or
// invalid_<field>.
type StructuralError struct {
	Code string
}

func (e *StructuralError) Error() string { return e.Code }

func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

func missing(field string) error { return &StructuralError{Code: "missing_" + field} }

func invalid(field string) error { return &StructuralError{Code: "invalid_" + field} }

// requiredStrings are checked in order; the first violation wins.
var requiredStrings = []string{"id", "sessionId", "type", "from", "to", "timestamp"}

// Decode parses one wire frame and validates its structure. Signature
// verification is left to the caller.
func Decode(data []byte) (Frame, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		return Frame{}, &StructuralError{Code: "invalid_frame"}
	}

	rawEnv, ok := top["envelope"]
	if !ok || isNull(rawEnv) {
		return Frame{}, missing("envelope")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawEnv, &fields); err != nil || fields == nil {
		return Frame{}, invalid("envelope")
	}

	for _, name := range requiredStrings {
		s, err := requiredString(fields, name)
		if err != nil {
			return Frame{}, err
		}
		if name == "type" && !KnownType(s) {
			return Frame{}, invalid("type")
		}
	}

	rawTTL, ok := fields["ttl"]
	if !ok || isNull(rawTTL) {
		return Frame{}, missing("ttl")
	}
	ttl, err := strconv.ParseInt(string(bytes.TrimSpace(rawTTL)), 10, 64)
	if err != nil {
		return Frame{}, invalid("ttl")
	}

	for _, name := range []string{"threadId", "replyTo"} {
		if err := optionalString(fields, name); err != nil {
			return Frame{}, err
		}
	}

	payload, ok := top["payload"]
	if !ok || isNull(payload) {
		return Frame{}, missing("payload")
	}

	var sig string
	if rawSig, ok := top["signature"]; ok && !isNull(rawSig) {
		if err := json.Unmarshal(rawSig, &sig); err != nil {
			return Frame{}, invalid("signature")
		}
	}

	var env Envelope
	if err := json.Unmarshal(rawEnv, &env); err != nil {
		return Frame{}, invalid("envelope")
	}
	env.TTL = ttl
	if raw, ok := fields["threadId"]; ok && env.ThreadID == "" {
		if isNull(raw) {
			env.emptyThread = "null"
		} else {
			env.emptyThread = `""`
		}
	}

	return Frame{Envelope: env, Payload: payload, Signature: sig}, nil
}

// Validate applies the structural rules to an already typed frame.
func Validate(f Frame) error {
	e := f.Envelope
	checks := []struct {
		name  string
		value string
	}{
		{"id", e.ID},
		{"sessionId", e.SessionID},
		{"type", e.Type},
		{"from", e.From},
		{"to", e.To},
		{"timestamp", e.Timestamp},
	}
	for _, c := range checks {
		if c.value == "" {
			return missing(c.name)
		}
		if c.name == "type" && !KnownType(c.value) {
			return invalid("type")
		}
	}
	if len(f.Payload) == 0 || isNull(f.Payload) {
		return missing("payload")
	}
	return nil
}

func requiredString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return "", missing(name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid(name)
	}
	if s == "" {
		return "", missing(name)
	}
	return s, nil
}

func optionalString(fields map[string]json.RawMessage, name string) error {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return invalid(name)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
