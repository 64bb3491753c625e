package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedCodec(secret string) *Codec {
	c := NewCodec(secret)
	c.Now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	c.NewID = func() string { return "msg_fixed" }
	return c
}

func buildMessage(t *testing.T, c *Codec) Frame {
	t.Helper()
	f, err := c.Build(Fields{
		SessionID: "ses_1",
		ThreadID:  "thr_1",
		Type:      TypeMessage,
		From:      "agent://a",
		To:        "agent://b",
		Payload:   map[string]string{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return f
}

func TestBuildDefaults(t *testing.T) {
	f := buildMessage(t, fixedCodec(""))

	if f.Envelope.ID != "msg_fixed" {
		t.Errorf("ID = %q, want msg_fixed", f.Envelope.ID)
	}
	if f.Envelope.Timestamp != "2026-02-01T12:00:00.000Z" {
		t.Errorf("Timestamp = %q", f.Envelope.Timestamp)
	}
	if f.Envelope.TTL != DefaultTTL {
		t.Errorf("TTL = %d, want %d", f.Envelope.TTL, DefaultTTL)
	}
	if f.Signature != "" {
		t.Errorf("Signature = %q, want empty with signing off", f.Signature)
	}
	if string(f.Payload) != `{"text":"hello"}` {
		t.Errorf("Payload = %s", f.Payload)
	}
}

func TestBuildNilPayload(t *testing.T) {
	f, err := fixedCodec("").Build(Fields{SessionID: "s", Type: TypeAck, From: "a", To: "b"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if string(f.Payload) != "{}" {
		t.Errorf("Payload = %s, want {}", f.Payload)
	}
}

func TestNewIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		if !strings.HasPrefix(id, "msg_") {
			t.Fatalf("id %q missing prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if !strings.HasPrefix(NewSessionID(), "ses_") || !strings.HasPrefix(NewActionID(), "act_") {
		t.Error("session/action id prefixes")
	}
}

func TestCanonicalKeyOrder(t *testing.T) {
	env := Envelope{
		ID: "m1", SessionID: "s1", ThreadID: "t1", Type: TypeMessage,
		From: "a", To: "b", Timestamp: "2026-02-01T12:00:00.000Z", TTL: 30000,
	}
	want := `{"id":"m1","sessionId":"s1","threadId":"t1","type":"message","from":"a","to":"b","timestamp":"2026-02-01T12:00:00.000Z","replyTo":null,"ttl":30000}`
	if got := string(env.Canonical()); got != want {
		t.Errorf("Canonical =\n%s\nwant\n%s", got, want)
	}

	env.ReplyTo = "m0"
	env.ThreadID = ""
	want = `{"id":"m1","sessionId":"s1","type":"message","from":"a","to":"b","timestamp":"2026-02-01T12:00:00.000Z","replyTo":"m0","ttl":30000}`
	if got := string(env.Canonical()); got != want {
		t.Errorf("Canonical =\n%s\nwant\n%s", got, want)
	}
}

func TestCanonicalDoesNotEscapeHTML(t *testing.T) {
	env := Envelope{ID: "m", SessionID: "s", Type: TypeMessage, From: "<a&b>", To: "b", Timestamp: "t", TTL: 1}
	if !strings.Contains(string(env.Canonical()), `"from":"<a&b>"`) {
		t.Errorf("Canonical escaped HTML: %s", env.Canonical())
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	c := fixedCodec("s3cret")
	f := buildMessage(t, c)

	if f.Signature == "" {
		t.Fatal("expected signature with secret configured")
	}
	if !Verify(f.Envelope, f.Signature, []byte("s3cret")) {
		t.Error("signature did not verify with the same secret")
	}
	if Verify(f.Envelope, f.Signature, []byte("other")) {
		t.Error("signature verified with a different secret")
	}

	again := buildMessage(t, c)
	if again.Signature != f.Signature {
		t.Error("signature is not deterministic")
	}
}

func TestVerifyRejectsMutation(t *testing.T) {
	c := fixedCodec("s3cret")
	f := buildMessage(t, c)

	mutations := map[string]func(*Envelope){
		"id":        func(e *Envelope) { e.ID = "msg_other" },
		"sessionId": func(e *Envelope) { e.SessionID = "ses_2" },
		"threadId":  func(e *Envelope) { e.ThreadID = "thr_2" },
		"type":      func(e *Envelope) { e.Type = TypeControl },
		"from":      func(e *Envelope) { e.From = "agent://evil" },
		"to":        func(e *Envelope) { e.To = "agent://c" },
		"timestamp": func(e *Envelope) { e.Timestamp = "2026-02-01T12:00:01.000Z" },
		"replyTo":   func(e *Envelope) { e.ReplyTo = "msg_x" },
		"ttl":       func(e *Envelope) { e.TTL = 1 },
	}
	for name, mutate := range mutations {
		env := f.Envelope
		mutate(&env)
		if c.Verify(env, f.Signature) {
			t.Errorf("mutated %s still verifies", name)
		}
	}
}

func TestVerifyWithoutSecret(t *testing.T) {
	c := NewCodec("")
	if !c.Verify(Envelope{ID: "x"}, "") {
		t.Error("verification must pass when signing is off")
	}
	signed := NewCodec("k")
	if signed.Verify(Envelope{ID: "x"}, "") {
		t.Error("missing signature must fail when signing is on")
	}
	if signed.Verify(Envelope{ID: "x"}, "c2hvcnQ=") {
		t.Error("length-mismatched signature must fail")
	}
}

func TestDecodeRoundTripVerifies(t *testing.T) {
	c := fixedCodec("k")
	f, err := c.Build(Fields{
		SessionID: "ses_1", ThreadID: "thr_1", Type: TypeMessage,
		From: "agent://a<b>", To: "agent://b", ReplyTo: "msg_0",
		Payload: map[string]string{"text": "x & y"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Envelope != f.Envelope {
		t.Errorf("envelope = %+v, want %+v", got.Envelope, f.Envelope)
	}
	if !c.Verify(got.Envelope, got.Signature) {
		t.Error("decoded frame does not verify")
	}
}

func validWire() map[string]any {
	return map[string]any{
		"envelope": map[string]any{
			"id":        "msg_1",
			"sessionId": "ses_1",
			"threadId":  "thr_1",
			"type":      "message",
			"from":      "agent://a",
			"to":        "agent://b",
			"timestamp": "2026-02-01T12:00:00.000Z",
			"replyTo":   nil,
			"ttl":       30000,
		},
		"payload":   map[string]any{"text": "hello"},
		"signature": nil,
	}
}

func decodeMap(t *testing.T, m map[string]any) error {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = Decode(data)
	return err
}

func TestDecodeAcceptsValidFrame(t *testing.T) {
	if err := decodeMap(t, validWire()); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m := validWire()
	m["payload"] = map[string]any{}
	if err := decodeMap(t, m); err != nil {
		t.Fatalf("empty payload: %v", err)
	}
}

func TestDecodeStructuralCodes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
		code   string
	}{
		{"no envelope", func(m map[string]any) { delete(m, "envelope") }, "missing_envelope"},
		{"envelope not object", func(m map[string]any) { m["envelope"] = "x" }, "invalid_envelope"},
		{"no id", func(m map[string]any) { delete(env(m), "id") }, "missing_id"},
		{"empty id", func(m map[string]any) { env(m)["id"] = "" }, "missing_id"},
		{"numeric id", func(m map[string]any) { env(m)["id"] = 7 }, "invalid_id"},
		{"no sessionId", func(m map[string]any) { delete(env(m), "sessionId") }, "missing_sessionId"},
		{"no type", func(m map[string]any) { delete(env(m), "type") }, "missing_type"},
		{"unknown type", func(m map[string]any) { env(m)["type"] = "not_a_type" }, "invalid_type"},
		{"no from", func(m map[string]any) { delete(env(m), "from") }, "missing_from"},
		{"no to", func(m map[string]any) { delete(env(m), "to") }, "missing_to"},
		{"no timestamp", func(m map[string]any) { delete(env(m), "timestamp") }, "missing_timestamp"},
		{"no ttl", func(m map[string]any) { delete(env(m), "ttl") }, "missing_ttl"},
		{"string ttl", func(m map[string]any) { env(m)["ttl"] = "30000" }, "invalid_ttl"},
		{"fractional ttl", func(m map[string]any) { env(m)["ttl"] = 1.5 }, "invalid_ttl"},
		{"numeric threadId", func(m map[string]any) { env(m)["threadId"] = 3 }, "invalid_threadId"},
		{"no payload", func(m map[string]any) { delete(m, "payload") }, "missing_payload"},
		{"null payload", func(m map[string]any) { m["payload"] = nil }, "missing_payload"},
		{"numeric signature", func(m map[string]any) { m["signature"] = 5 }, "invalid_signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validWire()
			tt.mutate(m)
			err := decodeMap(t, m)
			var se *StructuralError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StructuralError", err)
			}
			if se.Code != tt.code {
				t.Errorf("code = %q, want %q", se.Code, tt.code)
			}
			if !errors.Is(err, ErrStructural) {
				t.Error("errors.Is(err, ErrStructural) = false")
			}
		})
	}
}

func TestDecodeFailsFastInFieldOrder(t *testing.T) {
	m := validWire()
	delete(env(m), "from")
	delete(env(m), "ttl")
	delete(m, "payload")
	err := decodeMap(t, m)
	if err == nil || err.Error() != "missing_from" {
		t.Errorf("err = %v, want missing_from", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	for _, in := range []string{"", "not json", "[1,2]", "null", `"str"`} {
		_, err := Decode([]byte(in))
		if err == nil || err.Error() != "invalid_frame" {
			t.Errorf("Decode(%q) err = %v, want invalid_frame", in, err)
		}
	}
}

func TestValidateTypedFrame(t *testing.T) {
	f := buildMessage(t, fixedCodec(""))
	if err := Validate(f); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	f.Envelope.Type = "bogus"
	if err := Validate(f); err == nil || err.Error() != "invalid_type" {
		t.Errorf("err = %v, want invalid_type", err)
	}
	f = buildMessage(t, fixedCodec(""))
	f.Payload = nil
	if err := Validate(f); err == nil || err.Error() != "missing_payload" {
		t.Errorf("err = %v, want missing_payload", err)
	}
}

func env(m map[string]any) map[string]any {
	return m["envelope"].(map[string]any)
}

func TestDecodeKeepsEmptyThreadIDInSignedBytes(t *testing.T) {
	for _, literal := range []string{`""`, `null`} {
		t.Run(literal, func(t *testing.T) {
			env := `{"id":"msg_1","sessionId":"ses_1","threadId":` + literal +
				`,"type":"message","from":"agent://a","to":"agent://b",` +
				`"timestamp":"2026-02-01T12:00:00.000Z","replyTo":null,"ttl":30000}`
			mac := hmac.New(sha256.New, []byte("k"))
			mac.Write([]byte(env))
			sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

			f, err := Decode([]byte(`{"envelope":` + env + `,"payload":{},"signature":"` + sig + `"}`))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if f.Envelope.ThreadID != "" {
				t.Errorf("ThreadID = %q, want empty", f.Envelope.ThreadID)
			}
			if got := string(f.Envelope.Canonical()); got != env {
				t.Errorf("Canonical =\n%s\nwant\n%s", got, env)
			}
			if !NewCodec("k").Verify(f.Envelope, f.Signature) {
				t.Error("signature over the sender's bytes does not verify")
			}
		})
	}
}
