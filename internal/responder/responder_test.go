package responder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEcho(t *testing.T) {
	got, err := Echo{AgentURI: "agent://r"}.Generate(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Responder(agent://r) received: hi" {
		t.Errorf("got %q", got)
	}
}

func TestCommandArgs(t *testing.T) {
	c := NewCommand("", "")
	args := c.Args(Request{SessionID: "ses_1", ThreadID: "thr_1", Text: "why?"})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"agent --local --agent bridge",
		"--session-id a2alive-ses_1-thr_1",
		"질문: why?",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != "--json" {
		t.Errorf("last arg = %q, want --json", args[len(args)-1])
	}
	if c.Bin != "openclaw" {
		t.Errorf("Bin = %q, want openclaw", c.Bin)
	}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"payloads":[{"text":"  answer \n"}]}`, "answer", false},
		{`{"payloads":[]}`, "", false},
		{`{}`, "", false},
		{`not json`, "", true},
	}
	for _, tt := range tests {
		got, err := parseOutput([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseOutput(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseOutput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakeagent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCommandRunsBinary(t *testing.T) {
	bin := writeScript(t, `echo '{"payloads":[{"text":"from the cli"}]}'`)
	c := NewCommand(bin, "bridge")

	got, err := c.Generate(context.Background(), Request{SessionID: "s", ThreadID: "t", Text: "q"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "from the cli" {
		t.Errorf("got %q", got)
	}
}

func TestCommandFailure(t *testing.T) {
	bin := writeScript(t, `echo boom >&2; exit 3`)
	_, err := NewCommand(bin, "bridge").Generate(context.Background(), Request{Text: "q"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v, want stderr in error", err)
	}
}

func TestFallbackOnError(t *testing.T) {
	g := WithFallback(Func(func(context.Context, Request) (string, error) {
		return "", errors.New("down")
	}), time.Second)

	got, err := g.Generate(context.Background(), Request{Text: "삶"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !strings.Contains(got, "'삶'") {
		t.Errorf("fallback %q does not mention the question", got)
	}
}

func TestFallbackOnEmpty(t *testing.T) {
	g := WithFallback(Func(func(context.Context, Request) (string, error) {
		return "", nil
	}), time.Second)

	got, _ := g.Generate(context.Background(), Request{Text: "q"})
	if got != "질문(q)에 대해 답변을 생성하지 못했어." {
		t.Errorf("got %q", got)
	}
}

func TestFallbackOnTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	g := WithFallback(Func(func(context.Context, Request) (string, error) {
		<-block // ignores ctx
		return "late", nil
	}), 20*time.Millisecond)

	start := time.Now()
	got, err := g.Generate(context.Background(), Request{Text: "q"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got == "late" || got == "" {
		t.Errorf("got %q, want fallback text", got)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestFallbackOnPanic(t *testing.T) {
	g := WithFallback(Func(func(context.Context, Request) (string, error) {
		panic("generator bug")
	}), time.Second)

	got, err := g.Generate(context.Background(), Request{Text: "q"})
	if err != nil || got == "" {
		t.Errorf("got %q, %v; want fallback", got, err)
	}
}

func TestFallbackPassesThrough(t *testing.T) {
	g := WithFallback(Echo{AgentURI: "agent://r"}, time.Second)
	got, _ := g.Generate(context.Background(), Request{Text: "hello"})
	if got != "Responder(agent://r) received: hello" {
		t.Errorf("got %q", got)
	}
}
