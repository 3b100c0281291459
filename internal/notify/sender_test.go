package notify

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func TestLogSenderResetLinkIncludesBaseURL(t *testing.T) {
	buf := captureLog(t)
	s := NewLogSender("http://files.example.com/")

	if err := s.SendPasswordReset(context.Background(), "who@example.com", "tok123"); err != nil {
		t.Fatalf("send: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "http://files.example.com/#/reset?token=tok123") {
		t.Fatalf("logged line lacks a usable reset link: %s", out)
	}
}

func TestResetLinkWithoutBase(t *testing.T) {
	if got := resetLink("", "tok123"); got != "tok123" {
		t.Fatalf("resetLink = %q", got)
	}
	if got := resetLink("http://h:1", "tok"); got != "http://h:1/#/reset?token=tok" {
		t.Fatalf("resetLink = %q", got)
	}
}

func TestComposeMessageHeadersAndBody(t *testing.T) {
	msg, err := composeMessage("noreply@example.com", "to@example.com", "File shared: a.txt", "Download: http://x\r\n")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	text := string(msg)
	for _, want := range []string{"From: ", "noreply@example.com", "To: ", "to@example.com", "Subject: File shared: a.txt", "Download: http://x"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q:\n%s", want, text)
		}
	}
}
