package email

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSendPasswordResetComposition(t *testing.T) {
	t.Parallel()

	ln := listenTCP(t)
	defer func() { _ = ln.Close() }()

	captured := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveSMTP(t, ln, captured)
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	c := NewClient(host, port, "", "", "noreply@example.com", 5*time.Second)

	if err := c.SendPasswordReset(context.Background(), "alice@example.com", "abc123", "https://chat.example.com", "Test Server"); err != nil {
		t.Fatalf("SendPasswordReset() error = %v", err)
	}

	_ = ln.Close()
	<-done

	data := <-captured

	checks := []struct {
		label string
		want  string
	}{
		{"subject", "Reset your Test Server password"},
		{"reset link", "https://chat.example.com/reset-password?token=abc123"},
		{"expiry note", "30 minutes"},
	}
	for _, c := range checks {
		if !strings.Contains(data, c.want) {
			t.Errorf("reset email missing %s: want substring %q in %q", c.label, c.want, data)
		}
	}
}

func TestResetBody(t *testing.T) {
	t.Parallel()

	body := resetBody("My Server", "https://example.com", "tok123")

	checks := []struct {
		label string
		want  string
	}{
		{"server name", "My Server"},
		{"reset link", "https://example.com/reset-password?token=tok123"},
		{"expiry note", "30 minutes"},
	}
	for _, c := range checks {
		if !strings.Contains(body, c.want) {
			t.Errorf("resetBody missing %s: want substring %q", c.label, c.want)
		}
	}
}
