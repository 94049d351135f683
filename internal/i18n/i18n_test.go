package i18n

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizeLocale(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", "en"},
		{"de", "de"},
		{"de-DE", "de"},
		{"de-DE,de;q=0.9,en;q=0.8", "de"},
		{"fr-FR,fr;q=0.9", "en"},
		{"fr, de;q=0.7", "de"},
		{"EN-us", "en"},
	}
	for _, c := range cases {
		if got := NormalizeLocale(c.header); got != c.want {
			t.Errorf("NormalizeLocale(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}

func TestLocaleFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "de-AT,de;q=0.9")
	if got := LocaleFromRequest(req); got != "de" {
		t.Fatalf("got %q, want de", got)
	}
	if got := LocaleFromRequest(nil); got != DefaultLocale {
		t.Fatalf("nil request: got %q", got)
	}
}

func TestRecoveryCodeEmailRendersPlaceholders(t *testing.T) {
	msg := RecoveryCodeEmail("en", "123456", 1)
	if !strings.Contains(msg.Text, "123456") || strings.Contains(msg.Text, "{code}") {
		t.Fatalf("text not rendered: %q", msg.Text)
	}
	if !strings.Contains(msg.HTML, "123456") {
		t.Fatalf("html not rendered: %q", msg.HTML)
	}

	de := RecoveryCodeEmail("de", "123456", 1)
	if de.Subject == msg.Subject {
		t.Fatal("locales share a subject")
	}
}

func TestUnknownLocaleFallsBack(t *testing.T) {
	fr := RecoveryCodeEmail("fr", "123456", 2)
	en := RecoveryCodeEmail("en", "123456", 2)
	if fr.Subject != en.Subject || fr.Text != en.Text {
		t.Fatal("unsupported locale should render English")
	}
}

func TestForcedLogoutEmailCount(t *testing.T) {
	msg := ForcedLogoutEmail("en", 3)
	if !strings.Contains(msg.Text, "3") || strings.Contains(msg.Text, "{count}") {
		t.Fatalf("count not rendered: %q", msg.Text)
	}
}

func TestRecoveryLinkEmail(t *testing.T) {
	link := "https://app.example.com/recovery/verify?user=u&code=c"
	msg := RecoveryLinkEmail("en", link, 1)
	if !strings.Contains(msg.Text, link) || !strings.Contains(msg.HTML, link) {
		t.Fatalf("link missing: %q", msg.Text)
	}
}

func TestSignInAlertUnknownDevice(t *testing.T) {
	msg := SignInAlertEmail("en", "a@example.com", "now", "127.0.0.1", "  ")
	if !strings.Contains(msg.Text, "Unknown device") {
		t.Fatalf("blank device not substituted: %q", msg.Text)
	}
}
