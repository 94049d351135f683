package i18n

import (
	"strconv"
	"strings"
)

type MessageContent struct {
	Subject string
	Text    string
	HTML    string
}

type messageStrings struct {
	RecoveryCodeSubject string
	RecoveryCodeText    string
	RecoveryCodeHTML    string

	RecoveryLinkSubject string
	RecoveryLinkText    string
	RecoveryLinkHTML    string

	PasswordChangedSubject string
	PasswordChangedText    string
	PasswordChangedHTML    string

	ForcedLogoutSubject string
	ForcedLogoutText    string
	ForcedLogoutHTML    string

	LoginCodeSubject string
	LoginCodeText    string
	LoginCodeHTML    string

	SignInSubject string
	SignInText    string
	SignInHTML    string

	RecoveryCodeSMS string
	LoginCodeSMS    string

	UnknownDevice string
}

var messageTranslations = map[string]messageStrings{
	"en": {
		RecoveryCodeSubject: "Your account recovery code",
		RecoveryCodeText:    "Your recovery code is {code}. It is valid for {minutes} minute(s).\nIf you did not request this, ignore this message.",
		RecoveryCodeHTML: "<p>Account recovery</p>" +
			"<p>Use the code below to continue recovering your account.</p>" +
			"<p><strong>{code}</strong></p>" +
			"<p>The code expires in {minutes} minute(s).</p>" +
			"<p>If you did not request this, you can ignore this email.</p>",

		RecoveryLinkSubject: "Recover your account",
		RecoveryLinkText:    "Recover your account: {link}\nThe link expires in {minutes} minute(s).\nIf you did not request this, ignore this email.",
		RecoveryLinkHTML: "<p>Account recovery</p>" +
			"<p>Click the button to continue recovering your account.</p>" +
			"<p><a href=\"{link}\">Recover account</a></p>" +
			"<p>The link expires in {minutes} minute(s).</p>" +
			"<p>If you did not request this, ignore this email.</p>",

		PasswordChangedSubject: "Your password was changed",
		PasswordChangedText: "The password for your account was just changed and all sessions were signed out.\n" +
			"If this wasn't you, start account recovery immediately.",
		PasswordChangedHTML: "<p>The password for your account was just changed and all sessions were signed out.</p>" +
			"<p>If this wasn't you, start account recovery immediately.</p>",

		ForcedLogoutSubject: "Sessions signed out",
		ForcedLogoutText:    "{count} other session(s) were signed out because your account allows only one active session.",
		ForcedLogoutHTML:    "<p><strong>{count}</strong> other session(s) were signed out because your account allows only one active session.</p>",

		LoginCodeSubject: "Your sign-in code",
		LoginCodeText:    "Your sign-in code is {code} (valid for {minutes} minute(s)).",
		LoginCodeHTML:    "<p>Your sign-in code is <strong>{code}</strong> (valid for {minutes} minute(s)).</p>",

		SignInSubject: "New sign-in to your account",
		SignInText: "Hi {email},\n\nA new sign-in occurred on {time}.\n\n" +
			"IP: {ip}\nDevice: {device}\n\n" +
			"If this wasn't you, please reset your password and revoke other sessions.",
		SignInHTML: "<p>Hi {email},</p>" +
			"<p>A new sign-in occurred on <strong>{time}</strong>.</p>" +
			"<ul><li><strong>IP:</strong> {ip}</li>" +
			"<li><strong>Device:</strong> {device}</li></ul>" +
			"<p>If this wasn't you, please reset your password and revoke other sessions.</p>",

		RecoveryCodeSMS: "Your recovery code is {code}. Valid for {minutes} minute(s).",
		LoginCodeSMS:    "Your sign-in code is {code}. Valid for {minutes} minute(s).",

		UnknownDevice: "Unknown device",
	},
	"de": {
		RecoveryCodeSubject: "Ihr Wiederherstellungscode",
		RecoveryCodeText:    "Ihr Wiederherstellungscode lautet {code}. Er ist {minutes} Minute(n) gueltig.\nWenn Sie dies nicht angefordert haben, ignorieren Sie diese Nachricht.",
		RecoveryCodeHTML: "<p>Kontowiederherstellung</p>" +
			"<p>Verwenden Sie den folgenden Code, um die Wiederherstellung fortzusetzen.</p>" +
			"<p><strong>{code}</strong></p>" +
			"<p>Der Code laeuft in {minutes} Minute(n) ab.</p>" +
			"<p>Wenn Sie dies nicht angefordert haben, koennen Sie diese E-Mail ignorieren.</p>",

		RecoveryLinkSubject: "Konto wiederherstellen",
		RecoveryLinkText:    "Konto wiederherstellen: {link}\nDer Link laeuft in {minutes} Minute(n) ab.\nWenn Sie dies nicht angefordert haben, ignorieren Sie diese E-Mail.",
		RecoveryLinkHTML: "<p>Kontowiederherstellung</p>" +
			"<p>Klicken Sie auf die Schaltflaeche, um fortzufahren.</p>" +
			"<p><a href=\"{link}\">Konto wiederherstellen</a></p>" +
			"<p>Der Link laeuft in {minutes} Minute(n) ab.</p>" +
			"<p>Wenn Sie dies nicht angefordert haben, ignorieren Sie diese E-Mail.</p>",

		PasswordChangedSubject: "Ihr Passwort wurde geaendert",
		PasswordChangedText: "Das Passwort Ihres Kontos wurde soeben geaendert und alle Sitzungen wurden abgemeldet.\n" +
			"Wenn Sie das nicht waren, starten Sie sofort die Kontowiederherstellung.",
		PasswordChangedHTML: "<p>Das Passwort Ihres Kontos wurde soeben geaendert und alle Sitzungen wurden abgemeldet.</p>" +
			"<p>Wenn Sie das nicht waren, starten Sie sofort die Kontowiederherstellung.</p>",

		ForcedLogoutSubject: "Sitzungen abgemeldet",
		ForcedLogoutText:    "{count} weitere Sitzung(en) wurden abgemeldet, da Ihr Konto nur eine aktive Sitzung erlaubt.",
		ForcedLogoutHTML:    "<p><strong>{count}</strong> weitere Sitzung(en) wurden abgemeldet, da Ihr Konto nur eine aktive Sitzung erlaubt.</p>",

		LoginCodeSubject: "Ihr Anmeldecode",
		LoginCodeText:    "Ihr Anmeldecode lautet {code} (gueltig fuer {minutes} Minute(n)).",
		LoginCodeHTML:    "<p>Ihr Anmeldecode lautet <strong>{code}</strong> (gueltig fuer {minutes} Minute(n)).</p>",

		SignInSubject: "Neue Anmeldung bei Ihrem Konto",
		SignInText: "Hallo {email},\n\nEine neue Anmeldung erfolgte am {time}.\n\n" +
			"IP: {ip}\nGeraet: {device}\n\n" +
			"Wenn Sie das nicht waren, setzen Sie bitte Ihr Passwort zurueck und widerrufen Sie andere Sitzungen.",
		SignInHTML: "<p>Hallo {email},</p>" +
			"<p>Eine neue Anmeldung erfolgte am <strong>{time}</strong>.</p>" +
			"<ul><li><strong>IP:</strong> {ip}</li>" +
			"<li><strong>Geraet:</strong> {device}</li></ul>" +
			"<p>Wenn Sie das nicht waren, setzen Sie bitte Ihr Passwort zurueck und widerrufen Sie andere Sitzungen.</p>",

		RecoveryCodeSMS: "Ihr Wiederherstellungscode lautet {code}. Gueltig fuer {minutes} Minute(n).",
		LoginCodeSMS:    "Ihr Anmeldecode lautet {code}. Gueltig fuer {minutes} Minute(n).",

		UnknownDevice: "Unbekanntes Geraet",
	},
}

func stringsFor(locale string) messageStrings {
	if s, ok := messageTranslations[locale]; ok {
		return s
	}
	return messageTranslations[DefaultLocale]
}

func render(tmpl string, repl map[string]string) string {
	out := tmpl
	for key, val := range repl {
		out = strings.ReplaceAll(out, "{"+key+"}", val)
	}
	return out
}

func RecoveryCodeEmail(locale, code string, minutes int) MessageContent {
	s := stringsFor(locale)
	repl := map[string]string{"code": code, "minutes": strconv.Itoa(minutes)}
	return MessageContent{
		Subject: s.RecoveryCodeSubject,
		Text:    render(s.RecoveryCodeText, repl),
		HTML:    render(s.RecoveryCodeHTML, repl),
	}
}

func RecoveryLinkEmail(locale, link string, minutes int) MessageContent {
	s := stringsFor(locale)
	repl := map[string]string{"link": link, "minutes": strconv.Itoa(minutes)}
	return MessageContent{
		Subject: s.RecoveryLinkSubject,
		Text:    render(s.RecoveryLinkText, repl),
		HTML:    render(s.RecoveryLinkHTML, repl),
	}
}

func PasswordChangedEmail(locale string) MessageContent {
	s := stringsFor(locale)
	return MessageContent{
		Subject: s.PasswordChangedSubject,
		Text:    s.PasswordChangedText,
		HTML:    s.PasswordChangedHTML,
	}
}

func ForcedLogoutEmail(locale string, count int) MessageContent {
	s := stringsFor(locale)
	repl := map[string]string{"count": strconv.Itoa(count)}
	return MessageContent{
		Subject: s.ForcedLogoutSubject,
		Text:    render(s.ForcedLogoutText, repl),
		HTML:    render(s.ForcedLogoutHTML, repl),
	}
}

func LoginCodeEmail(locale, code string, minutes int) MessageContent {
	s := stringsFor(locale)
	repl := map[string]string{"code": code, "minutes": strconv.Itoa(minutes)}
	return MessageContent{
		Subject: s.LoginCodeSubject,
		Text:    render(s.LoginCodeText, repl),
		HTML:    render(s.LoginCodeHTML, repl),
	}
}

func SignInAlertEmail(locale, email, when, ip, device string) MessageContent {
	s := stringsFor(locale)
	if strings.TrimSpace(device) == "" {
		device = s.UnknownDevice
	}
	repl := map[string]string{"email": email, "time": when, "ip": ip, "device": device}
	return MessageContent{
		Subject: s.SignInSubject,
		Text:    render(s.SignInText, repl),
		HTML:    render(s.SignInHTML, repl),
	}
}

func RecoveryCodeSMS(locale, code string, minutes int) string {
	s := stringsFor(locale)
	return render(s.RecoveryCodeSMS, map[string]string{"code": code, "minutes": strconv.Itoa(minutes)})
}

func LoginCodeSMS(locale, code string, minutes int) string {
	s := stringsFor(locale)
	return render(s.LoginCodeSMS, map[string]string{"code": code, "minutes": strconv.Itoa(minutes)})
}
