// Package email is the notification transport required by spec §6: an
// interface ("addresses + subject + body + attachments -> boolean success")
// plus a minimal stdlib net/smtp default implementation. No retrieved repo
// imports an email library and the interface's only corpus-visible
// requirement is satisfied directly by net/smtp, so no third-party
// dependency is wired here (DESIGN.md).
package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/smtp"
	"sort"
	"strings"
)

// Attachment is one file to attach to the notification. The orchestrator
// picks attachments in "PDF -> DOCX -> XLSX -> HTML, first existing wins"
// order per spec §4.10, so Attachments is typically a single-element slice.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Transport is the required collaborator contract from spec §6.
type Transport interface {
	Send(ctx context.Context, to []string, subject, body string, attachments []Attachment) (bool, error)
}

// NormalizeEmailTargets lowercases, trims, and deduplicates addresses while
// preserving first-seen order -- idempotent and order-preserving on the
// deduplicated result per spec §8's round-trip property.
func NormalizeEmailTargets(addresses []string) []string {
	seen := make(map[string]bool, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		norm := strings.ToLower(strings.TrimSpace(addr))
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out
}

// SMTPConfig configures the default stdlib transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPTransport sends mail via net/smtp with a hand-built MIME multipart
// message (subject + plain-text body + optional attachments).
type SMTPTransport struct {
	cfg SMTPConfig
}

// NewSMTPTransport constructs an SMTPTransport from cfg.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

// Send builds and delivers the message. ctx is honored only to the extent
// net/smtp's blocking calls can be interrupted by the caller's surrounding
// cancellation checkpoints (spec §5: email is not itself a named
// cancellation point, but callers should not invoke Send after a job's
// context has already been cancelled).
func (t *SMTPTransport) Send(ctx context.Context, to []string, subject, body string, attachments []Attachment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	targets := NormalizeEmailTargets(to)
	if len(targets) == 0 {
		return false, fmt.Errorf("email: no recipients after normalization")
	}

	msg := buildMIMEMessage(t.cfg.From, targets, subject, body, attachments)

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, t.cfg.From, targets, msg); err != nil {
		return false, fmt.Errorf("email: send: %w", err)
	}
	return true, nil
}

func buildMIMEMessage(from string, to []string, subject, body string, attachments []Attachment) []byte {
	sortedTo := append([]string(nil), to...)
	sort.Strings(sortedTo)

	var buf bytes.Buffer
	boundary := "neurareport-boundary"

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(sortedTo, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(attachments) == 0 {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(body)
		return buf.Bytes()
	}

	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)

	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n\r\n")

	for _, att := range attachments {
		buf.WriteString("--" + boundary + "\r\n")
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", nonEmpty(att.MIMEType, "application/octet-stream"))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n\r\n", att.Filename)
		buf.WriteString(base64.StdEncoding.EncodeToString(att.Data))
		buf.WriteString("\r\n\r\n")
	}
	buf.WriteString("--" + boundary + "--\r\n")
	return buf.Bytes()
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
