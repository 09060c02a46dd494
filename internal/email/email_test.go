package email

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeEmailTargets(t *testing.T) {
	got := NormalizeEmailTargets([]string{" Alice@Example.com ", "bob@example.com", "alice@example.com", "", "  "})
	require.Equal(t, []string{"alice@example.com", "bob@example.com"}, got)
}

func TestNormalizeEmailTargetsEmpty(t *testing.T) {
	require.Empty(t, NormalizeEmailTargets(nil))
}

func TestBuildMIMEMessagePlainBody(t *testing.T) {
	msg := string(buildMIMEMessage("from@example.com", []string{"to@example.com"}, "Subject Line", "hello body", nil))
	require.Contains(t, msg, "From: from@example.com")
	require.Contains(t, msg, "To: to@example.com")
	require.Contains(t, msg, "Content-Type: text/plain")
	require.Contains(t, msg, "hello body")
	require.NotContains(t, msg, "multipart/mixed")
}

func TestBuildMIMEMessageWithAttachment(t *testing.T) {
	att := Attachment{Filename: "report.pdf", MIMEType: "application/pdf", Data: []byte("PDFDATA")}
	msg := string(buildMIMEMessage("from@example.com", []string{"to@example.com"}, "Report", "see attached", []Attachment{att}))

	require.Contains(t, msg, "multipart/mixed")
	require.Contains(t, msg, `filename="report.pdf"`)
	require.Contains(t, msg, "Content-Type: application/pdf")
	require.Contains(t, msg, base64.StdEncoding.EncodeToString(att.Data))
}

func TestBuildMIMEMessageSortsRecipients(t *testing.T) {
	msg := string(buildMIMEMessage("from@example.com", []string{"zed@example.com", "alpha@example.com"}, "s", "b", nil))
	toLine := ""
	for _, line := range strings.Split(msg, "\r\n") {
		if strings.HasPrefix(line, "To: ") {
			toLine = line
			break
		}
	}
	require.Equal(t, "To: alpha@example.com, zed@example.com", toLine)
}

func TestSMTPTransportSendRejectsEmptyRecipients(t *testing.T) {
	transport := NewSMTPTransport(SMTPConfig{Host: "localhost", Port: 25, From: "from@example.com"})
	ok, err := transport.Send(context.Background(), []string{"   "}, "s", "b", nil)
	require.False(t, ok)
	require.Error(t, err)
}

func TestSMTPTransportSendRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport := NewSMTPTransport(SMTPConfig{Host: "localhost", Port: 25, From: "from@example.com"})
	ok, err := transport.Send(ctx, []string{"to@example.com"}, "s", "b", nil)
	require.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSMTPTransportSendFailsAgainstUnreachableHost(t *testing.T) {
	// No SMTP server is listening; net/smtp.SendMail should fail quickly with
	// a dial error rather than hang, exercising the error path without a
	// live mail server.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	transport := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "from@example.com"})
	ok, err := transport.Send(ctx, []string{"to@example.com"}, "s", "b", nil)
	require.False(t, ok)
	require.Error(t, err)
}
