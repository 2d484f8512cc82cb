package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// Mail delivers alerts through an SMTP server
type Mail struct {
	auth              smtp.Auth
	smtpServerPort    int
	smtpServerAddress string
	to                string
	from              string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// MailParams contains all parameters needed to initialize a Mail instance
type MailParams struct {
	SMTPServerPort    int
	SMTPServerAddress string
	To                string
	From              string
	Password          string
}

func NewMail(params MailParams) *Mail {
	return &Mail{
		from:              params.From,
		to:                params.To,
		smtpServerPort:    params.SMTPServerPort,
		smtpServerAddress: params.SMTPServerAddress,
		auth: smtp.PlainAuth(
			"",
			params.From,
			params.Password,
			params.SMTPServerAddress,
		),
		sendMail: smtp.SendMail,
	}
}

func (m *Mail) Name() string { return "mail" }

// Send mails the alert text, using its first line as subject
func (m *Mail) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	address := fmt.Sprintf("%s:%d", m.smtpServerAddress, m.smtpServerPort)
	message := m.compose(text)

	done := make(chan error, 1)
	go func() {
		done <- m.sendMail(address, m.auth, m.from, []string{m.to}, message)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("notification/mail: %w", err)
		}
		return nil
	}
}

var markdownStripper = strings.NewReplacer("*", "", "`", "", "_", "")

func (m *Mail) compose(text string) []byte {
	plain := markdownStripper.Replace(text)
	subject, _, _ := strings.Cut(plain, "\n")

	var sb strings.Builder
	fmt.Fprintf(&sb, "To: <%s>\r\n", m.to)
	fmt.Fprintf(&sb, "From: \"Leverwatch\" <%s>\r\n", m.from)
	fmt.Fprintf(&sb, "Subject: %s\r\n", strings.TrimSpace(subject))
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	sb.WriteString(strings.ReplaceAll(plain, "\n", "\r\n"))

	return []byte(sb.String())
}
