package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"buseta/internal/domain"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	addr     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
}

func NewEmailSender(addr, user, password, from string) *EmailSender {
	var auth smtp.Auth
	if user != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		auth = smtp.PlainAuth("", user, password, host)
	}
	return &EmailSender{
		addr:     addr,
		from:     from,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

func (e *EmailSender) Send(ctx context.Context, user *domain.User, msg Message) (string, error) {
	if user.Email == "" {
		return "", fmt.Errorf("email to %s: %w", user.ID, ErrNoRecipient)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", user.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Title)
	fmt.Fprintf(&b, "Message-ID: <%s@buseta>\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	if err := e.sendMail(e.addr, e.auth, e.from, []string{user.Email}, []byte(b.String())); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return id, nil
}
