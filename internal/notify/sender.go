package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/smtp"
	"strings"

	"github.com/emersion/go-message/mail"

	"fileshare/internal/config"
)

type Sender interface {
	SendPasswordReset(ctx context.Context, toEmail, token string) error
	SendShareLink(ctx context.Context, toEmail, fileName, link string) error
}

// LogSender writes notifications to the process log. Default in development
// and in deployments without an SMTP relay.
type LogSender struct {
	baseURL string
}

// NewLogSender keeps the base URL so logged reset links stay clickable.
func NewLogSender(baseURL string) LogSender {
	return LogSender{baseURL: baseURL}
}

func (s LogSender) SendPasswordReset(ctx context.Context, toEmail, token string) error {
	_ = ctx
	log.Printf("password reset token generated for %s token=%s link=%s", toEmail, token, resetLink(s.baseURL, token))
	return nil
}

func (s LogSender) SendShareLink(ctx context.Context, toEmail, fileName, link string) error {
	_ = ctx
	log.Printf("share link for %s to=%s link=%s", fileName, toEmail, link)
	return nil
}

type SMTPSender struct {
	host    string
	port    int
	from    string
	baseURL string
}

func NewSender(cfg config.Config) Sender {
	switch cfg.MailSender {
	case "smtp":
		return SMTPSender{
			host:    cfg.SMTPHost,
			port:    cfg.SMTPPort,
			from:    cfg.MailFrom,
			baseURL: cfg.BaseURL,
		}
	default:
		return NewLogSender(cfg.BaseURL)
	}
}

func (s SMTPSender) SendPasswordReset(ctx context.Context, toEmail, token string) error {
	body := "Use this link to reset your password:\r\n" + resetLink(s.baseURL, token) + "\r\n"
	return s.send(ctx, toEmail, "Password Reset", body)
}

func (s SMTPSender) SendShareLink(ctx context.Context, toEmail, fileName, link string) error {
	body := fmt.Sprintf("A file has been shared with you: %s\r\n\r\nDownload: %s\r\n", fileName, link)
	return s.send(ctx, toEmail, fmt.Sprintf("File shared: %s", fileName), body)
}

func (s SMTPSender) send(ctx context.Context, toEmail, subject, body string) error {
	_ = ctx
	msg, err := composeMessage(s.from, toEmail, subject, body)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	return smtp.SendMail(addr, nil, s.from, []string{toEmail}, msg)
}

func composeMessage(from, to, subject, body string) ([]byte, error) {
	var fromAddrs, toAddrs []*mail.Address
	fromAddrs = append(fromAddrs, &mail.Address{Address: from})
	toAddrs = append(toAddrs, &mail.Address{Address: to})

	var h mail.Header
	h.SetAddressList("From", fromAddrs)
	h.SetAddressList("To", toAddrs)
	h.SetSubject(subject)

	var buf bytes.Buffer
	mw, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(mw, strings.NewReader(body)); err != nil {
		_ = mw.Close()
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func resetLink(baseURL, token string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return token
	}
	return fmt.Sprintf("%s/#/reset?token=%s", base, token)
}
