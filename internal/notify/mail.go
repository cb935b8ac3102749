package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// MailConfig configures the SMTP sink.
type MailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	To       []string
}

// MailSink sends each notification as one plain-text mail. With no
// username/password it speaks unauthenticated SMTP; otherwise PLAIN auth.
type MailSink struct {
	cfg MailConfig
}

// Strip anything that could smuggle extra headers into the envelope.
var headerReplacer = strings.NewReplacer("\r\n", "", "\r", "", "\n", "", "%0a", "", "%0d", "")

func NewMailSink(cfg MailConfig) *MailSink {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "25"
	}
	return &MailSink{cfg: cfg}
}

func (m *MailSink) Name() string { return "mail" }

func (m *MailSink) Send(_ context.Context, n Notification) error {
	if len(m.cfg.To) == 0 {
		return fmt.Errorf("no recipients configured")
	}
	msg := m.compose(n)
	if m.cfg.Username == "" && m.cfg.Password == "" {
		return m.sendWithNoAuth(msg)
	}
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	return smtp.SendMail(m.addr(), auth, m.cfg.From, m.cfg.To, msg)
}

func (m *MailSink) addr() string { return m.cfg.Host + ":" + m.cfg.Port }

func (m *MailSink) sendWithNoAuth(msg []byte) error {
	c, err := smtp.Dial(m.addr())
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()
	if err = c.Mail(headerReplacer.Replace(m.cfg.From)); err != nil {
		return err
	}
	for _, to := range m.cfg.To {
		if err = c.Rcpt(headerReplacer.Replace(to)); err != nil {
			return err
		}
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = wc.Write(msg); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (m *MailSink) compose(n Notification) []byte {
	var b strings.Builder
	b.WriteString("To: " + headerReplacer.Replace(strings.Join(m.cfg.To, ",")) + "\r\n")
	b.WriteString("From: " + headerReplacer.Replace(m.cfg.From) + "\r\n")
	b.WriteString("Subject: [warden] " + headerReplacer.Replace(n.Subject()) + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(n.Body)
	if n.Body != "" && !strings.HasSuffix(n.Body, "\n") {
		b.WriteString("\n")
	}
	if !n.At.IsZero() {
		b.WriteString("\nat: " + n.At.Format("2006-01-02 15:04:05") + "\n")
	}
	return []byte(b.String())
}
