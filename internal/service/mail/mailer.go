package mail

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// ErrNoRecipient — в письме нет адреса получателя.
var ErrNoRecipient = errors.New("no recipient email provided")

// LogMailer пишет письма в лог вместо отправки. Контекст письма не логируется: в нём код карты.
type LogMailer struct {
	templates *Templates
	logger    *log.Entry
}

// NewLogMailer создаёт mailer для dev-окружения.
func NewLogMailer(logger *log.Entry) *LogMailer {
	if logger == nil {
		logger = log.New().WithField("component", "log-mailer")
	}
	return &LogMailer{templates: DefaultTemplates(), logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg domain.MailMessage) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	body, err := m.templates.Render(msg.Template, msg.Context)
	if err != nil {
		return err
	}
	m.logger.WithFields(log.Fields{
		"to":         msg.To,
		"subject":    msg.Subject,
		"template":   msg.Template,
		"body_bytes": len(body),
	}).Info("Mail sent to log")
	return nil
}

// SMTPConfig — параметры SMTP-транспорта.
type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
	Timeout  time.Duration
}

// SMTPMailer отправляет HTML-письма через SMTP.
type SMTPMailer struct {
	cfg       SMTPConfig
	templates *Templates
	logger    *log.Entry
}

// NewSMTPMailer создаёт SMTP-транспорт.
func NewSMTPMailer(cfg SMTPConfig, logger *log.Entry) (*SMTPMailer, error) {
	if cfg.Addr == "" {
		return nil, errors.New("smtp addr is required")
	}
	if cfg.From == "" {
		return nil, errors.New("mail from is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.New().WithField("component", "smtp-mailer")
	}
	return &SMTPMailer{cfg: cfg, templates: DefaultTemplates(), logger: logger}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg domain.MailMessage) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	body, err := m.templates.Render(msg.Template, msg.Context)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "dial smtp")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))
	}

	host, _, _ := net.SplitHostPort(m.cfg.Addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "smtp handshake")
	}
	defer client.Close()

	if m.cfg.Username != "" {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(nil); err != nil {
				return errors.Wrap(err, "smtp starttls")
			}
		}
		if err := client.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)); err != nil {
			return errors.Wrap(err, "smtp auth")
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return errors.Wrap(err, "smtp mail from")
	}
	if err := client.Rcpt(msg.To); err != nil {
		return errors.Wrap(err, "smtp rcpt")
	}
	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "smtp data")
	}
	if _, err := w.Write(buildMIME(m.cfg.From, msg.To, msg.Subject, body)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "smtp write")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "smtp close data")
	}
	if err := client.Quit(); err != nil {
		m.logger.WithError(err).Debug("SMTP quit failed")
	}

	m.logger.WithFields(log.Fields{"to": msg.To, "template": msg.Template}).Info("Mail sent")
	return nil
}

func buildMIME(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// Recorder запоминает письма; используется в тестах и при STORAGE_DRIVER=memory.
type Recorder struct {
	mu   sync.Mutex
	sent []domain.MailMessage
	// FailNext — сколько ближайших отправок завершить ошибкой.
	failNext int
}

// NewRecorder создаёт пустой Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(_ context.Context, msg domain.MailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	if r.failNext > 0 {
		r.failNext--
		return errors.New("recorder: simulated transport failure")
	}
	r.sent = append(r.sent, msg)
	return nil
}

// FailNext заставляет следующие n отправок вернуть ошибку.
func (r *Recorder) FailNext(n int) {
	r.mu.Lock()
	r.failNext = n
	r.mu.Unlock()
}

// Sent возвращает копию отправленных писем.
func (r *Recorder) Sent() []domain.MailMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.MailMessage, len(r.sent))
	copy(out, r.sent)
	return out
}

var (
	_ domain.Mailer = (*LogMailer)(nil)
	_ domain.Mailer = (*SMTPMailer)(nil)
	_ domain.Mailer = (*Recorder)(nil)
)
