package notify

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// SendFunc delivers one message. smtp.SendMail matches it.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// DefaultMailSubject is used when MailConfig.Subject is empty.
const DefaultMailSubject = "The key is missing"

const defaultMailBody = `Hello everyone,

the key was taken {{.MissingSince}} and has not been brought back.
Taken at: {{.TakenAt}}
{{- if .QueueLength}}
Waiting in the queue: {{.QueueLength}}
{{- end}}

Please check whether you still have it and return it to the hook.
`

// MailConfig configures the missing-key mail.
type MailConfig struct {
	// Addr is the SMTP server as host:port.
	Addr     string
	From     string
	To       []string
	Username string
	Password string
	Subject  string
	// Body is a text/template; see defaultMailBody for the fields.
	Body   string
	Clock  clock.Clock
	Logger pslog.Logger
	Send   SendFunc
}

type mailData struct {
	MissingSince string
	TakenAt      string
	QueueLength  int
}

// Mail sends one mail to everyone once the key stays missing past the
// escalation timeout.
type Mail struct {
	Base

	addr    string
	from    string
	to      []string
	subject string
	auth    smtp.Auth
	body    *template.Template
	clock   clock.Clock
	logger  pslog.Logger
	send    SendFunc
}

var _ core.Notifier = (*Mail)(nil)

// NewMail validates cfg and parses the body template.
func NewMail(cfg MailConfig) (*Mail, error) {
	if cfg.Addr == "" {
		return nil, errors.New("notify: mail addr required")
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("notify: mail addr %q: %w", cfg.Addr, err)
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("notify: mail from and to required")
	}
	bodyText := cfg.Body
	if bodyText == "" {
		bodyText = defaultMailBody
	}
	body, err := template.New("missing").Parse(bodyText)
	if err != nil {
		return nil, fmt.Errorf("notify: parse mail template: %w", err)
	}
	m := &Mail{
		addr:    cfg.Addr,
		from:    cfg.From,
		to:      append([]string(nil), cfg.To...),
		subject: cfg.Subject,
		body:    body,
		clock:   cfg.Clock,
		logger:  svcfields.WithSubsystem(cfg.Logger, "notify.mail"),
		send:    cfg.Send,
	}
	if m.subject == "" {
		m.subject = DefaultMailSubject
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.send == nil {
		m.send = smtp.SendMail
	}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return m, nil
}

// KeyMissingOverdue sends the missing mail. Debug mode never mails.
func (m *Mail) KeyMissingOverdue(s core.Snapshot) {
	if s.DebugMode {
		m.logger.Info("debug mode: missing mail suppressed")
		return
	}
	msg, err := m.compose(s)
	if err != nil {
		m.logger.Warn("missing mail render failed", "error", err)
		return
	}
	if err := m.send(m.addr, m.auth, m.from, m.to, msg); err != nil {
		m.logger.Warn("missing mail failed", "addr", m.addr, "error", err)
		return
	}
	m.logger.Info("missing mail sent", "recipients", len(m.to))
}

func (m *Mail) compose(s core.Snapshot) ([]byte, error) {
	now := m.clock.Now()
	data := mailData{MissingSince: "a while ago", TakenAt: "unknown", QueueLength: len(s.Queue)}
	if s.KeyTakenOn != nil {
		data.MissingSince = humanize.RelTime(*s.KeyTakenOn, now, "ago", "from now")
		data.TakenAt = s.KeyTakenOn.Local().Format(time.DateTime)
	}
	var body bytes.Buffer
	if err := m.body.Execute(&body, data); err != nil {
		return nil, err
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(m.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", m.subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", now.Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.Bytes(), nil
}
