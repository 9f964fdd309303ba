// Package notify sends divergence alerts and session summaries to the
// controlling team over SMTP.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/rotisserie/eris"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/config"
	"github.com/dealer-analytics/recon-cli/internal/model"
)

// Severity bands an alert by its critical-divergence count.
type Severity string

const (
	SeverityInfo      Severity = "INFO"
	SeverityAttention Severity = "ATTENTION"
	SeverityCritical  Severity = "CRITICAL"
)

// Classify maps a critical count to an alert severity.
func Classify(critical int) Severity {
	switch {
	case critical > 10:
		return SeverityCritical
	case critical > 5:
		return SeverityAttention
	default:
		return SeverityInfo
	}
}

// Mailer sends HTML alert mail. When SMTP credentials are absent every
// send is a logged no-op, so unconfigured environments never fail a run.
type Mailer struct {
	cfg config.SMTPConfig
	log *zap.Logger
}

// NewMailer creates a Mailer from SMTP settings.
func NewMailer(cfg config.SMTPConfig) *Mailer {
	return &Mailer{
		cfg: cfg,
		log: zap.L().With(zap.String("component", "notify")),
	}
}

// AlertDivergences reports a detection batch. The attachment, usually
// the generated report, is optional.
func (m *Mailer) AlertDivergences(ctx context.Context, total, critical, pending int, period, attachment string) error {
	severity := Classify(critical)
	subject := fmt.Sprintf("[%s] Divergence alert: %d found (%s)", severity, total, period)

	body, err := renderAlert(alertData{
		Severity: severity,
		Total:    total,
		Critical: critical,
		Pending:  pending,
		Period:   period,
	})
	if err != nil {
		return err
	}
	return m.send(ctx, subject, body, attachment)
}

// SessionSummary reports a finished processing session.
func (m *Mailer) SessionSummary(ctx context.Context, sessionID int64, status model.SessionStatus, metrics model.SessionMetrics, duration time.Duration, errs []string) error {
	subject := fmt.Sprintf("Processing session #%d: %s", sessionID, status)

	body, err := renderSummary(summaryData{
		SessionID: sessionID,
		Status:    status,
		Metrics:   metrics,
		Duration:  duration.Round(time.Second).String(),
		Errors:    errs,
	})
	if err != nil {
		return err
	}
	return m.send(ctx, subject, body, "")
}

// AlertCriticalFailure reports a component failure that aborted a run.
func (m *Mailer) AlertCriticalFailure(ctx context.Context, component, msg string) error {
	subject := fmt.Sprintf("[CRITICAL] Reconciliation failure in %s", component)

	body, err := renderFailure(failureData{
		Component: component,
		Message:   msg,
		At:        time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return m.send(ctx, subject, body, "")
}

func (m *Mailer) send(ctx context.Context, subject, body, attachment string) error {
	if !m.cfg.MailEnabled() {
		m.log.Info("mail disabled, skipping notification", zap.String("subject", subject))
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return eris.Wrapf(err, "notify: invalid sender %s", m.cfg.From)
	}
	if err := msg.To(m.cfg.Recipients...); err != nil {
		return eris.Wrap(err, "notify: invalid recipients")
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body)
	if attachment != "" {
		msg.AttachFile(attachment)
	}

	client, err := mail.NewClient(m.cfg.Host,
		mail.WithPort(m.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.User),
		mail.WithPassword(m.cfg.Password),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return eris.Wrap(err, "notify: create smtp client")
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return eris.Wrapf(err, "notify: send %q", subject)
	}

	m.log.Info("notification sent",
		zap.String("subject", subject),
		zap.Int("recipients", len(m.cfg.Recipients)))
	return nil
}

type alertData struct {
	Severity Severity
	Total    int
	Critical int
	Pending  int
	Period   string
}

type summaryData struct {
	SessionID int64
	Status    model.SessionStatus
	Metrics   model.SessionMetrics
	Duration  string
	Errors    []string
}

type failureData struct {
	Component string
	Message   string
	At        string
}

var alertTmpl = template.Must(template.New("alert").Parse(`
<h2>Divergence Alert &mdash; {{.Severity}}</h2>
<p>Reconciliation found <strong>{{.Total}}</strong> divergence(s) for period {{.Period}}.</p>
<ul>
  <li>Critical: {{.Critical}}</li>
  <li>Awaiting review: {{.Pending}}</li>
</ul>
<p>See the attached report for details.</p>
`))

var summaryTmpl = template.Must(template.New("summary").Parse(`
<h2>Processing Session #{{.SessionID}} &mdash; {{.Status}}</h2>
<table border="1" cellpadding="4">
  <tr><td>Records analyzed</td><td>{{.Metrics.RecordsAnalyzed}}</td></tr>
  <tr><td>Divergences detected</td><td>{{.Metrics.DivergencesDetected}}</td></tr>
  <tr><td>Corrections applied</td><td>{{.Metrics.CorrectionsApplied}}</td></tr>
  <tr><td>Awaiting review</td><td>{{.Metrics.CorrectionsPending}}</td></tr>
  <tr><td>Errors</td><td>{{.Metrics.ErrorsFound}}</td></tr>
  <tr><td>Duration</td><td>{{.Duration}}</td></tr>
</table>
{{if .Errors}}
<h3>Errors</h3>
<ul>{{range .Errors}}<li>{{.}}</li>{{end}}</ul>
{{end}}
`))

var failureTmpl = template.Must(template.New("failure").Parse(`
<h2>Critical Failure</h2>
<p>Component <strong>{{.Component}}</strong> failed at {{.At}}:</p>
<pre>{{.Message}}</pre>
<p>The processing run was aborted. Manual intervention required.</p>
`))

func renderAlert(data alertData) (string, error) {
	var buf bytes.Buffer
	if err := alertTmpl.Execute(&buf, data); err != nil {
		return "", eris.Wrap(err, "notify: render alert body")
	}
	return buf.String(), nil
}

func renderSummary(data summaryData) (string, error) {
	var buf bytes.Buffer
	if err := summaryTmpl.Execute(&buf, data); err != nil {
		return "", eris.Wrap(err, "notify: render summary body")
	}
	return buf.String(), nil
}

func renderFailure(data failureData) (string, error) {
	var buf bytes.Buffer
	if err := failureTmpl.Execute(&buf, data); err != nil {
		return "", eris.Wrap(err, "notify: render failure body")
	}
	return buf.String(), nil
}
