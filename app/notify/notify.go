// Package notify delivers backup results via email and webhooks
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/umputun/backupd/app/backup"
	"github.com/umputun/backupd/app/schedule"
)

// Service sends messages to all configured destinations
type Service struct {
	Params
	destinations []notify.Notifier
	fromEmail    string
	toEmail      []string
	webhooks     []string
}

// Params for the service
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	Host               string // shown in messages, os hostname if empty
	ErrorTemplate      string // optional template file for failed backups
	CompletionTemplate string // optional template file for completed backups
}

// SendersParams defines destinations
type SendersParams struct {
	notify.SMTPParams
	FromEmail   string
	ToEmails    []string
	WebhookURLs []string
}

// NewService makes notification service. Returns nil if no destinations defined.
func NewService(p Params, sp SendersParams) *Service {
	res := &Service{Params: p, fromEmail: sp.FromEmail, toEmail: sp.ToEmails, webhooks: sp.WebhookURLs}
	if len(sp.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(sp.SMTPParams))
	}
	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{Timeout: sp.TimeOut}))
	}
	if len(res.destinations) == 0 {
		return nil
	}
	if res.Host == "" {
		res.Host, _ = os.Hostname()
	}
	return res
}

// Notify sends message about backup result if enabled for this kind of result
func (s *Service) Notify(ctx context.Context, e schedule.Entry, res backup.Result) error {
	var subj, msg string
	var err error
	switch {
	case !res.Success() && s.IsOnError():
		subj = fmt.Sprintf("backup %q failed on %s", e.Name, s.Host)
		msg, err = s.MakeErrorHTML(e, res)
	case res.Success() && s.IsOnCompletion():
		subj = fmt.Sprintf("backup %q completed on %s", e.Name, s.Host)
		msg, err = s.MakeCompletionHTML(e, res)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("can't make message for %q: %w", e.Name, err)
	}
	return s.Send(ctx, subj, msg)
}

// Send message with subject to all destinations. Email gets the whole message, webhooks get the subject only.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []string
	for _, d := range s.destinations {
		switch d.Schema() {
		case "mailto":
			if err := d.Send(ctx, s.mailto(subj), text); err != nil {
				errs = append(errs, err.Error())
			}
		default:
			for _, wh := range s.webhooks {
				if !strings.HasPrefix(wh, d.Schema()) {
					continue
				}
				if err := d.Send(ctx, wh, subj); err != nil {
					errs = append(errs, err.Error())
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	log.Printf("[DEBUG] notification %q sent", subj)
	return nil
}

// IsOnError status enabling on-error notification
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion status enabling on-completion notification
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// MakeErrorHTML creates html message about failed backup
func (s *Service) MakeErrorHTML(e schedule.Entry, res backup.Result) (string, error) {
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	return s.render(s.ErrorTemplate, defaultErrorTemplate, e, res, errMsg)
}

// MakeCompletionHTML creates html message about completed backup
func (s *Service) MakeCompletionHTML(e schedule.Entry, res backup.Result) (string, error) {
	return s.render(s.CompletionTemplate, defaultCompletionTemplate, e, res, "")
}

// render uses template from file if set and parsable, default template otherwise
func (s *Service) render(fname, def string, e schedule.Entry, res backup.Result, errMsg string) (string, error) {
	tmpl := def
	if fname != "" {
		data, err := os.ReadFile(fname) //nolint:gosec // template file from the command line
		if err != nil {
			log.Printf("[WARN] can't read template %s, using default, %v", fname, err)
		} else {
			tmpl = string(data)
		}
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil && tmpl != def {
		log.Printf("[WARN] can't parse template %s, using default, %v", fname, err)
		t, err = template.New("msg").Parse(def)
	}
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}

	data := struct {
		Name     string
		Path     string
		Time     string
		Archive  string
		Duration time.Duration
		TS       time.Time
		Error    string
		Host     string
	}{
		Name:     e.Name,
		Path:     e.Path,
		Time:     e.Time,
		Archive:  res.Archive,
		Duration: res.Duration(),
		TS:       res.Finished,
		Error:    errMsg,
		Host:     s.Host,
	}

	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

func (s *Service) mailto(subj string) string {
	q := url.Values{}
	q.Set("from", s.fromEmail)
	q.Set("subject", subj)
	return "mailto:" + strings.Join(s.toEmail, ",") + "?" + q.Encode()
}

const defaultErrorTemplate = `<!DOCTYPE html>
<html>
<head>
	<meta name="viewport" content="width=device-width" />
	<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
	<style type="text/css">
		body { font-family: "Arial"; font-size: 1.0em; }
		pre { padding: 0.6em; font-size: 0.7em; background-color: #E8E2A0; white-space: pre-wrap; }
		.bold { color: #882828; font-weight: 900; }
	</style>
</head>
<body>
	<p>Backup failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
	<ul>
		<li>Name: <span class="bold">{{.Name}}</span></li>
		<li>Path: <span class="bold">{{.Path}}</span></li>
		<li>Time: <span class="bold">{{.Time}}</span></li>
	</ul>
	<pre>
{{.Error}}
	</pre>
</body>
</html>
`

const defaultCompletionTemplate = `<!DOCTYPE html>
<html>
<head>
	<meta name="viewport" content="width=device-width" />
	<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
	<style type="text/css">
		body { font-family: "Arial"; font-size: 1.0em; }
		.bold { color: #288828; font-weight: 900; }
	</style>
</head>
<body>
	<p>Backup completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
	<ul>
		<li>Name: <span class="bold">{{.Name}}</span></li>
		<li>Path: <span class="bold">{{.Path}}</span></li>
		<li>Archive: <span class="bold">{{.Archive}}</span></li>
		<li>Duration: {{.Duration}}</li>
	</ul>
</body>
</html>
`
