package dispatch

import (
	"context"
	"fmt"

	"github.com/k3a/html2text"
	"github.com/wneessen/go-mail"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
)

// emailSender delivers alert notifications over SMTP. Messages for the
// same alert share a thread: the first carries the fingerprint message id
// and every follow-up references it via In-Reply-To.
type emailSender struct {
	cfg conf.SMTPSettings
}

func (e *emailSender) enabled() bool { return e.cfg.Host != "" }

func threadID(fingerprint string) string {
	return fmt.Sprintf("<%s@tidemark>", fingerprint)
}

func (e *emailSender) send(ctx context.Context, target string, alert *entities.AlertInstance, subject, htmlBody string, attemptNo int) error {
	if !e.enabled() {
		return errors.New(errors.KindUpstreamPermanent, "email channel is not configured")
	}

	msg := mail.NewMsg()
	if err := msg.From(e.cfg.From); err != nil {
		return errors.Wrap(errors.KindUpstreamPermanent, "invalid sender address", err)
	}
	if err := msg.To(target); err != nil {
		return errors.Wrap(errors.KindUpstreamPermanent, "invalid recipient address", err)
	}
	msg.Subject(subject)
	msg.SetMessageIDWithValue(fmt.Sprintf("%s.%d@tidemark", alert.Fingerprint, attemptNo))
	if alert.HitCount > 1 || attemptNo > 1 {
		msg.SetGenHeader("In-Reply-To", threadID(alert.Fingerprint))
		msg.SetGenHeader("References", threadID(alert.Fingerprint))
	}

	msg.SetBodyString(mail.TypeTextPlain, html2text.HTML2Text(htmlBody))
	msg.AddAlternativeString(mail.TypeTextHTML, htmlBody)

	opts := []mail.Option{
		mail.WithPort(e.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(e.cfg.Username),
		mail.WithPassword(e.cfg.Password),
	}
	client, err := mail.NewClient(e.cfg.Host, opts...)
	if err != nil {
		return errors.Wrap(errors.KindUpstreamPermanent, "smtp client setup failed", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrap(errors.KindUpstreamTimeout, "smtp delivery failed", err)
	}
	return nil
}
