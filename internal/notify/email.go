package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

// SESClient is the part of *sesv2.Client the notifier calls.
type SESClient interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type EmailConfig struct {
	Region     string
	FromEmail  string
	FromName   string
	AdminEmail string
	AppBaseURL string
}

// EmailNotifier sends the sponsor a receipt and the volunteers an alert through Amazon SES.
// Without a from-address it is disabled and every call is a logged no-op.
type EmailNotifier struct {
	client  SESClient
	cfg     EmailConfig
	log     *zap.Logger
	enabled bool
}

func NewEmailNotifier(ctx context.Context, cfg EmailConfig, log *zap.Logger) (*EmailNotifier, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FromEmail == "" {
		log.Info("email notifications disabled: SES_FROM_EMAIL not configured")
		return &EmailNotifier{cfg: cfg, log: log}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Info("email notifications enabled", zap.String("from", cfg.FromEmail), zap.String("region", cfg.Region))
	return NewEmailNotifierWithClient(sesv2.NewFromConfig(awsCfg), cfg, log), nil
}

func NewEmailNotifierWithClient(client SESClient, cfg EmailConfig, log *zap.Logger) *EmailNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmailNotifier{client: client, cfg: cfg, log: log, enabled: client != nil && cfg.FromEmail != ""}
}

func (e *EmailNotifier) Enabled() bool { return e.enabled }

func (e *EmailNotifier) SponsorshipRequested(ctx context.Context, d models.SponsorshipDetails) error {
	if !e.enabled {
		e.log.Debug("skipping sponsorship email (disabled)", zap.Int64("sponsorship_id", d.Sponsorship.ID))
		return nil
	}
	view := emailView{
		SponsorName: d.Sponsorship.SponsorName,
		ChildID:     d.Child.DisplayID(),
		Age:         d.Child.AgeLabel(),
		Gender:      d.Child.Gender,
		WishList:    d.Child.WishList,
		Needs:       d.Child.Needs,
		Gift:        string(d.Sponsorship.GiftPreference),
		Email:       d.Sponsorship.SponsorEmail,
		Phone:       d.Sponsorship.SponsorPhone,
		Message:     d.Sponsorship.Message,
		SponsorID:   d.Sponsorship.ID,
		BaseURL:     e.cfg.AppBaseURL,
	}

	html, text, err := render(sponsorHTML, sponsorText, view)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("Your Christmas for Kids sponsorship request for child %s", view.ChildID)
	if err := e.send(ctx, d.Sponsorship.SponsorEmail, subject, html, text); err != nil {
		return err
	}

	if e.cfg.AdminEmail == "" {
		return nil
	}
	html, text, err = render(adminHTML, adminText, view)
	if err != nil {
		return err
	}
	subject = fmt.Sprintf("New sponsorship request #%d for child %s", view.SponsorID, view.ChildID)
	return e.send(ctx, e.cfg.AdminEmail, subject, html, text)
}

func (e *EmailNotifier) send(ctx context.Context, to, subject, html, text string) error {
	from := e.cfg.FromEmail
	if e.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", e.cfg.FromName, e.cfg.FromEmail)
	}
	out, err := e.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
					Text: &types.Content{Data: aws.String(text), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	e.log.Info("email sent", zap.String("to", to), zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

type emailView struct {
	SponsorName string
	ChildID     string
	Age         string
	Gender      string
	WishList    string
	Needs       string
	Gift        string
	Email       string
	Phone       string
	Message     string
	SponsorID   int64
	BaseURL     string
}

func render(h *htmltemplate.Template, t *texttemplate.Template, v emailView) (string, string, error) {
	var hb, tb bytes.Buffer
	if err := h.Execute(&hb, v); err != nil {
		return "", "", fmt.Errorf("render %s: %w", h.Name(), err)
	}
	if err := t.Execute(&tb, v); err != nil {
		return "", "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return hb.String(), tb.String(), nil
}

var sponsorHTML = htmltemplate.Must(htmltemplate.New("sponsor.html").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
	<h1 style="color: #b22222;">Thank you, {{.SponsorName}}!</h1>
	<p>We received your request to sponsor child <strong>{{.ChildID}}</strong> ({{.Age}}, {{.Gender}}).</p>
	{{if .WishList}}<p><strong>Wish list:</strong> {{.WishList}}</p>{{end}}
	{{if .Needs}}<p><strong>Needs:</strong> {{.Needs}}</p>{{end}}
	<p><strong>Gift preference:</strong> {{.Gift}}</p>
	<p>A volunteer will confirm your sponsorship shortly and send drop-off details.</p>
	<p style="font-size: 12px; color: #666;">This is an automated email from Christmas for Kids. Please do not reply.</p>
</body>
</html>
`))

var sponsorText = texttemplate.Must(texttemplate.New("sponsor.txt").Parse(`Thank you, {{.SponsorName}}!

We received your request to sponsor child {{.ChildID}} ({{.Age}}, {{.Gender}}).
{{if .WishList}}
Wish list: {{.WishList}}{{end}}{{if .Needs}}
Needs: {{.Needs}}{{end}}
Gift preference: {{.Gift}}

A volunteer will confirm your sponsorship shortly and send drop-off details.

---
This is an automated email from Christmas for Kids. Please do not reply.
`))

var adminHTML = htmltemplate.Must(htmltemplate.New("admin.html").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif;">
	<p>New sponsorship request <strong>#{{.SponsorID}}</strong> for child <strong>{{.ChildID}}</strong>.</p>
	<ul>
		<li>Sponsor: {{.SponsorName}} &lt;{{.Email}}&gt;</li>
		{{if .Phone}}<li>Phone: {{.Phone}}</li>{{end}}
		<li>Gift preference: {{.Gift}}</li>
		{{if .Message}}<li>Message: {{.Message}}</li>{{end}}
	</ul>
	{{if .BaseURL}}<p><a href="{{.BaseURL}}/admin/sponsorships/{{.SponsorID}}">Review in the admin panel</a></p>{{end}}
</body>
</html>
`))

var adminText = texttemplate.Must(texttemplate.New("admin.txt").Parse(`New sponsorship request #{{.SponsorID}} for child {{.ChildID}}.

Sponsor: {{.SponsorName}} <{{.Email}}>{{if .Phone}}
Phone: {{.Phone}}{{end}}
Gift preference: {{.Gift}}{{if .Message}}
Message: {{.Message}}{{end}}
{{if .BaseURL}}
Review: {{.BaseURL}}/admin/sponsorships/{{.SponsorID}}{{end}}
`))
