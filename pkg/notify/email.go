package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mrz1836/postmark"
)

var (
	ErrInvalidEmailConfig = errors.New("invalid email config")
	ErrFailedToSendEmail  = errors.New("failed to send email")
	ErrNoRecipient        = errors.New("no recipient for account")
)

// EmailConfig holds Postmark credentials and sender identity.
type EmailConfig struct {
	ServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	AccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail  string `env:"EMAIL_SENDER" envDefault:"billing@eventlane.io"`
	SupportEmail string `env:"EMAIL_SUPPORT" envDefault:"support@eventlane.io"`
}

// RecipientResolver maps an account to a deliverable address. Accounts live
// outside this engine, so the host application supplies the lookup. It is
// optional: notifications that carry an "email" entry in their payload are
// delivered without a resolver.
type RecipientResolver func(ctx context.Context, accountID uuid.UUID) (email, name string, err error)

// EmailDeliverer sends billing notifications through Postmark's
// transactional API.
type EmailDeliverer struct {
	client    *postmark.Client
	config    EmailConfig
	recipient RecipientResolver
}

// NewEmailDeliverer creates a Postmark-backed deliverer. All tokens are
// required so that a misconfigured service fails at startup instead of
// silently dropping mail.
func NewEmailDeliverer(cfg EmailConfig, recipient RecipientResolver) (*EmailDeliverer, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: ServerToken is required", ErrInvalidEmailConfig)
	}
	if cfg.AccountToken == "" {
		return nil, fmt.Errorf("%w: AccountToken is required", ErrInvalidEmailConfig)
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("%w: SenderEmail is required", ErrInvalidEmailConfig)
	}
	return &EmailDeliverer{
		client:    postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		config:    cfg,
		recipient: recipient,
	}, nil
}

func (d *EmailDeliverer) Deliver(ctx context.Context, n Notification) error {
	to, name, err := d.resolveRecipient(ctx, n)
	if err != nil {
		return err
	}

	subject, body := renderEmail(n, name)

	resp, err := d.client.SendEmail(ctx, postmark.Email{
		From:       d.config.SenderEmail,
		ReplyTo:    d.config.SupportEmail,
		To:         to,
		Subject:    subject,
		Tag:        string(n.Kind),
		HTMLBody:   body,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}

func (d *EmailDeliverer) resolveRecipient(ctx context.Context, n Notification) (email, name string, err error) {
	if addr, ok := n.Data["email"].(string); ok && addr != "" {
		name, _ = n.Data["name"].(string)
		return addr, name, nil
	}
	if d.recipient == nil {
		return "", "", fmt.Errorf("%w: %s", ErrNoRecipient, n.AccountID)
	}
	email, name, err = d.recipient(ctx, n.AccountID)
	if err != nil {
		return "", "", errors.Join(ErrNoRecipient, err)
	}
	return email, name, nil
}

func renderEmail(n Notification, name string) (subject, body string) {
	greeting := "Hi"
	if name != "" {
		greeting = "Hi " + name
	}

	switch n.Kind {
	case KindTrialExpired:
		subject = "Your trial has ended"
		body = fmt.Sprintf("<p>%s,</p><p>Your free trial has ended and your account has been moved to the free plan. Upgrade any time to restore access to paid features.</p>", greeting)
	case KindPaymentFailed:
		subject = "Payment failed"
		body = fmt.Sprintf("<p>%s,</p><p>We could not process your latest payment. Please update your payment method to keep your subscription active.</p>", greeting)
	case KindPaymentMethodExpired:
		subject = "Your payment method has expired"
		body = fmt.Sprintf("<p>%s,</p><p>The card on file for your subscription has expired. Please add a new payment method to avoid interruption.</p>", greeting)
	case KindSubscriptionCanceled:
		subject = "Your subscription has been canceled"
		body = fmt.Sprintf("<p>%s,</p><p>Your subscription has been canceled. You can resubscribe whenever you are ready.</p>", greeting)
	case KindSubscriptionRenewed:
		subject = "Your subscription has renewed"
		body = fmt.Sprintf("<p>%s,</p><p>Your subscription has renewed for another billing period. Thanks for staying with us.</p>", greeting)
	case KindPlanChangeApplied:
		subject = "Your plan change is live"
		body = fmt.Sprintf("<p>%s,</p><p>The plan change you scheduled has taken effect on your account.</p>", greeting)
	default:
		subject = "Account update"
		body = fmt.Sprintf("<p>%s,</p><p>There has been an update to your account's billing state.</p>", greeting)
	}
	return subject, body
}
