// Package mailer performs the outbound side effect for fired actions:
// sending the generated email reply or the merchant follow-up reminder.
//
// The scheduler treats the executor as a black box with retryable failure
// semantics; wrap permanent failures in models.ErrPermanent so they are
// not retried.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/MailLoop/ReplyPace/internal/models"
	"github.com/MailLoop/ReplyPace/internal/store"
)

// Executor performs the side effect for a claimed action.
type Executor interface {
	SendReply(ctx context.Context, action models.PendingAction) error
	SendReminder(ctx context.Context, action models.PendingAction) error
}

// Message is a fully composed outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Composer resolves a subject key into a concrete outbound message.
// Reply-content generation lives outside the scheduler; this is its seam.
type Composer interface {
	ComposeReply(ctx context.Context, subjectKey string) (Message, error)
	ComposeReminder(ctx context.Context, subjectKey string) (Message, error)
}

// Opts holds configuration for the SES executor.
type Opts struct {
	FromEmail string
	Region    string
}

// Option configures the SES executor.
type Option func(*Opts)

// WithFromEmail sets the sender address.
func WithFromEmail(from string) Option {
	return func(o *Opts) { o.FromEmail = from }
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(o *Opts) { o.Region = region }
}

// sesAPI defines the minimal SES surface for testing.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESExecutor sends mail through AWS SES.
type SESExecutor struct {
	ses      sesAPI
	composer Composer
	from     string
}

// NewSESExecutor builds an executor using the default AWS credential chain.
func NewSESExecutor(ctx context.Context, composer Composer, opts ...Option) (*SESExecutor, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("sender email not set")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESExecutor{
		ses:      sesv2.NewFromConfig(awsCfg),
		composer: composer,
		from:     cfg.FromEmail,
	}, nil
}

// SendReply implements Executor.
func (e *SESExecutor) SendReply(ctx context.Context, action models.PendingAction) error {
	msg, err := e.composer.ComposeReply(ctx, action.SubjectKey)
	if err != nil {
		return fmt.Errorf("compose reply for %s: %w", action.SubjectKey, err)
	}
	return e.send(ctx, action, msg)
}

// SendReminder implements Executor.
func (e *SESExecutor) SendReminder(ctx context.Context, action models.PendingAction) error {
	msg, err := e.composer.ComposeReminder(ctx, action.SubjectKey)
	if err != nil {
		return fmt.Errorf("compose reminder for %s: %w", action.SubjectKey, err)
	}
	return e.send(ctx, action, msg)
}

func (e *SESExecutor) send(ctx context.Context, action models.PendingAction, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("%w: no recipient for subject %s", models.ErrPermanent, action.SubjectKey)
	}
	_, err := e.ses.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(e.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send for %s: %w", action.SubjectKey, err)
	}
	slog.Info("SESExecutor.send: email sent", "subjectKey", action.SubjectKey, "kind", action.Kind, "to", msg.To)
	return nil
}

// IdempotentExecutor wraps another executor with a checked-before-send
// guard: actions already present in the sent log are skipped. This is the
// backstop for the documented cancel/claim race and for firing actions
// requeued after a crash with an unknown outcome.
type IdempotentExecutor struct {
	next Executor
	log  store.SentLog
}

// NewIdempotentExecutor wraps next with the sent-log check.
func NewIdempotentExecutor(next Executor, log store.SentLog) *IdempotentExecutor {
	return &IdempotentExecutor{next: next, log: log}
}

// SendReply implements Executor.
func (e *IdempotentExecutor) SendReply(ctx context.Context, action models.PendingAction) error {
	return e.guard(ctx, action, e.next.SendReply)
}

// SendReminder implements Executor.
func (e *IdempotentExecutor) SendReminder(ctx context.Context, action models.PendingAction) error {
	return e.guard(ctx, action, e.next.SendReminder)
}

func (e *IdempotentExecutor) guard(ctx context.Context, action models.PendingAction, send func(context.Context, models.PendingAction) error) error {
	sent, err := e.log.IsSent(action.ID)
	if err != nil {
		return fmt.Errorf("sent-log check for %s: %w", action.ID, err)
	}
	if sent {
		slog.Info("IdempotentExecutor: action already sent, skipping", "id", action.ID, "subjectKey", action.SubjectKey)
		return nil
	}
	if err := send(ctx, action); err != nil {
		return err
	}
	if _, err := e.log.RecordSent(action.ID, action.SubjectKey, action.Kind, time.Now()); err != nil {
		// The send itself succeeded; a failed record must not trigger a
		// retry that would double-send.
		slog.Error("IdempotentExecutor: failed to record sent action", "id", action.ID, "error", err)
	}
	return nil
}

// IsPermanent reports whether an executor error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, models.ErrPermanent)
}
