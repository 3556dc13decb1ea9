package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/MailLoop/ReplyPace/internal/models"
)

// SubjectComposer is the default Composer: it treats subject keys that are
// email addresses as the recipient directly. Deployments with a separate
// conversation directory plug in their own Composer instead.
type SubjectComposer struct {
	ReplySubject    string
	ReminderSubject string
}

// NewSubjectComposer creates a composer with default subject lines.
func NewSubjectComposer() *SubjectComposer {
	return &SubjectComposer{
		ReplySubject:    "Re: your message",
		ReminderSubject: "Reminder: payment conversation awaiting your reply",
	}
}

// ComposeReply implements Composer.
func (c *SubjectComposer) ComposeReply(ctx context.Context, subjectKey string) (Message, error) {
	to, err := recipientFromSubject(subjectKey)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: c.ReplySubject,
		Body:    "Thanks for reaching out. We have looked into your message and will include details in this reply.",
	}, nil
}

// ComposeReminder implements Composer.
func (c *SubjectComposer) ComposeReminder(ctx context.Context, subjectKey string) (Message, error) {
	to, err := recipientFromSubject(subjectKey)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: c.ReminderSubject,
		Body:    fmt.Sprintf("The conversation %s has not been answered yet. Please follow up.", subjectKey),
	}, nil
}

// recipientFromSubject accepts subject keys that are themselves email
// addresses. Anything else has no resolvable recipient, which is a
// permanent condition rather than a transient one.
func recipientFromSubject(subjectKey string) (string, error) {
	if strings.Count(subjectKey, "@") == 1 && !strings.HasPrefix(subjectKey, "@") && !strings.HasSuffix(subjectKey, "@") {
		return subjectKey, nil
	}
	return "", fmt.Errorf("%w: subject key %q is not a deliverable address", models.ErrPermanent, subjectKey)
}
