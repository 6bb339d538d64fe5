package app

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"sync"
	texttemplate "text/template"
	"time"

	"go.uber.org/zap"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
	"github.com/zidewell/zidwell-team-sub003/pkg/mailer"
)

// Notification outcomes.
const (
	OutcomeSuccess         = "success"
	OutcomeFailed          = "failed"
	OutcomeRefundCompleted = "refund_completed"
)

// Notification is the payload rendered into a transaction email.
type Notification struct {
	Outcome      string
	Transaction  *domain.Transaction
	RefundStatus string
	Detail       string
	Cashback     *domain.CashbackResult
}

// Notifier delivers transaction notifications. Implementations must not fail the caller.
type Notifier interface {
	Notify(ctx context.Context, user *domain.User, n Notification)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, *domain.User, Notification) {}

// MailSender sends one rendered email.
type MailSender interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// EmailNotifier renders html and text bodies and sends them in the background.
type EmailNotifier struct {
	sender  MailSender
	from    string
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewEmailNotifier(sender MailSender, from string, logger *zap.Logger) *EmailNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailNotifier{
		sender:  sender,
		from:    from,
		timeout: 10 * time.Second,
		logger:  logger.With(zap.String("component", "notifier")),
	}
}

type emailView struct {
	FirstName      string
	Type           string
	Amount         string
	Reference      string
	Description    string
	Status         string
	RefundStatus   string
	Detail         string
	ZidcoinsEarned int64
	Date           string
}

var emailSubjects = map[string]string{
	OutcomeSuccess:         "Your %s purchase was successful",
	OutcomeFailed:          "Your %s purchase failed",
	OutcomeRefundCompleted: "Refund completed for your %s purchase",
}

var htmlBody = htmltemplate.Must(htmltemplate.New("html").Parse(`<p>Hi {{.FirstName}},</p>
{{if eq .Status "success"}}<p>Your {{.Type}} purchase of <strong>&#8358;{{.Amount}}</strong> was successful.</p>
{{if .ZidcoinsEarned}}<p>You earned {{.ZidcoinsEarned}} zidcoins on this purchase.</p>{{end}}
{{else if eq .RefundStatus "refunded"}}<p>Your {{.Type}} purchase of <strong>&#8358;{{.Amount}}</strong> could not be completed. The amount has been returned to your wallet.</p>
{{else}}<p>Your {{.Type}} purchase of <strong>&#8358;{{.Amount}}</strong> could not be completed. Your refund is being processed and will reach your wallet shortly.</p>
{{end}}{{if .Detail}}<p>Reason: {{.Detail}}</p>{{end}}
<table>
<tr><td>Reference</td><td>{{.Reference}}</td></tr>
<tr><td>Description</td><td>{{.Description}}</td></tr>
<tr><td>Date</td><td>{{.Date}}</td></tr>
</table>
<p>Zidwell</p>
`))

var textBody = texttemplate.Must(texttemplate.New("text").Parse(`Hi {{.FirstName}},

{{if eq .Status "success"}}Your {{.Type}} purchase of NGN {{.Amount}} was successful.
{{if .ZidcoinsEarned}}You earned {{.ZidcoinsEarned}} zidcoins on this purchase.
{{end}}{{else if eq .RefundStatus "refunded"}}Your {{.Type}} purchase of NGN {{.Amount}} could not be completed. The amount has been returned to your wallet.
{{else}}Your {{.Type}} purchase of NGN {{.Amount}} could not be completed. Your refund is being processed and will reach your wallet shortly.
{{end}}{{if .Detail}}Reason: {{.Detail}}
{{end}}
Reference: {{.Reference}}
Description: {{.Description}}
Date: {{.Date}}

Zidwell
`))

// Render builds the email for a notification without sending it.
func (n *EmailNotifier) Render(user *domain.User, note Notification) (mailer.Message, error) {
	tx := note.Transaction
	if tx == nil {
		return mailer.Message{}, fmt.Errorf("notification without transaction")
	}

	view := emailView{
		FirstName:    firstNameOrDefault(user.FirstName),
		Type:         displayType(tx.Type),
		Amount:       domain.KoboToNaira(tx.Amount).StringFixed(2),
		Reference:    tx.Reference,
		Description:  tx.Description,
		Status:       tx.Status,
		RefundStatus: note.RefundStatus,
		Detail:       note.Detail,
		Date:         tx.UpdatedAt.Format("02 Jan 2006 15:04"),
	}
	if note.Outcome == OutcomeRefundCompleted {
		view.RefundStatus = domain.RefundStatusRefunded
	}
	if note.Cashback != nil {
		view.ZidcoinsEarned = note.Cashback.ZidcoinsEarned
	}

	var htmlBuf, textBuf bytes.Buffer
	if err := htmlBody.Execute(&htmlBuf, view); err != nil {
		return mailer.Message{}, err
	}
	if err := textBody.Execute(&textBuf, view); err != nil {
		return mailer.Message{}, err
	}

	subject, ok := emailSubjects[note.Outcome]
	if !ok {
		subject = emailSubjects[OutcomeFailed]
	}
	return mailer.Message{
		From:    n.from,
		To:      []string{user.Email},
		Subject: fmt.Sprintf(subject, view.Type),
		HTML:    htmlBuf.String(),
		Text:    textBuf.String(),
	}, nil
}

// Notify renders and sends the email on a detached, bounded context. Errors are only logged.
func (n *EmailNotifier) Notify(ctx context.Context, user *domain.User, note Notification) {
	if user == nil || strings.TrimSpace(user.Email) == "" {
		return
	}
	msg, err := n.Render(user, note)
	if err != nil {
		n.logger.Error("notification render failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		if err := n.sender.Send(sendCtx, msg); err != nil {
			n.logger.Warn("notification email failed",
				zap.String("user_id", user.ID.String()),
				zap.String("outcome", note.Outcome),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight emails finish.
func (n *EmailNotifier) Wait() {
	n.wg.Wait()
}

func firstNameOrDefault(name string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return "there"
}

func displayType(txType string) string {
	switch txType {
	case domain.TransactionTypeAirtime:
		return "airtime"
	case domain.TransactionTypeCable:
		return "cable TV"
	case domain.TransactionTypeDebit:
		return "wallet debit"
	default:
		return txType
	}
}
