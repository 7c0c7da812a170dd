package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"cellarline/internal/audit"
	"cellarline/internal/classifier"
	"cellarline/internal/config"
	"cellarline/internal/domain"
	"cellarline/internal/observability"
	"cellarline/internal/tenant"
	"cellarline/internal/tokens"
)

// InboundMessage is a normalized provider webhook.
type InboundMessage struct {
	WineryID   string
	Source     domain.Channel
	From       string
	To         string
	Body       string
	ExternalID string
	RawJSON    string
	// ReceivedAt defaults to the engine clock.
	ReceivedAt time.Time
}

// Intake is the result of ingesting one message. Duplicate is set when the
// provider's external id was seen before; Task and Message are then the
// originals and nothing was written.
type Intake struct {
	Task           domain.Task                `json:"task"`
	Message        domain.Message             `json:"message"`
	Token          *domain.MemberActionToken  `json:"token,omitempty"`
	Classification classifier.Classification `json:"classification"`
	Reply          string                     `json:"reply"`
	Duplicate      bool                       `json:"duplicate"`
}

func (in InboundMessage) validate() error {
	switch {
	case strings.TrimSpace(in.WineryID) == "":
		return domain.Invalid("winery_id", "required")
	case !in.Source.ValidSource():
		return domain.Invalid("source", "must be sms, email or voice")
	case !utf8.ValidString(in.Body):
		return domain.Invalid("body", "not valid UTF-8")
	case strings.TrimSpace(in.Body) == "":
		return domain.Invalid("body", "empty")
	}
	return nil
}

// HandleInboundMessage classifies a message and records it with its task,
// CREATED entry and, when the member can act on it directly, a member
// action token. Everything commits in one transaction.
func (e Engine) HandleInboundMessage(ctx context.Context, in InboundMessage) (Intake, error) {
	if err := in.validate(); err != nil {
		return Intake{}, err
	}
	scope := tenant.Scope{WineryID: in.WineryID}
	winery, cfg, err := tenant.Resolve(ctx, e.Repo, scope)
	if err != nil {
		return Intake{}, domain.Storage("resolve winery", err)
	}
	ctx = observability.WithWineryID(ctx, winery.ID)
	if dup, ok, err := e.duplicate(ctx, nil, in); err != nil || ok {
		return dup, err
	}

	var member *domain.Member
	if m, err := e.Repo.FindMemberByContact(ctx, nil, winery.ID, in.Source, in.From); err == nil {
		member = &m
	} else if !isNotFound(err) {
		return Intake{}, domain.Storage("find member", err)
	}

	received := in.ReceivedAt
	if received.IsZero() {
		received = e.now()
	}
	msg := domain.Message{
		ID:         uuid.NewString(),
		WineryID:   winery.ID,
		Source:     in.Source,
		Direction:  domain.DirectionInbound,
		Body:       in.Body,
		RawJSON:    in.RawJSON,
		From:       in.From,
		To:         in.To,
		ExternalID: strings.TrimSpace(in.ExternalID),
		ReceivedAt: domain.FormatTime(received),
	}
	if member != nil {
		msg.MemberID = &member.ID
	}
	c, err := e.Classifiers.Get(cfg)
	if err != nil {
		return Intake{}, err
	}
	cls, err := c.Classify(msg, member)
	if err != nil {
		return Intake{}, err
	}
	if e.Metrics != nil {
		e.Metrics.Classifications.WithLabelValues(cls.Rule, string(cls.Category)).Inc()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Intake{}, domain.Storage("begin", err)
	}
	defer tx.Rollback()
	// a concurrent delivery of the same message may have committed since the first check
	if dup, ok, err := e.duplicate(ctx, tx, in); err != nil || ok {
		return dup, err
	}
	if err := e.Repo.InsertMessage(ctx, tx, msg); err != nil {
		return Intake{}, domain.Storage("insert message", err)
	}
	out, err := e.createFromClassification(ctx, tx, cfg, msg, member, cls)
	if err != nil {
		return Intake{}, err
	}
	if err := tx.Commit(); err != nil {
		return Intake{}, domain.Storage("commit", err)
	}
	if e.Metrics != nil {
		e.Metrics.TasksCreated.WithLabelValues("inbound", string(out.Task.Status)).Inc()
	}
	observability.LoggerFromContext(ctx).Info("message ingested",
		"message_id", msg.ID, "task_id", out.Task.ID, "rule", cls.Rule, "status", string(out.Task.Status),
		"member_identified", member != nil, "token_issued", out.Token != nil)
	return out, nil
}

func (e Engine) duplicate(ctx context.Context, tx *sql.Tx, in InboundMessage) (Intake, bool, error) {
	ext := strings.TrimSpace(in.ExternalID)
	if ext == "" {
		return Intake{}, false, nil
	}
	msg, err := e.Repo.GetMessageByExternalID(ctx, tx, in.WineryID, ext)
	if isNotFound(err) {
		return Intake{}, false, nil
	}
	if err != nil {
		return Intake{}, false, domain.Storage("read message", err)
	}
	t, err := e.Repo.TaskForMessage(ctx, tx, in.WineryID, msg.ID)
	if err != nil {
		return Intake{}, false, domain.Storage("read task", err)
	}
	observability.LoggerFromContext(ctx).Info("duplicate message ignored", "external_id", ext, "task_id", t.ID)
	return Intake{Task: t, Message: msg, Reply: t.SuggestedReplyBody, Duplicate: true}, true, nil
}

func (e Engine) createFromClassification(ctx context.Context, tx *sql.Tx, cfg *config.Config, msg domain.Message, member *domain.Member, cls classifier.Classification) (Intake, error) {
	now := domain.FormatTime(e.now())
	t := domain.Task{
		ID:                    uuid.NewString(),
		WineryID:              msg.WineryID,
		MessageID:             &msg.ID,
		Category:              cls.Category,
		SubType:               cls.SubType,
		CustomerType:          cls.CustomerType,
		Status:                domain.StatusPendingReview,
		Payload:               cls.Payload,
		Sentiment:             cls.Sentiment,
		SuggestedChannel:      cls.SuggestedChannel,
		SuggestedReplySubject: cls.SuggestedReplySubject,
		SuggestedReplyBody:    cls.SuggestedReplyBody,
		RequiresApproval:      cls.RequiresApproval,
		Priority:              cls.Priority,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if member != nil {
		t.MemberID = &member.ID
	}
	details := audit.Details{
		"rule":       cls.Rule,
		"category":   string(cls.Category),
		"sub_type":   cls.SubType,
		"message_id": msg.ID,
	}

	ch, target := tokenChannel(cls.SuggestedChannel, msg.Source, member)
	issue := cls.MemberAction != "" && target != ""
	var secret string
	if issue {
		var err error
		if secret, err = tokens.NewSecret(nil); err != nil {
			return Intake{}, err
		}
		t.Status = domain.StatusAwaitingMemberAction
		t.SuggestedReplyBody = withLink(t.SuggestedReplyBody, e.link(secret))
	} else {
		t.SuggestedReplyBody = withoutLink(t.SuggestedReplyBody)
	}
	// the task row must exist before a token can reference it
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return Intake{}, domain.Storage("insert task", err)
	}
	out := Intake{Message: msg, Classification: cls}
	if issue {
		tok, err := e.tokens().Issue(ctx, tx, tokens.IssueRequest{
			WineryID: t.WineryID,
			MemberID: member.ID,
			TaskID:   &t.ID,
			Type:     cls.MemberAction,
			Channel:  ch,
			Target:   target,
			Payload:  cls.Payload,
			TTL:      cfg.TokenTTL(),
			Secret:   secret,
		})
		if err != nil {
			return Intake{}, err
		}
		out.Token = &tok
		details["token_id"] = tok.ID
		details["member_action"] = string(tok.Type)
		details["reply"] = replyDetails(ch, target, t.SuggestedReplySubject, t.SuggestedReplyBody)
	}
	details["status"] = string(t.Status)
	if _, err := e.audit().Append(ctx, tx, t.WineryID, t.ID, nil, domain.ActionCreated, details); err != nil {
		return Intake{}, err
	}
	out.Task = t
	out.Reply = t.SuggestedReplyBody
	return out, nil
}

// tokenChannel picks where a member action link goes: the suggested channel
// if the member can be reached on it, else the channel the message came in on.
func tokenChannel(suggested, source domain.Channel, member *domain.Member) (domain.Channel, string) {
	if member == nil {
		return "", ""
	}
	for _, ch := range []domain.Channel{suggested, source} {
		if ch == domain.ChannelVoice {
			ch = domain.ChannelSMS
		}
		if !ch.ValidSource() {
			continue
		}
		if c := member.ContactFor(ch); c != "" {
			return ch, c
		}
	}
	return "", ""
}

func (e Engine) link(secret string) string {
	return strings.TrimRight(e.PublicBaseURL, "/") + "/m/" + secret
}

func withLink(body, link string) string {
	if strings.Contains(body, classifier.LinkMarker) {
		return strings.ReplaceAll(body, classifier.LinkMarker, link)
	}
	if strings.TrimSpace(body) == "" {
		return link
	}
	return body + " " + link
}

func withoutLink(body string) string {
	if !strings.Contains(body, classifier.LinkMarker) {
		return body
	}
	return strings.Join(strings.Fields(strings.ReplaceAll(body, classifier.LinkMarker, "")), " ")
}

func replyDetails(ch domain.Channel, to, subject, body string) map[string]any {
	return map[string]any{
		"channel": string(ch),
		"to":      to,
		"subject": subject,
		"body":    body,
	}
}
