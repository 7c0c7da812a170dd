// Package classifier maps an inbound message to a category, sub type and
// suggested reply using the winery's ordered rule list. It performs no I/O.
package classifier

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"
	"unicode"
	"unicode/utf8"

	"cellarline/internal/config"
	"cellarline/internal/domain"
)

// LinkMarker is left in reply bodies for the orchestrator to replace with a member action URL.
const LinkMarker = "{link}"

// FallbackRule names the classification used when no rule matches.
const FallbackRule = "fallback"

type Classification struct {
	Rule                  string              `json:"rule"`
	Category              domain.Category     `json:"category"`
	SubType               string              `json:"sub_type,omitempty"`
	CustomerType          domain.CustomerType `json:"customer_type"`
	Sentiment             domain.Sentiment    `json:"sentiment"`
	SuggestedChannel      domain.Channel      `json:"suggested_channel"`
	SuggestedReplySubject string              `json:"suggested_reply_subject,omitempty"`
	SuggestedReplyBody    string              `json:"suggested_reply_body"`
	RequiresApproval      bool                `json:"requires_approval"`
	MemberAction          domain.TokenType    `json:"member_action,omitempty"`
	Priority              domain.Priority     `json:"priority"`
	Payload               map[string]any      `json:"payload"`
}

type compiledRule struct {
	config.Rule
	preds   []Predicate
	extract *regexp.Regexp
	subject *template.Template
	body    *template.Template
}

type Classifier struct {
	cfg      *config.Config
	loc      *time.Location
	rules    []compiledRule
	fbTitle  *template.Template
	fbBody   *template.Template
	positive map[string]bool
	negative map[string]bool
}

// New compiles cfg's rules. The config must already have passed Validate.
func New(cfg *config.Config) (*Classifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("classifier: nil config")
	}
	c := &Classifier{cfg: cfg, loc: time.UTC, positive: lexicon(cfg.Sentiment.Positive), negative: lexicon(cfg.Sentiment.Negative)}
	if cfg.Winery.TimeZone != "" {
		loc, err := time.LoadLocation(cfg.Winery.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		c.loc = loc
	}
	var err error
	if c.fbTitle, err = parse("fallback.subject", cfg.Fallback.Subject); err != nil {
		return nil, err
	}
	if c.fbBody, err = parse("fallback.body", cfg.Fallback.Body); err != nil {
		return nil, err
	}
	for _, r := range cfg.Rules {
		cr := compiledRule{Rule: r}
		if cr.preds, err = compileMatch(r.Match, cfg.BusinessHours); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		if r.Then.Extract != "" {
			if cr.extract, err = regexp.Compile(r.Then.Extract); err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.Name, err)
			}
		}
		if cr.subject, err = parse(r.Name+".reply_subject", r.Then.ReplySubject); err != nil {
			return nil, err
		}
		if cr.body, err = parse(r.Name+".reply_body", r.Then.ReplyBody); err != nil {
			return nil, err
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// Classify is a one-shot helper for callers that do not keep a Classifier.
func Classify(msg domain.Message, member *domain.Member, cfg *config.Config) (Classification, error) {
	c, err := New(cfg)
	if err != nil {
		return Classification{}, err
	}
	return c.Classify(msg, member)
}

// Classify evaluates rules in order; the first whose predicates all hold wins.
func (c *Classifier) Classify(msg domain.Message, member *domain.Member) (Classification, error) {
	if !utf8.ValidString(msg.Body) {
		return Classification{}, domain.Invalid("body", "not valid UTF-8")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return Classification{}, domain.Invalid("body", "empty")
	}
	in := c.input(msg, member)
	for _, r := range c.rules {
		if matchAll(r.preds, in) {
			return c.fromRule(r, in)
		}
	}
	return c.fallback(in)
}

func matchAll(preds []Predicate, in Input) bool {
	for _, p := range preds {
		if !p.Match(in) {
			return false
		}
	}
	return len(preds) > 0
}

func (c *Classifier) input(msg domain.Message, member *domain.Member) Input {
	lower := strings.ToLower(msg.Body)
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
		words[w] = true
	}
	in := Input{Message: msg, Member: member, Words: words, Lower: lower}
	if t, err := domain.ParseTime(msg.ReceivedAt); err == nil {
		in.Local = t.In(c.loc)
	}
	return in
}

func (c *Classifier) fromRule(r compiledRule, in Input) (Classification, error) {
	t := r.Then
	out := Classification{
		Rule:             r.Name,
		Category:         t.Category,
		SubType:          t.SubType,
		CustomerType:     c.customerType(t.CustomerType, in.Member),
		Sentiment:        t.Sentiment,
		SuggestedChannel: t.SuggestedChannel,
		RequiresApproval: true,
		MemberAction:     t.MemberAction,
		Priority:         t.Priority,
		Payload:          map[string]any{},
	}
	if t.RequiresApproval != nil {
		out.RequiresApproval = *t.RequiresApproval
	}
	if out.Sentiment == "" {
		out.Sentiment = c.sentiment(in)
	}
	if out.SuggestedChannel == "" {
		out.SuggestedChannel = replyChannel(in.Message.Source)
	}
	if out.Priority == "" {
		out.Priority = defaultPriority(out.Sentiment)
	}
	if r.extract != nil {
		if m := r.extract.FindStringSubmatch(in.Message.Body); m != nil {
			for i, name := range r.extract.SubexpNames() {
				if name != "" && i < len(m) && strings.TrimSpace(m[i]) != "" {
					out.Payload[name] = strings.TrimSpace(m[i])
				}
			}
		}
	}
	data := c.templateData(in, out.Payload)
	var err error
	if out.SuggestedReplySubject, err = render(r.subject, data); err != nil {
		return Classification{}, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	if out.SuggestedReplyBody, err = render(r.body, data); err != nil {
		return Classification{}, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	if strings.TrimSpace(out.SuggestedReplyBody) == "" {
		if out.SuggestedReplyBody, err = render(c.fbBody, data); err != nil {
			return Classification{}, err
		}
	}
	return out, nil
}

func (c *Classifier) fallback(in Input) (Classification, error) {
	out := Classification{
		Rule:             FallbackRule,
		Category:         domain.CategoryGeneral,
		CustomerType:     c.customerType("", in.Member),
		Sentiment:        c.sentiment(in),
		SuggestedChannel: replyChannel(in.Message.Source),
		RequiresApproval: true,
		Payload:          map[string]any{},
	}
	out.Priority = defaultPriority(out.Sentiment)
	data := c.templateData(in, out.Payload)
	var err error
	if out.SuggestedReplySubject, err = render(c.fbTitle, data); err != nil {
		return Classification{}, err
	}
	if out.SuggestedReplyBody, err = render(c.fbBody, data); err != nil {
		return Classification{}, err
	}
	if strings.TrimSpace(out.SuggestedReplyBody) == "" {
		out.SuggestedReplyBody = "Thanks for your message. We'll be in touch shortly."
	}
	return out, nil
}

func (c *Classifier) customerType(ruleType domain.CustomerType, member *domain.Member) domain.CustomerType {
	if member != nil {
		return domain.CustomerMember
	}
	if ruleType != "" && ruleType != domain.CustomerMember {
		return ruleType
	}
	return domain.CustomerUnknown
}

func (c *Classifier) sentiment(in Input) domain.Sentiment {
	var pos, neg int
	for w := range in.Words {
		if c.positive[w] {
			pos++
		}
		if c.negative[w] {
			neg++
		}
	}
	switch {
	case neg > pos:
		return domain.SentimentNegative
	case pos > neg:
		return domain.SentimentPositive
	}
	return domain.SentimentNeutral
}

func defaultPriority(s domain.Sentiment) domain.Priority {
	if s == domain.SentimentNegative {
		return domain.PriorityHigh
	}
	return domain.PriorityNormal
}

func replyChannel(source domain.Channel) domain.Channel {
	switch source {
	case domain.ChannelSMS, domain.ChannelEmail:
		return source
	}
	return domain.ChannelNone
}

type templateData struct {
	FirstName  string
	LastName   string
	WineryName string
	Greeting   string
	SignOff    string
	Tone       string
	Link       string
	Payload    map[string]string
}

func (c *Classifier) templateData(in Input, payload map[string]any) templateData {
	d := templateData{
		FirstName:  "there",
		WineryName: c.cfg.Winery.Name,
		Greeting:   c.cfg.BrandVoice.Greeting,
		SignOff:    c.cfg.BrandVoice.SignOff,
		Tone:       c.cfg.BrandVoice.Tone,
		Link:       LinkMarker,
		Payload:    map[string]string{},
	}
	if d.Greeting == "" {
		d.Greeting = "Hi"
	}
	if in.Member != nil && in.Member.FirstName != "" {
		d.FirstName = in.Member.FirstName
		d.LastName = in.Member.LastName
	}
	for k, v := range payload {
		d.Payload[k] = fmt.Sprint(v)
	}
	return d
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return t, nil
}

func render(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func lexicon(words []string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[strings.ToLower(strings.TrimSpace(w))] = true
	}
	return m
}
