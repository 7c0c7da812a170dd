package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"cellarline/internal/domain"
)

// Config models a winery's cellarline.yml: classification rules, category
// allow-lists, brand voice and token policy.
type Config struct {
	Winery struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		TimeZone string `yaml:"time_zone"`
	} `yaml:"winery"`
	BrandVoice    BrandVoice                   `yaml:"brand_voice"`
	Categories    map[domain.Category][]string `yaml:"categories"`
	BusinessHours BusinessHours                `yaml:"business_hours"`
	Tokens        struct {
		TTL string `yaml:"ttl"`
	} `yaml:"tokens"`
	Sentiment struct {
		Positive []string `yaml:"positive"`
		Negative []string `yaml:"negative"`
	} `yaml:"sentiment"`
	Fallback struct {
		Subject string `yaml:"subject"`
		Body    string `yaml:"body"`
	} `yaml:"fallback"`
	Rules []Rule `yaml:"rules"`
}

type BrandVoice struct {
	Tone     string `yaml:"tone"`
	Greeting string `yaml:"greeting"`
	SignOff  string `yaml:"sign_off"`
}

// BusinessHours is an opening window in the winery's time zone, "HH:MM" bounds.
type BusinessHours struct {
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
	Days  []string `yaml:"days"`
}

// Rule is one entry in the ordered classifier rule list.
type Rule struct {
	Name  string    `yaml:"name"`
	Match RuleMatch `yaml:"match"`
	Then  RuleThen  `yaml:"then"`
}

// RuleMatch lists predicates; every predicate that is set must hold.
type RuleMatch struct {
	Contains      []string          `yaml:"contains,omitempty"`
	All           []string          `yaml:"all,omitempty"`
	Any           []string          `yaml:"any,omitempty"`
	None          []string          `yaml:"none,omitempty"`
	Pattern       string            `yaml:"pattern,omitempty"`
	Sources       []domain.Channel  `yaml:"sources,omitempty"`
	Member        *bool             `yaml:"member,omitempty"`
	BusinessHours *bool             `yaml:"business_hours,omitempty"`
	Custom        map[string]string `yaml:"custom,omitempty"`
}

type RuleThen struct {
	Category         domain.Category     `yaml:"category"`
	SubType          string              `yaml:"sub_type,omitempty"`
	CustomerType     domain.CustomerType `yaml:"customer_type,omitempty"`
	Sentiment        domain.Sentiment    `yaml:"sentiment,omitempty"`
	SuggestedChannel domain.Channel      `yaml:"suggested_channel,omitempty"`
	RequiresApproval *bool               `yaml:"requires_approval,omitempty"`
	MemberAction     domain.TokenType    `yaml:"member_action,omitempty"`
	Priority         domain.Priority     `yaml:"priority,omitempty"`
	Extract          string              `yaml:"extract,omitempty"`
	ReplySubject     string              `yaml:"reply_subject,omitempty"`
	ReplyBody        string              `yaml:"reply_body,omitempty"`
}

const defaultTokenTTL = 72 * time.Hour

// TokenTTL returns the configured member action token lifetime.
func (c *Config) TokenTTL() time.Duration {
	if c.Tokens.TTL == "" {
		return defaultTokenTTL
	}
	d, err := time.ParseDuration(c.Tokens.TTL)
	if err != nil || d <= 0 {
		return defaultTokenTTL
	}
	return d
}

// SubTypeAllowed reports whether subType is on the allow-list for cat.
// An empty subType is always allowed.
func (c *Config) SubTypeAllowed(cat domain.Category, subType string) bool {
	if subType == "" {
		return true
	}
	for _, s := range c.Categories[cat] {
		if s == subType {
			return true
		}
	}
	return false
}

// Load reads and validates config from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; start from `cellarline winery config default`", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Winery.ID == "" {
		return fmt.Errorf("config.winery.id is required")
	}
	if c.Winery.TimeZone != "" {
		if _, err := time.LoadLocation(c.Winery.TimeZone); err != nil {
			return fmt.Errorf("config.winery.time_zone: %w", err)
		}
	}
	if c.Categories == nil {
		return fmt.Errorf("config.categories is required")
	}
	for cat, subs := range c.Categories {
		if !cat.Valid() {
			return fmt.Errorf("config.categories has unknown category %s", cat)
		}
		for _, s := range subs {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("category %s has empty sub type", cat)
			}
		}
	}
	if c.Tokens.TTL != "" {
		d, err := time.ParseDuration(c.Tokens.TTL)
		if err != nil {
			return fmt.Errorf("config.tokens.ttl: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.tokens.ttl must be positive")
		}
	}
	if err := c.BusinessHours.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Fallback.Body) == "" {
		return fmt.Errorf("config.fallback.body is required")
	}
	if _, err := template.New("fallback").Parse(c.Fallback.Body); err != nil {
		return fmt.Errorf("config.fallback.body: %w", err)
	}
	seen := map[string]bool{}
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rule %s defined twice", r.Name)
		}
		seen[r.Name] = true
		if err := r.validate(c); err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
	}
	return nil
}

func (r Rule) validate(c *Config) error {
	m := r.Match
	if len(m.Contains) == 0 && len(m.All) == 0 && len(m.Any) == 0 && m.Pattern == "" && len(m.Sources) == 0 &&
		m.Member == nil && m.BusinessHours == nil && len(m.Custom) == 0 {
		return fmt.Errorf("match has no predicates")
	}
	for _, c := range m.Contains {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("match.contains has a blank entry")
		}
	}
	if m.Pattern != "" {
		if _, err := regexp.Compile(m.Pattern); err != nil {
			return fmt.Errorf("match.pattern: %w", err)
		}
	}
	for _, s := range m.Sources {
		if !s.ValidSource() {
			return fmt.Errorf("match.sources has unknown source %s", s)
		}
	}
	t := r.Then
	if !t.Category.Valid() {
		return fmt.Errorf("then.category %q is not a category", t.Category)
	}
	if !c.SubTypeAllowed(t.Category, t.SubType) {
		return fmt.Errorf("then.sub_type %s not allowed for %s", t.SubType, t.Category)
	}
	if t.CustomerType != "" && !t.CustomerType.Valid() {
		return fmt.Errorf("then.customer_type %q invalid", t.CustomerType)
	}
	if t.Sentiment != "" && !t.Sentiment.Valid() {
		return fmt.Errorf("then.sentiment %q invalid", t.Sentiment)
	}
	if t.SuggestedChannel != "" && !t.SuggestedChannel.ValidSuggestion() {
		return fmt.Errorf("then.suggested_channel %q invalid", t.SuggestedChannel)
	}
	if t.MemberAction != "" && !t.MemberAction.Valid() {
		return fmt.Errorf("then.member_action %q invalid", t.MemberAction)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("then.priority %q invalid", t.Priority)
	}
	if t.Extract != "" {
		if _, err := regexp.Compile(t.Extract); err != nil {
			return fmt.Errorf("then.extract: %w", err)
		}
	}
	for name, body := range map[string]string{"reply_subject": t.ReplySubject, "reply_body": t.ReplyBody} {
		if _, err := template.New(name).Parse(body); err != nil {
			return fmt.Errorf("then.%s: %w", name, err)
		}
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func (b BusinessHours) validate() error {
	if b.Start == "" && b.End == "" {
		return nil
	}
	start, err := time.Parse("15:04", b.Start)
	if err != nil {
		return fmt.Errorf("config.business_hours.start: %w", err)
	}
	end, err := time.Parse("15:04", b.End)
	if err != nil {
		return fmt.Errorf("config.business_hours.end: %w", err)
	}
	if !end.After(start) {
		return fmt.Errorf("config.business_hours.end must be after start")
	}
	for _, d := range b.Days {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("config.business_hours.days has unknown day %s", d)
		}
	}
	return nil
}

// Contains reports whether t, already in the winery's location, falls inside the window.
// An unset window contains every instant.
func (b BusinessHours) Contains(t time.Time) bool {
	if b.Start == "" && b.End == "" {
		return true
	}
	if len(b.Days) > 0 {
		open := false
		for _, d := range b.Days {
			if weekdays[strings.ToLower(d)] == t.Weekday() {
				open = true
				break
			}
		}
		if !open {
			return false
		}
	}
	start, err1 := time.Parse("15:04", b.Start)
	end, err2 := time.Parse("15:04", b.End)
	if err1 != nil || err2 != nil {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= start.Hour()*60+start.Minute() && minute < end.Hour()*60+end.Minute()
}

// GenerateDefault returns default config YAML.
func GenerateDefault(wineryID, name string) string {
	return fmt.Sprintf(defaultTemplate, wineryID, name)
}

// Default returns the default Config struct for a winery.
func Default(wineryID, name string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(wineryID, name))).Decode(&cfg)
	cfg.Winery.ID = wineryID
	cfg.Winery.Name = name
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToYAML renders cfg back to YAML.
func ToYAML(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

const defaultTemplate = `winery:
  id: %s
  name: %q
  time_zone: Australia/Adelaide

brand_voice:
  tone: warm
  greeting: Hi
  sign_off: "Cheers, the cellar door team"

categories:
  BOOKING: [TASTING, TOUR, EVENT, RESCHEDULE]
  ORDER: [STATUS, RETURN, CHANGE]
  ACCOUNT: [ADDRESS_CHANGE, PAYMENT_METHOD_UPDATE, PREFERENCE_UPDATE, CANCELLATION]
  GENERAL: [ENQUIRY]
  INTERNAL: []
  SYSTEM: []
  OPERATIONS: []

business_hours:
  start: "10:00"
  end: "17:00"
  days: [mon, tue, wed, thu, fri, sat, sun]

tokens:
  ttl: 72h

sentiment:
  positive: [thanks, thank, love, loved, great, wonderful, delicious]
  negative: [disappointed, broken, angry, complaint, corked, late, damaged, refund]

fallback:
  subject: "Thanks for getting in touch"
  body: "{{.Greeting}} {{.FirstName}}, thanks for your message. A member of the {{.WineryName}} team will get back to you shortly. {{.SignOff}}"

rules:
  - name: address-change
    match:
      contains: [moved, address]
    then:
      category: ACCOUNT
      sub_type: ADDRESS_CHANGE
      suggested_channel: sms
      requires_approval: true
      member_action: ADDRESS_CHANGE
      extract: '(?i)address to (?P<new_address>.+?)\.?\s*$'
      reply_subject: "Confirm your new address"
      reply_body: "{{.Greeting}} {{.FirstName}}, thanks for letting us know you've moved. Please confirm your new address here: {link} {{.SignOff}}"
`
