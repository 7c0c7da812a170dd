package classifier

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"cellarline/internal/config"
	"cellarline/internal/domain"
)

// Input is what a predicate sees about one inbound message.
type Input struct {
	Message domain.Message
	Member  *domain.Member
	// Words is the lower-cased body split on anything that is not a letter or digit.
	Words map[string]bool
	// Lower is the lower-cased body.
	Lower string
	// Local is ReceivedAt in the winery's time zone; zero when unparseable.
	Local time.Time
}

// Predicate is one condition of a rule's match block.
type Predicate interface {
	Match(in Input) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(in Input) bool

func (f PredicateFunc) Match(in Input) bool { return f(in) }

// Factory builds a predicate from the argument given in a rule's custom block.
type Factory func(arg string) (Predicate, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterPredicate makes a named predicate available to `match.custom` in
// winery rules. Registering a name twice replaces the earlier factory.
func RegisterPredicate(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

func lookupPredicate(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

func init() {
	RegisterPredicate("contains", func(arg string) (Predicate, error) {
		needle := strings.ToLower(strings.TrimSpace(arg))
		if needle == "" {
			return nil, fmt.Errorf("contains: empty argument")
		}
		return PredicateFunc(func(in Input) bool { return strings.Contains(in.Lower, needle) }), nil
	})
	RegisterPredicate("min_length", func(arg string) (Predicate, error) {
		var n int
		if _, err := fmt.Sscanf(arg, "%d", &n); err != nil {
			return nil, fmt.Errorf("min_length: %w", err)
		}
		return PredicateFunc(func(in Input) bool { return len([]rune(in.Message.Body)) >= n }), nil
	})
}

func hasTerm(in Input, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if strings.ContainsAny(term, " -'") {
		return strings.Contains(in.Lower, term)
	}
	return in.Words[term]
}

// substrings holds when every entry occurs somewhere in the body, ignoring
// case and word boundaries.
type substrings []string

func (p substrings) Match(in Input) bool {
	for _, s := range p {
		if !strings.Contains(in.Lower, strings.ToLower(s)) {
			return false
		}
	}
	return true
}

type allWords []string

func (p allWords) Match(in Input) bool {
	for _, w := range p {
		if !hasTerm(in, w) {
			return false
		}
	}
	return true
}

type anyWord []string

func (p anyWord) Match(in Input) bool {
	for _, w := range p {
		if hasTerm(in, w) {
			return true
		}
	}
	return false
}

type noWord []string

func (p noWord) Match(in Input) bool { return !anyWord(p).Match(in) }

type pattern struct{ re *regexp.Regexp }

func (p pattern) Match(in Input) bool { return p.re.MatchString(in.Message.Body) }

type sources []domain.Channel

func (p sources) Match(in Input) bool {
	for _, s := range p {
		if s == in.Message.Source {
			return true
		}
	}
	return false
}

type identified bool

func (p identified) Match(in Input) bool { return (in.Member != nil) == bool(p) }

type withinHours struct {
	hours config.BusinessHours
	want  bool
}

func (p withinHours) Match(in Input) bool {
	if in.Local.IsZero() {
		return false
	}
	return p.hours.Contains(in.Local) == p.want
}

// compileMatch turns a rule's match block into predicates, all of which must hold.
func compileMatch(m config.RuleMatch, hours config.BusinessHours) ([]Predicate, error) {
	var out []Predicate
	if len(m.Contains) > 0 {
		out = append(out, substrings(m.Contains))
	}
	if len(m.All) > 0 {
		out = append(out, allWords(m.All))
	}
	if len(m.Any) > 0 {
		out = append(out, anyWord(m.Any))
	}
	if len(m.None) > 0 {
		out = append(out, noWord(m.None))
	}
	if m.Pattern != "" {
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, pattern{re})
	}
	if len(m.Sources) > 0 {
		out = append(out, sources(m.Sources))
	}
	if m.Member != nil {
		out = append(out, identified(*m.Member))
	}
	if m.BusinessHours != nil {
		out = append(out, withinHours{hours: hours, want: *m.BusinessHours})
	}
	names := make([]string, 0, len(m.Custom))
	for name := range m.Custom {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, ok := lookupPredicate(name)
		if !ok {
			return nil, fmt.Errorf("unknown predicate %q", name)
		}
		p, err := f(m.Custom[name])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
