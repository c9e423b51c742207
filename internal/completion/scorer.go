package completion

import (
	_ "embed"
	"os"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Rule adds Weight once when any of its phrases occurs. Phrase edges that
// are ASCII letters or digits must sit on a word boundary, so "the end" does
// not match "the endless"; CJK phrases match anywhere.
type Rule struct {
	Name    string   `yaml:"name"`
	Weight  int      `yaml:"weight"`
	Phrases []string `yaml:"phrases"`

	patterns []*regexp.Regexp
}

// RuleSet is a weighted phrase scorer for narrative endings.
type RuleSet struct {
	Threshold int    `yaml:"threshold"`
	Rules     []Rule `yaml:"rules"`
}

// Scorer estimates whether a chapter closes the story.
type Scorer interface {
	Score(title, tail string) int
	Fires(title, tail string) bool
}

// DefaultRules returns the built-in rule set.
func DefaultRules() RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(err)
	}
	return rs
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) (RuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, errors.Wrap(err, "read rules")
	}
	return ParseRules(b)
}

func ParseRules(b []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(b, &rs); err != nil {
		return RuleSet{}, errors.Wrap(err, "parse rules")
	}
	if rs.Threshold <= 0 {
		return RuleSet{}, errors.New("rules: threshold must be > 0")
	}
	if len(rs.Rules) == 0 {
		return RuleSet{}, errors.New("rules: at least one rule is required")
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Weight == 0 {
			return RuleSet{}, errors.Newf("rules[%d] %q: weight must be non-zero", i, r.Name)
		}
		kept := r.Phrases[:0]
		r.patterns = nil
		for _, p := range r.Phrases {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				kept = append(kept, p)
				r.patterns = append(r.patterns, phrasePattern(p))
			}
		}
		r.Phrases = kept
	}
	return rs, nil
}

func phrasePattern(p string) *regexp.Regexp {
	expr := regexp.QuoteMeta(p)
	if isWordByte(p[0]) {
		expr = `\b` + expr
	}
	if isWordByte(p[len(p)-1]) {
		expr += `\b`
	}
	return regexp.MustCompile(expr)
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func (r Rule) matches(text string) bool {
	if len(r.patterns) == len(r.Phrases) {
		for _, re := range r.patterns {
			if re.MatchString(text) {
				return true
			}
		}
		return false
	}
	// hand-built rule without compiled patterns
	for _, p := range r.Phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && phrasePattern(p).MatchString(text) {
			return true
		}
	}
	return false
}

// WithThreshold returns a copy using threshold when it is positive.
func (rs RuleSet) WithThreshold(threshold int) RuleSet {
	if threshold > 0 {
		rs.Threshold = threshold
	}
	return rs
}

func (rs RuleSet) Score(title, tail string) int {
	text := strings.ToLower(title + "\n" + tail)
	score := 0
	for _, r := range rs.Rules {
		if r.matches(text) {
			score += r.Weight
		}
	}
	return score
}

func (rs RuleSet) Fires(title, tail string) bool {
	return rs.Score(title, tail) >= rs.Threshold
}

// Tail returns the last n runes of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
