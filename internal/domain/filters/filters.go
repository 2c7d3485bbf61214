// Package filters implements the ordered, short-circuit rule chain that
// decides whether a normalized inbound message is persisted as pending or
// rejected outright. Replaces the teacher's two incompatible designs (an
// AST of AND/OR/NOT/AT_LEAST nodes, and a flat KeywordsAny/KeywordsAll/
// Regex struct tied to per-chat notification routing) with the single
// fixed-order named-rule-list shape the message-filtering behavior
// actually calls for; keeps the teacher's compile-once-validate-on-load
// idiom for keyword patterns (Unicode word-boundary regex, case
// insensitive, see ContainsSmart in the retired matcher.go).
package filters

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/almudeer/engine/internal/domain/transport"
)

// Rule is one named, pure link in the chain.
type Rule struct {
	Name string
	Fn   func(msg transport.NormalizedMessage, ctx RuleContext) (pass bool, reason string)
}

// RuleContext carries the per-license configuration and recent-message
// window a rule needs, since rules are pure functions with no access to
// a store.
type RuleContext struct {
	BlockedSenders map[string]struct{}
	BlockKeywords  []*regexp.Regexp
	AllowKeywords  []*regexp.Regexp
	RecentWindow   time.Duration
	Recent         []RecentMessage
}

// RecentMessage is the minimal shape duplicate-window checking needs.
type RecentMessage struct {
	SenderContact string
	BodyPrefix    string // first 100 chars
	ReceivedAt    time.Time
}

// Chain is the ordered rule list, evaluated short-circuit.
type Chain struct {
	rules []Rule
}

// Default builds the chain in the fixed order: empty, spam-score,
// automated-sender, duplicate-window, blocked-sender, keyword-block/allow.
func Default() *Chain {
	return &Chain{rules: []Rule{
		{Name: "empty", Fn: ruleEmpty},
		{Name: "spam_score", Fn: ruleSpamScore},
		{Name: "automated_sender", Fn: ruleAutomatedSender},
		{Name: "duplicate_window", Fn: ruleDuplicateWindow},
		{Name: "blocked_sender", Fn: ruleBlockedSender},
		{Name: "keyword_block_allow", Fn: ruleKeyword},
	}}
}

// Apply runs every rule in order, stopping at the first rejection.
func (c *Chain) Apply(msg transport.NormalizedMessage, ctx RuleContext) (pass bool, reason string) {
	for _, r := range c.rules {
		if ok, why := r.Fn(msg, ctx); !ok {
			return false, r.Name + ": " + why
		}
	}
	return true, ""
}

var letterPattern = regexp.MustCompile(`[A-Za-z\x{0600}-\x{06FF}]`)

func ruleEmpty(msg transport.NormalizedMessage, _ RuleContext) (bool, string) {
	body := strings.TrimSpace(msg.Body)
	if len(body) < 3 {
		return false, "body too short"
	}
	if !letterPattern.MatchString(body) {
		return false, "no letter code-point"
	}
	return true, ""
}

var (
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	spamKeywordList = []string{
		"free money", "click here", "you won", "congratulations you",
		"viagra", "casino", "guarantee", "risk free", "act now",
		"مال مجاني", "اضغط هنا", "لقد ربحت", "مبروك لقد", "ضمان", "اربح الآن",
	}
)

func ruleSpamScore(msg transport.NormalizedMessage, _ RuleContext) (bool, string) {
	body := msg.Body
	lower := strings.ToLower(body)

	score := 0
	for _, kw := range spamKeywordList {
		if strings.Contains(lower, kw) {
			score += 2
			break
		}
	}
	if len(urlPattern.FindAllString(body, -1)) > 3 {
		score++
	}
	if len(body) > 50 && capsRatio(body) > 0.5 {
		score++
	}

	if score >= 3 {
		return false, fmt.Sprintf("spam score %d", score)
	}
	return true, ""
}

func capsRatio(body string) float64 {
	letters, caps := 0, 0
	for _, r := range body {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				caps++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(caps) / float64(letters)
}

var automatedSenderPatterns = compilePatterns([]string{
	`(?i)no-?reply@`, `(?i)newsletter@`, `(?i)marketing@`, `(?i)notifications?@`,
	`(?i)automated@`, `(?i)do-?not-?reply@`,
	`(?i)\botp\b|\bone.time.(password|code)\b`, `رمز التحقق|كلمة مرور لمرة واحدة`,
	`(?i)unsubscribe|special offer|limited time`, `عرض خاص|لفترة محدودة`,
	`(?i)your order (has|is)|invoice (attached|number)`,
	`(?i)security alert|suspicious (login|activity)`, `تنبيه أمني`,
	`(?i)weekly digest|daily digest`,
	`(?i)terms (of service|have changed)|privacy policy update`,
	`(?i)welcome to|getting started with`,
	`(?i)build (failed|succeeded)|pipeline (failed|succeeded)|deployment (failed|succeeded)`,
	`(?i)noreply@(github|gitlab|aws|google|microsoft)`,
})

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

func ruleAutomatedSender(msg transport.NormalizedMessage, _ RuleContext) (bool, string) {
	haystack := msg.SenderContact + " " + msg.Subject + " " + msg.Body
	for _, pat := range automatedSenderPatterns {
		if pat.MatchString(haystack) {
			return false, "matched automated-sender pattern " + pat.String()
		}
	}
	return true, ""
}

func bodyPrefix(body string) string {
	r := []rune(strings.TrimSpace(body))
	if len(r) > 100 {
		r = r[:100]
	}
	return string(r)
}

func ruleDuplicateWindow(msg transport.NormalizedMessage, ctx RuleContext) (bool, string) {
	if ctx.RecentWindow <= 0 {
		return true, ""
	}
	prefix := bodyPrefix(msg.Body)
	for _, r := range ctx.Recent {
		if r.SenderContact != msg.SenderContact || r.BodyPrefix != prefix {
			continue
		}
		delta := msg.ReceivedAt.Sub(r.ReceivedAt)
		if delta <= ctx.RecentWindow && delta >= -ctx.RecentWindow {
			return false, "duplicate within window"
		}
	}
	return true, ""
}

func ruleBlockedSender(msg transport.NormalizedMessage, ctx RuleContext) (bool, string) {
	if ctx.BlockedSenders == nil {
		return true, ""
	}
	if _, blocked := ctx.BlockedSenders[msg.SenderContact]; blocked {
		return false, "sender on blocklist"
	}
	return true, ""
}

func ruleKeyword(msg transport.NormalizedMessage, ctx RuleContext) (bool, string) {
	if len(ctx.AllowKeywords) > 0 {
		matched := false
		for _, pat := range ctx.AllowKeywords {
			if pat.MatchString(msg.Body) {
				matched = true
				break
			}
		}
		if !matched {
			return false, "no allow-keyword matched"
		}
	}
	for _, pat := range ctx.BlockKeywords {
		if pat.MatchString(msg.Body) {
			return false, "matched block-keyword " + pat.String()
		}
	}
	return true, ""
}

// CompileKeyword compiles a per-license configured keyword into the same
// Unicode word-boundary pattern the teacher's retired matcher.go used
// (ContainsSmart), normalizing internal whitespace first.
func CompileKeyword(raw string) (*regexp.Regexp, error) {
	normalized := regexp.MustCompile(`\s+`).ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), " ")
	pattern := `(?i)(^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(normalized) + `([^\p{L}\p{N}_]|$)`
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("filters: compile keyword %q: %w", raw, err)
	}
	return compiled, nil
}
