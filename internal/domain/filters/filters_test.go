package filters_test

import (
	"strings"
	"testing"
	"time"

	"github.com/almudeer/engine/internal/domain/filters"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/transport"
)

func TestChainApply(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		msg     transport.NormalizedMessage
		ctx     filters.RuleContext
		wantPass bool
		wantRule string
	}{
		{
			name: "emptyBodyRejected",
			msg:  transport.NormalizedMessage{Channel: model.ChannelEmail, Body: "ok", ReceivedAt: base},
			wantPass: false,
			wantRule: "empty",
		},
		{
			name: "noLettersRejected",
			msg:  transport.NormalizedMessage{Channel: model.ChannelEmail, Body: "12345", ReceivedAt: base},
			wantPass: false,
			wantRule: "empty",
		},
		{
			name: "plainMessagePasses",
			msg:  transport.NormalizedMessage{Channel: model.ChannelEmail, SenderContact: "a@b.com", Body: "Hello, I need help with my order", ReceivedAt: base},
			wantPass: true,
		},
		{
			name: "spamScoreRejected",
			msg:  transport.NormalizedMessage{Channel: model.ChannelEmail, Body: "FREE MONEY CLICK HERE YOU WON A GUARANTEE PRIZE TODAY ONLY", ReceivedAt: base},
			wantPass: false,
			wantRule: "spam_score",
		},
		{
			name: "automatedSenderRejected",
			msg:  transport.NormalizedMessage{Channel: model.ChannelEmail, SenderContact: "noreply@example.com", Body: "Your order has shipped", ReceivedAt: base},
			wantPass: false,
			wantRule: "automated_sender",
		},
		{
			name: "blockedSenderRejected",
			msg:  transport.NormalizedMessage{Channel: model.ChannelEmail, SenderContact: "spammer@example.com", Body: "Hello there friend", ReceivedAt: base},
			ctx: filters.RuleContext{
				BlockedSenders: map[string]struct{}{"spammer@example.com": {}},
			},
			wantPass: false,
			wantRule: "blocked_sender",
		},
		{
			name: "duplicateWithinWindowRejected",
			msg:  transport.NormalizedMessage{Channel: model.ChannelEmail, SenderContact: "a@b.com", Body: "Hello I need help today", ReceivedAt: base},
			ctx: filters.RuleContext{
				RecentWindow: 10 * time.Minute,
				Recent: []filters.RecentMessage{
					{SenderContact: "a@b.com", BodyPrefix: "Hello I need help today", ReceivedAt: base.Add(-2 * time.Minute)},
				},
			},
			wantPass: false,
			wantRule: "duplicate_window",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			chain := filters.Default()
			pass, reason := chain.Apply(tc.msg, tc.ctx)
			if pass != tc.wantPass {
				t.Fatalf("Apply() pass = %v, want %v (reason=%q)", pass, tc.wantPass, reason)
			}
			if !pass && !strings.HasPrefix(reason, tc.wantRule) {
				t.Fatalf("Apply() reason = %q, want prefix %q", reason, tc.wantRule)
			}
		})
	}
}

func TestCompileKeywordWordBoundary(t *testing.T) {
	t.Parallel()

	re, err := filters.CompileKeyword("foo")
	if err != nil {
		t.Fatalf("CompileKeyword() error = %v", err)
	}

	if !re.MatchString("a foo bar") {
		t.Fatal("CompileKeyword(\"foo\") should match standalone word")
	}
	if re.MatchString("foobar") {
		t.Fatal("CompileKeyword(\"foo\") should not match inside foobar")
	}
}
