package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"gwi.com/study-assistant/internal/catalog"
)

// FallbackReply replaces the assistant's answer when an exchange fails.
const FallbackReply = "Sorry, I encountered an error while processing your request. Please try again."

const (
	DefaultMinReplyDelay = 1000 * time.Millisecond
	DefaultMaxReplyDelay = 3000 * time.Millisecond
)

type ReplyRequest struct {
	Message string
	ChatID  string
	Subject string // catalog subject id, may be empty
	Unit    string
}

// Resolver produces the assistant's reply to one user message. It never
// touches chat state.
type Resolver interface {
	Resolve(ctx context.Context, req ReplyRequest) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, req ReplyRequest) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, req ReplyRequest) (string, error) {
	return f(ctx, req)
}

// ReplyTable holds the canned reply templates. The keyword templates take a
// single %s for the context phrase; the *Plain variants are used when the
// request carries no subject.
type ReplyTable struct {
	Greeting      string
	GreetingPlain string
	Help          string
	HelpPlain     string
	Explain       string
	ExplainPlain  string
	Pools         map[string][]string // keyed by subject id
	Default       []string
}

func DefaultReplyTable() ReplyTable {
	return ReplyTable{
		Greeting:      "Hello! I'm your study assistant for %s. What would you like to know?",
		GreetingPlain: "Hello! I'm here to help you with any questions you might have. What would you like to know?",
		Help:          "I'm here to assist you with %s! I can explain concepts, work through problems step by step, and help you review for exams. What specific area would you like help with?",
		HelpPlain:     "I'm here to assist you! I can help with a wide variety of topics including concepts, problem-solving, and revision. What specific area would you like help with?",
		Explain:       "I'd be happy to explain that in the context of %s. Let me break it down into simpler steps.",
		ExplainPlain:  "I'd be happy to explain that. Let me break it down into simpler steps.",
		Pools: map[string][]string{
			"mathematics": {
				"Let's approach this the way a mathematician would: define the terms, then reason one step at a time.",
				"Good question! Working through a small example usually makes the general rule much clearer.",
				"This comes down to a few core definitions. Once those are clear, the result follows naturally.",
			},
			"physics": {
				"Let's start from the underlying physical principle and see what it predicts here.",
				"A quick sketch of the forces and quantities involved will make this much easier to reason about.",
				"Great question! Checking the units is a reliable way to sanity-check the answer here.",
			},
			"chemistry": {
				"Let's look at what happens to the electrons; that usually explains the behaviour you're asking about.",
				"Good question! Balancing the reaction first will make the rest of the reasoning clearer.",
				"This is easiest to understand by comparing it with a reaction you already know.",
			},
			"biology": {
				"Let's connect this to the structure involved, since in biology structure usually explains function.",
				"Great question! Thinking about it at the cell level first helps before zooming out.",
				"This is a good example of how evolution shapes the systems we study.",
			},
			"computer-science": {
				"Let's break the problem into smaller pieces and reason about each one separately.",
				"Good question! Tracing a small input by hand is the fastest way to understand this.",
				"This comes down to a trade-off between time and space, so let's look at both.",
			},
		},
		Default: []string{
			"That's a great question! Based on the information available, I can help you understand this better.",
			"I understand your concern. Let me provide you with a comprehensive analysis of the situation.",
			"Interesting point! Here's what I think about that: this approach has several benefits that we should consider.",
			"Based on my knowledge, here are some key insights that might be helpful to you.",
			"That's a complex topic. Let me break it down into simpler terms for better understanding.",
			"Great question! The answer involves several factors that we should examine carefully.",
			"I can definitely help with that. Here's a detailed explanation based on what you're studying.",
			"I see you're asking about this topic. Let me provide you with some actionable insights.",
		},
	}
}

// CannedResolver answers from a ReplyTable after a randomized delay,
// standing in for a real inference back end.
type CannedResolver struct {
	catalog  *catalog.Catalog
	table    ReplyTable
	minDelay time.Duration
	maxDelay time.Duration
	sleep    func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

type CannedOption func(*CannedResolver)

// WithDelay sets the [min, max) range the reply delay is drawn from.
func WithDelay(min, max time.Duration) CannedOption {
	return func(r *CannedResolver) {
		r.minDelay, r.maxDelay = min, max
	}
}

func WithRand(rng *rand.Rand) CannedOption {
	return func(r *CannedResolver) { r.rng = rng }
}

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) CannedOption {
	return func(r *CannedResolver) { r.sleep = sleep }
}

func WithReplyTable(table ReplyTable) CannedOption {
	return func(r *CannedResolver) { r.table = table }
}

func NewCannedResolver(cat *catalog.Catalog, opts ...CannedOption) *CannedResolver {
	r := &CannedResolver{
		catalog:  cat,
		table:    DefaultReplyTable(),
		minDelay: DefaultMinReplyDelay,
		maxDelay: DefaultMaxReplyDelay,
		sleep:    sleepContext,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CannedResolver) Resolve(ctx context.Context, req ReplyRequest) (string, error) {
	if err := r.sleep(ctx, r.nextDelay()); err != nil {
		return "", err
	}
	return r.Reply(req), nil
}

// Reply applies the selection policy without waiting: greeting, help and
// explain keywords first, in that order, then a pooled generic reply.
func (r *CannedResolver) Reply(req ReplyRequest) string {
	lower := strings.ToLower(req.Message)
	scope := r.contextPhrase(req)

	switch {
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi"):
		return withContext(r.table.Greeting, r.table.GreetingPlain, scope)
	case strings.Contains(lower, "help"):
		return withContext(r.table.Help, r.table.HelpPlain, scope)
	case strings.Contains(lower, "explain"):
		return withContext(r.table.Explain, r.table.ExplainPlain, scope)
	}

	pool, ok := r.table.Pools[req.Subject]
	if !ok || len(pool) == 0 {
		pool = r.table.Default
	}
	reply := fmt.Sprintf("%s You asked about: \"%s\".", r.pick(pool), req.Message)
	if tag := r.contextTag(req); tag != "" {
		reply += " " + tag
	}
	return reply
}

func (r *CannedResolver) nextDelay() time.Duration {
	if r.maxDelay <= r.minDelay {
		return r.minDelay
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay + time.Duration(r.rng.Int64N(int64(r.maxDelay-r.minDelay)))
}

func (r *CannedResolver) pick(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return pool[r.rng.IntN(len(pool))]
}

func (r *CannedResolver) subjectName(id string) string {
	if r.catalog == nil {
		return id
	}
	return r.catalog.DisplayName(id)
}

// contextPhrase renders "Mathematics, unit Algebra", "Mathematics" or "".
func (r *CannedResolver) contextPhrase(req ReplyRequest) string {
	if req.Subject == "" {
		return ""
	}
	name := r.subjectName(req.Subject)
	if req.Unit == "" {
		return name
	}
	return fmt.Sprintf("%s, unit %s", name, req.Unit)
}

func (r *CannedResolver) contextTag(req ReplyRequest) string {
	switch {
	case req.Subject != "" && req.Unit != "":
		return fmt.Sprintf("(Subject: %s, Unit: %s)", r.subjectName(req.Subject), req.Unit)
	case req.Subject != "":
		return fmt.Sprintf("(Subject: %s)", r.subjectName(req.Subject))
	case req.Unit != "":
		return fmt.Sprintf("(Unit: %s)", req.Unit)
	}
	return ""
}

func withContext(template, plain, scope string) string {
	if scope == "" {
		return plain
	}
	return fmt.Sprintf(template, scope)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
