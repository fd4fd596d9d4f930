package core

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gwi.com/study-assistant/internal/catalog"
)

func instantCanned(t *testing.T) *CannedResolver {
	t.Helper()
	return NewCannedResolver(catalog.Default(), WithDelay(0, 0), WithRand(rand.New(rand.NewPCG(1, 2))))
}

func TestCannedResolverKeywordOrder(t *testing.T) {
	r := instantCanned(t)
	maths := func(msg string) ReplyRequest {
		return ReplyRequest{Message: msg, Subject: "mathematics", Unit: "Algebra"}
	}

	tests := []struct {
		name string
		req  ReplyRequest
		want string
	}{
		{"greeting", maths("Hello there"), "Hello! I'm your study assistant for Mathematics, unit Algebra."},
		{"greeting is case-insensitive", maths("HI!"), "Hello! I'm your study assistant for Mathematics, unit Algebra."},
		{"greeting matches substrings", maths("is this right?"), "Hello! I'm your study assistant"},
		{"help", maths("Can you HELP me"), "I'm here to assist you with Mathematics, unit Algebra!"},
		{"help wins over explain", maths("please help me explain"), "I'm here to assist you with"},
		{"explain", maths("Explain quadratic equations"), "I'd be happy to explain that in the context of Mathematics, unit Algebra."},
		{"greeting without context", ReplyRequest{Message: "hello"}, "Hello! I'm here to help you with any questions you might have."},
		{"help without unit", ReplyRequest{Message: "help", Subject: "physics"}, "I'm here to assist you with Physics!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := r.Resolve(context.Background(), tt.req)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(reply, tt.want), "reply %q should start with %q", reply, tt.want)
		})
	}
}

func TestCannedResolverGenericReplyUsesSubjectPool(t *testing.T) {
	r := instantCanned(t)
	table := DefaultReplyTable()

	reply := r.Reply(ReplyRequest{Message: "what is a vector", Subject: "mathematics", Unit: "Algebra"})

	assert.True(t, strings.HasSuffix(reply, `You asked about: "what is a vector". (Subject: Mathematics, Unit: Algebra)`), reply)
	assert.True(t, startsWithAny(reply, table.Pools["mathematics"]), "reply should come from the mathematics pool: %q", reply)
}

func TestCannedResolverGenericReplyFallsBackToDefaultPool(t *testing.T) {
	r := instantCanned(t)
	table := DefaultReplyTable()

	reply := r.Reply(ReplyRequest{Message: "what is a star sign", Subject: "astrology", Unit: "Signs"})
	assert.True(t, startsWithAny(reply, table.Default), reply)
	assert.True(t, strings.HasSuffix(reply, "(Subject: astrology, Unit: Signs)"), reply)

	plain := r.Reply(ReplyRequest{Message: "what now"})
	assert.True(t, startsWithAny(plain, table.Default), plain)
	assert.True(t, strings.HasSuffix(plain, `You asked about: "what now".`), plain)
}

func TestCannedResolverDelayRange(t *testing.T) {
	var delays []time.Duration
	r := NewCannedResolver(catalog.Default(),
		WithRand(rand.New(rand.NewPCG(7, 11))),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)

	for i := 0; i < 200; i++ {
		_, err := r.Resolve(context.Background(), ReplyRequest{Message: "what is a set"})
		require.NoError(t, err)
	}

	require.Len(t, delays, 200)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, DefaultMinReplyDelay)
		assert.Less(t, d, DefaultMaxReplyDelay)
	}
}

func TestCannedResolverHonorsCancellation(t *testing.T) {
	r := NewCannedResolver(catalog.Default(), WithDelay(time.Hour, 2*time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, ReplyRequest{Message: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
}

func startsWithAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
