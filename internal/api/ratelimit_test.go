package api

import (
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("u1") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("u2") {
		t.Fatal("other users are limited independently")
	}
}

func TestRateLimiterWindowExpires(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 20*time.Millisecond)
	defer rl.Stop()

	if !rl.Allow("u") {
		t.Fatal("first request should pass")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("u") {
		t.Fatal("request after window should pass")
	}
}

func TestRateLimiterEvict(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(5, 10*time.Millisecond)
	defer rl.Stop()

	rl.Allow("u")
	time.Sleep(20 * time.Millisecond)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["u"]; ok {
		t.Error("expired key should be evicted")
	}
}
