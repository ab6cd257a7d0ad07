/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2019 WireGuard LLC. All Rights Reserved.
 */

package ratelimiter

import (
	"testing"
	"time"
)

type limiterResult struct {
	allowed bool
	text    string
	wait    time.Duration
}

func TestLimiter(t *testing.T) {
	var limiter Limiter
	var expectedResults []limiterResult

	nano := func(n int64) time.Duration { return time.Nanosecond * time.Duration(n) }

	add := func(res limiterResult) {
		expectedResults = append(expectedResults, res)
	}

	for i := 0; i < attemptsBurstable; i++ {
		add(limiterResult{allowed: true, text: "initial burst"})
	}

	add(limiterResult{allowed: false, text: "after burst"})

	add(limiterResult{
		allowed: true,
		wait:    nano(time.Second.Nanoseconds() / attemptsPerSecond),
		text:    "filling tokens for single attempt",
	})

	add(limiterResult{allowed: false, text: "not having refilled enough"})

	add(limiterResult{
		allowed: true,
		wait:    2 * nano(time.Second.Nanoseconds()/attemptsPerSecond),
		text:    "filling tokens for two attempt burst",
	})

	add(limiterResult{allowed: true, text: "second attempt in 2 attempt burst"})

	add(limiterResult{allowed: false, text: "attempt following 2 attempt burst"})

	addrs := []string{
		"AA:BB:CC:DD:EE:01",
		"AA:BB:CC:DD:EE:02",
		"00:11:22:33:44:55",
		"rfcomm:/dev/rfcomm0",
	}

	limiter.Init()
	defer limiter.Close()

	for i, res := range expectedResults {
		time.Sleep(res.wait)
		for _, addr := range addrs {
			allowed := limiter.Allow(addr)
			if allowed != res.allowed {
				t.Fatalf("case %d (%s) for %s: expected %v, got %v", i, res.text, addr, res.allowed, allowed)
			}
		}
	}
}

func TestLimiterGarbageCollects(t *testing.T) {
	var limiter Limiter
	limiter.Init()
	defer limiter.Close()

	limiter.Allow("stale-addr")
	limiter.mutex.RLock()
	entry, ok := limiter.table["stale-addr"]
	limiter.mutex.RUnlock()
	if !ok {
		t.Fatal("expected entry to exist immediately after Allow")
	}

	entry.mutex.Lock()
	entry.lastTime = time.Now().Add(-2 * garbageCollectTime)
	entry.mutex.Unlock()
	limiter.collectGarbage()

	limiter.mutex.RLock()
	_, ok = limiter.table["stale-addr"]
	limiter.mutex.RUnlock()
	if ok {
		t.Fatal("expected entry idle longer than garbageCollectTime to be collected")
	}
}
