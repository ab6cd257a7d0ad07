/* SPDX-License-Identifier: GPL-2.0
 *
 * Copyright (C) 2017-2018 Jason A. Donenfeld <Jason@zx2c4.com>. All Rights Reserved.
 */

// Package ratelimiter throttles inbound connection/handshake attempts per
// remote transport address, guarding against a single hostile or
// malfunctioning peer hammering the manager with reconnect or association
// attempts. The teacher keys this table by source IP; a BLE/RFCOMM device
// has no IP, so the key here is the transport address string instead
// (e.g. a Bluetooth MAC), with the same token-bucket-per-key and
// background-GC shape.
package ratelimiter

import (
	"sync"
	"time"
)

const (
	attemptsPerSecond  = 5
	attemptsBurstable  = 3
	garbageCollectTime = 10 * time.Second
	attemptCost        = 1000000000 / attemptsPerSecond
	maxTokens          = attemptCost * attemptsBurstable
)

// Entry is one address's token bucket.
type Entry struct {
	mutex    sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter throttles connection attempts keyed by device address.
type Limiter struct {
	mutex sync.RWMutex
	stop  chan struct{}
	table map[string]*Entry
}

// Close stops the background garbage collector.
func (r *Limiter) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stop != nil {
		close(r.stop)
	}
}

// Init (re)starts the limiter, discarding any existing table.
func (r *Limiter) Init() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stop != nil {
		close(r.stop)
	}

	r.stop = make(chan struct{})
	r.table = make(map[string]*Entry)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.collectGarbage()
			}
		}
	}()
}

func (r *Limiter) collectGarbage() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for key, entry := range r.table {
		entry.mutex.Lock()
		if time.Since(entry.lastTime) > garbageCollectTime {
			delete(r.table, key)
		}
		entry.mutex.Unlock()
	}
}

// Allow reports whether a connection attempt from addr may proceed right
// now, consuming a token if so.
func (r *Limiter) Allow(addr string) bool {
	r.mutex.RLock()
	entry := r.table[addr]
	r.mutex.RUnlock()

	if entry == nil {
		entry = &Entry{tokens: maxTokens - attemptCost, lastTime: time.Now()}
		r.mutex.Lock()
		r.table[addr] = entry
		r.mutex.Unlock()
		return true
	}

	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	now := time.Now()
	entry.tokens += now.Sub(entry.lastTime).Nanoseconds()
	entry.lastTime = now
	if entry.tokens > maxTokens {
		entry.tokens = maxTokens
	}

	if entry.tokens > attemptCost {
		entry.tokens -= attemptCost
		return true
	}
	return false
}
