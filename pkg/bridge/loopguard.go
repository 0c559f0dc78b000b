// Copyright 2024-2026 Aiku AI

package bridge

import "sync"

// guardKind distinguishes the two advisory lock families. Creation and rename
// use separate locks per platform: a rename mirrored onto the origin platform
// must not be re-mirrored back, but must not block or be confused with a
// concurrent channel-creation flow.
type guardKind int

const (
	guardCreate guardKind = iota
	guardRename
)

type guardKey struct {
	platform Platform
	kind     guardKind
}

// loopGuard suppresses re-processing of lifecycle events caused by the
// engine's own writes. When the engine creates or renames an entity on
// platform P, P echoes the change back as an ordinary event; any event
// observed for P while the corresponding lock is held is dropped, not queued.
// The in-progress flow is the authoritative continuation.
//
// The locks are scoped per platform, not per entity: creation and metadata
// flows are already serialized by the command and bulk paths that trigger
// them, so a single in-flight operation per platform is all the engine
// allows.
type loopGuard struct {
	mu    sync.Mutex
	locks map[guardKey]*sync.Mutex
	held  map[guardKey]bool
}

func newLoopGuard() *loopGuard {
	return &loopGuard{
		locks: make(map[guardKey]*sync.Mutex),
		held:  make(map[guardKey]bool),
	}
}

func (lg *loopGuard) lock(key guardKey) func() {
	lg.mu.Lock()
	m, ok := lg.locks[key]
	if !ok {
		m = &sync.Mutex{}
		lg.locks[key] = m
	}
	lg.mu.Unlock()

	m.Lock()
	lg.setHeld(key, true)
	return func() {
		lg.setHeld(key, false)
		m.Unlock()
	}
}

func (lg *loopGuard) setHeld(key guardKey, v bool) {
	lg.mu.Lock()
	lg.held[key] = v
	lg.mu.Unlock()
}

func (lg *loopGuard) isHeld(key guardKey) bool {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	return lg.held[key]
}

// LockCreation acquires the creation lock for a platform and returns the
// release function. Held for the minimum span covering "issue create call →
// receive confirmation".
func (lg *loopGuard) LockCreation(p Platform) func() {
	return lg.lock(guardKey{platform: p, kind: guardCreate})
}

// CreationLocked reports whether a creation flow is in flight for a platform.
func (lg *loopGuard) CreationLocked(p Platform) bool {
	return lg.isHeld(guardKey{platform: p, kind: guardCreate})
}

// LockRename acquires the rename/metadata lock for a platform. It also covers
// topic mirroring, which echoes the same way a rename does.
func (lg *loopGuard) LockRename(p Platform) func() {
	return lg.lock(guardKey{platform: p, kind: guardRename})
}

// RenameLocked reports whether a rename/metadata write is in flight for a
// platform.
func (lg *loopGuard) RenameLocked(p Platform) bool {
	return lg.isHeld(guardKey{platform: p, kind: guardRename})
}
