// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"testing"
)

func TestLoopGuardCreation(t *testing.T) {
	t.Parallel()
	lg := newLoopGuard()

	if lg.CreationLocked(PlatformMatrix) {
		t.Error("creation should not be locked initially")
	}
	release := lg.LockCreation(PlatformMatrix)
	if !lg.CreationLocked(PlatformMatrix) {
		t.Error("creation should be locked while held")
	}
	if lg.CreationLocked(PlatformMattermost) {
		t.Error("locking one platform must not lock the other")
	}
	release()
	if lg.CreationLocked(PlatformMatrix) {
		t.Error("creation should be unlocked after release")
	}
}

func TestLoopGuardCreationAndRenameIndependent(t *testing.T) {
	t.Parallel()
	lg := newLoopGuard()

	release := lg.LockCreation(PlatformMatrix)
	defer release()
	if lg.RenameLocked(PlatformMatrix) {
		t.Error("creation lock must not imply rename lock")
	}
	releaseRename := lg.LockRename(PlatformMatrix)
	defer releaseRename()
	if !lg.RenameLocked(PlatformMatrix) {
		t.Error("rename should be locked while held")
	}
}

func TestLoopGuardSerializesSameKey(t *testing.T) {
	t.Parallel()
	lg := newLoopGuard()

	release := lg.LockRename(PlatformMattermost)
	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := lg.LockRename(PlatformMattermost)
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	default:
	}
	release()
	wg.Wait()
	<-acquired
}
