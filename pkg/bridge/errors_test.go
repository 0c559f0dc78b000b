// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

func TestWithRetryRetriesTransientOnce(t *testing.T) {
	t.Parallel()
	calls := 0
	err := withRetry(context.Background(), zerolog.Nop(), "op", func() error {
		calls++
		if calls == 1 {
			return &model.AppError{StatusCode: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWithRetryGivesUpAfterSecondFailure(t *testing.T) {
	t.Parallel()
	calls := 0
	err := withRetry(context.Background(), zerolog.Nop(), "op", func() error {
		calls++
		return &model.AppError{StatusCode: 503}
	})
	if err == nil {
		t.Fatal("withRetry should fail after the retry fails")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want exactly 2 (retry once, never loop)", calls)
	}
}

func TestWithRetryDoesNotRetryPermanent(t *testing.T) {
	t.Parallel()
	calls := 0
	err := withRetry(context.Background(), zerolog.Nop(), "op", func() error {
		calls++
		return &model.AppError{StatusCode: 400}
	})
	if err == nil {
		t.Fatal("withRetry should surface the error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryWrapsPermissionErrors(t *testing.T) {
	t.Parallel()
	err := withRetry(context.Background(), zerolog.Nop(), "op", func() error {
		return &model.AppError{StatusCode: 403}
	})
	if !errors.Is(err, ErrPermission) {
		t.Errorf("got %v, want ErrPermission", err)
	}
}

func TestWithRetryHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, zerolog.Nop(), "op", func() error {
		calls++
		cancel()
		return &model.AppError{StatusCode: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry after cancellation)", calls)
	}
}

func TestPlatformPeer(t *testing.T) {
	t.Parallel()
	if PlatformMatrix.Peer() != PlatformMattermost {
		t.Error("matrix peer should be mattermost")
	}
	if PlatformMattermost.Peer() != PlatformMatrix {
		t.Error("mattermost peer should be matrix")
	}
}
