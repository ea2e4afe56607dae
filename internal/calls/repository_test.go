package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sampleSession(id string, at time.Time) Session {
	return Session{
		CallID:    id,
		CallerID:  "a",
		CalleeID:  "b",
		CallType:  CallTypeVoice,
		State:     StateRinging,
		CreatedAt: at,
		UpdatedAt: at,
		Version:   1,
	}
}

func TestRepository_CreateGet(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.UnixMilli(1700000000123).UTC()
		s := sampleSession("c1", now)

		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := repo.Create(ctx, s); !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}

		got, err := repo.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.CallerID != "a" || got.State != StateRinging || !got.CreatedAt.Equal(now) || !got.AcceptedAt.IsZero() {
			t.Fatalf("unexpected session: %+v", got)
		}
		if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRepository_CompareAndSwap(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.UnixMilli(1700000000000).UTC()
		s := sampleSession("c1", now)
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}

		next := s
		next.State = StateAccepted
		next.AcceptedAt = now.Add(time.Second)
		next.CalleeJoined = true
		next.Version = 2
		if err := repo.CompareAndSwap(ctx, next, 1); err != nil {
			t.Fatalf("cas: %v", err)
		}

		stale := s
		stale.State = StateDeclined
		stale.Version = 2
		if err := repo.CompareAndSwap(ctx, stale, 1); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}
		missing := sampleSession("nope", now)
		if err := repo.CompareAndSwap(ctx, missing, 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		got, _ := repo.Get(ctx, "c1")
		if got.State != StateAccepted || got.Version != 2 || !got.CalleeJoined || !got.AcceptedAt.Equal(next.AcceptedAt) {
			t.Fatalf("unexpected session after cas: %+v", got)
		}
	})
}

func TestRepository_FindActiveByParticipant(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.UnixMilli(1700000000000).UTC()

		done := sampleSession("old", now)
		done.State = StateEnded
		live := sampleSession("live", now.Add(time.Second))
		for _, s := range []Session{done, live} {
			if err := repo.Create(ctx, s); err != nil {
				t.Fatalf("create: %v", err)
			}
		}

		for _, uid := range []string{"a", "b"} {
			got, err := repo.FindActiveByParticipant(ctx, uid)
			if err != nil || got.CallID != "live" {
				t.Fatalf("%s: expected live session, got %+v, %v", uid, got, err)
			}
		}
		if _, err := repo.FindActiveByParticipant(ctx, "c"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRepository_ListStaleAndArchive(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.UnixMilli(1700000000000).UTC()

		oldRinging := sampleSession("r-old", now.Add(-time.Minute))
		newRinging := sampleSession("r-new", now)
		ended := sampleSession("e", now.Add(-time.Hour))
		ended.State = StateEnded
		for _, s := range []Session{oldRinging, newRinging, ended} {
			if err := repo.Create(ctx, s); err != nil {
				t.Fatalf("create: %v", err)
			}
		}

		stale, err := repo.ListStale(ctx, []State{StateRinging}, now.Add(-30*time.Second), 10)
		if err != nil {
			t.Fatalf("list stale: %v", err)
		}
		if len(stale) != 1 || stale[0].CallID != "r-old" {
			t.Fatalf("unexpected stale set: %+v", stale)
		}

		if err := repo.Archive(ctx, "r-old", now); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected live session archive to fail, got %v", err)
		}
		if err := repo.Archive(ctx, "e", now); err != nil {
			t.Fatalf("archive: %v", err)
		}
		if err := repo.Archive(ctx, "e", now.Add(time.Minute)); err != nil {
			t.Fatalf("archive twice: %v", err)
		}
		got, _ := repo.Get(ctx, "e")
		if !got.ArchivedAt.Equal(now) {
			t.Fatalf("expected archived_at %v, got %v", now, got.ArchivedAt)
		}

		finished, err := repo.ListStale(ctx, TerminalStates(), now, 10)
		if err != nil {
			t.Fatalf("list terminal: %v", err)
		}
		if len(finished) != 0 {
			t.Fatalf("archived sessions must not be listed as stale: %+v", finished)
		}

		all, err := repo.ListSessions(ctx, ListFilter{From: now.Add(-2 * time.Hour), To: now.Add(time.Second)})
		if err != nil {
			t.Fatalf("list sessions: %v", err)
		}
		if len(all) != 3 || all[0].CallID != "e" {
			t.Fatalf("expected 3 sessions oldest first, got %+v", all)
		}
		mine, err := repo.ListSessions(ctx, ListFilter{From: now.Add(-2 * time.Hour), To: now.Add(time.Second), UserID: "zed"})
		if err != nil || len(mine) != 0 {
			t.Fatalf("expected no sessions for zed, got %+v, %v", mine, err)
		}
	})
}
