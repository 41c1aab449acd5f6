package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

type testImage struct {
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

type testState struct {
	URL    string            `json:"url"`
	Drafts map[string]string `json:"drafts,omitempty"`
	Image  *testImage        `json:"image,omitempty"`
	Count  int               `json:"count"`
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// runConformance exercises the Store contract. newStore must return an empty
// store; every subtest gets its own.
func runConformance(t *testing.T, newStore func(t *testing.T) Store[testState]) {
	t.Helper()
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		cases := []struct {
			name  string
			state testState
		}{
			{"empty drafts no image", testState{URL: "https://a.example/post"}},
			{"drafts and image", testState{
				URL:    "https://a.example/post",
				Drafts: map[string]string{"twitter": "hello", "linkedin": "longer hello"},
				Image:  &testImage{URL: "https://a.example/img.png", Caption: "cap"},
				Count:  3,
			}},
			{"empty string draft", testState{Drafts: map[string]string{"twitter": ""}}},
		}
		st := newStore(t)
		for i, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				id := fmt.Sprintf("rt-%d", i)
				rec := Record[testState]{
					ExecutionID: id,
					OwnerID:     "owner-1",
					Status:      StatusAwaitingHuman,
					State:       tc.state,
					UpdatedAt:   baseTime,
				}
				if err := st.Save(ctx, rec); err != nil {
					t.Fatalf("Save failed: %v", err)
				}
				got, err := st.Load(ctx, id)
				if err != nil {
					t.Fatalf("Load failed: %v", err)
				}
				if !reflect.DeepEqual(got.State, tc.state) {
					t.Errorf("state = %+v, want %+v", got.State, tc.state)
				}
				if got.OwnerID != "owner-1" || got.Status != StatusAwaitingHuman {
					t.Errorf("got owner=%q status=%q", got.OwnerID, got.Status)
				}
				if got.Version != 1 {
					t.Errorf("Version = %d, want 1", got.Version)
				}
				if !got.UpdatedAt.Equal(baseTime) {
					t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, baseTime)
				}
			})
		}
	})

	t.Run("load missing", func(t *testing.T) {
		st := newStore(t)
		if _, err := st.Load(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Load error = %v, want ErrNotFound", err)
		}
		if _, err := st.History(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("History error = %v, want ErrNotFound", err)
		}
	})

	t.Run("rejects invalid records", func(t *testing.T) {
		st := newStore(t)
		if err := st.Save(ctx, Record[testState]{Status: StatusRunning}); err == nil {
			t.Error("expected error for empty execution ID")
		}
		if err := st.Save(ctx, Record[testState]{ExecutionID: "x", Status: "paused"}); err == nil {
			t.Error("expected error for unknown status")
		}
	})

	t.Run("append only history", func(t *testing.T) {
		st := newStore(t)
		statuses := []Status{StatusRunning, StatusAwaitingHuman, StatusRunning, StatusCompleted}
		for i, s := range statuses {
			err := st.Save(ctx, Record[testState]{
				ExecutionID: "hist",
				OwnerID:     "owner-1",
				Status:      s,
				State:       testState{Count: i},
				UpdatedAt:   baseTime.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("Save %d failed: %v", i, err)
			}
		}

		latest, err := st.Load(ctx, "hist")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if latest.Version != len(statuses) || latest.Status != StatusCompleted || latest.State.Count != 3 {
			t.Errorf("latest = %+v", latest)
		}

		history, err := st.History(ctx, "hist")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) != len(statuses) {
			t.Fatalf("len(history) = %d, want %d", len(history), len(statuses))
		}
		for i, rec := range history {
			if rec.Version != i+1 {
				t.Errorf("history[%d].Version = %d", i, rec.Version)
			}
			if rec.Status != statuses[i] || rec.State.Count != i {
				t.Errorf("history[%d] = %+v", i, rec)
			}
		}
	})

	t.Run("list filters and orders", func(t *testing.T) {
		st := newStore(t)
		seed := []struct {
			id     string
			owner  string
			status Status
			offset time.Duration
		}{
			{"e1", "alice", StatusAwaitingHuman, 1 * time.Minute},
			{"e2", "alice", StatusAwaitingAuth, 3 * time.Minute},
			{"e3", "alice", StatusCompleted, 4 * time.Minute},
			{"e4", "bob", StatusAwaitingHuman, 2 * time.Minute},
			{"e5", "alice", StatusRunning, 5 * time.Minute},
			{"e6", "alice", StatusTerminated, 6 * time.Minute},
		}
		for _, s := range seed {
			err := st.Save(ctx, Record[testState]{
				ExecutionID: s.id,
				OwnerID:     s.owner,
				Status:      s.status,
				UpdatedAt:   baseTime.Add(s.offset),
			})
			if err != nil {
				t.Fatalf("Save %s failed: %v", s.id, err)
			}
		}

		tests := []struct {
			name   string
			filter Filter
			want   []string
		}{
			{"default excludes terminal", Filter{}, []string{"e5", "e2", "e4", "e1"}},
			{"inbox for alice", Filter{
				Statuses: []Status{StatusAwaitingHuman, StatusAwaitingAuth},
				OwnerID:  "alice",
			}, []string{"e2", "e1"}},
			{"terminal on request", Filter{
				Statuses: []Status{StatusCompleted, StatusTerminated},
			}, []string{"e6", "e3"}},
			{"limit", Filter{Limit: 2}, []string{"e5", "e2"}},
			{"unknown owner", Filter{OwnerID: "carol"}, []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := st.List(ctx, tt.filter)
				if err != nil {
					t.Fatalf("List failed: %v", err)
				}
				ids := make([]string, 0, len(got))
				for _, r := range got {
					ids = append(ids, r.ExecutionID)
				}
				if !reflect.DeepEqual(ids, tt.want) {
					t.Errorf("List = %v, want %v", ids, tt.want)
				}
			})
		}
	})

	t.Run("list follows status changes", func(t *testing.T) {
		st := newStore(t)
		save := func(status Status, offset time.Duration) {
			t.Helper()
			err := st.Save(ctx, Record[testState]{
				ExecutionID: "moving",
				OwnerID:     "alice",
				Status:      status,
				UpdatedAt:   baseTime.Add(offset),
			})
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
		}
		inbox := Filter{Statuses: []Status{StatusAwaitingHuman, StatusAwaitingAuth}}

		save(StatusAwaitingHuman, 0)
		if got, _ := st.List(ctx, inbox); len(got) != 1 {
			t.Fatalf("expected execution in inbox, got %d", len(got))
		}
		save(StatusCompleted, time.Second)
		got, err := st.List(ctx, inbox)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("completed execution still listed: %+v", got)
		}
	})

	t.Run("concurrent saves on distinct ids", func(t *testing.T) {
		st := newStore(t)
		const workers = 8
		const perWorker = 5

		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				id := fmt.Sprintf("c-%d", w)
				for i := 0; i < perWorker; i++ {
					err := st.Save(ctx, Record[testState]{
						ExecutionID: id,
						OwnerID:     "owner",
						Status:      StatusRunning,
						State:       testState{Count: i},
					})
					if err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("Save failed: %v", err)
		}

		for w := 0; w < workers; w++ {
			rec, err := st.Load(ctx, fmt.Sprintf("c-%d", w))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if rec.Version != perWorker || rec.State.Count != perWorker-1 {
				t.Errorf("c-%d: version=%d count=%d", w, rec.Version, rec.State.Count)
			}
		}
	})
}
