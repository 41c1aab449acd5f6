package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/graph/tool"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func testConnections() []Connection {
	return []Connection{
		{ID: "tw-b", OwnerID: "alice", Platform: graph.PlatformTwitter, AccessToken: "tw-b-token"},
		{ID: "tw-a", OwnerID: "alice", Platform: graph.PlatformTwitter, AccessToken: "tw-a-token"},
		{ID: "li-main", OwnerID: "alice", Platform: graph.PlatformLinkedIn, Default: true,
			AccessToken: "li-old", RefreshToken: "li-refresh", ExpiresAt: "2026-03-01T11:00:00Z"},
		{ID: "li-alt", OwnerID: "alice", Platform: graph.PlatformLinkedIn, AccessToken: "li-alt-token"},
		{ID: "tw-bob", OwnerID: "bob", Platform: graph.PlatformTwitter, AccessToken: "bob-token",
			ExpiresAt: "2026-03-01T11:00:00Z"},
	}
}

func TestRegistry_ResolveDefault(t *testing.T) {
	r, err := NewRegistry(testConnections(), WithClock(clock))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		owner    string
		platform graph.Platform
		wantID   string
		wantOK   bool
	}{
		{"alice", graph.PlatformTwitter, "tw-a", true},
		{"alice", graph.PlatformLinkedIn, "li-main", true},
		{"bob", graph.PlatformTwitter, "tw-bob", true},
		{"bob", graph.PlatformLinkedIn, "", false},
		{"carol", graph.PlatformTwitter, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.owner+"/"+string(tt.platform), func(t *testing.T) {
			id, ok, err := r.ResolveDefault(ctx, tt.owner, tt.platform)
			if err != nil {
				t.Fatalf("ResolveDefault failed: %v", err)
			}
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("got (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestRegistry_HasValidToken(t *testing.T) {
	ctx := context.Background()
	refresher := func(ctx context.Context, p graph.Platform, rt string) (tool.Token, error) {
		return tool.Token{AccessToken: "new"}, nil
	}

	tests := []struct {
		name      string
		refresh   bool
		owner     string
		platform  graph.Platform
		conn      string
		wantValid bool
	}{
		{"default unexpiring", false, "alice", graph.PlatformTwitter, "", true},
		{"explicit connection", false, "alice", graph.PlatformLinkedIn, "li-alt", true},
		{"expired without refresher", false, "alice", graph.PlatformLinkedIn, "", false},
		{"expired but refreshable", true, "alice", graph.PlatformLinkedIn, "", true},
		{"expired no refresh token", true, "bob", graph.PlatformTwitter, "", false},
		{"other owner's connection", false, "bob", graph.PlatformTwitter, "tw-a", false},
		{"platform mismatch", false, "alice", graph.PlatformTwitter, "li-alt", false},
		{"unknown connection", false, "alice", graph.PlatformTwitter, "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithClock(clock)}
			if tt.refresh {
				opts = append(opts, WithRefresher(refresher))
			}
			r, err := NewRegistry(testConnections(), opts...)
			if err != nil {
				t.Fatalf("NewRegistry failed: %v", err)
			}
			ok, err := r.HasValidToken(ctx, tt.owner, tt.platform, tt.conn)
			if err != nil {
				t.Fatalf("HasValidToken failed: %v", err)
			}
			if ok != tt.wantValid {
				t.Errorf("got %v, want %v", ok, tt.wantValid)
			}
		})
	}
}

func TestRegistry_TokenVault(t *testing.T) {
	ctx := context.Background()

	t.Run("token lookup", func(t *testing.T) {
		r, _ := NewRegistry(testConnections())
		tok, err := r.Token(ctx, "alice", graph.PlatformLinkedIn, "")
		if err != nil {
			t.Fatalf("Token failed: %v", err)
		}
		if tok.AccessToken != "li-old" || tok.RefreshToken != "li-refresh" {
			t.Errorf("unexpected token %+v", tok)
		}
		if !tok.ExpiresAt.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected expiry %v", tok.ExpiresAt)
		}
		if _, err := r.Token(ctx, "carol", graph.PlatformTwitter, ""); !errors.Is(err, tool.ErrNoToken) {
			t.Errorf("expected ErrNoToken, got %v", err)
		}
	})

	t.Run("refresh stores new token", func(t *testing.T) {
		var gotRefresh string
		exp := testNow.Add(time.Hour)
		r, _ := NewRegistry(testConnections(), WithClock(clock), WithRefresher(
			func(ctx context.Context, p graph.Platform, rt string) (tool.Token, error) {
				gotRefresh = rt
				return tool.Token{AccessToken: "li-new", ExpiresAt: exp}, nil
			}))

		tok, err := r.Refresh(ctx, "alice", graph.PlatformLinkedIn, "")
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if gotRefresh != "li-refresh" {
			t.Errorf("expected refresh token passed, got %q", gotRefresh)
		}
		if tok.RefreshToken != "li-refresh" {
			t.Errorf("expected refresh token kept, got %q", tok.RefreshToken)
		}
		stored, _ := r.Token(ctx, "alice", graph.PlatformLinkedIn, "li-main")
		if stored.AccessToken != "li-new" || !stored.ExpiresAt.Equal(exp) {
			t.Errorf("refreshed token not stored: %+v", stored)
		}
		if stored.Expired(testNow) {
			t.Error("refreshed token should not be expired")
		}
	})

	t.Run("no refresher", func(t *testing.T) {
		r, _ := NewRegistry(testConnections())
		if _, err := r.Refresh(ctx, "alice", graph.PlatformLinkedIn, ""); !errors.Is(err, tool.ErrNoToken) {
			t.Errorf("expected ErrNoToken, got %v", err)
		}
	})

	t.Run("refresher error", func(t *testing.T) {
		boom := errors.New("provider down")
		r, _ := NewRegistry(testConnections(), WithRefresher(
			func(ctx context.Context, p graph.Platform, rt string) (tool.Token, error) { return tool.Token{}, boom }))
		if _, err := r.Refresh(ctx, "alice", graph.PlatformLinkedIn, ""); !errors.Is(err, boom) {
			t.Errorf("expected refresher error, got %v", err)
		}
	})
}

func TestRegistry_Validation(t *testing.T) {
	tests := []struct {
		name string
		conn Connection
	}{
		{"missing id", Connection{OwnerID: "a", Platform: graph.PlatformTwitter}},
		{"missing owner", Connection{ID: "x", Platform: graph.PlatformTwitter}},
		{"bad platform", Connection{ID: "x", OwnerID: "a", Platform: "myspace"}},
		{"bad expiry", Connection{ID: "x", OwnerID: "a", Platform: graph.PlatformTwitter, ExpiresAt: "tomorrow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry([]Connection{tt.conn}); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	t.Run("duplicate ids", func(t *testing.T) {
		c := Connection{ID: "x", OwnerID: "a", Platform: graph.PlatformTwitter}
		if _, err := NewRegistry([]Connection{c, c}); err == nil {
			t.Error("expected duplicate error")
		}
	})

	t.Run("put and remove", func(t *testing.T) {
		r, _ := NewRegistry(nil)
		if err := r.Put(Connection{ID: "x", OwnerID: "a", Platform: graph.PlatformTwitter, AccessToken: "t"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if got := r.List("a"); len(got) != 1 {
			t.Fatalf("expected 1 connection, got %d", len(got))
		}
		r.Remove("x")
		if got := r.List(""); len(got) != 0 {
			t.Errorf("expected empty registry, got %d", len(got))
		}
	})
}
