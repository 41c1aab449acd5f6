package tool

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/graph/delegate"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type vaultKey struct {
	owner    string
	platform graph.Platform
}

type fakeVault struct {
	mu        sync.Mutex
	tokens    map[vaultKey]Token
	refreshed map[vaultKey]Token
	lookupErr  error
	refreshErr error
	refreshes  int
}

func newFakeVault() *fakeVault {
	return &fakeVault{tokens: map[vaultKey]Token{}, refreshed: map[vaultKey]Token{}}
}

func (v *fakeVault) Token(_ context.Context, owner string, p graph.Platform, _ string) (Token, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lookupErr != nil {
		return Token{}, v.lookupErr
	}
	tok, ok := v.tokens[vaultKey{owner, p}]
	if !ok {
		return Token{}, ErrNoToken
	}
	return tok, nil
}

func (v *fakeVault) Refresh(_ context.Context, owner string, p graph.Platform, _ string) (Token, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshes++
	tok, ok := v.refreshed[vaultKey{owner, p}]
	if !ok {
		if v.refreshErr != nil {
			return Token{}, v.refreshErr
		}
		return Token{}, ErrNoToken
	}
	v.tokens[vaultKey{owner, p}] = tok
	return tok, v.refreshErr
}

func newTestService(t *testing.T, vault TokenVault) (*Service, *MockPlatform) {
	t.Helper()
	twitter := &MockPlatform{Prefix: "tw"}
	svc, err := NewService(vault, map[graph.Platform]Platform{
		graph.PlatformTwitter:  twitter,
		graph.PlatformLinkedIn: &MockPlatform{Prefix: "li"},
	}, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, twitter
}

func publishInput() map[string]interface{} {
	return map[string]interface{}{
		delegate.ArgPlatform: "twitter",
		delegate.ArgOwnerID:  "alice",
		delegate.ArgText:     "hello",
	}
}

func TestNewService(t *testing.T) {
	if _, err := NewService(nil, map[graph.Platform]Platform{graph.PlatformTwitter: &MockPlatform{}}); err == nil {
		t.Errorf("NewService(nil vault) succeeded")
	}
	if _, err := NewService(newFakeVault(), nil); err == nil {
		t.Errorf("NewService(no platforms) succeeded")
	}
}

func TestToken_Expired(t *testing.T) {
	tests := []struct {
		name string
		tok  Token
		want bool
	}{
		{"no expiry", Token{AccessToken: "a"}, false},
		{"future", Token{ExpiresAt: testNow.Add(time.Hour)}, false},
		{"within skew", Token{ExpiresAt: testNow.Add(10 * time.Second)}, true},
		{"past", Token{ExpiresAt: testNow.Add(-time.Minute)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tok.Expired(testNow); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPublishPostTool(t *testing.T) {
	t.Run("publishes with current token", func(t *testing.T) {
		vault := newFakeVault()
		vault.tokens[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "tok-1"}
		svc, twitter := newTestService(t, vault)

		in := publishInput()
		in[delegate.ArgMediaID] = "m-1"
		in[delegate.ArgMetadata] = `{"alt_text":"diagram"}`
		out, err := svc.PublishPost().Call(context.Background(), in)
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if out["status"] != delegate.StatusSuccess || out["post_id"] != "tw-post-1" {
			t.Errorf("out = %v", out)
		}
		got := twitter.Posts[0]
		if got.AccessToken != "tok-1" || got.Payload.MediaID != "m-1" || got.Payload.Metadata["alt_text"] != "diagram" {
			t.Errorf("platform call = %+v", got)
		}
	})

	t.Run("expired token is refreshed first", func(t *testing.T) {
		vault := newFakeVault()
		vault.tokens[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "old", ExpiresAt: testNow.Add(-time.Minute)}
		vault.refreshed[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "new", ExpiresAt: testNow.Add(time.Hour)}
		svc, twitter := newTestService(t, vault)

		if _, err := svc.PublishPost().Call(context.Background(), publishInput()); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if twitter.Posts[0].AccessToken != "new" || vault.refreshes != 1 {
			t.Errorf("token = %q refreshes = %d", twitter.Posts[0].AccessToken, vault.refreshes)
		}
	})

	t.Run("401 refreshes once and retries", func(t *testing.T) {
		vault := newFakeVault()
		vault.tokens[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "revoked"}
		vault.refreshed[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "fresh"}
		svc, twitter := newTestService(t, vault)
		twitter.PublishErrs = []error{&PlatformError{StatusCode: 401, Message: "invalid_token"}}

		out, err := svc.PublishPost().Call(context.Background(), publishInput())
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if out["status"] != delegate.StatusSuccess {
			t.Errorf("out = %v", out)
		}
		if twitter.PublishCount() != 2 || twitter.Posts[1].AccessToken != "fresh" {
			t.Errorf("posts = %+v", twitter.Posts)
		}
	})

	t.Run("401 without refresh token is auth required", func(t *testing.T) {
		vault := newFakeVault()
		vault.tokens[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "revoked"}
		svc, twitter := newTestService(t, vault)
		twitter.PublishErrs = []error{&PlatformError{StatusCode: 401}}

		out, _ := svc.PublishPost().Call(context.Background(), publishInput())
		if out["status"] != delegate.StatusFailure || out["error_class"] != string(delegate.ClassAuthRequired) {
			t.Errorf("out = %v", out)
		}
		if twitter.PublishCount() != 1 {
			t.Errorf("PublishCount() = %d, want 1", twitter.PublishCount())
		}
	})

	t.Run("refresh errors", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			want delegate.Class
		}{
			{"revoked grant", fmt.Errorf("%w: invalid_grant", ErrNoToken), delegate.ClassAuthRequired},
			{"token endpoint 400", &PlatformError{StatusCode: 400, Message: "invalid_grant"}, delegate.ClassAuthRequired},
			{"token endpoint 401", &PlatformError{StatusCode: 401}, delegate.ClassAuthRequired},
			{"token endpoint 503", &PlatformError{StatusCode: 503}, delegate.ClassTransient},
			{"network", errors.New("connection reset"), delegate.ClassTransient},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				vault := newFakeVault()
				vault.tokens[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "old", ExpiresAt: testNow.Add(-time.Minute)}
				vault.refreshErr = tt.err
				svc, twitter := newTestService(t, vault)

				out, _ := svc.PublishPost().Call(context.Background(), publishInput())
				if out["error_class"] != string(tt.want) {
					t.Errorf("error_class = %v, want %s", out["error_class"], tt.want)
				}
				if twitter.PublishCount() != 0 {
					t.Errorf("platform called after a failed refresh")
				}
			})
		}
	})

	t.Run("refreshed token is used when saving it fails", func(t *testing.T) {
		vault := newFakeVault()
		vault.tokens[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "old", ExpiresAt: testNow.Add(-time.Minute)}
		vault.refreshed[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "new", ExpiresAt: testNow.Add(time.Hour)}
		vault.refreshErr = errors.New("token refreshed but not persisted: disk full")
		svc, twitter := newTestService(t, vault)

		out, err := svc.PublishPost().Call(context.Background(), publishInput())
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if out["status"] != delegate.StatusSuccess {
			t.Fatalf("out = %v", out)
		}
		if twitter.Posts[0].AccessToken != "new" {
			t.Errorf("token = %q, want %q", twitter.Posts[0].AccessToken, "new")
		}
	})

	t.Run("missing token is auth required", func(t *testing.T) {
		svc, twitter := newTestService(t, newFakeVault())
		out, _ := svc.PublishPost().Call(context.Background(), publishInput())
		if out["error_class"] != string(delegate.ClassAuthRequired) {
			t.Errorf("out = %v", out)
		}
		if twitter.PublishCount() != 0 {
			t.Errorf("platform called without a token")
		}
	})

	t.Run("vault failure is transient", func(t *testing.T) {
		vault := newFakeVault()
		vault.lookupErr = errors.New("vault offline")
		svc, _ := newTestService(t, vault)
		out, _ := svc.PublishPost().Call(context.Background(), publishInput())
		if out["error_class"] != string(delegate.ClassTransient) {
			t.Errorf("out = %v", out)
		}
	})

	t.Run("platform status classes", func(t *testing.T) {
		tests := []struct {
			err  error
			want delegate.Class
		}{
			{&PlatformError{StatusCode: 429}, delegate.ClassTransient},
			{&PlatformError{StatusCode: 503}, delegate.ClassTransient},
			{&PlatformError{StatusCode: 402, Message: "credits"}, delegate.ClassFatal},
			{&PlatformError{StatusCode: 403, Message: "duplicate"}, delegate.ClassFatal},
			{errors.New("connection reset"), delegate.ClassTransient},
			{context.DeadlineExceeded, delegate.ClassFatal},
		}
		for _, tt := range tests {
			vault := newFakeVault()
			vault.tokens[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "tok"}
			svc, twitter := newTestService(t, vault)
			twitter.PublishErrs = []error{tt.err}

			out, _ := svc.PublishPost().Call(context.Background(), publishInput())
			if out["error_class"] != string(tt.want) {
				t.Errorf("%v: error_class = %v, want %s", tt.err, out["error_class"], tt.want)
			}
			if out["error"] != tt.err.Error() {
				t.Errorf("%v: error = %v", tt.err, out["error"])
			}
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		svc, _ := newTestService(t, newFakeVault())
		tests := []map[string]interface{}{
			{delegate.ArgPlatform: "myspace", delegate.ArgOwnerID: "alice", delegate.ArgText: "x"},
			{delegate.ArgPlatform: "twitter", delegate.ArgText: "x"},
			{delegate.ArgPlatform: "twitter", delegate.ArgOwnerID: "alice"},
			{delegate.ArgPlatform: "twitter", delegate.ArgOwnerID: "alice", delegate.ArgText: "x", delegate.ArgMetadata: "not json"},
		}
		for _, in := range tests {
			if _, err := svc.PublishPost().Call(context.Background(), in); err == nil {
				t.Errorf("Call(%v) succeeded", in)
			}
		}
	})
}

func TestUploadMediaTool(t *testing.T) {
	vault := newFakeVault()
	vault.tokens[vaultKey{"alice", graph.PlatformTwitter}] = Token{AccessToken: "tok"}
	svc, twitter := newTestService(t, vault)

	in := map[string]interface{}{
		delegate.ArgPlatform:    "twitter",
		delegate.ArgOwnerID:     "alice",
		delegate.ArgMediaBase64: base64.StdEncoding.EncodeToString([]byte("png")),
		delegate.ArgContentType: "image/png",
		delegate.ArgFilename:    "a.png",
	}
	out, err := svc.UploadMedia().Call(context.Background(), in)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out["media_id"] != "tw-media-1" {
		t.Errorf("out = %v", out)
	}
	up := twitter.Uploads[0].Payload
	if string(up.Data) != "png" || up.ContentType != "image/png" || up.Filename != "a.png" {
		t.Errorf("upload = %+v", up)
	}

	in[delegate.ArgMediaBase64] = "!!!"
	if _, err := svc.UploadMedia().Call(context.Background(), in); err == nil {
		t.Errorf("Call() with invalid base64 succeeded")
	}

	twitter.Reset()
	twitter.UploadErrs = []error{nil, &PlatformError{StatusCode: 500}}
	in[delegate.ArgMediaBase64] = base64.StdEncoding.EncodeToString([]byte("png"))
	if _, err := svc.UploadMedia().Call(context.Background(), in); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	out, _ = svc.UploadMedia().Call(context.Background(), in)
	if out["error_class"] != string(delegate.ClassTransient) {
		t.Errorf("second upload out = %v", out)
	}
}
