// Package accounts holds the linked platform connections of each owner. A
// Registry answers the engine's credential and connection questions and,
// inside the delegate service, acts as the token vault.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/graph/tool"
)

// Connection is one linked platform account.
type Connection struct {
	ID       string         `yaml:"id"`
	OwnerID  string         `yaml:"owner_id"`
	Platform graph.Platform `yaml:"platform"`
	Default  bool           `yaml:"default,omitempty"`

	AccessToken  string `yaml:"access_token,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`

	// ExpiresAt is RFC 3339; empty for tokens that do not expire.
	ExpiresAt string `yaml:"expires_at,omitempty"`
}

func (c Connection) token() (tool.Token, error) {
	tok := tool.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}
	if c.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, c.ExpiresAt)
		if err != nil {
			return tool.Token{}, fmt.Errorf("connection %s: invalid expires_at: %w", c.ID, err)
		}
		tok.ExpiresAt = t
	}
	return tok, nil
}

func (c Connection) validate() error {
	switch {
	case c.ID == "":
		return errors.New("connection id is required")
	case c.OwnerID == "":
		return fmt.Errorf("connection %s: owner_id is required", c.ID)
	case !c.Platform.Valid():
		return fmt.Errorf("connection %s: unsupported platform %q", c.ID, c.Platform)
	}
	if _, err := c.token(); err != nil {
		return err
	}
	return nil
}

// RefreshFunc exchanges a refresh token for a new token. Returning
// tool.ErrNoToken means the grant was revoked.
type RefreshFunc func(ctx context.Context, platform graph.Platform, refreshToken string) (tool.Token, error)

// Option configures a Registry.
type Option func(*Registry)

// WithRefresher enables token refresh.
func WithRefresher(f RefreshFunc) Option {
	return func(r *Registry) { r.refresh = f }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is an in-memory connection registry. It is safe for concurrent
// use.
//
// The default connection for an owner and platform is the one flagged
// Default, else the lowest ID. A token counts as valid while it is
// unexpired, or expired but refreshable when a refresher is configured.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connection

	refresh RefreshFunc
	now     func() time.Time

	// onChange is called with a snapshot after a refresh updates a token.
	onChange func([]Connection) error
}

var (
	_ graph.Credentials = (*Registry)(nil)
	_ graph.Connections = (*Registry)(nil)
	_ tool.TokenVault   = (*Registry)(nil)
)

// NewRegistry creates a Registry holding conns.
func NewRegistry(conns []Connection, opts ...Option) (*Registry, error) {
	r := &Registry{conns: map[string]Connection{}, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Replace(conns); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the whole connection set. The registry is unchanged when
// any connection is invalid.
func (r *Registry) Replace(conns []Connection) error {
	next := make(map[string]Connection, len(conns))
	for _, c := range conns {
		if err := c.validate(); err != nil {
			return err
		}
		if _, dup := next[c.ID]; dup {
			return fmt.Errorf("duplicate connection id %q", c.ID)
		}
		next[c.ID] = c
	}
	r.mu.Lock()
	r.conns = next
	r.mu.Unlock()
	return nil
}

// Put adds or replaces one connection.
func (r *Registry) Put(c Connection) error {
	if err := c.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	return nil
}

// Remove deletes a connection. Unknown IDs are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// List returns the owner's connections sorted by ID. An empty ownerID lists
// every connection.
func (r *Registry) List(ownerID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Connection
	for _, c := range r.conns {
		if ownerID == "" || c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveDefault implements graph.Connections.
func (r *Registry) ResolveDefault(ctx context.Context, ownerID string, platform graph.Platform) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.defaultLocked(ownerID, platform)
	return c.ID, ok, nil
}

// HasValidToken implements graph.Credentials.
func (r *Registry) HasValidToken(ctx context.Context, ownerID string, platform graph.Platform, connectionID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.lookupLocked(ownerID, platform, connectionID)
	if !ok || c.AccessToken == "" {
		return false, nil
	}
	tok, err := c.token()
	if err != nil {
		return false, err
	}
	if !tok.Expired(r.now()) {
		return true, nil
	}
	return r.refresh != nil && tok.RefreshToken != "", nil
}

// Token implements tool.TokenVault.
func (r *Registry) Token(ctx context.Context, ownerID string, platform graph.Platform, connectionID string) (tool.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.lookupLocked(ownerID, platform, connectionID)
	if !ok || c.AccessToken == "" {
		return tool.Token{}, tool.ErrNoToken
	}
	return c.token()
}

// Refresh implements tool.TokenVault. The refreshed token replaces the
// stored one; a refresh without a new refresh token keeps the old one.
func (r *Registry) Refresh(ctx context.Context, ownerID string, platform graph.Platform, connectionID string) (tool.Token, error) {
	r.mu.RLock()
	c, ok := r.lookupLocked(ownerID, platform, connectionID)
	r.mu.RUnlock()
	if !ok || c.RefreshToken == "" || r.refresh == nil {
		return tool.Token{}, tool.ErrNoToken
	}

	tok, err := r.refresh(ctx, platform, c.RefreshToken)
	if err != nil {
		return tool.Token{}, err
	}
	if tok.AccessToken == "" {
		return tool.Token{}, tool.ErrNoToken
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = c.RefreshToken
	}

	c.AccessToken = tok.AccessToken
	c.RefreshToken = tok.RefreshToken
	c.ExpiresAt = ""
	if !tok.ExpiresAt.IsZero() {
		c.ExpiresAt = tok.ExpiresAt.UTC().Format(time.RFC3339)
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		if err := onChange(r.List("")); err != nil {
			return tok, fmt.Errorf("token refreshed but not persisted: %w", err)
		}
	}
	return tok, nil
}

// lookupLocked finds an explicit connection, checking owner and platform,
// or the default one when connectionID is empty.
func (r *Registry) lookupLocked(ownerID string, platform graph.Platform, connectionID string) (Connection, bool) {
	if connectionID == "" {
		return r.defaultLocked(ownerID, platform)
	}
	c, ok := r.conns[connectionID]
	if !ok || c.OwnerID != ownerID || c.Platform != platform {
		return Connection{}, false
	}
	return c, true
}

func (r *Registry) defaultLocked(ownerID string, platform graph.Platform) (Connection, bool) {
	var best Connection
	found := false
	for _, c := range r.conns {
		if c.OwnerID != ownerID || c.Platform != platform {
			continue
		}
		switch {
		case !found,
			c.Default && !best.Default,
			c.Default == best.Default && c.ID < best.ID:
			best, found = c, true
		}
	}
	return best, found
}
