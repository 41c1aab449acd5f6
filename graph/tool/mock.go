package tool

import (
	"context"
	"fmt"
	"sync"
)

// MockPlatform is a test implementation of Platform.
//
// It records every call with the token it was given, returns sequential IDs,
// and can inject a sequence of errors:
//
//	mock := &MockPlatform{
//	    PublishErrs: []error{&PlatformError{StatusCode: 401}},
//	}
//	// first Publish fails with 401, the next one succeeds
type MockPlatform struct {
	// Prefix is prepended to generated IDs. Defaults to "mock".
	Prefix string

	// PublishErrs and UploadErrs are returned in order, one per call; a nil
	// entry or an exhausted slice means success.
	PublishErrs []error
	UploadErrs  []error

	// Posts and Uploads record every call.
	Posts   []MockCall[Post]
	Uploads []MockCall[Upload]

	mu sync.Mutex
}

// MockCall records a single platform call.
type MockCall[T any] struct {
	AccessToken string
	Payload     T
}

// Publish implements Platform.
func (m *MockPlatform) Publish(ctx context.Context, accessToken string, post Post) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Posts = append(m.Posts, MockCall[Post]{AccessToken: accessToken, Payload: post})
	if err := next(m.PublishErrs, len(m.Posts)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-post-%d", m.prefix(), len(m.Posts)), nil
}

// Upload implements Platform.
func (m *MockPlatform) Upload(ctx context.Context, accessToken string, upload Upload) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uploads = append(m.Uploads, MockCall[Upload]{AccessToken: accessToken, Payload: upload})
	if err := next(m.UploadErrs, len(m.Uploads)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-media-%d", m.prefix(), len(m.Uploads)), nil
}

// PublishCount returns the number of Publish calls.
func (m *MockPlatform) PublishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Posts)
}

// UploadCount returns the number of Upload calls.
func (m *MockPlatform) UploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Uploads)
}

// Reset clears recorded calls. Injected errors are kept.
func (m *MockPlatform) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Posts = nil
	m.Uploads = nil
}

func (m *MockPlatform) prefix() string {
	if m.Prefix == "" {
		return "mock"
	}
	return m.Prefix
}

// next returns the injected error for the n-th (1-based) call.
func next(errs []error, n int) error {
	if n-1 < len(errs) {
		return errs[n-1]
	}
	return nil
}
