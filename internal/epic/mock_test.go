package epic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// memStorage is an in-memory Storage with optional write failures.
type memStorage struct {
	mu       sync.Mutex
	values   map[string]string
	failSet  map[string]error
	getErr   error
	setCalls int
}

func newMemStorage() *memStorage {
	return &memStorage{values: make(map[string]string), failSet: make(map[string]error)}
}

func (m *memStorage) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStorage) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if err := m.failSet[key]; err != nil {
		return err
	}
	m.values[key] = value
	return nil
}

func (m *memStorage) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *memStorage) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

func (m *memStorage) value(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

// mockExchanger records calls and returns a canned result.
type mockExchanger struct {
	calls    atomic.Int32
	result   *ExchangeResult
	err      error
	block    chan struct{}
	lastReq  ExchangeRequest
	lastAuth string
	mu       sync.Mutex
}

func (m *mockExchanger) Exchange(ctx context.Context, bearer string, req ExchangeRequest) (*ExchangeResult, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastReq = req
	m.lastAuth = bearer
	m.mu.Unlock()
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// relayError mimics the relay client's status error.
type relayError struct {
	status  int
	message string
}

func (e *relayError) Error() string       { return "relay returned error" }
func (e *relayError) UserMessage() string { return e.message }

func staticCreds(token string) CredentialSource {
	return CredentialFunc(func(ctx context.Context) (string, error) {
		if token == "" {
			return "", errors.New("no credential")
		}
		return token, nil
	})
}
