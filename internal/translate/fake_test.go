package translate

import (
	"context"
	"sync"
	"time"
)

type setCall struct {
	key   string
	value []byte
	ttl   time.Duration
}

// fakeBackend is an in-memory Backend recording the calls it receives.
type fakeBackend struct {
	mu      sync.Mutex
	items   map[string][]byte
	gets    int
	sets    []setCall
	deletes []string
	err     error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{items: map[string][]byte{}}
}

func (f *fakeBackend) Get(ctx context.Context, namespace string, key []byte) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, false, f.err
	}
	v, ok := f.items[namespace+"/"+string(key)]
	return v, ok, nil
}

func (f *fakeBackend) Set(ctx context.Context, namespace string, key, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sets = append(f.sets, setCall{key: string(key), value: append([]byte(nil), value...), ttl: ttl})
	f.items[namespace+"/"+string(key)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, namespace string, key []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.deletes = append(f.deletes, string(key))
	k := namespace + "/" + string(key)
	_, ok := f.items[k]
	delete(f.items, k)
	return ok, nil
}

func (f *fakeBackend) put(key string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[testNamespace+"/"+key] = value
}

func (f *fakeBackend) stored(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[testNamespace+"/"+key]
	return v, ok
}

func (f *fakeBackend) lastSet() setCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[len(f.sets)-1]
}

func (f *fakeBackend) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}
