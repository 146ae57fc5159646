package tiercache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ==============================
// test doubles
// ==============================

// stubHandle is a map-backed handle for coordinator tests. Update
// outcomes can be forced to exercise the failure paths of distributed
// backends.
type stubHandle[V any] struct {
	cfg         HandleConfig
	distributed bool
	stats       *Stats

	mu    sync.Mutex
	items map[string]*Item[V]

	cbs []func(RemoveEvent[V])

	forcedUpdate *UpdateResult[V]
	failGet      error
	failPut      error

	closed bool
}

var _ Handle[string] = (*stubHandle[string])(nil)

func newStubHandle[V any](name string, opts ...func(*stubHandle[V])) *stubHandle[V] {
	h := &stubHandle[V]{
		cfg:   HandleConfig{Name: name, Key: name, EnableStatistics: true},
		items: make(map[string]*Item[V]),
		stats: NewStats(true, false),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func asBackplaneSource[V any](h *stubHandle[V]) { h.cfg.IsBackplaneSource = true }
func asDistributed[V any](h *stubHandle[V])     { h.distributed = true }

func (h *stubHandle[V]) Config() HandleConfig { return h.cfg }
func (h *stubHandle[V]) Stats() *Stats        { return h.stats }
func (h *stubHandle[V]) IsDistributed() bool  { return h.distributed }

func (h *stubHandle[V]) OnRemoveByHandle(fn func(RemoveEvent[V])) {
	h.cbs = append(h.cbs, fn)
}

func (h *stubHandle[V]) fire(ev RemoveEvent[V]) {
	for _, cb := range h.cbs {
		cb(ev)
	}
}

func (h *stubHandle[V]) Add(_ context.Context, item *Item[V]) (bool, error) {
	item, err := ResolveExpiration(item, h.cfg)
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.items[item.Key()]; ok {
		return false, nil
	}
	h.items[item.Key()] = item
	return true, nil
}

func (h *stubHandle[V]) Get(_ context.Context, key string) (*Item[V], bool, error) {
	if h.failGet != nil {
		return nil, false, h.failGet
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[key]
	return item, ok, nil
}

func (h *stubHandle[V]) Put(_ context.Context, item *Item[V]) error {
	if h.failPut != nil {
		return h.failPut
	}
	item, err := ResolveExpiration(item, h.cfg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.items[item.Key()] = item
	h.mu.Unlock()
	return nil
}

func (h *stubHandle[V]) Remove(_ context.Context, key string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.items[key]
	delete(h.items, key)
	return ok, nil
}

func (h *stubHandle[V]) Clear(_ context.Context) error {
	h.mu.Lock()
	h.items = make(map[string]*Item[V])
	h.mu.Unlock()
	h.stats.OnClear()
	return nil
}

func (h *stubHandle[V]) Exists(_ context.Context, key string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.items[key]
	return ok, nil
}

func (h *stubHandle[V]) Count(_ context.Context) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.items)), nil
}

func (h *stubHandle[V]) Update(_ context.Context, key string, fn UpdateFunc[V], _ int) (UpdateResult[V], error) {
	if h.forcedUpdate != nil {
		return *h.forcedUpdate, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[key]
	if !ok {
		return UpdateResult[V]{Outcome: UpdateItemDidNotExist, Tries: 1}, nil
	}
	next, ok := fn(item.Value())
	if !ok {
		return UpdateResult[V]{Outcome: UpdateFactoryReturnedNil, Tries: 1}, nil
	}
	updated, err := item.WithValue(next)
	if err != nil {
		return UpdateResult[V]{}, err
	}
	updated.Touch()
	h.items[key] = updated
	return UpdateResult[V]{Outcome: UpdateSuccess, Item: updated, Tries: 1}, nil
}

func (h *stubHandle[V]) Close(_ context.Context) error {
	h.closed = true
	return nil
}

func (h *stubHandle[V]) has(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.items[key]
	return ok
}

func (h *stubHandle[V]) item(key string) *Item[V] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.items[key]
}

// recordingListener captures every event for assertions.
type recordingListener[V any] struct {
	mu       sync.Mutex
	adds     []eventRec
	puts     []eventRec
	gets     []string
	removes  []eventRec
	clears   []Origin
	updates  []eventRec
	byHandle []RemoveEvent[V]
}

type eventRec struct {
	key    string
	origin Origin
}

func (l *recordingListener[V]) OnAdd(key string, o Origin) {
	l.mu.Lock()
	l.adds = append(l.adds, eventRec{key, o})
	l.mu.Unlock()
}

func (l *recordingListener[V]) OnPut(key string, o Origin) {
	l.mu.Lock()
	l.puts = append(l.puts, eventRec{key, o})
	l.mu.Unlock()
}

func (l *recordingListener[V]) OnGet(key string) {
	l.mu.Lock()
	l.gets = append(l.gets, key)
	l.mu.Unlock()
}

func (l *recordingListener[V]) OnRemove(key string, o Origin) {
	l.mu.Lock()
	l.removes = append(l.removes, eventRec{key, o})
	l.mu.Unlock()
}

func (l *recordingListener[V]) OnClear(o Origin) {
	l.mu.Lock()
	l.clears = append(l.clears, o)
	l.mu.Unlock()
}

func (l *recordingListener[V]) OnUpdate(key string, o Origin) {
	l.mu.Lock()
	l.updates = append(l.updates, eventRec{key, o})
	l.mu.Unlock()
}

func (l *recordingListener[V]) OnRemoveByHandle(ev RemoveEvent[V]) {
	l.mu.Lock()
	l.byHandle = append(l.byHandle, ev)
	l.mu.Unlock()
}

// backplaneHub connects fake backplanes so every notification reaches
// all other nodes synchronously, like a loopback pub/sub.
type backplaneHub struct {
	mu    sync.Mutex
	nodes []*fakeBackplane
}

func (h *backplaneHub) node() *fakeBackplane {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := &fakeBackplane{hub: h}
	h.nodes = append(h.nodes, b)
	return b
}

type bpCall struct {
	op     string
	key    string
	action ChangeAction
}

type fakeBackplane struct {
	hub      *backplaneHub
	receiver Receiver

	mu    sync.Mutex
	calls []bpCall
}

func (b *fakeBackplane) Subscribe(r Receiver) { b.receiver = r }
func (b *fakeBackplane) Close(context.Context) error {
	return nil
}

func (b *fakeBackplane) record(c bpCall) {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	b.mu.Unlock()
}

func (b *fakeBackplane) others() []*fakeBackplane {
	if b.hub == nil {
		return nil
	}
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	out := make([]*fakeBackplane, 0, len(b.hub.nodes))
	for _, n := range b.hub.nodes {
		if n != b {
			out = append(out, n)
		}
	}
	return out
}

func (b *fakeBackplane) NotifyChange(_ context.Context, key string, action ChangeAction) error {
	b.record(bpCall{op: "change", key: key, action: action})
	for _, n := range b.others() {
		if n.receiver != nil {
			n.receiver.OnChanged(key, action)
		}
	}
	return nil
}

func (b *fakeBackplane) NotifyRemove(_ context.Context, key string) error {
	b.record(bpCall{op: "remove", key: key})
	for _, n := range b.others() {
		if n.receiver != nil {
			n.receiver.OnRemoved(key)
		}
	}
	return nil
}

func (b *fakeBackplane) NotifyClear(_ context.Context) error {
	b.record(bpCall{op: "clear"})
	for _, n := range b.others() {
		if n.receiver != nil {
			n.receiver.OnCleared()
		}
	}
	return nil
}

func newTestCache(t *testing.T, opts Options[string]) Cache[string] {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// ==============================
// construction
// ==============================

func TestNewRejectsBadConfigurations(t *testing.T) {
	if _, err := New(Options[string]{Name: "c"}); err == nil {
		t.Fatalf("empty handle list accepted")
	}

	a := newStubHandle[string]("a", asBackplaneSource[string])
	b := newStubHandle[string]("b", asBackplaneSource[string])
	if _, err := New(Options[string]{Name: "c", Handles: []Handle[string]{a, b}}); err == nil {
		t.Fatalf("two backplane sources accepted")
	}

	plain := newStubHandle[string]("p")
	if _, err := New(Options[string]{Name: "c", Handles: []Handle[string]{plain}, Backplane: &fakeBackplane{}}); err == nil {
		t.Fatalf("backplane without a source handle accepted")
	}

	if _, err := New(Options[string]{Name: "c", Handles: []Handle[string]{plain}, MaxRetries: -1}); err == nil {
		t.Fatalf("negative max retries accepted")
	}
}

// ==============================
// add / get / put
// ==============================

// Add writes only to the back handle; the front layer fills in on the
// next read.
func TestTwoTierAddThenGetPromotes(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	lst := &recordingListener[string]{}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}, Listener: lst})

	ok, err := c.Add(ctx, "k", "v")
	if err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if front.has("k") {
		t.Fatalf("front handle must not hold a freshly added key")
	}
	if !back.has("k") {
		t.Fatalf("back handle must hold the key")
	}
	if len(lst.adds) != 1 || lst.adds[0] != (eventRec{"k", OriginLocal}) {
		t.Fatalf("OnAdd events: %+v", lst.adds)
	}

	v, err := c.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("Get: %q %v", v, err)
	}
	if !front.has("k") {
		t.Fatalf("hit must promote into the front handle")
	}
	if !back.has("k") {
		t.Fatalf("promotion must not disturb the back handle")
	}
	if len(lst.gets) != 1 {
		t.Fatalf("OnGet events: %+v", lst.gets)
	}
}

func TestAddIsFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{back}})

	if ok, _ := c.Add(ctx, "k", "v1"); !ok {
		t.Fatalf("first add must win")
	}
	if ok, _ := c.Add(ctx, "k", "v2"); ok {
		t.Fatalf("second add must be rejected")
	}
	if v, _ := c.Get(ctx, "k"); v != "v1" {
		t.Fatalf("value after rejected add: %q", v)
	}
}

// A successful Add evicts the key from every other handle so no stale
// copy survives above the authoritative write.
func TestAddEvictsStaleUpperCopies(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}})

	stale, _ := NewItem("k", "old")
	if err := front.Put(ctx, stale); err != nil {
		t.Fatalf("seeding front: %v", err)
	}
	if ok, _ := c.Add(ctx, "k", "new"); !ok {
		t.Fatalf("add rejected")
	}
	if front.has("k") {
		t.Fatalf("stale front copy must be evicted")
	}
}

func TestPutWritesEveryHandle(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	lst := &recordingListener[string]{}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}, Listener: lst})

	if err := c.Put(ctx, "k", "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put(ctx, "k", "v2"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for _, h := range []*stubHandle[string]{front, back} {
		it := h.item("k")
		if it == nil || it.Value() != "v2" {
			t.Fatalf("handle %s does not hold the second put", h.cfg.Name)
		}
	}
	if len(lst.puts) != 2 {
		t.Fatalf("OnPut events: %+v", lst.puts)
	}
}

func TestPutAbortsOnHandleError(t *testing.T) {
	ctx := context.Background()
	first := newStubHandle[string]("first")
	second := newStubHandle[string]("second")
	second.failPut = errors.New("backend down")
	third := newStubHandle[string]("third")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{first, second, third}})

	err := c.Put(ctx, "k", "v")
	var herr *HandleError
	if !errors.As(err, &herr) || herr.Handle != "second" {
		t.Fatalf("expected HandleError from second, got %v", err)
	}
	if !first.has("k") {
		t.Fatalf("handles before the failure keep their write")
	}
	if third.has("k") {
		t.Fatalf("handles after the failure must not be written")
	}
}

func TestGetTreatsHandleErrorAsMiss(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	front.failGet = errors.New("flaky")
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}})

	item, _ := NewItem("k", "v")
	if err := back.Put(ctx, item); err != nil {
		t.Fatalf("seeding back: %v", err)
	}
	v, err := c.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("walk must continue past a failing handle: %q %v", v, err)
	}
}

func TestGetMissReturnsNotFound(t *testing.T) {
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{newStubHandle[string]("h")}})
	if _, err := c.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok, err := c.GetItem(context.Background(), "nope"); err != nil || ok {
		t.Fatalf("item variant must miss silently: ok=%v err=%v", ok, err)
	}
}

func TestGetTouchesLastAccessed(t *testing.T) {
	ctx := context.Background()
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{back}})

	if _, err := c.Add(ctx, "k", "v"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	before := back.item("k").LastAccessed()
	time.Sleep(5 * time.Millisecond)

	item, ok, err := c.GetItem(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("GetItem: ok=%v err=%v", ok, err)
	}
	if !item.LastAccessed().After(before) {
		t.Fatalf("hit must touch last accessed")
	}
}

// ==============================
// remove / clear / exists
// ==============================

func TestRemoveFansOut(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	lst := &recordingListener[string]{}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}, Listener: lst})

	_ = c.Put(ctx, "k", "v")
	ok, err := c.Remove(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	if front.has("k") || back.has("k") {
		t.Fatalf("remove must reach every handle")
	}
	if len(lst.removes) != 1 || lst.removes[0] != (eventRec{"k", OriginLocal}) {
		t.Fatalf("OnRemove events: %+v", lst.removes)
	}

	ok, err = c.Remove(ctx, "k")
	if err != nil || ok {
		t.Fatalf("removing an absent key: ok=%v err=%v", ok, err)
	}
	if len(lst.removes) != 1 {
		t.Fatalf("no event for a no-op remove")
	}
}

func TestClearAndExists(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	lst := &recordingListener[string]{}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}, Listener: lst})

	_ = c.Put(ctx, "k", "v")
	if ok, _ := c.Exists(ctx, "k"); !ok {
		t.Fatalf("Exists after put")
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := c.Exists(ctx, "k"); ok {
		t.Fatalf("Exists after clear")
	}
	if len(lst.clears) != 1 || lst.clears[0] != OriginLocal {
		t.Fatalf("OnClear events: %+v", lst.clears)
	}
}

// ==============================
// update
// ==============================

func TestUpdateSuccessEvictsUpperLayers(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	lst := &recordingListener[string]{}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}, Listener: lst})

	_ = c.Put(ctx, "k", "v1")
	v, err := c.Update(ctx, "k", func(cur string) (string, bool) { return cur + "+", true })
	if err != nil || v != "v1+" {
		t.Fatalf("Update: %q %v", v, err)
	}
	if front.has("k") {
		t.Fatalf("upper layer must be evicted after update")
	}
	it := back.item("k")
	if it == nil || it.Value() != "v1+" {
		t.Fatalf("back handle must hold the updated value")
	}
	if len(lst.updates) != 1 || lst.updates[0] != (eventRec{"k", OriginLocal}) {
		t.Fatalf("OnUpdate events: %+v", lst.updates)
	}
}

func TestUpdateMissingKey(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}})

	stale, _ := NewItem("k", "stale")
	_ = front.Put(ctx, stale)

	_, err := c.Update(ctx, "k", func(s string) (string, bool) { return s, true })
	var uerr *UpdateFailedError
	if !errors.As(err, &uerr) || uerr.Outcome != UpdateItemDidNotExist {
		t.Fatalf("expected ItemDidNotExist failure, got %v", err)
	}
	if front.has("k") {
		t.Fatalf("failed update must evict the other layers")
	}

	_, ok, err := c.TryUpdate(ctx, "k", func(s string) (string, bool) { return s, true })
	if err != nil || ok {
		t.Fatalf("TryUpdate on missing key: ok=%v err=%v", ok, err)
	}
}

// A distributed back handle giving up after too many optimistic retries:
// the other layers are dropped so they cannot diverge, no OnUpdate
// fires, and the two variants surface the failure differently.
func TestUpdateTooManyRetriesRecovery(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back", asDistributed[string])
	back.forcedUpdate = &UpdateResult[string]{Outcome: UpdateTooManyRetries, Tries: 7}
	lst := &recordingListener[string]{}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}, Listener: lst})

	stale, _ := NewItem("k", "stale")
	_ = front.Put(ctx, stale)

	_, err := c.Update(ctx, "k", func(s string) (string, bool) { return s, true })
	var uerr *UpdateFailedError
	if !errors.As(err, &uerr) || uerr.Outcome != UpdateTooManyRetries || uerr.Tries != 7 {
		t.Fatalf("expected TooManyRetries failure, got %v", err)
	}
	if front.has("k") {
		t.Fatalf("other layers must be evicted on retry exhaustion")
	}
	if len(lst.updates) != 0 {
		t.Fatalf("no OnUpdate on failure, got %+v", lst.updates)
	}

	v, ok, err := c.TryUpdate(ctx, "k", func(s string) (string, bool) { return s, true })
	if err != nil || ok || v != "" {
		t.Fatalf("try variant: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestUpdateFactoryDecline(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}})

	_ = c.Put(ctx, "k", "v")
	_, err := c.Update(ctx, "k", func(string) (string, bool) { return "", false })
	var uerr *UpdateFailedError
	if !errors.As(err, &uerr) || uerr.Outcome != UpdateFactoryReturnedNil {
		t.Fatalf("expected FactoryReturnedNil failure, got %v", err)
	}
	// a declined factory is not a divergence; the layers keep the value
	if !front.has("k") || !back.has("k") {
		t.Fatalf("factory decline must not evict")
	}
}

// ==============================
// add-or-update / get-or-add
// ==============================

func TestAddOrUpdateAddsThenUpdates(t *testing.T) {
	ctx := context.Background()
	back := newStubHandle[int]("back")
	c, err := New(Options[int]{Name: "c", Handles: []Handle[int]{back}, MaxRetries: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inc := func(v int) (int, bool) { return v + 1, true }
	v, err := c.AddOrUpdate(ctx, "k", 0, inc)
	if err != nil || v != 0 {
		t.Fatalf("first AddOrUpdate: %d %v", v, err)
	}
	v, err = c.AddOrUpdate(ctx, "k", 0, inc)
	if err != nil || v != 1 {
		t.Fatalf("second AddOrUpdate: %d %v", v, err)
	}
}

func TestAddOrUpdateConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	back := newStubHandle[int]("back")
	c, err := New(Options[int]{Name: "c", Handles: []Handle[int]{back}, MaxRetries: 50})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := c.AddOrUpdate(ctx, "n", 1, func(v int) (int, bool) { return v + 1, true }); err != nil {
					t.Errorf("AddOrUpdate: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	v, err := c.Get(ctx, "n")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != workers*perWorker {
		t.Fatalf("lost updates: got %d, want %d", v, workers*perWorker)
	}
}

func TestGetOrAddReturnsExisting(t *testing.T) {
	ctx := context.Background()
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{back}})

	_ = c.Put(ctx, "k", "existing")
	v, err := c.GetOrAdd(ctx, "k", "candidate")
	if err != nil || v != "existing" {
		t.Fatalf("GetOrAdd: %q %v", v, err)
	}
}

// alwaysFullHandle rejects every add, forcing the retry loop to spin.
type alwaysFullHandle[V any] struct {
	*stubHandle[V]
}

func (h *alwaysFullHandle[V]) Add(context.Context, *Item[V]) (bool, error) { return false, nil }
func (h *alwaysFullHandle[V]) Get(context.Context, string) (*Item[V], bool, error) {
	return nil, false, nil
}

func TestTryGetOrAddCallsFactoryOnce(t *testing.T) {
	ctx := context.Background()
	back := &alwaysFullHandle[string]{newStubHandle[string]("back")}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{back}, MaxRetries: 5})

	calls := 0
	_, ok, err := c.TryGetOrAdd(ctx, "k", func(string) (string, bool) {
		calls++
		return "v", true
	})
	if err != nil || ok {
		t.Fatalf("TryGetOrAdd should exhaust: ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("factory must run at most once across retries, ran %d times", calls)
	}
}

func TestTryGetOrAddFactoryDeclineAborts(t *testing.T) {
	ctx := context.Background()
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{back}, MaxRetries: 5})

	calls := 0
	_, ok, err := c.TryGetOrAdd(ctx, "k", func(string) (string, bool) {
		calls++
		return "", false
	})
	if err != nil || ok {
		t.Fatalf("declined factory: ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("a declining factory must abort immediately, ran %d times", calls)
	}
}

type closableValue struct {
	mu     sync.Mutex
	closed bool
}

func (c *closableValue) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestTryGetOrAddDisposesAbandonedCandidate(t *testing.T) {
	ctx := context.Background()
	back := &alwaysFullHandle[*closableValue]{newStubHandle[*closableValue]("back")}
	c, err := New(Options[*closableValue]{Name: "c", Handles: []Handle[*closableValue]{back}, MaxRetries: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	candidate := &closableValue{}
	_, ok, err := c.TryGetOrAdd(ctx, "k", func(string) (*closableValue, bool) { return candidate, true })
	if err != nil || ok {
		t.Fatalf("TryGetOrAdd: ok=%v err=%v", ok, err)
	}
	candidate.mu.Lock()
	defer candidate.mu.Unlock()
	if !candidate.closed {
		t.Fatalf("abandoned candidate must be closed")
	}
}

func TestGetOrAddExhaustionIsAnError(t *testing.T) {
	ctx := context.Background()
	back := &alwaysFullHandle[string]{newStubHandle[string]("back")}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{back}, MaxRetries: 2})

	_, err := c.GetOrAdd(ctx, "k", "v")
	var uerr *UpdateFailedError
	if !errors.As(err, &uerr) || uerr.Outcome != UpdateTooManyRetries {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
}

// ==============================
// expiration rewrite
// ==============================

func TestExpireRewritesThroughAllHandles(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}})

	_ = c.Put(ctx, "k", "v")
	if err := c.ExpireSliding(ctx, "k", time.Minute); err != nil {
		t.Fatalf("ExpireSliding: %v", err)
	}
	for _, h := range []*stubHandle[string]{front, back} {
		it := h.item("k")
		if it == nil || it.ExpirationMode() != ExpirationSliding || it.ExpirationTimeout() != time.Minute {
			t.Fatalf("handle %s: expiration not rewritten", h.cfg.Name)
		}
	}

	if err := c.RemoveExpiration(ctx, "k"); err != nil {
		t.Fatalf("RemoveExpiration: %v", err)
	}
	if it := back.item("k"); it.ExpirationMode() != ExpirationNone {
		t.Fatalf("RemoveExpiration must set mode none, got %v", it.ExpirationMode())
	}

	if err := c.Expire(ctx, "missing", ExpirationSliding, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expiring a missing key: %v", err)
	}
}

// ==============================
// handle-event propagation
// ==============================

func TestHandleRemoveEventPropagatesUp(t *testing.T) {
	ctx := context.Background()
	l0 := newStubHandle[string]("l0")
	l1 := newStubHandle[string]("l1")
	l2 := newStubHandle[string]("l2")
	lst := &recordingListener[string]{}
	newTestCache(t, Options[string]{
		Name:       "c",
		Handles:    []Handle[string]{l0, l1, l2},
		UpdateMode: UpdateModeUp,
		Listener:   lst,
	})

	for _, h := range []*stubHandle[string]{l0, l1, l2} {
		item, _ := NewItem("k", "v")
		_ = h.Put(ctx, item)
	}

	// the middle tier expires the item on its own
	l1.fire(RemoveEvent[string]{Key: "k", Reason: ReasonExpired, Value: "v", HasValue: true})

	if l0.has("k") {
		t.Fatalf("layer above the expiring handle must be evicted")
	}
	if !l2.has("k") {
		t.Fatalf("layer below must be untouched")
	}
	if len(lst.byHandle) != 1 {
		t.Fatalf("OnRemoveByHandle events: %+v", lst.byHandle)
	}
	ev := lst.byHandle[0]
	if ev.Key != "k" || ev.Reason != ReasonExpired || ev.Level != 2 || ev.Value != "v" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHandleRemoveEventNoPropagationWhenModeNone(t *testing.T) {
	ctx := context.Background()
	l0 := newStubHandle[string]("l0")
	l1 := newStubHandle[string]("l1")
	newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{l0, l1}})

	item, _ := NewItem("k", "v")
	_ = l0.Put(ctx, item)
	l1.fire(RemoveEvent[string]{Key: "k", Reason: ReasonExpired})
	if !l0.has("k") {
		t.Fatalf("UpdateModeNone must not evict other layers")
	}
}

// ==============================
// backplane
// ==============================

func TestLocalOperationsNotifyBackplane(t *testing.T) {
	ctx := context.Background()
	src := newStubHandle[string]("src", asBackplaneSource[string])
	bp := &fakeBackplane{}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{src}, Backplane: bp})

	_, _ = c.Add(ctx, "a", "v")
	_ = c.Put(ctx, "p", "v")
	_, _ = c.Update(ctx, "p", func(s string) (string, bool) { return s, true })
	_, _ = c.Remove(ctx, "p")
	_ = c.Clear(ctx)

	want := []bpCall{
		{op: "change", key: "a", action: ChangeAdd},
		{op: "change", key: "p", action: ChangePut},
		{op: "change", key: "p", action: ChangeUpdate},
		{op: "remove", key: "p"},
		{op: "clear"},
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.calls) != len(want) {
		t.Fatalf("backplane calls: %+v", bp.calls)
	}
	for i, w := range want {
		if bp.calls[i] != w {
			t.Fatalf("call %d = %+v, want %+v", i, bp.calls[i], w)
		}
	}
}

func TestRejectedAddDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	src := newStubHandle[string]("src", asBackplaneSource[string])
	bp := &fakeBackplane{}
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{src}, Backplane: bp})

	_, _ = c.Add(ctx, "k", "v1")
	_, _ = c.Add(ctx, "k", "v2")
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.calls) != 1 {
		t.Fatalf("rejected add must stay silent: %+v", bp.calls)
	}
}

// Two nodes share a backplane. A remove on one node evicts the key on
// the other, including its non-distributed source handle, and surfaces
// as a remote OnRemove.
func TestBackplaneRemoteRemove(t *testing.T) {
	ctx := context.Background()
	hub := &backplaneHub{}

	src1 := newStubHandle[string]("src1", asBackplaneSource[string])
	m1 := newTestCache(t, Options[string]{Name: "m1", Handles: []Handle[string]{src1}, Backplane: hub.node()})

	src2 := newStubHandle[string]("src2", asBackplaneSource[string])
	lst2 := &recordingListener[string]{}
	m2 := newTestCache(t, Options[string]{Name: "m2", Handles: []Handle[string]{src2}, Backplane: hub.node(), Listener: lst2})

	_ = m1.Put(ctx, "k", "v")
	_ = m2.Put(ctx, "k", "v")

	if _, err := m1.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if src2.has("k") {
		t.Fatalf("remote remove must evict the in-memory source handle")
	}
	lst2.mu.Lock()
	defer lst2.mu.Unlock()
	var remote []eventRec
	for _, r := range lst2.removes {
		if r.origin == OriginRemote {
			remote = append(remote, r)
		}
	}
	if len(remote) != 1 || remote[0].key != "k" {
		t.Fatalf("remote OnRemove events: %+v", lst2.removes)
	}
}

// A remote change skips the distributed source handle (its backend
// already has the new value) but still evicts the in-memory layer in
// front of it.
func TestBackplaneRemoteChangeSkipsDistributedSource(t *testing.T) {
	ctx := context.Background()
	hub := &backplaneHub{}

	srcA := newStubHandle[string]("srcA", asBackplaneSource[string], asDistributed[string])
	mA := newTestCache(t, Options[string]{Name: "mA", Handles: []Handle[string]{srcA}, Backplane: hub.node()})

	frontB := newStubHandle[string]("frontB")
	srcB := newStubHandle[string]("srcB", asBackplaneSource[string], asDistributed[string])
	lstB := &recordingListener[string]{}
	newTestCache(t, Options[string]{Name: "mB", Handles: []Handle[string]{frontB, srcB}, Backplane: hub.node(), Listener: lstB})

	itemF, _ := NewItem("k", "old")
	_ = frontB.Put(ctx, itemF)
	itemS, _ := NewItem("k", "shared")
	_ = srcB.Put(ctx, itemS)

	_ = mA.Put(ctx, "k", "new")

	if frontB.has("k") {
		t.Fatalf("remote change must evict the non-source layer")
	}
	if !srcB.has("k") {
		t.Fatalf("remote change must not evict the distributed source")
	}
	lstB.mu.Lock()
	defer lstB.mu.Unlock()
	var remote []eventRec
	for _, p := range lstB.puts {
		if p.origin == OriginRemote {
			remote = append(remote, p)
		}
	}
	if len(remote) != 1 || remote[0].key != "k" {
		t.Fatalf("remote OnPut events: %+v", lstB.puts)
	}
}

func TestBackplaneRemoteClear(t *testing.T) {
	ctx := context.Background()
	hub := &backplaneHub{}

	src1 := newStubHandle[string]("src1", asBackplaneSource[string])
	m1 := newTestCache(t, Options[string]{Name: "m1", Handles: []Handle[string]{src1}, Backplane: hub.node()})

	src2 := newStubHandle[string]("src2", asBackplaneSource[string])
	lst2 := &recordingListener[string]{}
	newTestCache(t, Options[string]{Name: "m2", Handles: []Handle[string]{src2}, Backplane: hub.node(), Listener: lst2})

	_ = m1.Put(ctx, "k", "v")
	item, _ := NewItem("k", "v")
	_ = src2.Put(ctx, item)

	if err := m1.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if src2.has("k") {
		t.Fatalf("remote clear must reach the in-memory source handle")
	}
	lst2.mu.Lock()
	defer lst2.mu.Unlock()
	foundRemote := false
	for _, o := range lst2.clears {
		if o == OriginRemote {
			foundRemote = true
		}
	}
	if !foundRemote {
		t.Fatalf("remote OnClear missing: %+v", lst2.clears)
	}
}

// ==============================
// lifecycle
// ==============================

func TestCloseCascadesAndGuards(t *testing.T) {
	ctx := context.Background()
	front := newStubHandle[string]("front")
	back := newStubHandle[string]("back")
	c := newTestCache(t, Options[string]{Name: "c", Handles: []Handle[string]{front, back}})

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !front.closed || !back.closed {
		t.Fatalf("close must reach every handle")
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after close: %v", err)
	}
	if _, err := c.Add(ctx, "k", "v"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Add after close: %v", err)
	}
	if err := c.Put(ctx, "k", "v"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after close: %v", err)
	}
}
