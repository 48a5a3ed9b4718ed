package connection

import "sync"

// statusFeed fans the connected flag out to watchers. Every watcher gets the
// current value on subscribe and only ever sees the latest one.
type statusFeed struct {
	mu      sync.Mutex
	current bool
	next    int
	subs    map[int]chan bool
	closed  bool
}

func newStatusFeed() *statusFeed {
	return &statusFeed{subs: make(map[int]chan bool)}
}

func (f *statusFeed) publish(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current = v
	for _, ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (f *statusFeed) watch() (<-chan bool, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan bool, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- f.current

	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *statusFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
