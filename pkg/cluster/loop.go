package cluster

import (
	"context"
	"sync"
)

// loop runs one background goroutine at a time.
type loop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start runs fn in a new goroutine unless one is already running. fn gets a
// context cancelled by stop, not by the caller's context.
func (l *loop) start(fn func(ctx context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return true
}

// stop cancels the goroutine and waits for it. It reports false when
// nothing was running.
func (l *loop) stop() bool {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if done == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (l *loop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done != nil
}

// broadcaster fans values out to subscribers without blocking the
// publisher; a subscriber that is full misses the value. Channels are
// closed under mu, so publish never sends on a closed channel.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

// subscribe returns a channel that is closed when ctx is done. first, if
// given, is queued before any published value.
func (b *broadcaster[T]) subscribe(ctx context.Context, buffer int, first ...T) <-chan T {
	ch := make(chan T, max(buffer, len(first)))
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan T]struct{})
	}
	for _, v := range first {
		ch <- v
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	})
	return ch
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
