package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// pipeFactory dials transports over net.Pipe and keeps the server ends for the test.
type pipeFactory struct {
	mu      sync.Mutex
	servers []net.Conn
	dials   atomic.Int32
	err     error
}

func (f *pipeFactory) dial(ctx context.Context) (*ClientTransport, error) {
	f.dials.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	cli, srv := net.Pipe()
	f.mu.Lock()
	f.servers = append(f.servers, srv)
	f.mu.Unlock()
	return NewClientTransport(cli, testFramer, testCodec), nil
}

func (f *pipeFactory) closeServers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.servers {
		s.Close()
	}
}

func TestPoolCreatesLazily(t *testing.T) {
	f := &pipeFactory{}
	defer f.closeServers()
	pool := NewConnPool(3, f.dial)
	defer pool.Close()

	if st := pool.Stats(); st.Created != 0 {
		t.Fatalf("pool should start empty, got %+v", st)
	}

	ct, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(ct)

	// Reuse the idle transport instead of dialing again.
	again, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again != ct {
		t.Fatal("expect the idle transport to be reused")
	}
	pool.Put(again)

	if n := f.dials.Load(); n != 1 {
		t.Fatalf("expect 1 dial, got %d", n)
	}
	if st := pool.Stats(); st.Created != 1 || st.Idle != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestPoolNeverExceedsSize(t *testing.T) {
	f := &pipeFactory{}
	defer f.closeServers()
	pool := NewConnPool(2, f.dial)
	defer pool.Close()

	var (
		wg      sync.WaitGroup
		inUse   atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct, err := pool.Get(context.Background())
			if err != nil {
				t.Errorf("get failed: %v", err)
				return
			}
			n := inUse.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
			pool.Put(ct)
		}()
	}
	wg.Wait()

	if maxSeen.Load() > 2 {
		t.Fatalf("pool handed out %d transports at once, limit 2", maxSeen.Load())
	}
	if n := f.dials.Load(); n > 2 {
		t.Fatalf("pool dialed %d times, limit 2", n)
	}
}

func TestPoolGetBlocksUntilPut(t *testing.T) {
	f := &pipeFactory{}
	defer f.closeServers()
	pool := NewConnPool(1, f.dial)
	defer pool.Close()

	held, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *ClientTransport, 1)
	go func() {
		ct, err := pool.Get(context.Background())
		if err != nil {
			t.Errorf("get failed: %v", err)
		}
		got <- ct
	}()

	select {
	case <-got:
		t.Fatal("Get should block while the pool is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Put(held)
	select {
	case ct := <-got:
		if ct != held {
			t.Fatal("expect the released transport")
		}
		pool.Put(ct)
	case <-time.After(time.Second):
		t.Fatal("Get never woke up after Put")
	}
}

func TestPoolGetHonorsContext(t *testing.T) {
	f := &pipeFactory{}
	defer f.closeServers()
	pool := NewConnPool(1, f.dial)
	defer pool.Close()

	held, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(held)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := pool.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}

func TestPoolEvictsBrokenTransport(t *testing.T) {
	f := &pipeFactory{}
	defer f.closeServers()
	pool := NewConnPool(1, f.dial)
	defer pool.Close()

	ct, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(ct)

	// Break the idle connection from the remote side.
	f.closeServers()
	select {
	case <-ct.Done():
	case <-time.After(time.Second):
		t.Fatal("transport did not notice the closed peer")
	}

	fresh, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fresh == ct || fresh.Closed() {
		t.Fatal("broken transport must not be handed out again")
	}
	if n := f.dials.Load(); n != 2 {
		t.Fatalf("expect a redial, got %d dials", n)
	}
	pool.Put(fresh)
}

func TestPoolBrokenPutFreesSlot(t *testing.T) {
	f := &pipeFactory{}
	defer f.closeServers()
	pool := NewConnPool(1, f.dial)
	defer pool.Close()

	held, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	waiter := make(chan error, 1)
	go func() {
		ct, err := pool.Get(context.Background())
		if err == nil {
			pool.Put(ct)
		}
		waiter <- err
	}()

	time.Sleep(20 * time.Millisecond)
	held.Close()
	pool.Put(held)

	select {
	case err := <-waiter:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter should redial once the broken slot is freed")
	}
}

func TestPoolDialError(t *testing.T) {
	dialErr := errors.New("connection refused")
	f := &pipeFactory{err: dialErr}
	pool := NewConnPool(2, f.dial)
	defer pool.Close()

	for i := 0; i < 3; i++ {
		if _, err := pool.Get(context.Background()); !errors.Is(err, dialErr) {
			t.Fatalf("expect dial error, got %v", err)
		}
	}
	if st := pool.Stats(); st.Created != 0 {
		t.Fatalf("failed dials must not hold slots, got %+v", st)
	}
}

func TestPoolClose(t *testing.T) {
	f := &pipeFactory{}
	defer f.closeServers()
	pool := NewConnPool(2, f.dial)

	idle, _ := pool.Get(context.Background())
	busy, _ := pool.Get(context.Background())
	pool.Put(idle)

	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if !idle.Closed() {
		t.Fatal("idle transport should be closed with the pool")
	}

	pool.Put(busy)
	if !busy.Closed() {
		t.Fatal("transport returned after Close should be closed")
	}

	if _, err := pool.Get(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expect ErrPoolClosed, got %v", err)
	}
	if st := pool.Stats(); st.Created != 0 {
		t.Fatalf("expect no live transports, got %+v", st)
	}
}
