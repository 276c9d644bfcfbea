package dispensary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/appsworld/kernelrt/pkg/kernel"
)

func TestClientLookupAgainstServer(t *testing.T) {
	k := kernel.New()
	port := k.PortCreate()
	srv := NewServer(k, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	srv.RegisterDirect(WellKnownPortName, port.Handle())

	client := NewClient(k, port)
	h, err := client.LookupTimeout(time.Second, WellKnownPortName)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if h != port.Handle() {
		t.Errorf("Lookup = %v, want %v", h, port.Handle())
	}
}

// TestLookupOnceNeverBlocks exercises spec.md §4.1's "the server never
// blocks on behalf of the caller": a single Lookup RPC against a name
// that has not been registered yet must return NotFound immediately,
// not wait for a future Register.
func TestLookupOnceNeverBlocks(t *testing.T) {
	k := kernel.New()
	port := k.PortCreate()
	srv := NewServer(k, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := NewClient(k, port)
	start := time.Now()
	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	_, ok, err := client.LookupOnce(callCtx, "fileio")
	if err != nil {
		t.Fatalf("LookupOnce: %v", err)
	}
	if ok {
		t.Fatal("LookupOnce reported found for a name nobody registered")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("LookupOnce took %v, want an immediate NotFound", elapsed)
	}
}

// TestConcurrentLookupsSeeSameNotFoundThenSameHandle is spec.md §8
// scenario 6: two tasks look up the same not-yet-registered name
// concurrently, both see NotFound and port 0, then after registration
// every subsequent lookup returns the identical handle.
func TestConcurrentLookupsSeeSameNotFoundThenSameHandle(t *testing.T) {
	k := kernel.New()
	port := k.PortCreate()
	srv := NewServer(k, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := NewClient(k, port)
	const name = "me.blraaz.rpc.vfs"

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lookupCtx, lookupCancel := context.WithTimeout(context.Background(), time.Second)
			defer lookupCancel()
			h, ok, err := client.LookupOnce(lookupCtx, name)
			if err != nil {
				t.Errorf("LookupOnce: %v", err)
				return
			}
			if ok {
				t.Error("LookupOnce reported found before registration")
			}
			if h != 0 {
				t.Errorf("LookupOnce port = %v, want 0", h)
			}
		}()
	}
	wg.Wait()

	srv.RegisterDirect(name, kernel.Handle(42))

	for i := 0; i < 2; i++ {
		h, err := client.LookupTimeout(time.Second, name)
		if err != nil {
			t.Fatalf("Lookup after register: %v", err)
		}
		if h != 42 {
			t.Errorf("Lookup after register = %v, want 42", h)
		}
	}
}

// TestClientLookupBlocksUntilRegistered exercises the client-side
// backoff poll (spec.md §4.1: "clients ... poll with their own
// backoff"), not a server-side block.
func TestClientLookupBlocksUntilRegistered(t *testing.T) {
	k := kernel.New()
	port := k.PortCreate()
	srv := NewServer(k, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := NewClient(k, port)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h, err := client.LookupTimeout(2*time.Second, "fileio")
		if err != nil {
			t.Errorf("Lookup: %v", err)
			return
		}
		if h != kernel.Handle(9) {
			t.Errorf("Lookup = %v, want 9", h)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	srv.RegisterDirect("fileio", kernel.Handle(9))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("backoff lookup never resolved")
	}
}

func TestClientLookupUnknownNameTimesOut(t *testing.T) {
	k := kernel.New()
	port := k.PortCreate()
	srv := NewServer(k, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := NewClient(k, port)
	if _, err := client.LookupTimeout(30*time.Millisecond, "ghost"); err == nil {
		t.Fatal("expected error for a name nobody ever registers")
	}
}
