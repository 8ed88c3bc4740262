package snapshot

import (
	"sync"
	"testing"
	"time"
)

// TestWriteThenRead checks that a read begun strictly
// after a commit, with no intervening commit, observes exactly that value.
func TestWriteThenRead(t *testing.T) {
	w := New[int](1)
	r := w.NewReader()

	g := w.BorrowForWrite()
	*g.Value() = 42
	g.Commit()

	rg := r.BorrowForRead()
	if got := *rg.Value(); got != 42 {
		t.Errorf("BorrowForRead() = %d, want 42", got)
	}
	rg.Release()
}

// TestNoTearing checks that a cell is never simultaneously writable and
// readable, and LockedForWriting never coexists with any reader on the same
// cell.
func TestNoTearing(t *testing.T) {
	w := New[int](2)
	r1 := w.NewReader()
	r2 := w.NewReader()

	g := w.BorrowForWrite()
	*g.Value() = 1
	g.Commit()

	rg1 := r1.BorrowForRead()
	rg2 := r2.BorrowForRead()
	if rg1.index != rg2.index {
		t.Errorf("two readers with no intervening write should share a cell: got %d and %d", rg1.index, rg2.index)
	}

	// Writer must still find a free cell while both readers hold guards.
	g2 := w.BorrowForWrite()
	if g2.index == rg1.index {
		t.Errorf("writer borrowed a cell (%d) that a reader holds", g2.index)
	}
	g2.Value()
	g2.Commit()

	rg1.Release()
	rg2.Release()
}

// TestWriterProgress checks that with pool size readers+2, BorrowForWrite
// always finds a free cell no matter how long readers hold their guards.
func TestWriterProgress(t *testing.T) {
	const numReaders = 3
	w := New[int](numReaders)
	readers := make([]*Reader[int], numReaders)
	for i := range readers {
		readers[i] = w.NewReader()
	}

	guards := make([]*ReadGuard[int], 0, numReaders)
	for i := 0; i < 5; i++ {
		g := w.BorrowForWrite()
		*g.Value() = i
		g.Commit()
	}
	for _, r := range readers {
		guards = append(guards, r.BorrowForRead())
	}

	done := make(chan struct{})
	go func() {
		g := w.BorrowForWrite()
		*g.Value() = 999
		g.Commit()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not make progress while all readers held guards")
	}

	for _, g := range guards {
		g.Release()
	}
}

// TestAgeMonotonicity checks age monotonicity: pool size 3, one writer,
// one reader, four successive commits with no intervening reads.
func TestAgeMonotonicity(t *testing.T) {
	w := New[string](0) // pool size 2
	r := w.NewReader()  // pool size 3
	_ = r

	values := []string{"A", "B", "C", "D"}
	for _, v := range values {
		g := w.BorrowForWrite()
		*g.Value() = v
		g.Commit()
	}

	rg := r.BorrowForRead()
	if got := *rg.Value(); got != "D" {
		t.Errorf("reader observed %q, want %q", got, "D")
	}
	rg.Release()

	ages := w.Ages()
	seen := map[int]bool{}
	for _, age := range ages {
		seen[age] = true
	}
	for _, want := range []int{0, 1, 2} {
		if !seen[want] {
			t.Errorf("expected some cell with age %d among %v", want, ages)
		}
	}
}

// TestInterleavedReadersAndWrites covers pool size 6, one writer,
// two readers with interleaved commits and drops.
func TestInterleavedReadersAndWrites(t *testing.T) {
	w := New[string](2) // pool size 4, 6 once both readers exist
	r1 := w.NewReader()
	r2 := w.NewReader()

	write := func(v string) {
		g := w.BorrowForWrite()
		*g.Value() = v
		g.Commit()
	}

	write("A")
	g1 := r1.BorrowForRead()
	if *g1.Value() != "A" {
		t.Fatalf("reader1 observed %q, want A", *g1.Value())
	}

	write("B")
	write("C")
	g2 := r2.BorrowForRead()
	if *g2.Value() != "C" {
		t.Fatalf("reader2 observed %q, want C", *g2.Value())
	}

	g1.Release()
	write("D")

	// reader2 still observes C until it releases and re-borrows.
	if *g2.Value() != "C" {
		t.Fatalf("reader2 guard mutated after writer commit, got %q", *g2.Value())
	}
	g2.Release()

	g3 := r2.BorrowForRead()
	if *g3.Value() != "D" {
		t.Errorf("reader2 re-borrow observed %q, want D", *g3.Value())
	}
	g3.Release()
}

// TestWaitForChangeSignalsNoSender checks the documented failure semantics:
// closing the writer causes a blocked WaitForChange to return ErrNoSender.
func TestWaitForChangeSignalsNoSender(t *testing.T) {
	w := New[int](0)
	r := w.NewReader()

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		err = r.WaitForChange()
	}()

	time.Sleep(20 * time.Millisecond)
	w.Close()
	wg.Wait()

	if err != ErrNoSender {
		t.Errorf("WaitForChange() after Close() = %v, want ErrNoSender", err)
	}
}

// TestReaderCloneAddsCell and TestReaderCloseRemovesCell check the pool-size
// bookkeeping: "allocated when the last reader
// clone is created; dropping a reader clone reclaims exactly one cell".
func TestReaderCloneAddsCell(t *testing.T) {
	w := New[int](0)
	before := len(w.Ages())
	r := w.NewReader()
	r2 := r.Clone()
	after := len(w.Ages())
	if after != before+2 {
		t.Errorf("pool grew by %d after NewReader+Clone, want 2", after-before)
	}
	_ = r2
}

func TestReaderCloseRemovesCell(t *testing.T) {
	w := New[int](1)
	r := w.NewReader()
	before := len(w.Ages())
	r.Close()
	after := len(w.Ages())
	if after != before-1 {
		t.Errorf("pool shrank by %d after Close, want 1", before-after)
	}
}

// TestBorrowForReadMarkSeen checks that marking a borrow as seen suppresses
// a subsequent WaitForChange until the next commit.
func TestBorrowForReadMarkSeen(t *testing.T) {
	w := New[int](0)
	r := w.NewReader()

	g := w.BorrowForWrite()
	*g.Value() = 1
	g.Commit()

	rg := r.BorrowForReadMarkSeen()
	rg.Release()

	done := make(chan struct{})
	go func() {
		r.WaitForChange()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForChange returned before any new commit")
	case <-time.After(50 * time.Millisecond):
	}

	g2 := w.BorrowForWrite()
	*g2.Value() = 2
	g2.Commit()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForChange did not return after a new commit")
	}
}
