package output

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRing_AppendAndTail(t *testing.T) {
	r := NewRing(16)

	seq1 := r.Append([]byte("hello "))
	seq2 := r.Append([]byte("world"))
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)

	data, last := r.Tail(0)
	assert.Equal(t, []byte("hello world"), data)
	assert.Equal(t, uint64(2), last)
}

func TestRing_OverflowDiscardsOldest(t *testing.T) {
	r := NewRing(8)

	r.Append([]byte("12345678"))
	r.Append([]byte("abcd"))

	data, _ := r.Tail(0)
	assert.Equal(t, []byte("5678abcd"), data)
	assert.Equal(t, 8, r.Len())
}

func TestRing_ChunkLargerThanCapacity(t *testing.T) {
	r := NewRing(4)

	seq := r.Append([]byte("0123456789"))
	assert.Equal(t, uint64(1), seq)

	data, _ := r.Tail(0)
	assert.Equal(t, []byte("6789"), data)
}

func TestRing_TailMaxBytes(t *testing.T) {
	r := NewRing(32)
	r.Append([]byte("abcdefgh"))

	data, _ := r.Tail(3)
	assert.Equal(t, []byte("fgh"), data, "tail returns the most recent bytes")

	data, _ = r.Tail(100)
	assert.Equal(t, []byte("abcdefgh"), data)
}

func TestRing_Empty(t *testing.T) {
	r := NewRing(8)
	data, seq := r.Tail(0)
	assert.Empty(t, data)
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, uint64(0), r.LastSeq())
}

func TestRing_SeqStrictlyIncreasingUnderConcurrency(t *testing.T) {
	r := NewRing(1024)

	const writers = 8
	const perWriter = 100

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq := r.Append([]byte("x"))
				mu.Lock()
				assert.False(t, seen[seq], "seq %d assigned twice", seq)
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(writers*perWriter), r.LastSeq())
	assert.Len(t, seen, writers*perWriter)
}

// Rapid property: the ring's tail always equals the suffix of everything
// appended, and sequence numbers count appends exactly.
func TestRing_TailMatchesAppendSuffix(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "capacity")
		r := NewRing(capacity)

		var all []byte
		appends := rapid.IntRange(0, 50).Draw(t, "appends")
		for i := 0; i < appends; i++ {
			chunk := rapid.SliceOfN(rapid.Byte(), 0, 100).Draw(t, "chunk")
			seq := r.Append(chunk)
			all = append(all, chunk...)

			if seq != uint64(i+1) {
				t.Fatalf("append %d got seq %d", i+1, seq)
			}
		}

		want := all
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		got, last := r.Tail(0)
		if !bytes.Equal(got, want) {
			t.Fatalf("tail mismatch: got %q want %q", got, want)
		}
		if last != uint64(appends) {
			t.Fatalf("lastSeq %d, want %d", last, appends)
		}
	})
}

// recordingSink captures segments for assertions.
type recordingSink struct {
	mu       sync.Mutex
	segments []Chunk
}

func (s *recordingSink) AppendSegment(workerID string, seq uint64, data []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, Chunk{WorkerID: workerID, Seq: seq, Data: data, At: at})
	return nil
}

func (s *recordingSink) all() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Chunk(nil), s.segments...)
}

func TestCapturer_TailsFileIntoRingSinkAndCallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipe.out")
	require.NoError(t, os.WriteFile(path, []byte("first "), 0644))

	ring := NewRing(1024)
	sink := &recordingSink{}

	var mu sync.Mutex
	var chunks []Chunk
	c := NewCapturer("ab12cd34", path, ring, sink, func(ch Chunk) {
		mu.Lock()
		chunks = append(chunks, ch)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	// Wait for the initial content, then append more like a live pipe.
	require.Eventually(t, func() bool {
		data, _ := ring.Tail(0)
		return bytes.Equal(data, []byte("first "))
	}, 2*time.Second, 20*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("second")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		data, _ := ring.Tail(0)
		return bytes.Equal(data, []byte("first second"))
	}, 2*time.Second, 20*time.Millisecond)

	// Sink saw every chunk with strictly increasing seqs.
	segs := sink.all()
	require.NotEmpty(t, segs)
	var prev uint64
	var total []byte
	for _, seg := range segs {
		assert.Equal(t, "ab12cd34", seg.WorkerID)
		assert.Greater(t, seg.Seq, prev)
		prev = seg.Seq
		total = append(total, seg.Data...)
	}
	assert.Equal(t, []byte("first second"), total)

	mu.Lock()
	assert.Equal(t, len(segs), len(chunks), "callback fires once per segment")
	mu.Unlock()
}

func TestCapturer_StopBeforeFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never-created")

	c := NewCapturer("ab12cd34", path, NewRing(64), nil, nil)
	c.Start(context.Background())

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
