package sink

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowWriter writes a message one byte at a time so unserialized writers
// would interleave.
type slowWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *slowWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.mu.Lock()
		w.buf.WriteByte(b)
		w.mu.Unlock()
	}
	return len(p), nil
}

func TestSerialized_KeepsMultiLineMessagesTogether(t *testing.T) {
	w := &slowWriter{}
	s := Serialized(Writer(w))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				s.Emit("aaaa\naaaa")
			} else {
				s.Emit("bbbb\nbbbb")
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(w.buf.String()), "\n")
	require.Len(t, lines, 40)
	for i := 0; i < len(lines); i += 2 {
		assert.Equal(t, lines[i], lines[i+1])
		assert.Contains(t, []string{"aaaa", "bbbb"}, lines[i])
	}
}

func TestChannel_DropsWhenFull(t *testing.T) {
	ch := make(chan string, 1)
	s := Channel(ch)

	s.Emit("first")
	s.Emit("second")

	assert.Equal(t, "first", <-ch)
	select {
	case l := <-ch:
		t.Fatalf("unexpected line %q", l)
	default:
	}
}

func TestMultiAndPrefixed(t *testing.T) {
	var a, b []string
	s := Multi(
		Func(func(l string) { a = append(a, l) }),
		Prefixed("> ", Func(func(l string) { b = append(b, l) })),
	)
	s.Emit("hello")

	assert.Equal(t, []string{"hello"}, a)
	assert.Equal(t, []string{"> hello"}, b)
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	OrDiscard(nil).Emit("nothing happens")

	r := NewRing(1)
	OrDiscard(r).Emit("kept")
	assert.Equal(t, []string{"kept"}, r.Lines())
}

func TestRing(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Lines())

	r.Emit("1")
	r.Emit("2")
	assert.Equal(t, []string{"1", "2"}, r.Lines())

	r.Emit("3")
	r.Emit("4")
	r.Emit("5")
	assert.Equal(t, []string{"3", "4", "5"}, r.Lines())
}
