package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/transcript"
)

// fakeTranscriber records calls and replies from a script.
type fakeTranscriber struct {
	mu      sync.Mutex
	calls   []string // prior contexts seen
	replies []string
	errs    []error
	idx     int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, priorContext string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, priorContext)
	i := f.idx
	f.idx++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return reply, err
}

func chunk(index int, sec float64) models.PcmChunk {
	return models.PcmChunk{Index: index, StartSec: sec, EndSec: sec + 15, PCM: make([]byte, 640)}
}

func TestWorkerFIFOAndPriorContext(t *testing.T) {
	var mu sync.Mutex
	var segs []models.TranscriptSegment
	asm := transcript.New("run-1", transcript.Options{},
		func(s models.TranscriptSegment) {
			mu.Lock()
			segs = append(segs, s)
			mu.Unlock()
		}, nil)
	defer asm.Stop()

	fake := &fakeTranscriber{replies: []string{
		"Inflation fell to three percent.",
		"And unemployment stayed low.",
	}}

	w := NewWorker(fake, asm, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.True(t, w.Enqueue(chunk(0, 0)))
	require.True(t, w.Enqueue(chunk(1, 15)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(segs) == 2
	}, 3*time.Second, 20*time.Millisecond)

	// Second call saw the first chunk's accepted text as prior context.
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.calls, 2)
	assert.Empty(t, fake.calls[0])
	assert.Contains(t, fake.calls[1], "three percent")
}

func TestWorkerReportsErrors(t *testing.T) {
	asm := transcript.New("run-1", transcript.Options{}, nil, nil)
	defer asm.Stop()

	fake := &fakeTranscriber{errs: []error{errors.New("service unavailable")}}

	var mu sync.Mutex
	var failed []int
	w := NewWorker(fake, asm, func(chunkIndex int, err error) {
		mu.Lock()
		failed = append(failed, chunkIndex)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.Enqueue(chunk(7, 105))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1 && failed[0] == 7
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWorkerQueueBounded(t *testing.T) {
	blocked := make(chan struct{})
	slow := &slowTranscriber{release: blocked}
	asm := transcript.New("run-1", transcript.Options{}, nil, nil)
	defer asm.Stop()

	w := NewWorker(slow, asm, nil)
	// Worker not started: queue fills to capacity then rejects.
	accepted := 0
	for i := 0; i < 100; i++ {
		if w.Enqueue(chunk(i, float64(i*15))) {
			accepted++
		}
	}
	assert.Equal(t, 32, accepted)
	close(blocked)
}

type slowTranscriber struct{ release chan struct{} }

func (s *slowTranscriber) Transcribe(ctx context.Context, _ []byte, _ string) (string, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return "", nil
}

func TestHTTPClientTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "prior words", r.FormValue("prompt"))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "hello world"})
	}))
	defer srv.Close()

	client := NewHTTPClient("key", "")
	client.baseURL = srv.URL

	text, err := client.Transcribe(context.Background(), []byte("RIFFfake"), "prior words")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestHTTPClientNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPClient("key", "")
	client.baseURL = srv.URL

	_, err := client.Transcribe(context.Background(), []byte("RIFF"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
}
