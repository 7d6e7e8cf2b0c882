package gatewaytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
)

// Fetcher serves a fixed gateway url and keeps sessions in memory.
type Fetcher struct {
	URL  string
	Opts kephasgate.ShardOptions

	mu         sync.Mutex
	shardCount int
	sessions   map[int]*kephasgate.SessionInfo
}

var _ kephasgate.ContextFetcher = (*Fetcher)(nil)

// NewFetcher returns a fetcher for a single shard deployment.
func NewFetcher(url string, opts kephasgate.ShardOptions) *Fetcher {
	return &Fetcher{
		URL:        url,
		Opts:       opts,
		shardCount: 1,
		sessions:   make(map[int]*kephasgate.SessionInfo),
	}
}

// SetShardCount changes the count returned by GetShardCount.
func (f *Fetcher) SetShardCount(n int) {
	f.mu.Lock()
	f.shardCount = n
	f.mu.Unlock()
}

func (f *Fetcher) FetchGatewayInformation(ctx context.Context, force bool) (*kephasgate.GatewayInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &kephasgate.GatewayInfo{URL: f.URL, Shards: f.shardCount}, nil
}

func (f *Fetcher) RetrieveSessionInfo(ctx context.Context, shardID int) (*kephasgate.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[shardID]
	if !ok {
		return nil, nil
	}
	session := *s
	return &session, nil
}

func (f *Fetcher) UpdateSessionInfo(ctx context.Context, shardID int, info *kephasgate.SessionInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if info == nil {
		delete(f.sessions, shardID)
		return nil
	}
	session := *info
	f.sessions[shardID] = &session
	return nil
}

func (f *Fetcher) GetShardCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shardCount, nil
}

func (f *Fetcher) ShardOptions() kephasgate.ShardOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Opts
}

// SetOptions replaces the options returned to shards on their next connect.
func (f *Fetcher) SetOptions(opts kephasgate.ShardOptions) {
	f.mu.Lock()
	f.Opts = opts
	f.mu.Unlock()
}

// Stored returns the session stored for shardID, nil if none.
func (f *Fetcher) Stored(shardID int) *kephasgate.SessionInfo {
	s, _ := f.RetrieveSessionInfo(context.Background(), shardID)
	return s
}

// Recorder collects events.
type Recorder struct {
	mu     sync.Mutex
	events []kephasgate.Event
}

// Emit records e, it can be passed wherever an event callback is expected.
func (r *Recorder) Emit(e kephasgate.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Matching returns the recorded events of type typ accepted by pred, a nil pred accepts all.
func (r *Recorder) Matching(typ kephasgate.EventType, pred func(kephasgate.Event) bool) []kephasgate.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []kephasgate.Event
	for _, e := range r.events {
		if e.Type == typ && (pred == nil || pred(e)) {
			out = append(out, e)
		}
	}
	return out
}

// Wait waits for the first matching event.
func (r *Recorder) Wait(t testing.TB, typ kephasgate.EventType, pred func(kephasgate.Event) bool) kephasgate.Event {
	t.Helper()

	var found []kephasgate.Event
	require.Eventually(t, func() bool {
		found = r.Matching(typ, pred)
		return len(found) > 0
	}, DefaultTimeout, 5*time.Millisecond, "no %s event", typ)
	return found[0]
}
