package taskmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"a2arunner/pkg/resilience"
)

// DefaultDedupWindow is how long an identical request maps to the same task.
const DefaultDedupWindow = 3 * time.Second

// DedupKey identifies a request by session, handler and whitespace-normalised
// text. It is the first 16 hex characters of a SHA-256 digest.
func DedupKey(sessionID, handlerName, text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(sessionID + ":" + handlerName + ":" + normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// Deduper remembers recent requests.
type Deduper interface {
	// Lookup returns the task recorded for key within the window.
	Lookup(ctx context.Context, key string) (taskID string, found bool, err error)
	// Record maps key to taskID.
	Record(ctx context.Context, key, taskID string) error
}

type dedupEntry struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MemoryDeduper keeps entries in process.
type MemoryDeduper struct {
	window time.Duration
	clock  resilience.Clock

	mu      sync.Mutex
	entries map[string]dedupEntry
}

// NewMemoryDeduper creates an in-process deduper. A nil clock uses the wall clock.
func NewMemoryDeduper(window time.Duration, clock resilience.Clock) *MemoryDeduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if clock == nil {
		clock = resilience.SystemClock()
	}
	return &MemoryDeduper{window: window, clock: clock, entries: make(map[string]dedupEntry)}
}

func (d *MemoryDeduper) Lookup(_ context.Context, key string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return "", false, nil
	}
	if d.clock.Now().Sub(e.Timestamp) >= d.window {
		delete(d.entries, key)
		return "", false, nil
	}
	return e.TaskID, true, nil
}

func (d *MemoryDeduper) Record(_ context.Context, key, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	for k, e := range d.entries {
		if now.Sub(e.Timestamp) >= d.window {
			delete(d.entries, k)
		}
	}
	d.entries[key] = dedupEntry{TaskID: taskID, Timestamp: now}
	return nil
}

// RedisDeduper shares entries across processes. Entries expire after twice
// the window; the stored timestamp decides whether they still count.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
	clock  resilience.Clock
}

// NewRedisDeduper creates a deduper on client.
func NewRedisDeduper(client redis.UniversalClient, window time.Duration, clock resilience.Clock) *RedisDeduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if clock == nil {
		clock = resilience.SystemClock()
	}
	return &RedisDeduper{client: client, prefix: "dedup:", window: window, clock: clock}
}

func (d *RedisDeduper) Lookup(ctx context.Context, key string) (string, bool, error) {
	raw, err := d.client.Get(ctx, d.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	var e dedupEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false, fmt.Errorf("dedup entry %s: %w", key, err)
	}
	if e.TaskID == "" || d.clock.Now().Sub(e.Timestamp) >= d.window {
		return "", false, nil
	}
	return e.TaskID, true, nil
}

func (d *RedisDeduper) Record(ctx context.Context, key, taskID string) error {
	data, err := json.Marshal(dedupEntry{TaskID: taskID, Timestamp: d.clock.Now()})
	if err != nil {
		return err
	}
	if err := d.client.Set(ctx, d.prefix+key, data, 2*d.window).Err(); err != nil {
		return fmt.Errorf("dedup record: %w", err)
	}
	return nil
}
