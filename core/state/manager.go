package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"yieldvault/core/events"
	"yieldvault/storage"
)

var (
	// ErrNotExecuting is returned when a mutation is attempted outside of an
	// Execute call.
	ErrNotExecuting = errors.New("state: mutation outside of execution")
	errEmptyKey     = errors.New("kv: key must not be empty")
)

// Manager is the journaled key-value state shared by every ledger engine.
// Values are RLP encoded and keys are hashed with keccak256 before they reach
// the backing database. All writes made while executing are buffered and
// journaled; they reach the database only when the outermost Execute call
// returns without error.
type Manager struct {
	execMu sync.Mutex

	mu        sync.RWMutex
	db        storage.Database
	dirty     map[string][]byte
	journal   []journalEntry
	logs      []events.Event
	revisions []revision
	depth     int
	emitter   events.Emitter
}

type revision struct {
	journal int
	logs    int
}

type journalEntry struct {
	key     string
	prev    []byte
	hadPrev bool
	// undo is set for entries recorded by OnRevert.
	undo func()
}

type executionKey struct{ m *Manager }

// NewManager creates a state manager persisting to the provided database.
func NewManager(db storage.Database) *Manager {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Manager{db: db, dirty: make(map[string][]byte), emitter: events.NoopEmitter{}}
}

// SetEmitter configures where events are delivered once the execution that
// produced them commits. Passing nil resets the emitter to a no-op.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// Emit records an event in the current execution. Events from reverted
// executions are discarded.
func (m *Manager) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, evt)
}

// Executing reports whether ctx belongs to a call stack that is already
// running inside Execute on this manager.
func (m *Manager) Executing(ctx context.Context) bool {
	if m == nil || ctx == nil {
		return false
	}
	return ctx.Value(executionKey{m}) != nil
}

// Execute runs fn atomically. Top-level calls are serialised by a single
// execution lock; nested calls made with the context handed to fn reuse the
// lock and take a nested snapshot instead. When fn returns an error (or
// panics) every write performed since the matching snapshot is reverted.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.Executing(ctx) {
		return m.run(ctx, fn, false)
	}
	m.execMu.Lock()
	defer m.execMu.Unlock()
	return m.run(context.WithValue(ctx, executionKey{m}, struct{}{}), fn, true)
}

// View runs fn under the execution lock without permitting writes to be
// committed. It is used for consistent read-only queries.
func (m *Manager) View(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.Executing(ctx) {
		return fn(ctx)
	}
	m.execMu.Lock()
	defer m.execMu.Unlock()
	inner := context.WithValue(ctx, executionKey{m}, struct{}{})
	rev := m.Snapshot()
	m.enter()
	defer func() {
		m.exit()
		m.RevertToSnapshot(rev)
	}()
	return fn(inner)
}

func (m *Manager) run(ctx context.Context, fn func(ctx context.Context) error, outermost bool) (err error) {
	rev := m.Snapshot()
	m.enter()
	defer func() {
		m.exit()
		if r := recover(); r != nil {
			m.RevertToSnapshot(rev)
			panic(r)
		}
		if err != nil {
			m.RevertToSnapshot(rev)
			return
		}
		if outermost {
			if commitErr := m.commit(); commitErr != nil {
				m.RevertToSnapshot(rev)
				err = commitErr
			}
		}
	}()
	return fn(ctx)
}

func (m *Manager) enter() {
	m.mu.Lock()
	m.depth++
	m.mu.Unlock()
}

func (m *Manager) exit() {
	m.mu.Lock()
	m.depth--
	m.mu.Unlock()
}

// Snapshot returns a revision identifier for the current journal position.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions = append(m.revisions, revision{journal: len(m.journal), logs: len(m.logs)})
	return len(m.revisions) - 1
}

// RevertToSnapshot undoes every write and drops every event recorded after
// the revision was taken. Hooks registered with OnRevert since then run in
// reverse order once the journal has been rewound.
func (m *Manager) RevertToSnapshot(id int) {
	m.mu.Lock()
	if id < 0 || id >= len(m.revisions) {
		m.mu.Unlock()
		return
	}
	rev := m.revisions[id]
	var undos []func()
	for i := len(m.journal) - 1; i >= rev.journal; i-- {
		entry := m.journal[i]
		switch {
		case entry.undo != nil:
			undos = append(undos, entry.undo)
		case entry.hadPrev:
			m.dirty[entry.key] = entry.prev
		default:
			delete(m.dirty, entry.key)
		}
	}
	m.journal = m.journal[:rev.journal]
	m.logs = m.logs[:rev.logs]
	m.revisions = m.revisions[:id]
	m.mu.Unlock()

	for _, undo := range undos {
		undo()
	}
}

// OnRevert registers undo to run if the current execution, or any enclosing
// one, reverts past this point. Hooks are discarded on commit. Used to keep
// in-memory side tables in step with journaled state; undo must not write
// state.
func (m *Manager) OnRevert(undo func()) error {
	if undo == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 {
		return ErrNotExecuting
	}
	m.journal = append(m.journal, journalEntry{undo: undo})
	return nil
}

func (m *Manager) commit() error {
	m.mu.Lock()
	if len(m.dirty) > 0 {
		changes := make(map[string][]byte, len(m.dirty))
		for key, value := range m.dirty {
			changes[key] = value
		}
		if err := m.db.Write(changes); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("state: commit: %w", err)
		}
	}
	logs := m.logs
	emitter := m.emitter
	m.dirty = make(map[string][]byte)
	m.journal = nil
	m.logs = nil
	m.revisions = nil
	m.mu.Unlock()

	for _, evt := range logs {
		emitter.Emit(evt)
	}
	return nil
}

func kvKey(key []byte) string {
	return string(ethcrypto.Keccak256(key))
}

func (m *Manager) write(hashed string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 {
		return ErrNotExecuting
	}
	prev, had := m.dirty[hashed]
	m.journal = append(m.journal, journalEntry{key: hashed, prev: prev, hadPrev: had})
	m.dirty[hashed] = value
	return nil
}

func (m *Manager) read(hashed string) ([]byte, error) {
	m.mu.RLock()
	value, ok := m.dirty[hashed]
	m.mu.RUnlock()
	if ok {
		return value, nil
	}
	data, err := m.db.Get([]byte(hashed))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.write(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, errEmptyKey
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key from state.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	return m.write(kvKey(key), nil)
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	var list [][]byte
	if err := m.KVGetList(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if string(existing) == string(value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.KVPut(key, list)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
