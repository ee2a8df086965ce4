// Package xenbus provides in-process implementations of the bus services a
// console frontend consumes: a xenstore, a grant table, event channels,
// suspend notifications and debug registration.
package xenbus

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/google/btree"

	"github.com/ehrlich-b/go-xencons/internal/interfaces"
	"github.com/ehrlich-b/go-xencons/internal/logging"
)

type node struct {
	path  string
	value string
	gen   uint64
}

func nodeLess(a, b node) bool {
	return a.path < b.path
}

// OpKind classifies a store mutation in the history
type OpKind string

const (
	OpWrite  OpKind = "write"
	OpRemove OpKind = "remove"
)

// Op is one committed store mutation
type Op struct {
	Kind  OpKind
	Path  string
	Value string
}

type storeWatch struct {
	path  string
	event chan<- struct{}
}

func (w *storeWatch) Path() string {
	return w.path
}

type txnOp struct {
	kind  OpKind
	path  string
	value string
}

type transaction struct {
	id       uint32
	observed map[string]uint64
	ops      []txnOp
}

func (t *transaction) ID() uint32 {
	return t.id
}

// Store is a btree-backed xenstore with watches and optimistic transactions.
type Store struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[node]
	removed map[string]uint64
	gen     uint64
	watches map[*storeWatch]struct{}
	txns    map[uint32]*transaction
	nextTxn uint32
	history []Op

	refs        int
	unavailable bool
	failCommits int
	failWatches bool

	logger *logging.Logger
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		tree:    btree.NewG[node](8, nodeLess),
		removed: make(map[string]uint64),
		watches: make(map[*storeWatch]struct{}),
		txns:    make(map[uint32]*transaction),
		nextTxn: 1,
		logger:  logging.Default().WithComponent("xenstore"),
	}
}

func join(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "/" + key
	}
}

func below(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+"/")
}

// Acquire takes a reference on the store connection
func (s *Store) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return fmt.Errorf("xenstore: acquire: %w", syscall.ENODEV)
	}
	s.refs++
	return nil
}

// Release drops a reference taken by Acquire
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
}

// References returns the number of outstanding Acquire calls
func (s *Store) References() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// SetUnavailable makes subsequent Acquire calls fail
func (s *Store) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	s.unavailable = unavailable
	s.mu.Unlock()
}

// FailNextCommits makes the next n transaction commits report a conflict
func (s *Store) FailNextCommits(n int) {
	s.mu.Lock()
	s.failCommits = n
	s.mu.Unlock()
}

// FailWatches makes WatchAdd fail, forcing callers onto their polling path
func (s *Store) FailWatches(fail bool) {
	s.mu.Lock()
	s.failWatches = fail
	s.mu.Unlock()
}

func (s *Store) genLocked(path string) uint64 {
	if n, ok := s.tree.Get(node{path: path}); ok {
		return n.gen
	}
	return s.removed[path]
}

func (s *Store) txnLocked(txn interfaces.Transaction) (*transaction, error) {
	if txn == nil {
		return nil, nil
	}
	t, ok := s.txns[txn.ID()]
	if !ok {
		return nil, fmt.Errorf("xenstore: transaction %d: %w", txn.ID(), syscall.EINVAL)
	}
	return t, nil
}

func (t *transaction) observe(s *Store, path string) {
	if _, ok := t.observed[path]; !ok {
		t.observed[path] = s.genLocked(path)
	}
}

// Read returns the value stored at prefix/key
func (s *Store) Read(txn interfaces.Transaction, prefix, key string) (string, error) {
	path := join(prefix, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.txnLocked(txn)
	if err != nil {
		return "", err
	}
	if t != nil {
		t.observe(s, path)
		for i := len(t.ops) - 1; i >= 0; i-- {
			op := t.ops[i]
			if op.kind == OpWrite && op.path == path {
				return op.value, nil
			}
			if op.kind == OpRemove && below(path, op.path) {
				return "", fmt.Errorf("xenstore: read %s: %w", path, syscall.ENOENT)
			}
		}
	}

	n, ok := s.tree.Get(node{path: path})
	if !ok {
		return "", fmt.Errorf("xenstore: read %s: %w", path, syscall.ENOENT)
	}
	return n.value, nil
}

// Printf writes a formatted value to prefix/key
func (s *Store) Printf(txn interfaces.Transaction, prefix, key, format string, args ...any) error {
	return s.apply(txn, txnOp{kind: OpWrite, path: join(prefix, key), value: fmt.Sprintf(format, args...)})
}

// Write stores value at prefix/key
func (s *Store) Write(txn interfaces.Transaction, prefix, key, value string) error {
	return s.apply(txn, txnOp{kind: OpWrite, path: join(prefix, key), value: value})
}

// Remove deletes prefix/key and its subtree
func (s *Store) Remove(txn interfaces.Transaction, prefix, key string) error {
	return s.apply(txn, txnOp{kind: OpRemove, path: join(prefix, key)})
}

func (s *Store) apply(txn interfaces.Transaction, op txnOp) error {
	if op.path == "" {
		return fmt.Errorf("xenstore: %s: empty path: %w", op.kind, syscall.EINVAL)
	}

	s.mu.Lock()
	t, err := s.txnLocked(txn)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if t != nil {
		t.observe(s, op.path)
		t.ops = append(t.ops, op)
		s.mu.Unlock()
		return nil
	}

	fired := s.commitOpLocked(op)
	s.mu.Unlock()

	notify(fired)
	return nil
}

// commitOpLocked applies op and returns the watch channels to signal
func (s *Store) commitOpLocked(op txnOp) []chan<- struct{} {
	s.gen++

	var changed []string
	switch op.kind {
	case OpWrite:
		s.tree.ReplaceOrInsert(node{path: op.path, value: op.value, gen: s.gen})
		delete(s.removed, op.path)
		changed = append(changed, op.path)
	case OpRemove:
		var doomed []string
		s.tree.AscendGreaterOrEqual(node{path: op.path}, func(n node) bool {
			if !below(n.path, op.path) {
				return n.path < op.path+"/"
			}
			doomed = append(doomed, n.path)
			return true
		})
		for _, p := range doomed {
			s.tree.Delete(node{path: p})
			s.removed[p] = s.gen
		}
		s.removed[op.path] = s.gen
		changed = append(changed, op.path)
	}

	s.history = append(s.history, Op{Kind: op.kind, Path: op.path, Value: op.value})
	s.logger.Trace("store update", "op", string(op.kind), "path", op.path, "value", op.value)

	var fired []chan<- struct{}
	for w := range s.watches {
		for _, p := range changed {
			if below(p, w.path) || below(w.path, p) {
				fired = append(fired, w.event)
				break
			}
		}
	}
	return fired
}

func notify(events []chan<- struct{}) {
	for _, ch := range events {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// WatchAdd registers a watch on prefix/key
func (s *Store) WatchAdd(prefix, key string, event chan<- struct{}) (interfaces.Watch, error) {
	path := join(prefix, key)

	s.mu.Lock()
	if s.failWatches {
		s.mu.Unlock()
		return nil, fmt.Errorf("xenstore: watch %s: %w", path, syscall.ENOSPC)
	}
	w := &storeWatch{path: path, event: event}
	s.watches[w] = struct{}{}
	s.mu.Unlock()

	notify([]chan<- struct{}{event})
	return w, nil
}

// WatchRemove unregisters a watch
func (s *Store) WatchRemove(w interfaces.Watch) error {
	sw, ok := w.(*storeWatch)
	if !ok {
		return fmt.Errorf("xenstore: unwatch: %w", syscall.EINVAL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[sw]; !ok {
		return fmt.Errorf("xenstore: unwatch %s: %w", sw.path, syscall.ENOENT)
	}
	delete(s.watches, sw)
	return nil
}

// Watches returns the number of registered watches
func (s *Store) Watches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// TransactionStart opens a transaction
func (s *Store) TransactionStart() (interfaces.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &transaction{id: s.nextTxn, observed: make(map[string]uint64)}
	s.nextTxn++
	s.txns[t.id] = t
	return t, nil
}

// TransactionEnd commits or aborts a transaction
func (s *Store) TransactionEnd(txn interfaces.Transaction, commit bool) error {
	s.mu.Lock()
	t, err := s.txnLocked(txn)
	if err != nil || t == nil {
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("xenstore: end transaction: %w", syscall.EINVAL)
		}
		return err
	}
	delete(s.txns, t.id)

	if !commit {
		s.mu.Unlock()
		return nil
	}

	if s.failCommits > 0 {
		s.failCommits--
		s.mu.Unlock()
		return fmt.Errorf("xenstore: commit transaction %d: %w", t.id, syscall.EAGAIN)
	}

	for path, gen := range t.observed {
		if s.genLocked(path) != gen {
			s.mu.Unlock()
			return fmt.Errorf("xenstore: commit transaction %d: %s changed: %w", t.id, path, syscall.EAGAIN)
		}
	}

	var fired []chan<- struct{}
	for _, op := range t.ops {
		fired = append(fired, s.commitOpLocked(op)...)
	}
	s.mu.Unlock()

	notify(fired)
	return nil
}

// Poll yields so store updates made by other goroutines can land
func (s *Store) Poll() {
	runtime.Gosched()
}

// Directory lists the immediate children of path
func (s *Store) Directory(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := path + "/"
	if path == "" {
		prefix = ""
	}

	var children []string
	seen := make(map[string]bool)
	s.tree.AscendGreaterOrEqual(node{path: prefix}, func(n node) bool {
		if !strings.HasPrefix(n.path, prefix) {
			return false
		}
		child, _, _ := strings.Cut(n.path[len(prefix):], "/")
		if child != "" && !seen[child] {
			seen[child] = true
			children = append(children, child)
		}
		return true
	})
	return children
}

// History returns every committed mutation in order
func (s *Store) History() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Op, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot returns a copy of every key and value
func (s *Store) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, s.tree.Len())
	s.tree.Ascend(func(n node) bool {
		out[n.path] = n.value
		return true
	})
	return out
}

// Dump writes every key in path order
func (s *Store) Dump(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Ascend(func(n node) bool {
		fmt.Fprintf(w, "%s = %q\n", n.path, n.value)
		return true
	})
}

var _ interfaces.Store = (*Store)(nil)
