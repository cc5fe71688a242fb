// Package txscope implements nestable, context-carried units of work.
//
// A root scope owns one physical transaction per connection string, opened
// lazily the first time a provider enlists. Child scopes share the root's
// transactions; their completion is provisional. A child disposed without
// completing rolls back the whole tree. The root commits when it is disposed
// after Complete.
//
//	ctx, scope := txscope.Begin(ctx)
//	defer scope.Dispose()
//
//	if err := doWork(ctx); err != nil {
//		return err
//	}
//	return scope.Complete()
//
// The scope travels in the context. Work handed to another goroutine joins
// the scope only if it receives that context.
package txscope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/goliatone/go-entity-store/metrics"
)

// ErrTransactionAborted is returned when completing or using a scope whose
// root already rolled back.
var ErrTransactionAborted = errors.New("txscope: transaction already aborted")

// ErrScopeDisposed is returned when enlisting on a scope that was disposed.
var ErrScopeDisposed = errors.New("txscope: scope already disposed")

// Tx is one physical transaction.
type Tx interface {
	Commit() error
	Rollback() error
}

// Connector opens physical transactions for a connection string.
type Connector interface {
	Begin(ctx context.Context, connString string, opts *sql.TxOptions) (Tx, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, connString string, opts *sql.TxOptions) (Tx, error)

// Begin implements Connector.
func (f ConnectorFunc) Begin(ctx context.Context, connString string, opts *sql.TxOptions) (Tx, error) {
	return f(ctx, connString, opts)
}

// Mode selects how a new scope relates to the ambient one.
type Mode int

const (
	// Required joins the ambient scope, or starts a root when there is none.
	Required Mode = iota
	// RequiresNew always starts an independent root.
	RequiresNew
	// Suppress runs without any scope, hiding the ambient one.
	Suppress
)

func (m Mode) String() string {
	switch m {
	case Required:
		return "required"
	case RequiresNew:
		return "requires_new"
	case Suppress:
		return "suppress"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// State is the outcome of a root scope.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type settings struct {
	mode      Mode
	isolation sql.IsolationLevel
	readOnly  bool
	metrics   *metrics.Collector
}

// Option configures Begin.
type Option func(*settings)

// WithMode sets the scope mode. The default is Required.
func WithMode(m Mode) Option {
	return func(s *settings) { s.mode = m }
}

// WithIsolation sets the isolation level used when a root opens physical
// transactions. Children inherit the root's level.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(s *settings) { s.isolation = level }
}

// ReadOnly opens read-only physical transactions.
func ReadOnly() Option {
	return func(s *settings) { s.readOnly = true }
}

// WithMetrics records root outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *settings) { s.metrics = m }
}

type enlisted struct {
	connString string
	tx         Tx
}

// Scope is one level of a scope tree.
type Scope struct {
	root      *Scope
	parent    *Scope
	mode      Mode
	completed bool
	disposed  bool

	// root only
	mu          sync.Mutex
	base        context.Context
	opts        sql.TxOptions
	state       State
	txs         []enlisted
	onCompleted []func(context.Context)
	onRollback  []func(context.Context)
	values      map[any]any
	metrics     *metrics.Collector
}

type ctxKey struct{}

// Begin starts a scope and returns the context that carries it.
func Begin(ctx context.Context, opts ...Option) (context.Context, *Scope) {
	cfg := settings{mode: Required}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if cfg.mode == Suppress {
		s := &Scope{mode: Suppress}
		return context.WithValue(ctx, ctxKey{}, s), s
	}

	if parent := FromContext(ctx); parent != nil && cfg.mode == Required {
		child := &Scope{root: parent.root, parent: parent, mode: Required}
		return context.WithValue(ctx, ctxKey{}, child), child
	}

	root := &Scope{
		mode:    cfg.mode,
		base:    context.WithoutCancel(ctx),
		opts:    sql.TxOptions{Isolation: cfg.isolation, ReadOnly: cfg.readOnly},
		values:  make(map[any]any),
		metrics: cfg.metrics,
	}
	root.root = root
	return context.WithValue(ctx, ctxKey{}, root), root
}

// FromContext returns the innermost scope carried by ctx, or nil when there
// is none or it is suppressed.
func FromContext(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ctxKey{}).(*Scope)
	if s == nil || s.mode == Suppress {
		return nil
	}
	return s
}

// Active returns the scope carried by ctx if its root is still active.
func Active(ctx context.Context) *Scope {
	s := FromContext(ctx)
	if s == nil || !s.IsOpen() {
		return nil
	}
	return s
}

// IsOpen reports whether ctx carries a scope whose root is still active.
func IsOpen(ctx context.Context) bool {
	return Active(ctx) != nil
}

// IsRoot reports whether s owns the physical transactions.
func (s *Scope) IsRoot() bool {
	return s.root == s
}

// Root returns the outermost scope of the tree.
func (s *Scope) Root() *Scope {
	return s.root
}

// Parent returns the enclosing scope, nil for a root.
func (s *Scope) Parent() *Scope {
	return s.parent
}

// State returns the outcome of the tree.
func (s *Scope) State() State {
	if s.root == nil {
		return StateActive
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	return s.root.state
}

// IsOpen reports whether the tree has not committed or rolled back yet.
func (s *Scope) IsOpen() bool {
	return s.root != nil && s.State() == StateActive
}

// Transaction returns the physical transaction for connString, opening it
// through c on first use. Calls on a child route to the root.
func (s *Scope) Transaction(ctx context.Context, connString string, c Connector) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.root == nil {
		return nil, fmt.Errorf("txscope: suppressed scope has no transaction")
	}
	if c == nil {
		return nil, fmt.Errorf("txscope: no connector for %q", connString)
	}
	root := s.root
	root.mu.Lock()
	defer root.mu.Unlock()

	if root.state == StateRolledBack {
		return nil, ErrTransactionAborted
	}
	if root.state == StateCommitted || root.disposed {
		return nil, ErrScopeDisposed
	}
	for _, e := range root.txs {
		if e.connString == connString {
			return e.tx, nil
		}
	}

	opts := root.opts
	// the transaction outlives the caller's deadline
	tx, err := c.Begin(root.base, connString, &opts)
	if err != nil {
		return nil, fmt.Errorf("txscope: begin %q: %w", connString, err)
	}
	root.txs = append(root.txs, enlisted{connString: connString, tx: tx})
	return tx, nil
}

// Complete marks s completed. On a root the commit happens at Dispose, so a
// child started later can still veto it.
func (s *Scope) Complete() error {
	if s.root == nil {
		return nil
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	if s.root.state == StateRolledBack {
		return ErrTransactionAborted
	}
	if s.disposed {
		return ErrScopeDisposed
	}
	s.completed = true
	return nil
}

// IsCompleted reports whether Complete was called on s.
func (s *Scope) IsCompleted() bool {
	if s.root == nil {
		return false
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	return s.completed
}

// Dispose resolves s. A root commits when completed and rolls back
// otherwise. A child that was not completed rolls back the root. Dispose is
// safe to call more than once. A completed root whose tree was rolled back
// by a child reports ErrTransactionAborted.
func (s *Scope) Dispose() error {
	if s.root == nil {
		return nil
	}
	s.root.mu.Lock()
	if s.disposed {
		s.root.mu.Unlock()
		return nil
	}
	s.disposed = true
	completed := s.completed
	state := s.root.state
	s.root.mu.Unlock()

	if !s.IsRoot() {
		if completed {
			return nil
		}
		return s.root.rollback()
	}

	if state == StateRolledBack {
		if completed {
			return ErrTransactionAborted
		}
		return nil
	}
	if completed {
		return s.commit()
	}
	return s.rollback()
}

func (s *Scope) commit() error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}

	var err error
	for i, e := range s.txs {
		if cerr := e.tx.Commit(); cerr != nil {
			err = fmt.Errorf("txscope: commit %q: %w", e.connString, cerr)
			for _, rest := range s.txs[i+1:] {
				_ = rest.tx.Rollback()
			}
			break
		}
	}
	s.txs = nil

	var callbacks []func(context.Context)
	if err != nil {
		s.state = StateRolledBack
		callbacks = s.onRollback
		s.metrics.Transaction("commit_failed")
	} else {
		s.state = StateCommitted
		callbacks = s.onCompleted
		s.metrics.Transaction("committed")
	}
	s.onCompleted, s.onRollback = nil, nil
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(s.base)
	}
	return err
}

func (s *Scope) rollback() error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}

	var errs []error
	for i := len(s.txs) - 1; i >= 0; i-- {
		e := s.txs[i]
		if rerr := e.tx.Rollback(); rerr != nil {
			errs = append(errs, fmt.Errorf("txscope: rollback %q: %w", e.connString, rerr))
		}
	}
	s.txs = nil
	s.state = StateRolledBack
	callbacks := s.onRollback
	s.onCompleted, s.onRollback = nil, nil
	s.metrics.Transaction("rolled_back")
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(s.base)
	}
	return errors.Join(errs...)
}

// OnCompleted registers fn on the root, to run once after a successful
// commit. The context passed to fn carries no scope.
func (s *Scope) OnCompleted(fn func(context.Context)) {
	s.register(fn, true)
}

// OnRolledBack registers fn on the root, to run once after a rollback.
func (s *Scope) OnRolledBack(fn func(context.Context)) {
	s.register(fn, false)
}

func (s *Scope) register(fn func(context.Context), completed bool) {
	if fn == nil || s.root == nil {
		return
	}
	root := s.root
	root.mu.Lock()
	switch root.state {
	case StateActive:
		if completed {
			root.onCompleted = append(root.onCompleted, fn)
		} else {
			root.onRollback = append(root.onRollback, fn)
		}
		root.mu.Unlock()
		return
	case StateCommitted:
		root.mu.Unlock()
		if completed {
			fn(root.base)
		}
	case StateRolledBack:
		root.mu.Unlock()
		if !completed {
			fn(root.base)
		}
	}
}

// SetValue stores a value shared by the whole tree.
func (s *Scope) SetValue(key, value any) {
	if s.root == nil {
		return
	}
	s.root.mu.Lock()
	s.root.values[key] = value
	s.root.mu.Unlock()
}

// Value returns a value stored with SetValue.
func (s *Scope) Value(key any) (any, bool) {
	if s.root == nil {
		return nil, false
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	v, ok := s.root.values[key]
	return v, ok
}

// LoadOrStore returns the tree value for key, storing value first if absent.
func (s *Scope) LoadOrStore(key, value any) any {
	if s.root == nil {
		return value
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	if v, ok := s.root.values[key]; ok {
		return v
	}
	s.root.values[key] = value
	return value
}
