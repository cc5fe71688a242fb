package txscope

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/goliatone/go-entity-store/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type recordingTx struct {
	name string
	log  *[]string
	mu   *sync.Mutex
	fail error
}

func (t *recordingTx) Commit() error {
	t.mu.Lock()
	*t.log = append(*t.log, "commit:"+t.name)
	t.mu.Unlock()
	return t.fail
}

func (t *recordingTx) Rollback() error {
	t.mu.Lock()
	*t.log = append(*t.log, "rollback:"+t.name)
	t.mu.Unlock()
	return nil
}

type recordingConnector struct {
	mu         sync.Mutex
	log        []string
	begins     int
	lastOpts   *sql.TxOptions
	commitFail map[string]error
}

func (c *recordingConnector) Begin(_ context.Context, connString string, opts *sql.TxOptions) (Tx, error) {
	c.mu.Lock()
	c.begins++
	c.lastOpts = opts
	c.mu.Unlock()
	return &recordingTx{name: connString, log: &c.log, mu: &c.mu, fail: c.commitFail[connString]}, nil
}

func (c *recordingConnector) entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func TestBegin_RootAndChild(t *testing.T) {
	ctx, root := Begin(context.Background())
	require.NotNil(t, root)
	assert.True(t, root.IsRoot())
	assert.Same(t, root, FromContext(ctx))

	childCtx, child := Begin(ctx)
	assert.False(t, child.IsRoot())
	assert.Same(t, root, child.Root())
	assert.Same(t, root, child.Parent())
	assert.Same(t, child, FromContext(childCtx))

	assert.Nil(t, FromContext(context.Background()))
	assert.True(t, IsOpen(childCtx))
}

func TestBegin_RequiresNewAndSuppress(t *testing.T) {
	ctx, root := Begin(context.Background())

	newCtx, independent := Begin(ctx, WithMode(RequiresNew))
	assert.True(t, independent.IsRoot())
	assert.NotSame(t, root, independent.Root())
	assert.Same(t, independent, FromContext(newCtx))

	suppressedCtx, suppressed := Begin(ctx, WithMode(Suppress))
	assert.Nil(t, FromContext(suppressedCtx))
	assert.False(t, IsOpen(suppressedCtx))
	assert.NoError(t, suppressed.Complete())
	assert.NoError(t, suppressed.Dispose())

	_, err := suppressed.Transaction(suppressedCtx, "db", &recordingConnector{})
	assert.Error(t, err)

	// a scope started under a suppressed context is a fresh root
	_, inner := Begin(suppressedCtx)
	assert.True(t, inner.IsRoot())
}

func TestTransaction_OnePerConnectionString(t *testing.T) {
	conn := &recordingConnector{}
	ctx, root := Begin(context.Background(), WithIsolation(sql.LevelSerializable))
	childCtx, child := Begin(ctx)

	a1, err := root.Transaction(ctx, "a", conn)
	require.NoError(t, err)
	a2, err := child.Transaction(childCtx, "a", conn)
	require.NoError(t, err)
	b, err := child.Transaction(childCtx, "b", conn)
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, 2, conn.begins)
	assert.Equal(t, sql.LevelSerializable, conn.lastOpts.Isolation)

	require.NoError(t, child.Complete())
	require.NoError(t, child.Dispose())
	assert.Empty(t, conn.entries(), "child completion must not commit")

	require.NoError(t, root.Complete())
	require.NoError(t, root.Dispose())
	assert.Equal(t, []string{"commit:a", "commit:b"}, conn.entries())
	assert.Equal(t, StateCommitted, root.State())
}

func TestDispose_RootWithoutComplete(t *testing.T) {
	conn := &recordingConnector{}
	ctx, root := Begin(context.Background())
	_, err := root.Transaction(ctx, "a", conn)
	require.NoError(t, err)

	var rolledBack, completed int
	root.OnRolledBack(func(context.Context) { rolledBack++ })
	root.OnCompleted(func(context.Context) { completed++ })

	require.NoError(t, root.Dispose())
	require.NoError(t, root.Dispose())

	assert.Equal(t, []string{"rollback:a"}, conn.entries())
	assert.Equal(t, 1, rolledBack)
	assert.Equal(t, 0, completed)
	assert.Equal(t, StateRolledBack, root.State())
}

func TestDispose_IncompleteChildRollsBackCompletedRoot(t *testing.T) {
	conn := &recordingConnector{}
	ctx, root := Begin(context.Background())
	_, err := root.Transaction(ctx, "a", conn)
	require.NoError(t, err)

	require.NoError(t, root.Complete())

	childCtx, child := Begin(ctx)
	_, err = child.Transaction(childCtx, "a", conn)
	require.NoError(t, err)

	require.NoError(t, child.Dispose())
	assert.Equal(t, StateRolledBack, root.State())
	assert.Equal(t, []string{"rollback:a"}, conn.entries())

	assert.ErrorIs(t, root.Dispose(), ErrTransactionAborted)
	assert.Equal(t, []string{"rollback:a"}, conn.entries(), "nothing may commit after the cascade")
}

func TestComplete_AfterAbort(t *testing.T) {
	ctx, root := Begin(context.Background())
	childCtx, child := Begin(ctx)
	require.NoError(t, child.Dispose())

	assert.ErrorIs(t, root.Complete(), ErrTransactionAborted)

	_, sibling := Begin(ctx)
	assert.ErrorIs(t, sibling.Complete(), ErrTransactionAborted)

	_, err := child.Transaction(childCtx, "a", &recordingConnector{})
	assert.ErrorIs(t, err, ErrTransactionAborted)
	assert.False(t, IsOpen(ctx))
}

func TestCallbacks_RegisteredOnRootFireOnce(t *testing.T) {
	ctx, root := Begin(context.Background())
	childCtx, child := Begin(ctx)
	_, grandchild := Begin(childCtx)

	var calls []string
	grandchild.OnCompleted(func(cbCtx context.Context) {
		assert.Nil(t, FromContext(cbCtx), "callbacks run outside the scope")
		calls = append(calls, "grandchild")
	})
	child.OnCompleted(func(context.Context) { calls = append(calls, "child") })

	require.NoError(t, grandchild.Complete())
	require.NoError(t, grandchild.Dispose())
	assert.Empty(t, calls)

	require.NoError(t, child.Complete())
	require.NoError(t, child.Dispose())
	assert.Empty(t, calls)

	require.NoError(t, root.Complete())
	require.NoError(t, root.Dispose())
	assert.Equal(t, []string{"grandchild", "child"}, calls)

	// late registration runs immediately against the final outcome
	root.OnCompleted(func(context.Context) { calls = append(calls, "late") })
	root.OnRolledBack(func(context.Context) { calls = append(calls, "never") })
	assert.Equal(t, []string{"grandchild", "child", "late"}, calls)
}

func TestCommitFailure_RollsBackRemaining(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)

	conn := &recordingConnector{commitFail: map[string]error{"a": errors.New("disk full")}}
	ctx, root := Begin(context.Background(), WithMetrics(m))
	_, err = root.Transaction(ctx, "a", conn)
	require.NoError(t, err)
	_, err = root.Transaction(ctx, "b", conn)
	require.NoError(t, err)

	var rolledBack bool
	root.OnRolledBack(func(context.Context) { rolledBack = true })

	require.NoError(t, root.Complete())
	err = root.Dispose()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"commit:a", "rollback:b"}, conn.entries())
	assert.True(t, rolledBack)
	assert.Equal(t, StateRolledBack, root.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Transactions().WithLabelValues("commit_failed")))
}

func TestValues_SharedAcrossTree(t *testing.T) {
	ctx, root := Begin(context.Background())
	_, child := Begin(ctx)

	child.SetValue("k", 1)
	v, ok := root.Value("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, 1, root.LoadOrStore("k", 2))
	assert.Equal(t, "x", child.LoadOrStore("other", "x"))
}

func TestTransaction_CanceledContext(t *testing.T) {
	ctx, root := Begin(context.Background())
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := root.Transaction(canceled, "a", &recordingConnector{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLConnector_BeginCommit(t *testing.T) {
	conn := NewSQLConnector(func(connString string) (string, string, error) {
		return "sqlite", "file:" + t.Name() + "?mode=memory&cache=shared", nil
	}, WithPingRetries(1, 0))
	defer conn.Close()

	ctx, root := Begin(context.Background())
	tx, err := root.Transaction(ctx, "main", conn)
	require.NoError(t, err)

	sqlTx, ok := tx.(*sql.Tx)
	require.True(t, ok)
	_, err = sqlTx.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	require.NoError(t, root.Complete())
	require.NoError(t, root.Dispose())

	db, err := conn.DB(context.Background(), "main")
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM t").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestSQLConnector_ResolverError(t *testing.T) {
	conn := NewSQLConnector(func(string) (string, string, error) {
		return "", "", errors.New("unknown connection")
	})
	_, err := conn.Begin(context.Background(), "missing", nil)
	assert.EqualError(t, err, "unknown connection")
}

func TestState_ActiveScopeAndStrings(t *testing.T) {
	ctx, root := Begin(context.Background())
	assert.Same(t, root, Active(ctx))
	assert.Equal(t, StateActive, root.State())
	assert.Equal(t, "active", root.State().String())

	require.NoError(t, root.Dispose())
	assert.Nil(t, Active(ctx))
	assert.Equal(t, StateRolledBack, root.State())
	assert.Equal(t, "rolled_back", root.State().String())
	assert.Equal(t, "committed", StateCommitted.String())
}
