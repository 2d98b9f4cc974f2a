package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"CourseChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type StoreTestSuite struct {
	suite.Suite
	ctx   context.Context
	path  string
	store *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (suite *StoreTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.path = filepath.Join(suite.T().TempDir(), "chat_history.db")

	s, err := Open(suite.ctx, Options{Driver: DriverSQLite, DSN: suite.path})
	require.NoError(suite.T(), err)
	suite.store = s
}

func (suite *StoreTestSuite) TearDownTest() {
	if suite.store != nil {
		suite.store.Close()
	}
}

func (suite *StoreTestSuite) append(sessionID string, role session.Role, content string) {
	require.NoError(suite.T(), suite.store.AppendTurn(suite.ctx, sessionID, role, content))
}

func contents(turns []session.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}

func (suite *StoreTestSuite) TestGetTurnsPreservesInsertionOrder() {
	want := make([]string, 25)
	for i := range want {
		want[i] = fmt.Sprintf("message %d", i)
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		suite.append("s1", role, want[i])
	}

	turns, err := suite.store.GetTurns(suite.ctx, "s1")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), want, contents(turns))

	for i := 1; i < len(turns); i++ {
		assert.Greater(suite.T(), turns[i].ID, turns[i-1].ID)
	}
}

func (suite *StoreTestSuite) TestGetTurnsEmptySession() {
	turns, err := suite.store.GetTurns(suite.ctx, "nobody")
	require.NoError(suite.T(), err)
	assert.NotNil(suite.T(), turns)
	assert.Empty(suite.T(), turns)
}

func (suite *StoreTestSuite) TestHelloScenario() {
	suite.append("s1", session.RoleUser, "Hello")
	suite.append("s1", session.RoleAssistant, "Hi there")

	turns, err := suite.store.GetTurns(suite.ctx, "s1")
	require.NoError(suite.T(), err)
	require.Len(suite.T(), turns, 2)

	assert.Equal(suite.T(), session.RoleUser, turns[0].Role)
	assert.Equal(suite.T(), "Hello", turns[0].Content)
	assert.Equal(suite.T(), session.RoleAssistant, turns[1].Role)
	assert.Equal(suite.T(), "Hi there", turns[1].Content)
	assert.Equal(suite.T(), "s1", turns[1].SessionID)
	assert.False(suite.T(), turns[0].Timestamp.IsZero(), "timestamp is assigned on write")
}

func (suite *StoreTestSuite) TestListSessionsDistinct() {
	suite.append("A", session.RoleUser, "one")
	suite.append("B", session.RoleUser, "two")
	suite.append("A", session.RoleAssistant, "three")

	ids, err := suite.store.ListSessions(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), []string{"A", "B"}, ids)
}

func (suite *StoreTestSuite) TestListSessionsEmptyStore() {
	ids, err := suite.store.ListSessions(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), ids)
}

func (suite *StoreTestSuite) TestListSessionsWithoutTable() {
	_, err := suite.store.db.ExecContext(suite.ctx, "DROP TABLE message_store")
	require.NoError(suite.T(), err)

	ids, err := suite.store.ListSessions(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), ids)
}

func (suite *StoreTestSuite) TestEnsureSchemaIdempotent() {
	suite.append("s1", session.RoleUser, "keep me")

	require.NoError(suite.T(), suite.store.EnsureSchema(suite.ctx))
	require.NoError(suite.T(), suite.store.EnsureSchema(suite.ctx))

	turns, err := suite.store.GetTurns(suite.ctx, "s1")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), []string{"keep me"}, contents(turns))
}

func (suite *StoreTestSuite) TestReopenKeepsData() {
	suite.append("s1", session.RoleUser, "durable")
	require.NoError(suite.T(), suite.store.Close())

	s, err := Open(suite.ctx, Options{Driver: DriverSQLite, DSN: suite.path})
	require.NoError(suite.T(), err)
	suite.store = s

	turns, err := s.GetTurns(suite.ctx, "s1")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), []string{"durable"}, contents(turns))
}

func (suite *StoreTestSuite) TestResetClearsEverything() {
	suite.append("A", session.RoleUser, "one")
	suite.append("B", session.RoleUser, "two")
	_, err := suite.store.db.ExecContext(suite.ctx, "CREATE TABLE scratch (x TEXT)")
	require.NoError(suite.T(), err)

	require.NoError(suite.T(), suite.store.Reset(suite.ctx))

	ids, err := suite.store.ListSessions(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), ids)

	tables, err := suite.store.DescribeSchema(suite.ctx)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), tables, 1)
	assert.Equal(suite.T(), TableName, tables[0].Name)

	require.NoError(suite.T(), suite.store.EnsureSchema(suite.ctx))
	suite.append("C", session.RoleUser, "after reset")
	turns, err := suite.store.GetTurns(suite.ctx, "C")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), []string{"after reset"}, contents(turns))
}

func (suite *StoreTestSuite) TestSessionIsolation() {
	suite.append("user_0", session.RoleUser, "only for zero")
	suite.append("user_1", session.RoleUser, "only for one")

	zero, err := suite.store.GetTurns(suite.ctx, "user_0")
	require.NoError(suite.T(), err)
	one, err := suite.store.GetTurns(suite.ctx, "user_1")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), []string{"only for zero"}, contents(zero))
	assert.Equal(suite.T(), []string{"only for one"}, contents(one))
}

func (suite *StoreTestSuite) TestFirstTurn() {
	_, ok, err := suite.store.FirstTurn(suite.ctx, "s1")
	require.NoError(suite.T(), err)
	assert.False(suite.T(), ok)

	suite.append("s1", session.RoleUser, "first")
	suite.append("s1", session.RoleAssistant, "second")

	turn, ok, err := suite.store.FirstTurn(suite.ctx, "s1")
	require.NoError(suite.T(), err)
	assert.True(suite.T(), ok)
	assert.Equal(suite.T(), "first", turn.Content)
}

func (suite *StoreTestSuite) TestRoleAliasesNormalized() {
	_, err := suite.store.db.ExecContext(suite.ctx,
		"INSERT INTO message_store (session_id, message, type) VALUES ('s1', 'hi', 'human'), ('s1', 'hello', 'ai')")
	require.NoError(suite.T(), err)

	turns, err := suite.store.GetTurns(suite.ctx, "s1")
	require.NoError(suite.T(), err)
	require.Len(suite.T(), turns, 2)
	assert.Equal(suite.T(), session.RoleUser, turns[0].Role)
	assert.Equal(suite.T(), session.RoleAssistant, turns[1].Role)
}

func (suite *StoreTestSuite) TestDescribeSchema() {
	tables, err := suite.store.DescribeSchema(suite.ctx)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), tables, 1)

	got := map[string]string{}
	for _, c := range tables[0].Columns {
		got[c.Name] = c.Type
	}
	assert.Equal(suite.T(), map[string]string{
		"id":         "INTEGER",
		"session_id": "TEXT",
		"message":    "TEXT",
		"type":       "TEXT",
		"timestamp":  "DATETIME",
	}, got)
}

func (suite *StoreTestSuite) TestSchemaIncludesSqlitePrefixedUserTables() {
	_, err := suite.store.db.ExecContext(suite.ctx, "CREATE TABLE sqlitely_notes (note TEXT)")
	require.NoError(suite.T(), err)

	tables, err := suite.store.DescribeSchema(suite.ctx)
	require.NoError(suite.T(), err)
	var names []string
	for _, t := range tables {
		names = append(names, t.Name)
	}
	assert.Equal(suite.T(), []string{TableName, "sqlitely_notes"}, names)

	require.NoError(suite.T(), suite.store.Reset(suite.ctx))
	tables, err = suite.store.DescribeSchema(suite.ctx)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), tables, 1)
	assert.Equal(suite.T(), TableName, tables[0].Name)
}

func (suite *StoreTestSuite) TestConcurrentAppends() {
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				err := suite.store.AppendTurn(suite.ctx, fmt.Sprintf("w%d", w), session.RoleUser, fmt.Sprintf("%d", i))
				assert.NoError(suite.T(), err)
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		turns, err := suite.store.GetTurns(suite.ctx, fmt.Sprintf("w%d", w))
		require.NoError(suite.T(), err)
		assert.Equal(suite.T(), []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, contents(turns))
	}
}

func (suite *StoreTestSuite) TestStorageErrorOnClosedStore() {
	require.NoError(suite.T(), suite.store.Close())

	err := suite.store.AppendTurn(suite.ctx, "s1", session.RoleUser, "lost")
	require.Error(suite.T(), err)

	var storageErr *StorageError
	require.True(suite.T(), errors.As(err, &storageErr))
	assert.Equal(suite.T(), "append turn", storageErr.Op)
	assert.NotNil(suite.T(), errors.Unwrap(err))

	_, err = suite.store.GetTurns(suite.ctx, "s1")
	assert.True(suite.T(), errors.As(err, &storageErr))
	suite.store = nil
}

func (suite *StoreTestSuite) TestHistoryCache() {
	cache, err := NewHistoryCache(suite.store, 2)
	require.NoError(suite.T(), err)

	h := cache.Get("s1")
	assert.Same(suite.T(), h, cache.Get("s1"))
	require.NoError(suite.T(), h.AddUserMessage(suite.ctx, "Hello"))
	require.NoError(suite.T(), h.AddAIMessage(suite.ctx, "Hi there"))

	msgs, err := h.Messages(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), []string{"Hello", "Hi there"}, contents(msgs))

	cache.Get("s2")
	cache.Get("s3")
	assert.Equal(suite.T(), 2, cache.Len())

	cache.Purge()
	assert.Equal(suite.T(), 0, cache.Len())
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	require.Error(t, err)

	var storageErr *StorageError
	assert.True(t, errors.As(err, &storageErr))
}

func TestPostgresRebind(t *testing.T) {
	got := postgresDialect{}.rebind("INSERT INTO t (a, b, c) VALUES (?, ?, ?)")
	assert.Equal(t, "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)", got)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "chat_history.db?_busy_timeout=5000&_journal_mode=WAL", sqliteDSN(""))
	assert.Equal(t, "file:x.db?mode=ro", sqliteDSN("file:x.db?mode=ro"))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"message_store"`, quoteIdent("message_store"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}
