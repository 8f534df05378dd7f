package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

func setupTestDB(t *testing.T) *BoltDB {
	t.Helper()

	db, err := NewBoltDB(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestSchemaVersionWrittenOnInit(t *testing.T) {
	db := setupTestDB(t)

	version, err := db.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(CurrentSchemaVersion), version)
}

func TestToolStatsIncrement(t *testing.T) {
	db := setupTestDB(t)

	before := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, db.IncrementToolStats("github__create_issue"))
	}

	record, err := db.GetToolStats("github__create_issue")
	require.NoError(t, err)
	assert.Equal(t, "github__create_issue", record.ToolName)
	assert.Equal(t, uint64(3), record.Count)
	assert.False(t, record.LastUsed.Before(before))

	_, err = db.GetToolStats("never-called")
	require.Error(t, err)
}

func TestListToolStats(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.IncrementToolStats("github__create_issue"))
	require.NoError(t, db.IncrementToolStats("jira__search"))
	require.NoError(t, db.IncrementToolStats("jira__search"))

	records, err := db.ListToolStats()
	require.NoError(t, err)
	require.Len(t, records, 2)

	byName := map[string]uint64{}
	for _, r := range records {
		byName[r.ToolName] = r.Count
	}
	assert.Equal(t, uint64(1), byName["github__create_issue"])
	assert.Equal(t, uint64(2), byName["jira__search"])
}

func TestToolCacheRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	schema := json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}}}`)
	record := &ToolCacheRecord{
		UpstreamID: "github",
		Hash:       "abc123",
		Tools: []CachedTool{
			{Name: "create_issue", Description: "Create an issue", InputSchema: schema},
			{Name: "list_repos"},
		},
	}
	require.NoError(t, db.SaveUpstreamTools(record))
	assert.False(t, record.Updated.IsZero(), "save stamps the record")

	got, err := db.GetUpstreamTools("github")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.Hash)
	require.Len(t, got.Tools, 2)
	assert.Equal(t, "create_issue", got.Tools[0].Name)
	assert.JSONEq(t, string(schema), string(got.Tools[0].InputSchema),
		"input schema survives storage byte-for-byte semantically")

	require.NoError(t, db.DeleteUpstreamTools("github"))
	_, err = db.GetUpstreamTools("github")
	require.Error(t, err)
	require.NoError(t, db.DeleteUpstreamTools("github"), "deleting an absent cache is not an error")
}

func TestListUpstreamTools(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.SaveUpstreamTools(&ToolCacheRecord{UpstreamID: "github", Hash: "h1"}))
	require.NoError(t, db.SaveUpstreamTools(&ToolCacheRecord{UpstreamID: "jira", Hash: "h2"}))

	records, err := db.ListUpstreamTools()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestCommandRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	record := &CommandRecord{
		Name:        "summarize",
		Description: "Summarize tool output",
		Source:      `export default async function run() { return "ok"; }`,
		Version:     "1.2.0",
		MinVersion:  "0.5.0",
	}
	require.NoError(t, db.SaveCommand(record))
	assert.False(t, record.Installed.IsZero())
	assert.False(t, record.Updated.IsZero())

	got, err := db.GetCommand("summarize")
	require.NoError(t, err)
	assert.Equal(t, record.Source, got.Source)
	assert.Equal(t, "1.2.0", got.Version)

	// Re-saving keeps the original install time.
	installed := got.Installed
	got.Version = "1.3.0"
	require.NoError(t, db.SaveCommand(got))
	updated, err := db.GetCommand("summarize")
	require.NoError(t, err)
	assert.Equal(t, installed.Unix(), updated.Installed.Unix())
	assert.Equal(t, "1.3.0", updated.Version)

	records, err := db.ListCommands()
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, db.DeleteCommand("summarize"))
	_, err = db.GetCommand("summarize")
	require.Error(t, err)
}

func TestBackupProducesOpenableDatabase(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.IncrementToolStats("github__create_issue"))

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, db.Backup(backupPath))

	info, err := os.Stat(backupPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	restored, err := bbolt.Open(backupPath, 0o644, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer restored.Close()

	err = restored.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolStatsBucket))
		require.NotNil(t, bucket)
		assert.NotNil(t, bucket.Get([]byte("github__create_issue")))
		return nil
	})
	require.NoError(t, err)
}
