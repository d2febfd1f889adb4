package recordstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ifgate/internal/testutil"
	"github.com/roach88/ifgate/internal/value"
)

// createTestFactory creates a factory rooted in a temporary directory.
func createTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(t.TempDir(), WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	return f
}

// openTestDB opens name at version and closes it at cleanup.
func openTestDB(t *testing.T, f *Factory, name string, version int64, upgrade UpgradeFunc, opts ...OpenOption) *DB {
	t.Helper()
	db, err := f.Open(context.Background(), name, version, upgrade, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// messagesSchema creates an out-of-line "messages" collection with the
// indexes the tests query.
func messagesSchema(tx *Tx, _, _ int64) error {
	msgs, err := tx.CreateCollection("messages", CollectionOptions{})
	if err != nil {
		return err
	}
	if _, err := msgs.CreateIndex("sent", Path("sent"), IndexOptions{}); err != nil {
		return err
	}
	if _, err := msgs.CreateIndex("threadId-sent", Compound("threadId", "sent"), IndexOptions{}); err != nil {
		return err
	}
	if _, err := msgs.CreateIndex("member", Path("members"), IndexOptions{MultiEntry: true}); err != nil {
		return err
	}
	return nil
}

func msg(id, thread string, sent int64, members ...string) value.Object {
	obj := value.Object{
		"id":       value.String(id),
		"threadId": value.String(thread),
		"sent":     value.Int(sent),
	}
	if len(members) > 0 {
		arr := make(value.Array, len(members))
		for i, m := range members {
			arr[i] = value.String(m)
		}
		obj["members"] = arr
	}
	return obj
}

// putAll stores records in "messages" keyed by their id field.
func putAll(t *testing.T, db *DB, records ...value.Object) {
	t.Helper()
	err := db.Update(context.Background(), func(tx *Tx) error {
		c, err := tx.Collection("messages")
		if err != nil {
			return err
		}
		for _, r := range records {
			if _, err := c.Put(r, r["id"]); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func ids(records []value.Value) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		id, _ := value.AsString(r.(value.Object)["id"])
		out = append(out, id)
	}
	return out
}

func collect(t *testing.T, cur *Cursor) []value.Value {
	t.Helper()
	var out []value.Value
	for cur.Valid() {
		out = append(out, cur.Value())
		require.NoError(t, cur.Continue())
	}
	return out
}
