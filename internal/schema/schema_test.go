package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/testutil"
	"github.com/roach88/ifgate/internal/value"
)

func createTestFactory(t *testing.T) *recordstore.Factory {
	t.Helper()
	f, err := recordstore.NewFactory(t.TempDir(), recordstore.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	return f
}

func builtin(t *testing.T, name string) *Schema {
	t.Helper()
	reg, err := BuiltinRegistry()
	require.NoError(t, err)
	s, err := reg.Lookup(name)
	require.NoError(t, err)
	return s
}

func open(t *testing.T, f *recordstore.Factory, s *Schema, version int64) *recordstore.DB {
	t.Helper()
	db, err := f.Open(context.Background(), "db", version, s.Upgrade(testutil.DiscardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBuiltin(t *testing.T) {
	reg, err := BuiltinRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{"SharedCache", "User"}, reg.Names())

	user, err := reg.Lookup("User")
	require.NoError(t, err)
	assert.Equal(t, int64(22), user.Latest())
	for i, v := range user.Versions() {
		assert.Equal(t, int64(i+1), v)
	}

	cache, err := reg.Lookup("SharedCache")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, cache.Versions())

	_, err = reg.Lookup("Nope")
	assert.ErrorIs(t, err, ErrNoSchema)
	assert.Contains(t, err.Error(), "No Database Schema")
}

func TestPlan(t *testing.T) {
	s := &Schema{Name: "T", Migrations: []Migration{{Version: 1}, {Version: 2}, {Version: 4}}}

	plan, err := s.Plan(0, 2)
	require.NoError(t, err)
	assert.Len(t, plan, 2)

	plan, err = s.Plan(1, 2)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, int64(2), plan[0].Version)

	tests := []struct {
		name     string
		from, to int64
	}{
		{"missing intermediate", 0, 4},
		{"missing intermediate from middle", 2, 4},
		{"target past the end", 0, 3},
		{"nothing to apply", 4, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Plan(tt.from, tt.to)
			require.Error(t, err)
			assert.True(t, IsGap(err))
			assert.Equal(t, "Missing migrations for target version: "+itoa(tt.to), err.Error())
		})
	}
}

func itoa(n int64) string {
	data, _ := value.Marshal(value.Int(n))
	return string(data)
}

func TestUpgrade_UserLatest(t *testing.T) {
	f := createTestFactory(t)
	db := open(t, f, builtin(t, "User"), 22)

	assert.Equal(t, []string{
		"cache", "contacts", "counters", "identityKeys", "messages", "preKeys",
		"protocolReceipts", "quarantinedMessages", "receipts", "sessions",
		"signedPreKeys", "state", "threads", "trustedIdentities",
	}, db.ObjectStoreNames())

	err := db.View(context.Background(), func(tx *recordstore.Tx) error {
		msgs, err := tx.Collection("messages")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"body-ngrams", "expire", "from-ngrams", "member", "messageRef",
			"sent", "threadId-read", "threadId-timestamp", "to-ngrams",
		}, msgs.IndexNames())

		member, err := msgs.Index("member")
		require.NoError(t, err)
		assert.True(t, member.MultiEntry())

		threads, err := tx.Collection("threads")
		require.NoError(t, err)
		assert.Equal(t, []string{"archived-timestamp", "pendingMember", "timestamp"}, threads.IndexNames())

		counters, err := tx.Collection("counters")
		require.NoError(t, err)
		idx, err := counters.Index("model-fk-slot-key")
		require.NoError(t, err)
		assert.True(t, idx.KeyPath().Equal(recordstore.Compound("model", "fk", "slot", "key")))
		return nil
	})
	require.NoError(t, err)
}

func TestUpgrade_ArchivedBackfill(t *testing.T) {
	f := createTestFactory(t)
	user := builtin(t, "User")
	db := open(t, f, user, 13)

	require.NoError(t, db.Update(context.Background(), func(tx *recordstore.Tx) error {
		threads, err := tx.Collection("threads")
		require.NoError(t, err)
		_, err = threads.Put(value.Object{"id": value.String("t1"), "timestamp": value.Int(1)}, value.String("t1"))
		require.NoError(t, err)
		_, err = threads.Put(value.Object{"id": value.String("t2"), "archived": value.Int(1)}, value.String("t2"))
		return err
	}))
	require.NoError(t, db.Close())

	db = open(t, f, user, 14)
	require.NoError(t, db.View(context.Background(), func(tx *recordstore.Tx) error {
		threads, err := tx.Collection("threads")
		require.NoError(t, err)

		t1, _, err := threads.Get(value.String("t1"))
		require.NoError(t, err)
		assert.Equal(t, value.Int(0), t1.(value.Object)["archived"])

		t2, _, err := threads.Get(value.String("t2"))
		require.NoError(t, err)
		assert.Equal(t, value.Int(1), t2.(value.Object)["archived"])

		idx, err := threads.Index("archived-timestamp")
		require.NoError(t, err)
		n, err := idx.Count(nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "t2 has no timestamp")
		return nil
	}))
}

func TestUpgrade_TimestampBackfill(t *testing.T) {
	f := createTestFactory(t)
	user := builtin(t, "User")
	db := open(t, f, user, 21)

	require.NoError(t, db.Update(context.Background(), func(tx *recordstore.Tx) error {
		msgs, err := tx.Collection("messages")
		require.NoError(t, err)
		for _, rec := range []value.Object{
			{"id": value.String("m1"), "threadId": value.String("t"), "serverReceived": value.Int(100), "sent": value.Int(90)},
			{"id": value.String("m2"), "threadId": value.String("t"), "serverReceived": value.Int(0), "sent": value.Int(50)},
			{"id": value.String("m3"), "threadId": value.String("t"), "sent": value.Int(70)},
		} {
			if _, err := msgs.Put(rec, rec["id"]); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Close())

	db = open(t, f, user, 22)
	require.NoError(t, db.View(context.Background(), func(tx *recordstore.Tx) error {
		msgs, err := tx.Collection("messages")
		require.NoError(t, err)

		want := map[string]int64{"m1": 100, "m2": 50, "m3": 70}
		for id, ts := range want {
			rec, ok, err := msgs.Get(value.String(id))
			require.NoError(t, err)
			require.True(t, ok)
			obj := rec.(value.Object)
			assert.Equal(t, value.Int(ts), obj["timestamp"], id)
			_, has := obj["serverReceived"]
			assert.False(t, has, id)
		}

		idx, err := msgs.Index("threadId-timestamp")
		require.NoError(t, err)
		cur, err := idx.OpenCursor(nil, recordstore.Prev)
		require.NoError(t, err)
		var order []value.Value
		for cur.Valid() {
			order = append(order, cur.PrimaryKey())
			require.NoError(t, cur.Continue())
		}
		assert.Equal(t, []value.Value{value.String("m1"), value.String("m3"), value.String("m2")}, order)
		return nil
	}))
}

func TestUpgrade_GapLeavesNoPartialChanges(t *testing.T) {
	schemas, err := LoadCUE(Source{Filename: "gap.cue", Data: []byte(`
		schema: Gap: migrations: [
			{version: 1, steps: [{op: "createStore", store: "a"}]},
			{version: 2, steps: [{op: "createStore", store: "b"}]},
			{version: 4, steps: [{op: "createStore", store: "d"}]},
		]
	`)})
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	gap := schemas[0]

	f := createTestFactory(t)
	_, err = f.Open(context.Background(), "db", 4, gap.Upgrade(testutil.DiscardLogger()))
	require.Error(t, err)
	assert.True(t, IsGap(err))
	assert.Equal(t, recordstore.AbortError, recordstore.NameOf(err))

	v, err := f.StoredVersion(context.Background(), "db")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	db := open(t, f, gap, 2)
	assert.Equal(t, []string{"a", "b"}, db.ObjectStoreNames())
}

func TestUpgrade_FailingStepRollsBack(t *testing.T) {
	schemas, err := LoadCUE(Source{Filename: "bad.cue", Data: []byte(`
		schema: Bad: migrations: [
			{version: 1, steps: [
				{op: "createStore", store: "a"},
				{op: "deleteIndex", store: "a", name: "missing"},
			]},
		]
	`)})
	require.NoError(t, err)

	f := createTestFactory(t)
	_, err = f.Open(context.Background(), "db", 1, schemas[0].Upgrade(testutil.DiscardLogger()))
	require.Error(t, err)
	assert.True(t, recordstore.IsNotFound(err))
	assert.Contains(t, err.Error(), "migration 1 step 1")

	v, err := f.StoredVersion(context.Background(), "db")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}
