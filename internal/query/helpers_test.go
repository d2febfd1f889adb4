package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/testutil"
	"github.com/roach88/ifgate/internal/value"
)

// createTestDB opens a database with a "messages" collection holding ten
// records m01..m10 with sent = 1..10, threadId alternating t1/t2 and
// members alice (odd) or bob (even).
func createTestDB(t *testing.T) *recordstore.DB {
	t.Helper()
	f, err := recordstore.NewFactory(t.TempDir(), recordstore.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)

	db, err := f.Open(context.Background(), "db", 1, func(tx *recordstore.Tx, _, _ int64) error {
		c, err := tx.CreateCollection("messages", recordstore.CollectionOptions{})
		if err != nil {
			return err
		}
		if _, err := c.CreateIndex("sent", recordstore.Path("sent"), recordstore.IndexOptions{}); err != nil {
			return err
		}
		if _, err := c.CreateIndex("expire", recordstore.Path("expire"), recordstore.IndexOptions{}); err != nil {
			return err
		}
		if _, err := c.CreateIndex("member", recordstore.Path("members"), recordstore.IndexOptions{MultiEntry: true}); err != nil {
			return err
		}
		_, err = c.CreateIndex("threadId-sent", recordstore.Compound("threadId", "sent"), recordstore.IndexOptions{})
		return err
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Update(context.Background(), func(tx *recordstore.Tx) error {
		c, err := tx.Collection("messages")
		if err != nil {
			return err
		}
		for i := 1; i <= 10; i++ {
			thread, member := "t1", "alice"
			if i%2 == 0 {
				thread, member = "t2", "bob"
			}
			id := fmt.Sprintf("m%02d", i)
			rec := value.Object{
				"id":       value.String(id),
				"sent":     value.Int(i),
				"threadId": value.String(thread),
				"members":  value.Array{value.String(member)},
			}
			if _, err := c.Put(rec, value.String(id)); err != nil {
				return err
			}
		}
		return nil
	}))
	return db
}

// withMessages runs fn against the messages collection in a read-only
// transaction.
func withMessages(t *testing.T, db *recordstore.DB, fn func(c *recordstore.Collection)) {
	t.Helper()
	require.NoError(t, db.View(context.Background(), func(tx *recordstore.Tx) error {
		c, err := tx.Collection("messages")
		require.NoError(t, err)
		fn(c)
		return nil
	}))
}

func mustParse(t *testing.T, src string) value.Value {
	t.Helper()
	v, err := value.Parse([]byte(src))
	require.NoError(t, err)
	return v
}

func mustDecode(t *testing.T, src string) Request {
	t.Helper()
	req, err := Decode(mustParse(t, src))
	require.NoError(t, err)
	return req
}

func ids(records []value.Value) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		id, _ := value.AsString(r.(value.Object)["id"])
		out = append(out, id)
	}
	return out
}
