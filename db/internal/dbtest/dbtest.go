// Package dbtest holds the behaviour every db.Database backend must share.
package dbtest

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/agrotrace/trace-deployer/db"
)

// TestWriteTx checks read-your-writes inside a transaction and visibility
// after commit.
func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	_, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(wTx.Set([]byte("a"), []byte("b")), qt.IsNil)
	v, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// not visible until committed
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(wTx.Commit(), qt.IsNil)
	v, err = database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// a committed transaction can not be reused
	c.Assert(wTx.Set([]byte("c"), []byte("d")), qt.ErrorIs, db.ErrTxDone)
	wTx.Discard()

	wTx = database.WriteTx()
	c.Assert(wTx.Delete([]byte("a")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestDiscard checks that discarded writes are dropped.
func TestDiscard(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("discarded"), []byte("x")), qt.IsNil)
	wTx.Discard()

	_, err := database.Get([]byte("discarded"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestIterate checks prefix filtering and lexicographic order.
func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	for _, k := range []string{"r/2", "r/1", "d/1", "r/3", "s"} {
		c.Assert(wTx.Set([]byte(k), []byte("v"+k)), qt.IsNil)
	}
	c.Assert(wTx.Commit(), qt.IsNil)

	var keys []string
	err := database.Iterate([]byte("r/"), func(k, v []byte) bool {
		c.Assert(string(v), qt.Equals, "v"+string(k))
		keys = append(keys, string(k))
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"r/1", "r/2", "r/3"})

	// stop early
	keys = keys[:0]
	err = database.Iterate([]byte("r/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return len(keys) < 2
	})
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.HasLen, 2)

	// pending writes are visible to the transaction iterator
	wTx = database.WriteTx()
	defer wTx.Discard()
	c.Assert(wTx.Set([]byte("r/0"), []byte("vr/0")), qt.IsNil)
	keys = keys[:0]
	err = wTx.Iterate([]byte("r/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"r/0", "r/1", "r/2", "r/3"})
}
