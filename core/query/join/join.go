// Package join computes the natural join of two tables on their keys.
package join

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os"

	"github.com/sushant-115/bptdb/core/engine"
	"github.com/sushant-115/bptdb/core/indexing/bptree"
	"go.uber.org/multierr"
)

// Row is one key present in both tables.
type Row struct {
	Key   int64
	Left  []byte
	Right []byte
}

// Join walks both tables' leaf chains in key order and calls emit for every
// key they share. Keys are unique within a table, so each shared key yields
// exactly one row. The tables must not be modified while the join runs.
func Join(ctx context.Context, e *engine.Engine, left, right engine.TableID, emit func(Row) error) error {
	lc, err := e.Seek(ctx, left, math.MinInt64)
	if err != nil {
		return err
	}
	rc, err := e.Seek(ctx, right, math.MinInt64)
	if err != nil {
		return err
	}

	lok, rok := lc.Next(), rc.Next()
	for lok && rok {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch lk, rk := lc.Key(), rc.Key(); {
		case lk < rk:
			lok = lc.Next()
		case lk > rk:
			rok = rc.Next()
		default:
			if err := emit(Row{Key: lk, Left: lc.Value(), Right: rc.Value()}); err != nil {
				return err
			}
			lok, rok = lc.Next(), rc.Next()
		}
	}
	return cursorErr(lc, rc)
}

func cursorErr(cs ...*bptree.Cursor) error {
	var err error
	for _, c := range cs {
		err = multierr.Append(err, c.Err())
	}
	return err
}

// JoinToFile writes the join of left and right to path, one
// "key,value1,key,value2" line per row. Values end at their first zero byte.
func JoinToFile(ctx context.Context, e *engine.Engine, left, right engine.TableID, path string) (rows int, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create join output %s: %w", path, err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	w := bufio.NewWriter(f)
	err = Join(ctx, e, left, right, func(r Row) error {
		rows++
		_, err := fmt.Fprintf(w, "%d,%s,%d,%s\n", r.Key, text(r.Left), r.Key, text(r.Right))
		return err
	})
	if err != nil {
		return rows, err
	}
	return rows, w.Flush()
}

func text(v []byte) []byte {
	if i := bytes.IndexByte(v, 0); i >= 0 {
		return v[:i]
	}
	return v
}
