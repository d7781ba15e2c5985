package download

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/media"
)

const indexKeyPrefix = "download:"

type State string

const (
	StateQueued      State = "QUEUED"
	StateDownloading State = "DOWNLOADING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateRemoving    State = "REMOVING"
)

type Record struct {
	ID        media.TrackID `json:"id"`
	State     State         `json:"state"`
	Percent   int           `json:"percent"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Index persists download records so the manager can restore its view after a restart.
type Index struct {
	db *badger.DB
}

// OpenIndex opens the badger index in dir. An empty dir keeps the index in memory.
func OpenIndex(dir string) (*Index, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if nil != err {
		flawP := flaw.P{"dir": dir, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to open download index: %v", err)).Append(flawP)
	}
	return &Index{db: db}, nil
}

func indexKey(id media.TrackID) []byte {
	return []byte(indexKeyPrefix + string(id))
}

func (i *Index) Put(r Record) error {
	b, err := json.Marshal(r)
	if nil != err {
		flawP := flaw.P{"id": r.ID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to marshal download record: %v", err)).Append(flawP)
	}
	if err := i.db.Update(func(txn *badger.Txn) error { return txn.Set(indexKey(r.ID), b) }); nil != err {
		flawP := flaw.P{"id": r.ID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to write download record: %v", err)).Append(flawP)
	}
	return nil
}

func (i *Index) Delete(id media.TrackID) error {
	if err := i.db.Update(func(txn *badger.Txn) error { return txn.Delete(indexKey(id)) }); nil != err {
		flawP := flaw.P{"id": id, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to delete download record: %v", err)).Append(flawP)
	}
	return nil
}

func (i *Index) All() ([]Record, error) {
	var out []Record
	err := i.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(indexKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var r Record
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); nil != err {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to list download records: %v", err)).Append(flawP)
	}
	return out, nil
}

func (i *Index) Close() error {
	if err := i.db.Close(); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to close download index: %v", err)).Append(flawP)
	}
	return nil
}
