package runset

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/laminar/internal/common/laminarerrors"
	"github.com/armadaproject/laminar/internal/laminar/run"
)

const (
	runsTable      = "runs"
	idIndex        = "id"        // a run by its identity
	nameBuildIndex = "nameBuild" // a run by job name and build number
	startedAtIndex = "startedAt" // runs in the order they started
	jobIndex       = "job"       // runs grouped by job name
)

// RunSet keeps track of the runs currently known to the server, and can look them up by
// (name, build), by identity, by start time and by job name.
//
// RunSet is implemented on top of https://github.com/hashicorp/go-memdb. Every mutation is a single
// write transaction, so a run is always present in all four indexes or in none of them. Reads use
// read transactions and may happen concurrently with writes.
type RunSet struct {
	db *memdb.MemDB
}

// entry is what is stored in memdb. Entries are never modified once inserted: memdb computes the
// old index keys of an object from the stored copy, so re-indexing means inserting a new entry.
type entry struct {
	Id        string
	Name      string
	Build     uint
	StartedAt int64
	run       *run.Run
}

func newEntry(r *run.Run) *entry {
	var startedAt int64
	if !r.StartedAt().IsZero() {
		startedAt = r.StartedAt().UnixNano()
	}
	return &entry{
		Id:        r.Id(),
		Name:      r.Name(),
		Build:     r.Build(),
		StartedAt: startedAt,
		run:       r,
	}
}

func NewRunSet() (*RunSet, error) {
	db, err := memdb.NewMemDB(runSetSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &RunSet{db: db}, nil
}

// Insert adds a configured run. It fails, leaving the set unchanged, if a run with the same job
// name and build number is already present.
func (s *RunSet) Insert(r *run.Run) error {
	if r.Build() == 0 {
		return errors.WithStack(&laminarerrors.ErrInvalidArgument{
			Name:    "build",
			Value:   r.Build(),
			Message: fmt.Sprintf("run of %s must be configured before it is registered", r.Name()),
		})
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(runsTable, nameBuildIndex, r.Name(), r.Build())
	if err != nil {
		return errors.WithStack(err)
	}
	if existing == nil {
		existing, err = txn.First(runsTable, idIndex, r.Id())
		if err != nil {
			return errors.WithStack(err)
		}
	}
	if existing != nil {
		return errors.WithStack(&laminarerrors.ErrAlreadyExists{
			Type:  "run",
			Value: key(r.Name(), r.Build()),
		})
	}
	if err := txn.Insert(runsTable, newEntry(r)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Refresh re-indexes a run after its start time has been set.
func (s *RunSet) Refresh(r *run.Run) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(runsTable, idIndex, r.Id())
	if err != nil {
		return errors.WithStack(err)
	}
	if existing == nil {
		return errors.WithStack(&laminarerrors.ErrNotFound{Type: "run", Value: key(r.Name(), r.Build())})
	}
	if err := txn.Insert(runsTable, newEntry(r)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// ByNameNumber returns the run with the given job name and build number, or nil.
func (s *RunSet) ByNameNumber(name string, build uint) *run.Run {
	return s.first(nameBuildIndex, name, build)
}

// ByRunId returns the run with the given identity, or nil.
func (s *RunSet) ByRunId(id string) *run.Run {
	return s.first(idIndex, id)
}

// Contains returns true if this exact run is in the set.
func (s *RunSet) Contains(r *run.Run) bool {
	return s.ByRunId(r.Id()) == r
}

// ByStartedAt returns the runs that have started, oldest first.
func (s *RunSet) ByStartedAt() []*run.Run {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.LowerBound(runsTable, startedAtIndex, int64(1))
	if err != nil {
		panic(errors.WithStack(err))
	}
	return collect(it)
}

// OldestRunning returns the run that started first, or nil if none has started.
func (s *RunSet) OldestRunning() *run.Run {
	runs := s.ByStartedAt()
	if len(runs) == 0 {
		return nil
	}
	return runs[0]
}

// ByJobName returns the runs of one job, by build number.
func (s *RunSet) ByJobName(name string) []*run.Run {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(runsTable, jobIndex, name)
	if err != nil {
		panic(errors.WithStack(err))
	}
	runs := collect(it)
	slices.SortFunc(runs, func(a, b *run.Run) bool { return a.Build() < b.Build() })
	return runs
}

// Jobs returns the names of the jobs with at least one run in the set, in order.
func (s *RunSet) Jobs() []string {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(runsTable, jobIndex)
	if err != nil {
		panic(errors.WithStack(err))
	}
	var jobs []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		name := obj.(*entry).Name
		if len(jobs) == 0 || jobs[len(jobs)-1] != name {
			jobs = append(jobs, name)
		}
	}
	return jobs
}

// All returns every run in the set, in no particular order.
func (s *RunSet) All() []*run.Run {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(runsTable, idIndex)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return collect(it)
}

func (s *RunSet) Len() int {
	return len(s.All())
}

// Remove removes the run with the same identity as r. It returns false if there was none.
func (s *RunSet) Remove(r *run.Run) bool {
	return s.removeWhere(idIndex, r.Id()) == 1
}

// RemoveByNameNumber removes the run with the given job name and build number.
func (s *RunSet) RemoveByNameNumber(name string, build uint) bool {
	return s.removeWhere(nameBuildIndex, name, build) == 1
}

// RemoveJob removes every run of a job and returns how many there were.
func (s *RunSet) RemoveJob(name string) int {
	return s.removeWhere(jobIndex, name)
}

// RemoveStartedBefore removes every run that started before t and returns how many there were.
func (s *RunSet) RemoveStartedBefore(t time.Time) int {
	txn := s.db.Txn(true)
	defer txn.Abort()
	it, err := txn.LowerBound(runsTable, startedAtIndex, int64(1))
	if err != nil {
		panic(errors.WithStack(err))
	}
	var stale []interface{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if obj.(*entry).StartedAt >= t.UnixNano() {
			break
		}
		stale = append(stale, obj)
	}
	return deleteAll(txn, stale)
}

func (s *RunSet) removeWhere(index string, args ...interface{}) int {
	txn := s.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(runsTable, index, args...)
	if err != nil {
		panic(errors.WithStack(err))
	}
	var matched []interface{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		matched = append(matched, obj)
	}
	return deleteAll(txn, matched)
}

// deleteAll deletes the entries and commits. Iterators must be exhausted before deleting.
func deleteAll(txn *memdb.Txn, entries []interface{}) int {
	for _, obj := range entries {
		if err := txn.Delete(runsTable, obj); err != nil {
			panic(errors.WithStack(err))
		}
	}
	txn.Commit()
	return len(entries)
}

func (s *RunSet) first(index string, args ...interface{}) *run.Run {
	txn := s.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(runsTable, index, args...)
	if err != nil {
		panic(errors.WithStack(err))
	}
	if obj == nil {
		return nil
	}
	return obj.(*entry).run
}

func collect(it memdb.ResultIterator) []*run.Run {
	var runs []*run.Run
	for obj := it.Next(); obj != nil; obj = it.Next() {
		runs = append(runs, obj.(*entry).run)
	}
	return runs
}

func key(name string, build uint) string {
	return fmt.Sprintf("%s:%d", name, build)
}

// runSetSchema creates the database schema: a single "runs" table with one index per lookup discipline.
func runSetSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
	// memdb does not enforce uniqueness of secondary indexes; Insert checks it.
	indexes[nameBuildIndex] = &memdb.IndexSchema{
		Name:   nameBuildIndex,
		Unique: true,
		Indexer: &memdb.CompoundIndex{
			Indexes: []memdb.Indexer{
				&memdb.StringFieldIndex{Field: "Name"},
				&memdb.UintFieldIndex{Field: "Build"},
			},
		},
	}
	indexes[startedAtIndex] = &memdb.IndexSchema{
		Name:    startedAtIndex,
		Unique:  false,
		Indexer: &memdb.IntFieldIndex{Field: "StartedAt"},
	}
	indexes[jobIndex] = &memdb.IndexSchema{
		Name:    jobIndex,
		Unique:  false,
		Indexer: &memdb.StringFieldIndex{Field: "Name"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			runsTable: {
				Name:    runsTable,
				Indexes: indexes,
			},
		},
	}
}
