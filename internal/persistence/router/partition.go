// Package router implements the shard and partition router: given a
// logical (table, key), it resolves the outer shard (by hash64 mod
// num_shards) and the inner partition (by a per-table strategy), and
// tracks split/merge/retention maintenance triggers.
package router

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Strategy selects how a table's partitions are keyed.
type Strategy int

const (
	StrategyRange Strategy = iota
	StrategyHash
	StrategyList
	StrategyRoundRobin
	StrategyComposite
)

// Partition is one physical slice of a logical table.
type Partition struct {
	ID         int
	Name       string
	MinValue   string // inclusive, range strategy only
	MaxValue   string // exclusive, range strategy only
	RowCount   int64
	ByteSize   int64
	Active     bool
	ReadOnly   bool
	CreatedAt  time.Time
}

// TableScheme configures one logical table's partitioning.
type TableScheme struct {
	Table         string
	Strategy      Strategy
	HashBuckets   int
	ListMapping   map[string]int // discrete key value -> partition id
	MaxRows       int64
	MaxBytes      int64
	RetentionDays int
	AutoCreate    bool
}

// partitionedTable holds one scheme plus its live partitions.
type partitionedTable struct {
	scheme     TableScheme
	partitions map[int]*Partition
	nextRange  int // for range auto-creation
	rrCounter  int // round-robin cursor
	nextID     int

	// hashRedirect records, for a hash-strategy table, the two successor
	// bucket ids a split original routes to. Populated by Split, consulted
	// by partitionFor so hash routing never lands on an inactive bucket.
	hashRedirect map[int][2]int
}

// Router resolves (table, key) to (shard pool name, physical table name,
// read-only). Shard selection is independent of partition selection: the
// shard is the outer routing decision, chosen purely from hash64(key).
type Router struct {
	mu         sync.Mutex
	numShards  int
	tables     map[string]*partitionedTable
	splitQueue []SplitCandidate
	mergeQueue []MergeCandidate
}

// SplitCandidate names a partition whose size crossed a configured limit.
type SplitCandidate struct {
	Table       string
	PartitionID int
}

// MergeCandidate names two small partitions of the same table that are
// combinable without exceeding half the max size.
type MergeCandidate struct {
	Table        string
	PartitionA   int
	PartitionB   int
}

// New creates a router over numShards outer shard pools.
func New(numShards int) *Router {
	if numShards <= 0 {
		numShards = 1
	}
	return &Router{numShards: numShards, tables: make(map[string]*partitionedTable)}
}

// RegisterTable installs a partitioning scheme for table, pre-creating
// partitions for the hash and list strategies (range tables start empty
// and rely on auto-creation, or are seeded via AddRangePartition).
func (r *Router) RegisterTable(scheme TableScheme) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pt := &partitionedTable{scheme: scheme, partitions: make(map[int]*Partition), nextID: 1000}
	switch scheme.Strategy {
	case StrategyHash:
		buckets := scheme.HashBuckets
		if buckets <= 0 {
			buckets = 16
		}
		for i := 0; i < buckets; i++ {
			pt.partitions[i] = &Partition{ID: i, Name: partitionName(scheme.Table, i), Active: true, CreatedAt: time.Now()}
		}
	case StrategyList:
		seen := map[int]bool{}
		for _, id := range scheme.ListMapping {
			if seen[id] {
				continue
			}
			seen[id] = true
			pt.partitions[id] = &Partition{ID: id, Name: partitionName(scheme.Table, id), Active: true, CreatedAt: time.Now()}
		}
	}
	r.tables[scheme.Table] = pt
}

// AddRangePartition seeds a [min, max) range for a range-strategy table.
func (r *Router) AddRangePartition(table, minValue, maxValue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.tables[table]
	if !ok {
		return
	}
	id := pt.nextID
	pt.nextID++
	pt.partitions[id] = &Partition{ID: id, Name: partitionName(table, id), MinValue: minValue, MaxValue: maxValue, Active: true, CreatedAt: time.Now()}
}

func partitionName(table string, id int) string {
	return table + "_p" + strconv.Itoa(id)
}

// Route resolves key for table: the shard pool name, the concrete
// partition-qualified table name, and whether the target is read-only
// (true only while an inactive partition is serving reads during a split
// migration window).
type Route struct {
	ShardPool     string
	PhysicalTable string
	ReadOnly      bool
}

func shardPool(key string, numShards int) string {
	idx := hash64(key) % uint64(numShards)
	return "shard_" + strconv.Itoa(int(idx))
}

// Route computes the full routing decision for one (table, key) pair.
func (r *Router) Route(table, key string) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pt, ok := r.tables[table]
	if !ok {
		return Route{}, false
	}

	p := r.partitionFor(pt, key)
	if p == nil {
		return Route{}, false
	}
	return Route{
		ShardPool:     shardPool(key, r.numShards),
		PhysicalTable: p.Name,
		ReadOnly:      p.ReadOnly,
	}, true
}

func (r *Router) partitionFor(pt *partitionedTable, key string) *Partition {
	switch pt.scheme.Strategy {
	case StrategyHash:
		buckets := pt.scheme.HashBuckets
		if buckets <= 0 {
			buckets = 16
		}
		id := int(hash64(key) % uint64(buckets))
		id = resolveHashRedirect(pt, id, key)
		return pt.partitions[id]

	case StrategyList:
		id, ok := pt.scheme.ListMapping[key]
		if !ok {
			return nil
		}
		return pt.partitions[id]

	case StrategyRange:
		for _, p := range pt.partitions {
			if p.Active && key >= p.MinValue && key < p.MaxValue {
				return p
			}
		}
		if pt.scheme.AutoCreate {
			return r.autoCreateRangePartition(pt, key)
		}
		return nil

	case StrategyRoundRobin:
		ids := activeIDsSorted(pt)
		if len(ids) == 0 {
			return nil
		}
		id := ids[pt.rrCounter%len(ids)]
		pt.rrCounter++
		return pt.partitions[id]

	case StrategyComposite:
		// Composite falls back to hash-of-key over the configured bucket
		// count, giving callers a stable default until a richer composite
		// key function is wired in by the caller's table scheme.
		buckets := pt.scheme.HashBuckets
		if buckets <= 0 {
			buckets = 16
		}
		id := int(hash64(key) % uint64(buckets))
		p, ok := pt.partitions[id]
		if !ok {
			p = &Partition{ID: id, Name: partitionName(pt.scheme.Table, id), Active: true, CreatedAt: time.Now()}
			pt.partitions[id] = p
		}
		return p

	default:
		return nil
	}
}

// resolveHashRedirect follows a hash bucket's split history, if any, to the
// active successor that now serves key. Each split deterministically assigns
// a key to one of its two successors via the next unconsumed bit of the
// key's hash, so repeated lookups for the same key always agree and the
// walk terminates as soon as a bucket has no recorded split.
func resolveHashRedirect(pt *partitionedTable, id int, key string) int {
	if len(pt.hashRedirect) == 0 {
		return id
	}
	h := hash64(key)
	for depth := 0; depth < 32; depth++ {
		successors, ok := pt.hashRedirect[id]
		if !ok {
			return id
		}
		if (h>>uint(depth))&1 == 0 {
			id = successors[0]
		} else {
			id = successors[1]
		}
	}
	return id
}

func activeIDsSorted(pt *partitionedTable) []int {
	var ids []int
	for id, p := range pt.partitions {
		if p.Active {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// autoCreateRangePartition materializes a new partition lazily when a key
// falls beyond every existing range.
func (r *Router) autoCreateRangePartition(pt *partitionedTable, key string) *Partition {
	id := pt.nextID
	pt.nextID++
	p := &Partition{ID: id, Name: partitionName(pt.scheme.Table, id), MinValue: key, MaxValue: key + "\xff", Active: true, CreatedAt: time.Now()}
	pt.partitions[id] = p
	return p
}

// UpdateStats records the latest row count/byte size observed for a
// partition, typically gathered by a periodic stats-collection job
// against the storage driver.
func (r *Router) UpdateStats(table string, partitionID int, rowCount, byteSize int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.tables[table]
	if !ok {
		return
	}
	p, ok := pt.partitions[partitionID]
	if !ok {
		return
	}
	p.RowCount = rowCount
	p.ByteSize = byteSize
}

// RunMaintenance scans every table for split/merge/retention candidates.
// Splitting and merging themselves (data migration via the storage
// driver) are the caller's responsibility; this only identifies
// candidates and marks the inactive/read-only transition.
func (r *Router) RunMaintenance(now time.Time) ([]SplitCandidate, []MergeCandidate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.splitQueue = nil
	r.mergeQueue = nil

	for table, pt := range r.tables {
		r.dropRetired(table, pt, now)
		r.queueSplits(table, pt)
		r.queueMerges(table, pt)
	}
	return r.splitQueue, r.mergeQueue
}

func (r *Router) dropRetired(_ string, pt *partitionedTable, now time.Time) {
	if pt.scheme.RetentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -pt.scheme.RetentionDays)
	for id, p := range pt.partitions {
		if !p.Active && p.CreatedAt.Before(cutoff) {
			delete(pt.partitions, id)
		}
	}
}

func (r *Router) queueSplits(table string, pt *partitionedTable) {
	for id, p := range pt.partitions {
		if !p.Active {
			continue
		}
		overRows := pt.scheme.MaxRows > 0 && p.RowCount > pt.scheme.MaxRows
		overBytes := pt.scheme.MaxBytes > 0 && p.ByteSize > pt.scheme.MaxBytes
		if overRows || overBytes {
			r.splitQueue = append(r.splitQueue, SplitCandidate{Table: table, PartitionID: id})
		}
	}
}

func (r *Router) queueMerges(table string, pt *partitionedTable) {
	var small []int
	for id, p := range pt.partitions {
		if p.Active && pt.scheme.MaxBytes > 0 && p.ByteSize < pt.scheme.MaxBytes/2 {
			small = append(small, id)
		}
	}
	sort.Ints(small)
	for i := 0; i+1 < len(small); i += 2 {
		r.mergeQueue = append(r.mergeQueue, MergeCandidate{Table: table, PartitionA: small[i], PartitionB: small[i+1]})
	}
}

// Split marks original inactive and read-only, and creates two new active
// partitions spanning the same key space. Data migration itself runs via
// the storage driver, outside this router; this only updates the
// in-memory routing table once migration has been kicked off. When two
// partitions could accept the same key during this window, the caller
// should prefer whichever is Active — the inactive original stays
// read-only until migration completes.
func (r *Router) Split(table string, originalID int) (a, b *Partition, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pt, exists := r.tables[table]
	if !exists {
		return nil, nil, false
	}
	original, exists := pt.partitions[originalID]
	if !exists {
		return nil, nil, false
	}

	original.Active = false
	original.ReadOnly = true

	idA, idB := pt.nextID, pt.nextID+1
	pt.nextID += 2
	newA := &Partition{ID: idA, Name: partitionName(table, idA), MinValue: original.MinValue, MaxValue: original.MaxValue, Active: true, CreatedAt: time.Now()}
	newB := &Partition{ID: idB, Name: partitionName(table, idB), MinValue: original.MinValue, MaxValue: original.MaxValue, Active: true, CreatedAt: time.Now()}
	pt.partitions[idA] = newA
	pt.partitions[idB] = newB

	if pt.scheme.Strategy == StrategyHash {
		if pt.hashRedirect == nil {
			pt.hashRedirect = make(map[int][2]int)
		}
		pt.hashRedirect[originalID] = [2]int{idA, idB}
	}
	return newA, newB, true
}

// Merge combines two partitions into a new active one, marking both
// inputs inactive.
func (r *Router) Merge(table string, idA, idB int) (*Partition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pt, exists := r.tables[table]
	if !exists {
		return nil, false
	}
	pA, okA := pt.partitions[idA]
	pB, okB := pt.partitions[idB]
	if !okA || !okB {
		return nil, false
	}

	pA.Active = false
	pB.Active = false

	mergedID := pt.nextID
	pt.nextID++
	merged := &Partition{
		ID:        mergedID,
		Name:      partitionName(table, mergedID),
		RowCount:  pA.RowCount + pB.RowCount,
		ByteSize:  pA.ByteSize + pB.ByteSize,
		Active:    true,
		CreatedAt: time.Now(),
	}
	pt.partitions[mergedID] = merged
	return merged, true
}
