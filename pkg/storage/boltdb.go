package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/warren/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCommits          = []byte("commits")
	bucketResourceVersions = []byte("resource_versions")
	bucketVersionDeltas    = []byte("version_deltas")
	bucketBranches         = []byte("branches")
	bucketLocks            = []byte("branch_locks")
	bucketShadowIndexes    = []byte("shadow_indexes")
	bucketOutbox           = []byte("outbox")
	bucketDLQ              = []byte("dlq")
	bucketIngested         = []byte("ingested_events")
	bucketHistory          = []byte("history")
	bucketAudit            = []byte("audit_log")
)

// BoltStore implements Store using BoltDB, following the bucket-per-entity
// layout of the persisted state described in §6.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir/oms.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "oms.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketCommits, bucketResourceVersions, bucketVersionDeltas,
			bucketBranches, bucketLocks, bucketShadowIndexes,
			bucketOutbox, bucketDLQ, bucketIngested, bucketHistory, bucketAudit,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Commits ---

func (s *BoltStore) PutCommit(c *types.Commit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCommits), []byte(c.Hash), c)
	})
}

func (s *BoltStore) GetCommit(hash string) (*types.Commit, error) {
	var c types.Commit
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCommits).Get([]byte(hash))
		if data == nil {
			return fmt.Errorf("commit not found: %s", hash)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) HasCommit(hash string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketCommits).Get([]byte(hash)) != nil
		return nil
	})
	return ok, err
}

// --- Resource versions ---

// resourceVersionKey orders lexically by (kind, resourceID, branch, version)
// with the version zero-padded so the latest version sorts last.
func resourceVersionKey(kind types.ResourceKind, resourceID, branch string, version int) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%010d", kind, resourceID, branch, version))
}

func resourceVersionPrefix(kind types.ResourceKind, resourceID, branch string) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|", kind, resourceID, branch))
}

func (s *BoltStore) PutResourceVersion(v *types.ResourceVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := resourceVersionKey(v.ResourceKind, v.ResourceID, v.Branch, v.Version)
		return putJSON(tx.Bucket(bucketResourceVersions), key, v)
	})
}

func (s *BoltStore) GetResourceVersion(kind types.ResourceKind, resourceID, branch string, version int) (*types.ResourceVersion, error) {
	var v types.ResourceVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		key := resourceVersionKey(kind, resourceID, branch, version)
		data := tx.Bucket(bucketResourceVersions).Get(key)
		if data == nil {
			return fmt.Errorf("resource version not found: %s/%s@%s v%d", kind, resourceID, branch, version)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) GetLatestResourceVersion(kind types.ResourceKind, resourceID, branch string) (*types.ResourceVersion, error) {
	var v types.ResourceVersion
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResourceVersions).Cursor()
		prefix := resourceVersionPrefix(kind, resourceID, branch)
		var lastVal []byte
		for k, val := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, val = c.Next() {
			lastVal = val
		}
		if lastVal == nil {
			return nil
		}
		found = true
		return json.Unmarshal(lastVal, &v)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("resource version not found: %s/%s@%s", kind, resourceID, branch)
	}
	return &v, nil
}

func (s *BoltStore) ListResourceVersions(kind types.ResourceKind, resourceID, branch string) ([]*types.ResourceVersion, error) {
	var out []*types.ResourceVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResourceVersions).Cursor()
		prefix := resourceVersionPrefix(kind, resourceID, branch)
		for k, val := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, val = c.Next() {
			var v types.ResourceVersion
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			out = append(out, &v)
		}
		return nil
	})
	return out, err
}

// AllResourceVersions scans the entire resource_versions bucket, the same
// full-bucket-ForEach pattern BranchResourceSummary uses, without the
// per-branch filter.
func (s *BoltStore) AllResourceVersions() ([]*types.ResourceVersion, error) {
	var out []*types.ResourceVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResourceVersions).ForEach(func(k, val []byte) error {
			var v types.ResourceVersion
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			out = append(out, &v)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) BranchResourceSummary(branch string) (map[types.ResourceKind]int, error) {
	counts := map[types.ResourceKind]map[string]bool{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResourceVersions).ForEach(func(k, val []byte) error {
			var v types.ResourceVersion
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			if v.Branch != branch {
				return nil
			}
			if counts[v.ResourceKind] == nil {
				counts[v.ResourceKind] = map[string]bool{}
			}
			counts[v.ResourceKind][v.ResourceID] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make(map[types.ResourceKind]int, len(counts))
	for k, ids := range counts {
		out[k] = len(ids)
	}
	return out, nil
}

// AppendCommit writes a commit, its resource versions, and its outbox rows
// in a single bbolt transaction, satisfying the atomicity invariant in §8:
// "∀ commit+outbox write: both visible or neither".
func (s *BoltStore) AppendCommit(c *types.Commit, versions []*types.ResourceVersion, outboxRows []*types.OutboxRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketCommits), []byte(c.Hash), c); err != nil {
			return err
		}
		rv := tx.Bucket(bucketResourceVersions)
		for _, v := range versions {
			key := resourceVersionKey(v.ResourceKind, v.ResourceID, v.Branch, v.Version)
			if err := putJSON(rv, key, v); err != nil {
				return err
			}
		}
		ob := tx.Bucket(bucketOutbox)
		for _, row := range outboxRows {
			key := outboxKey(row.CreatedAt.UnixNano(), row.ID)
			if err := putJSON(ob, key, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Deltas ---

func deltaKey(kind types.ResourceKind, resourceID, branch string, from, to int) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%010d|%010d", kind, resourceID, branch, from, to))
}

func (s *BoltStore) PutDelta(d *types.Delta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := deltaKey(d.ResourceKind, d.ResourceID, d.Branch, d.FromVersion, d.ToVersion)
		return putJSON(tx.Bucket(bucketVersionDeltas), key, d)
	})
}

func (s *BoltStore) GetDelta(kind types.ResourceKind, resourceID, branch string, from, to int) (*types.Delta, error) {
	var d types.Delta
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVersionDeltas).Get(deltaKey(kind, resourceID, branch, from, to))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &d, nil
}

// --- Branches ---

func (s *BoltStore) PutBranch(b *types.Branch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketBranches), []byte(b.Name), b)
	})
}

func (s *BoltStore) GetBranch(name string) (*types.Branch, error) {
	var b types.Branch
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBranches).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("branch not found: %s", name)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) ListBranches() ([]*types.Branch, error) {
	var out []*types.Branch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBranches).ForEach(func(k, v []byte) error {
			var b types.Branch
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteBranch(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBranches).Delete([]byte(name))
	})
}

func (s *BoltStore) CompareAndSwapHead(name, expectedHead, newHead string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBranches)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("branch not found: %s", name)
		}
		var branch types.Branch
		if err := json.Unmarshal(data, &branch); err != nil {
			return err
		}
		if branch.Head != expectedHead {
			return fmt.Errorf("stale head: branch %q is at %q, expected %q", name, branch.Head, expectedHead)
		}
		branch.Head = newHead
		return putJSON(b, []byte(name), &branch)
	})
}

// --- Locks ---

func (s *BoltStore) PutLock(l *types.BranchLock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketLocks), []byte(l.ID), l)
	})
}

func (s *BoltStore) GetLock(id string) (*types.BranchLock, error) {
	var l types.BranchLock
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &l)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("lock not found: %s", id)
	}
	return &l, nil
}

func (s *BoltStore) DeleteLock(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete([]byte(id))
	})
}

func (s *BoltStore) ListLocks(branch string) ([]*types.BranchLock, error) {
	var out []*types.BranchLock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var l types.BranchLock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if l.Branch == branch {
				out = append(out, &l)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListAllLocks() ([]*types.BranchLock, error) {
	var out []*types.BranchLock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var l types.BranchLock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, &l)
			return nil
		})
	})
	return out, err
}

// --- Shadow indexes ---

func (s *BoltStore) PutShadowIndex(ix *types.ShadowIndex) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketShadowIndexes), []byte(ix.ID), ix)
	})
}

func (s *BoltStore) GetShadowIndex(id string) (*types.ShadowIndex, error) {
	var ix types.ShadowIndex
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketShadowIndexes).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &ix)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("shadow index not found: %s", id)
	}
	return &ix, nil
}

func (s *BoltStore) ListShadowIndexes(branch string) ([]*types.ShadowIndex, error) {
	var out []*types.ShadowIndex
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShadowIndexes).ForEach(func(k, v []byte) error {
			var ix types.ShadowIndex
			if err := json.Unmarshal(v, &ix); err != nil {
				return err
			}
			if branch == "" || ix.Branch == branch {
				out = append(out, &ix)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteShadowIndex(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShadowIndexes).Delete([]byte(id))
	})
}

// --- Outbox ---

func outboxKey(createdAtUnixNano int64, id string) []byte {
	return []byte(fmt.Sprintf("%020d|%s", createdAtUnixNano, id))
}

func (s *BoltStore) PutOutboxRow(o *types.OutboxRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketOutbox), outboxKey(o.CreatedAt.UnixNano(), o.ID), o)
	})
}

// findOutboxRow scans for the storage key of the row with the given id;
// outbox rows in flight are few enough that a linear scan is acceptable,
// matching the teacher's ForEach-based GetXByName pattern.
func findOutboxRow(tx *bolt.Tx, id string) (key []byte, row *types.OutboxRow, err error) {
	b := tx.Bucket(bucketOutbox)
	err = b.ForEach(func(k, v []byte) error {
		var o types.OutboxRow
		if unmarshalErr := json.Unmarshal(v, &o); unmarshalErr != nil {
			return unmarshalErr
		}
		if o.ID == id {
			key = append([]byte(nil), k...)
			row = &o
		}
		return nil
	})
	return key, row, err
}

func (s *BoltStore) ListPendingOutbox(limit int) ([]*types.OutboxRow, error) {
	var out []*types.OutboxRow
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var o types.OutboxRow
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if o.Status == types.OutboxStatusPending {
				out = append(out, &o)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (s *BoltStore) MarkOutboxPublished(id string, publishedAtUnixNano int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key, row, err := findOutboxRow(tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("outbox row not found: %s", id)
		}
		t := time.Unix(0, publishedAtUnixNano).UTC()
		row.PublishedAt = &t
		row.Status = types.OutboxStatusPublished
		return putJSON(tx.Bucket(bucketOutbox), key, row)
	})
}

func (s *BoltStore) MarkOutboxFailed(id string, lastError string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key, row, err := findOutboxRow(tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("outbox row not found: %s", id)
		}
		row.Attempts++
		row.LastError = lastError
		return putJSON(tx.Bucket(bucketOutbox), key, row)
	})
}

func (s *BoltStore) MoveOutboxToDead(id string, lastError string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key, row, err := findOutboxRow(tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("outbox row not found: %s", id)
		}
		row.Status = types.OutboxStatusDead
		row.LastError = lastError
		return putJSON(tx.Bucket(bucketOutbox), key, row)
	})
}

func (s *BoltStore) DeleteOutboxRow(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key, row, err := findOutboxRow(tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		return tx.Bucket(bucketOutbox).Delete(key)
	})
}

// --- Dead-letter queue ---

func (s *BoltStore) PutDLQEntry(e *types.DLQEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDLQ), []byte(e.ID), e)
	})
}

func (s *BoltStore) ListDLQ(source string) ([]*types.DLQEntry, error) {
	var out []*types.DLQEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDLQ).ForEach(func(k, v []byte) error {
			var e types.DLQEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if source == "" || e.Source == source {
				out = append(out, &e)
			}
			return nil
		})
	})
	return out, err
}

// --- Subscriber idempotency set ---

func (s *BoltStore) MarkIngested(eventID string, expiresAtUnixNano int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIngested).Put([]byte(eventID), []byte(strconv.FormatInt(expiresAtUnixNano, 10)))
	})
}

func (s *BoltStore) IsIngested(eventID string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIngested).Get([]byte(eventID))
		ok = data != nil
		return nil
	})
	return ok, err
}

// --- Derived projections ---

func (s *BoltStore) PutHistoryEntry(h *types.HistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketHistory), []byte(h.ID), h)
	})
}

func (s *BoltStore) PutAuditLogEntry(a *types.AuditLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAudit), []byte(a.ID), a)
	})
}

// --- helpers ---

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
