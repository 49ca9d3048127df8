package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"fashion-similarity/internal/vectorindex"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Dim int

	// TombstoneRatio triggers a compaction once tombstones/rows exceeds it.
	TombstoneRatio float64

	// Overfetch is the number of extra rows requested per similarity query.
	Overfetch int

	// FlushInterval is how often pending mutations are checkpointed in the
	// background. Zero disables the flusher.
	FlushInterval time.Duration

	// NewIndex builds an empty index. Defaults to an exact FlatL2 index.
	NewIndex func(dim int) vectorindex.Index

	// CloseCheckpointer releases the checkpointer's lock on Close.
	CloseCheckpointer bool
}

// Stats describes the state of the index and its mapping.
type Stats struct {
	Dim                  int    `json:"dim"`
	Rows                 int    `json:"rows"`
	Live                 int    `json:"live"`
	Tombstones           int    `json:"tombstones"`
	Mapped               int    `json:"mapped"`
	Dirty                int    `json:"dirty"`
	Generation           uint64 `json:"generation"`
	CheckpointGeneration uint64 `json:"checkpoint_generation"`
	Pending              bool   `json:"pending"`
}

// RepairReport summarizes one reconciliation pass.
type RepairReport struct {
	Reinserted []int64 `json:"reinserted"`
	Orphaned   []int64 `json:"orphaned"`
	Skipped    []int64 `json:"skipped"`
}

func (r RepairReport) Changed() bool {
	return len(r.Reinserted) > 0 || len(r.Orphaned) > 0
}

// Manager owns the vector index and keeps it consistent with the store.
//
// The store is authoritative. Every mutation writes the store first and the
// index second under the write lock; when the index half fails the record is
// flagged dirty and a repair pass re-derives its row from the store.
type Manager struct {
	mu        sync.RWMutex
	store     Store
	ckpt      *Checkpointer
	opts      ManagerOptions
	index     vectorindex.Index
	rows      []int64 // row -> product, 0 for tombstoned rows
	byProduct map[int64]int64

	epoch        string
	generation   uint64
	pending      bool
	repairNeeded bool

	saveMu    sync.Mutex
	savedGen  uint64
	hasSaved  bool
	flushStop context.CancelFunc
	flushWG   sync.WaitGroup
}

// NewManager loads the latest checkpoint from ckpt (which may be nil for a
// purely in-memory index), reconciles it with the store and starts the
// background flusher.
func NewManager(ctx context.Context, store Store, ckpt *Checkpointer, opts ManagerOptions) (*Manager, error) {
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrInvalidArgument, opts.Dim)
	}
	if opts.TombstoneRatio <= 0 || opts.TombstoneRatio > 1 {
		opts.TombstoneRatio = 0.25
	}
	if opts.Overfetch < 0 {
		opts.Overfetch = 0
	}
	if opts.NewIndex == nil {
		opts.NewIndex = func(dim int) vectorindex.Index { return vectorindex.NewFlatL2(dim) }
	}

	m := &Manager{
		epoch:     uuid.NewString()[:8],
		store:     store,
		ckpt:      ckpt,
		opts:      opts,
		index:     opts.NewIndex(opts.Dim),
		byProduct: make(map[int64]int64),
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}

	if opts.FlushInterval > 0 {
		flushCtx, cancel := context.WithCancel(context.Background())
		m.flushStop = cancel
		m.flushWG.Add(1)
		go m.flushLoop(flushCtx)
	}
	return m, nil
}

func (m *Manager) Dim() int { return m.opts.Dim }

func (m *Manager) load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap *Snapshot
	if m.ckpt != nil {
		var err error
		snap, err = m.ckpt.Load()
		if err != nil {
			log.Printf("manager: checkpoint unusable, rebuilding from store: %v", err)
			snap = nil
		}
	}
	if snap != nil && snap.Index.Dim() != m.opts.Dim {
		log.Printf("manager: checkpoint dim %d differs from extractor dim %d, rebuilding from store", snap.Index.Dim(), m.opts.Dim)
		snap = nil
	}

	if snap == nil {
		if m.ckpt != nil {
			if mf, err := m.ckpt.ReadManifest(); err == nil {
				m.generation = mf.Generation
			}
		}
		if err := m.rebuildLocked(ctx); err != nil {
			return fmt.Errorf("rebuild index failed: %w", err)
		}
		return nil
	}

	m.index = snap.Index
	m.rows = snap.Rows
	m.byProduct = make(map[int64]int64, len(snap.Rows))
	for row, id := range snap.Rows {
		if id != 0 {
			m.byProduct[id] = int64(row)
		}
	}
	m.generation = snap.Generation
	m.savedGen = snap.Generation
	m.hasSaved = true

	report, err := m.repairLocked(ctx)
	if err != nil {
		return fmt.Errorf("reconcile checkpoint failed: %w", err)
	}
	if report.Changed() {
		log.Printf("manager: checkpoint generation %d disagreed with store: reinserted=%d orphaned=%d",
			snap.Generation, len(report.Reinserted), len(report.Orphaned))
	}
	m.maybeCompactLocked(ctx)
	return nil
}

// Upsert stores vector for productID and indexes it, replacing any previous
// embedding.
func (m *Manager) Upsert(ctx context.Context, productID int64, vector []float32, imageURL string) error {
	return m.put(ctx, productID, vector, imageURL, false)
}

// Update replaces the embedding of a product that already has one.
func (m *Manager) Update(ctx context.Context, productID int64, vector []float32, imageURL string) error {
	return m.put(ctx, productID, vector, imageURL, true)
}

func (m *Manager) put(ctx context.Context, productID int64, vector []float32, imageURL string, mustExist bool) error {
	if productID <= 0 {
		return fmt.Errorf("%w: product id %d", ErrInvalidArgument, productID)
	}
	if err := CheckDim(vector, m.opts.Dim); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if mustExist {
		if _, err := m.store.Get(ctx, productID); err != nil {
			return err
		}
	}

	rec := &Record{
		ProductID: productID,
		Vector:    vector,
		RowID:     int64(m.index.Len()),
		ImageURL:  imageURL,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		if errors.Is(err, ErrDimensionMismatch) {
			log.Printf("manager: store rejected product %d: %v", productID, err)
		}
		return fmt.Errorf("store embedding failed: %w", err)
	}

	m.generation++
	m.pending = true

	if err := m.indexLocked(productID, vector, rec.RowID); err != nil {
		return m.faultLocked(ctx, productID, true, err)
	}
	m.maybeCompactLocked(ctx)
	return nil
}

func (m *Manager) indexLocked(productID int64, vector []float32, wantRow int64) error {
	if old, ok := m.byProduct[productID]; ok {
		if err := m.index.Remove(old); err != nil {
			return fmt.Errorf("remove row %d: %w", old, err)
		}
		m.rows[old] = 0
		delete(m.byProduct, productID)
	}
	row, err := m.index.Add(vector)
	if err != nil {
		return fmt.Errorf("add row: %w", err)
	}
	m.rows = append(m.rows, productID)
	m.byProduct[productID] = row
	if row != wantRow {
		return fmt.Errorf("index assigned row %d, store recorded %d", row, wantRow)
	}
	return nil
}

// Delete removes the embedding of productID from the store and the index.
func (m *Manager) Delete(ctx context.Context, productID int64) error {
	if productID <= 0 {
		return fmt.Errorf("%w: product id %d", ErrInvalidArgument, productID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, productID); err != nil {
		return err
	}
	m.generation++
	m.pending = true

	if row, ok := m.byProduct[productID]; ok {
		if err := m.index.Remove(row); err != nil {
			return m.faultLocked(ctx, productID, false, fmt.Errorf("remove row %d: %w", row, err))
		}
		m.rows[row] = 0
		delete(m.byProduct, productID)
	}
	m.maybeCompactLocked(ctx)
	return nil
}

// faultLocked records a failed index step after a successful store write.
func (m *Manager) faultLocked(ctx context.Context, productID int64, stored bool, cause error) error {
	m.repairNeeded = true
	if stored {
		if err := m.store.MarkDirty(ctx, productID, true); err != nil {
			log.Printf("manager: mark product %d dirty failed: %v", productID, err)
		}
	}
	log.Printf("manager: index update for product %d failed, repair scheduled: %v", productID, cause)
	return fmt.Errorf("%w: product %d: %v", ErrIndexInconsistency, productID, cause)
}

// Vector returns the stored embedding of productID.
func (m *Manager) Vector(ctx context.Context, productID int64) ([]float32, error) {
	rec, err := m.store.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	return rec.Vector, nil
}

func (m *Manager) Has(ctx context.Context, productID int64) (bool, error) {
	_, err := m.store.Get(ctx, productID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) List(ctx context.Context) ([]int64, error) {
	return m.store.ListIDs(ctx)
}

func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.store.Count(ctx)
}

// Generation increases on every change to the index contents.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Version identifies the index contents across process restarts: it changes
// whenever Generation does and differs between two processes.
func (m *Manager) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("%s-%d", m.epoch, m.generation)
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	dirty, err := m.store.ListDirty(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list dirty embeddings failed: %w", err)
	}

	m.mu.RLock()
	st := Stats{
		Dim:        m.opts.Dim,
		Rows:       m.index.Len(),
		Live:       m.index.Live(),
		Tombstones: m.index.Len() - m.index.Live(),
		Mapped:     len(m.byProduct),
		Dirty:      len(dirty),
		Generation: m.generation,
		Pending:    m.pending,
	}
	m.mu.RUnlock()

	m.saveMu.Lock()
	st.CheckpointGeneration = m.savedGen
	m.saveMu.Unlock()
	return st, nil
}

// Repair reconciles the index with the store: dirty and unindexed records
// are reinserted and rows whose product is gone are tombstoned.
func (m *Manager) Repair(ctx context.Context) (RepairReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, err := m.repairLocked(ctx)
	if err != nil {
		return report, err
	}
	m.maybeCompactLocked(ctx)
	return report, nil
}

func (m *Manager) repairLocked(ctx context.Context) (RepairReport, error) {
	var report RepairReport
	seen := make(map[int64]struct{}, len(m.byProduct))
	updates := make(map[int64]int64)

	err := m.store.Scan(ctx, func(rec *Record) error {
		id := rec.ProductID
		row, mapped := m.byProduct[id]

		if len(rec.Vector) != m.opts.Dim {
			log.Printf("manager: product %d has a %d-dim vector, want %d; left out of the index", id, len(rec.Vector), m.opts.Dim)
			report.Skipped = append(report.Skipped, id)
			return nil
		}
		if mapped && !rec.IndexDirty && row == rec.RowID && m.rowHolds(row, rec.Vector) {
			seen[id] = struct{}{}
			return nil
		}

		if mapped {
			if err := m.index.Remove(row); err != nil {
				return fmt.Errorf("remove row %d: %w", row, err)
			}
			m.rows[row] = 0
			delete(m.byProduct, id)
		}
		newRow, err := m.index.Add(rec.Vector)
		if err != nil {
			return fmt.Errorf("reinsert product %d: %w", id, err)
		}
		m.rows = append(m.rows, id)
		m.byProduct[id] = newRow
		updates[id] = newRow
		seen[id] = struct{}{}
		report.Reinserted = append(report.Reinserted, id)
		return nil
	})
	if err != nil {
		m.repairNeeded = true
		return report, fmt.Errorf("scan store failed: %w", err)
	}

	for id, row := range m.byProduct {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := m.index.Remove(row); err != nil {
			return report, fmt.Errorf("remove orphan row %d: %w", row, err)
		}
		m.rows[row] = 0
		delete(m.byProduct, id)
		report.Orphaned = append(report.Orphaned, id)
	}
	slices.Sort(report.Orphaned)

	if len(updates) > 0 {
		if err := m.store.UpdateRowIDs(ctx, updates); err != nil {
			return report, fmt.Errorf("update row ids failed: %w", err)
		}
	}
	if report.Changed() {
		m.generation++
		m.pending = true
	}
	m.repairNeeded = false
	return report, nil
}

func (m *Manager) rowHolds(row int64, vector []float32) bool {
	stored, ok := m.index.Vector(row)
	return ok && slices.Equal(stored, vector)
}

// Rebuild discards the index and rebuilds it densely from the store.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuildLocked(ctx)
}

func (m *Manager) rebuildLocked(ctx context.Context) error {
	index := m.opts.NewIndex(m.opts.Dim)
	var rows []int64
	byProduct := make(map[int64]int64)
	updates := make(map[int64]int64)

	err := m.store.Scan(ctx, func(rec *Record) error {
		if len(rec.Vector) != m.opts.Dim {
			log.Printf("manager: product %d has a %d-dim vector, want %d; left out of the index", rec.ProductID, len(rec.Vector), m.opts.Dim)
			return nil
		}
		row, err := index.Add(rec.Vector)
		if err != nil {
			return fmt.Errorf("add product %d: %w", rec.ProductID, err)
		}
		rows = append(rows, rec.ProductID)
		byProduct[rec.ProductID] = row
		updates[rec.ProductID] = row
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan store failed: %w", err)
	}
	if len(updates) > 0 {
		if err := m.store.UpdateRowIDs(ctx, updates); err != nil {
			return fmt.Errorf("update row ids failed: %w", err)
		}
	}

	m.index = index
	m.rows = rows
	m.byProduct = byProduct
	m.generation++
	m.pending = true
	m.repairNeeded = false
	return nil
}

func (m *Manager) maybeCompactLocked(ctx context.Context) {
	total := m.index.Len()
	if total == 0 {
		return
	}
	tombstones := total - m.index.Live()
	if float64(tombstones)/float64(total) <= m.opts.TombstoneRatio {
		return
	}
	if err := m.rebuildLocked(ctx); err != nil {
		m.repairNeeded = true
		log.Printf("manager: compaction failed: %v", err)
		return
	}
	log.Printf("manager: compacted index, %d tombstones dropped, %d rows", tombstones, m.index.Len())
}

// Flush checkpoints the index if it changed since the last checkpoint.
func (m *Manager) Flush(ctx context.Context) error {
	if m.ckpt == nil {
		return nil
	}

	m.mu.RLock()
	if !m.pending {
		m.mu.RUnlock()
		return nil
	}
	snap := &Snapshot{
		Generation: m.generation,
		Index:      m.index.Clone(),
		Rows:       slices.Clone(m.rows),
	}
	m.mu.RUnlock()

	if err := m.save(snap); err != nil {
		return err
	}

	m.mu.Lock()
	if m.generation == snap.Generation {
		m.pending = false
	}
	m.mu.Unlock()
	return ctx.Err()
}

func (m *Manager) save(snap *Snapshot) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// A slower save of an older snapshot must not replace a newer manifest.
	if m.hasSaved && snap.Generation <= m.savedGen {
		return nil
	}
	if _, err := m.ckpt.Save(snap); err != nil {
		return fmt.Errorf("checkpoint generation %d failed: %w", snap.Generation, err)
	}
	m.savedGen = snap.Generation
	m.hasSaved = true
	return nil
}

func (m *Manager) flushLoop(ctx context.Context) {
	defer m.flushWG.Done()
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			needRepair := m.repairNeeded
			m.mu.RUnlock()
			if needRepair {
				if report, err := m.Repair(ctx); err != nil {
					log.Printf("manager: scheduled repair failed: %v", err)
				} else if report.Changed() {
					log.Printf("manager: scheduled repair reinserted=%d orphaned=%d", len(report.Reinserted), len(report.Orphaned))
				}
			}
			if err := m.Flush(ctx); err != nil && ctx.Err() == nil {
				log.Printf("checkpoint: %v", err)
			}
		}
	}
}

// Close stops the flusher and writes a final checkpoint.
func (m *Manager) Close() error {
	if m.flushStop != nil {
		m.flushStop()
		m.flushWG.Wait()
	}
	err := m.Flush(context.Background())
	if m.opts.CloseCheckpointer && m.ckpt != nil {
		err = errors.Join(err, m.ckpt.Close())
	}
	return err
}
