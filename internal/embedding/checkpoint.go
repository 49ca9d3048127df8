package embedding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"fashion-similarity/internal/vectorindex"
)

// CheckpointSchema tags every file of an index checkpoint.
const CheckpointSchema = "fashion-similarity/index/v1"

const (
	manifestName = "CHECKPOINT"
	lockName     = "LOCK"
)

var ErrCheckpointLocked = errors.New("checkpoint directory is locked by another process")

// Snapshot is a point-in-time copy of the index and its row mapping.
// Rows[r] is the product stored at row r, or 0 for a tombstoned row.
type Snapshot struct {
	Generation uint64
	Index      vectorindex.Index
	Rows       []int64
}

// Manifest names the index/mapping pair of the current checkpoint.
type Manifest struct {
	Schema       string    `json:"schema"`
	Generation   uint64    `json:"generation"`
	Dim          int       `json:"dim"`
	Rows         int       `json:"rows"`
	Live         int       `json:"live"`
	IndexFile    string    `json:"index_file"`
	MappingFile  string    `json:"mapping_file"`
	IndexCRC32   uint32    `json:"index_crc32"`
	MappingCRC32 uint32    `json:"mapping_crc32"`
	WrittenAt    time.Time `json:"written_at"`
}

type mappingFile struct {
	Schema     string  `msgpack:"schema"`
	Generation uint64  `msgpack:"generation"`
	Dim        int     `msgpack:"dim"`
	Rows       []int64 `msgpack:"rows"`
}

// Checkpointer persists snapshots to a directory.
//
// The index and mapping files of a generation are written first under
// generation-specific names; the manifest is then replaced atomically, so a
// reader always sees a matching pair. A writable Checkpointer holds an
// exclusive lock on the directory until Close.
type Checkpointer struct {
	dir  string
	lock *os.File
}

// NewCheckpointer creates the checkpoint directory if needed and locks it.
// It fails with ErrCheckpointLocked while another writer holds the lock.
func NewCheckpointer(dir string) (*Checkpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir failed: %w", err)
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint lock failed: %w", err)
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lock.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointLocked, dir)
		}
		return nil, fmt.Errorf("lock checkpoint dir failed: %w", err)
	}
	return &Checkpointer{dir: dir, lock: lock}, nil
}

// OpenCheckpointReader reads checkpoints in dir without locking it. Save
// fails on the returned Checkpointer.
func OpenCheckpointReader(dir string) *Checkpointer {
	return &Checkpointer{dir: dir}
}

func (c *Checkpointer) Dir() string { return c.dir }

// Close releases the directory lock.
func (c *Checkpointer) Close() error {
	if c.lock == nil {
		return nil
	}
	err := c.lock.Close()
	c.lock = nil
	return err
}

// Save writes snap and publishes it as the current checkpoint.
func (c *Checkpointer) Save(snap *Snapshot) (*Manifest, error) {
	if c.lock == nil {
		return nil, fmt.Errorf("checkpoint dir %s is not locked for writing", c.dir)
	}
	m := &Manifest{
		Schema:      CheckpointSchema,
		Generation:  snap.Generation,
		Dim:         snap.Index.Dim(),
		Rows:        snap.Index.Len(),
		Live:        snap.Index.Live(),
		IndexFile:   fmt.Sprintf("index-%d.bin", snap.Generation),
		MappingFile: fmt.Sprintf("mapping-%d.msgpack", snap.Generation),
		WrittenAt:   time.Now().UTC(),
	}

	var err error
	m.IndexCRC32, err = c.writeFile(m.IndexFile, snap.Index.Save)
	if err != nil {
		return nil, fmt.Errorf("write index file failed: %w", err)
	}
	m.MappingCRC32, err = c.writeFile(m.MappingFile, func(w io.Writer) error {
		return msgpack.NewEncoder(w).Encode(mappingFile{
			Schema:     CheckpointSchema,
			Generation: snap.Generation,
			Dim:        snap.Index.Dim(),
			Rows:       snap.Rows,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("write mapping file failed: %w", err)
	}

	if _, err := c.writeFile(manifestName, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}); err != nil {
		return nil, fmt.Errorf("write manifest failed: %w", err)
	}
	syncDir(c.dir)

	c.prune(m)
	return m, nil
}

// ReadManifest returns the current manifest, or an error wrapping
// os.ErrNotExist when no checkpoint was ever written.
func (c *Checkpointer) ReadManifest() (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(c.dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrIncompatibleCheckpoint, err)
	}
	if m.Schema != CheckpointSchema {
		return nil, fmt.Errorf("%w: schema %q", ErrIncompatibleCheckpoint, m.Schema)
	}
	return &m, nil
}

// Load reads the current checkpoint. It returns (nil, nil) when none exists.
func (c *Checkpointer) Load() (*Snapshot, error) {
	m, err := c.ReadManifest()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var idx *vectorindex.FlatL2
	if err := c.readFile(m.IndexFile, m.IndexCRC32, func(r io.Reader) error {
		var err error
		idx, err = vectorindex.Load(r)
		return err
	}); err != nil {
		return nil, fmt.Errorf("%w: index file: %v", ErrIncompatibleCheckpoint, err)
	}

	var mf mappingFile
	if err := c.readFile(m.MappingFile, m.MappingCRC32, func(r io.Reader) error {
		return msgpack.NewDecoder(r).Decode(&mf)
	}); err != nil {
		return nil, fmt.Errorf("%w: mapping file: %v", ErrIncompatibleCheckpoint, err)
	}

	switch {
	case mf.Schema != CheckpointSchema:
		return nil, fmt.Errorf("%w: mapping schema %q", ErrIncompatibleCheckpoint, mf.Schema)
	case mf.Generation != m.Generation:
		return nil, fmt.Errorf("%w: mapping generation %d, manifest %d", ErrIncompatibleCheckpoint, mf.Generation, m.Generation)
	case len(mf.Rows) != idx.Len():
		return nil, fmt.Errorf("%w: mapping has %d rows, index %d", ErrIncompatibleCheckpoint, len(mf.Rows), idx.Len())
	case mf.Dim != idx.Dim():
		return nil, fmt.Errorf("%w: mapping dim %d, index dim %d", ErrIncompatibleCheckpoint, mf.Dim, idx.Dim())
	}

	return &Snapshot{Generation: m.Generation, Index: idx, Rows: mf.Rows}, nil
}

func (c *Checkpointer) writeFile(name string, write func(io.Writer) error) (uint32, error) {
	tmp, err := os.CreateTemp(c.dir, "."+name+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath) // no-op after a successful rename
	}()

	sum := crc32.NewIEEE()
	if err := write(io.MultiWriter(tmp, sum)); err != nil {
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, filepath.Join(c.dir, name)); err != nil {
		return 0, err
	}
	return sum.Sum32(), nil
}

func (c *Checkpointer) readFile(name string, want uint32, read func(io.Reader) error) error {
	raw, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return err
	}
	if got := crc32.ChecksumIEEE(raw); got != want {
		return fmt.Errorf("checksum %08x, manifest says %08x", got, want)
	}
	return read(bytes.NewReader(raw))
}

// prune removes index and mapping files of other generations.
func (c *Checkpointer) prune(current *Manifest) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == current.IndexFile || name == current.MappingFile {
			continue
		}
		if strings.HasPrefix(name, "index-") || strings.HasPrefix(name, "mapping-") {
			_ = os.Remove(filepath.Join(c.dir, name))
		}
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
