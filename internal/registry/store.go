package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"gopkg.in/yaml.v3"

	"modelwarden/internal/common/fsutil"
	"modelwarden/pkg/types"
)

// Store persists registry snapshots. Load reports fs.ErrNotExist when
// nothing was stored yet.
type Store interface {
	Persist(ctx context.Context, models []types.ModelDescriptor) error
	Load(ctx context.Context) ([]types.ModelDescriptor, error)
	Close() error
}

// Open builds a store from a location: "leveldb:<dir>" opens a LevelDB store,
// anything else is a file path whose extension selects the format.
func Open(location string) (Store, error) {
	if dir, ok := strings.CutPrefix(location, "leveldb:"); ok {
		return OpenLevelDB(dir)
	}
	return NewFileStore(location)
}

// registryFile is the on-disk document of FileStore.
type registryFile struct {
	Models []types.ModelDescriptor `json:"models" yaml:"models" toml:"models"`
}

// FileStore keeps the registry in one YAML, JSON or TOML file.
type FileStore struct {
	path string
	ext  string
}

// NewFileStore validates the path extension.
func NewFileStore(path string) (*FileStore, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(p))
	switch ext {
	case ".yaml", ".yml", ".json", ".toml":
	default:
		return nil, fmt.Errorf("unsupported registry file extension: %s", ext)
	}
	return &FileStore{path: p, ext: ext}, nil
}

// Path returns the file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Persist(_ context.Context, models []types.ModelDescriptor) error {
	doc := registryFile{Models: models}
	var (
		b   []byte
		err error
	)
	switch s.ext {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(doc)
	case ".json":
		b, err = json.MarshalIndent(doc, "", "  ")
	case ".toml":
		b, err = toml.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, b, 0o644)
}

func (s *FileStore) Load(context.Context) ([]types.ModelDescriptor, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var doc registryFile
	switch s.ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &doc)
	case ".json":
		err = json.Unmarshal(b, &doc)
	case ".toml":
		err = toml.Unmarshal(b, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", s.path, err)
	}
	return doc.Models, nil
}

func (s *FileStore) Close() error { return nil }

const modelKeyPrefix = "model/"

// storedModel keeps registration order across LevelDB's key ordering.
type storedModel struct {
	Seq   int                   `json:"seq"`
	Model types.ModelDescriptor `json:"model"`
}

// LevelDBStore keeps one JSON record per model id.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the database directory.
func OpenLevelDB(dir string) (*LevelDBStore, error) {
	p, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(p, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", p, err)
	}
	return &LevelDBStore{db: db}, nil
}

// Persist replaces the stored registry with models in one batch.
func (s *LevelDBStore) Persist(_ context.Context, models []types.ModelDescriptor) error {
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(modelKeyPrefix)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan registry: %w", err)
	}
	for i, m := range models {
		b, err := json.Marshal(storedModel{Seq: i, Model: m})
		if err != nil {
			return fmt.Errorf("encode model '%s': %w", m.ID, err)
		}
		batch.Put([]byte(modelKeyPrefix+m.ID), b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	return nil
}

func (s *LevelDBStore) Load(context.Context) ([]types.ModelDescriptor, error) {
	var recs []storedModel
	iter := s.db.NewIterator(util.BytesPrefix([]byte(modelKeyPrefix)), nil)
	for iter.Next() {
		var rec storedModel
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			iter.Release()
			return nil, fmt.Errorf("decoding key '%s': %w", iter.Key(), err)
		}
		recs = append(recs, rec)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fs.ErrNotExist
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	out := make([]types.ModelDescriptor, len(recs))
	for i, r := range recs {
		out[i] = r.Model
	}
	return out, nil
}

func (s *LevelDBStore) Close() error { return s.db.Close() }
