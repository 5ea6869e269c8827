// Package catalog maps table names to stable table ids and files. It is
// persisted as catalog.yaml in the data directory together with the
// database id that the write-ahead log is stamped with.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sushant-115/bptdb/core/storage/page"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is the catalog file inside the data directory.
const FileName = "catalog.yaml"

var (
	ErrTooManyTables    = errors.New("table limit reached")
	ErrInvalidTableName = errors.New("invalid table name")
	ErrUnknownTable     = errors.New("unknown table id")
	ErrCorruptCatalog   = errors.New("catalog file is corrupt")
)

// Entry is one registered table.
type Entry struct {
	ID   page.TableID `yaml:"id"`
	Name string       `yaml:"name"`
	File string       `yaml:"file"`
}

type catalogFile struct {
	DatabaseID string  `yaml:"database_id"`
	NextID     uint32  `yaml:"next_id"`
	Tables     []Entry `yaml:"tables"`
}

// Catalog is the table directory. It is not safe for concurrent use.
type Catalog struct {
	dir        string
	maxTables  int
	databaseID uuid.UUID
	nextID     page.TableID
	byName     map[string]Entry
	byID       map[page.TableID]Entry
	logger     *zap.Logger
}

// Load reads the catalog in dir, creating an empty one with a fresh
// database id if none exists.
func Load(dir string, maxTables int, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		dir:       dir,
		maxTables: maxTables,
		nextID:    1,
		byName:    make(map[string]Entry),
		byID:      make(map[page.TableID]Entry),
		logger:    logger,
	}

	data, err := os.ReadFile(c.path())
	if errors.Is(err, os.ErrNotExist) {
		c.databaseID = uuid.New()
		if err := c.Save(); err != nil {
			return nil, err
		}
		logger.Info("created catalog", zap.String("database_id", c.databaseID.String()))
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCatalog, err)
	}
	if c.databaseID, err = uuid.Parse(f.DatabaseID); err != nil {
		return nil, fmt.Errorf("%w: database_id: %w", ErrCorruptCatalog, err)
	}
	c.nextID = page.TableID(f.NextID)
	for _, e := range f.Tables {
		if e.ID == 0 || e.ID >= c.nextID {
			return nil, fmt.Errorf("%w: table %q has id %d, next id is %d", ErrCorruptCatalog, e.Name, e.ID, c.nextID)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate table id %d", ErrCorruptCatalog, e.ID)
		}
		c.byName[e.Name] = e
		c.byID[e.ID] = e
	}
	logger.Debug("loaded catalog", zap.Int("tables", len(c.byID)))
	return c, nil
}

func (c *Catalog) path() string { return filepath.Join(c.dir, FileName) }

// DatabaseID identifies this data directory.
func (c *Catalog) DatabaseID() uuid.UUID { return c.databaseID }

// Resolve returns the entry for name, registering it with the next free id
// if it is new.
func (c *Catalog) Resolve(name string) (Entry, error) {
	if err := validateName(name); err != nil {
		return Entry{}, err
	}
	if e, ok := c.byName[name]; ok {
		return e, nil
	}
	if int(c.nextID) > c.maxTables {
		return Entry{}, fmt.Errorf("%w: %d tables", ErrTooManyTables, c.maxTables)
	}
	e := Entry{ID: c.nextID, Name: name, File: name}
	c.byName[name] = e
	c.byID[e.ID] = e
	c.nextID++
	if err := c.Save(); err != nil {
		delete(c.byName, name)
		delete(c.byID, e.ID)
		c.nextID--
		return Entry{}, err
	}
	c.logger.Info("registered table", zap.String("name", name), zap.Uint32("table", uint32(e.ID)))
	return e, nil
}

// Lookup returns the entry with id.
func (c *Catalog) Lookup(id page.TableID) (Entry, error) {
	e, ok := c.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrUnknownTable, id)
	}
	return e, nil
}

// Path returns the absolute path of e's table file.
func (c *Catalog) Path(e Entry) string { return filepath.Join(c.dir, e.File) }

// Entries returns every registered table ordered by id.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.byID))
	for _, e := range c.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Save writes the catalog through a temporary file and a rename.
func (c *Catalog) Save() error {
	data, err := yaml.Marshal(catalogFile{
		DatabaseID: c.databaseID.String(),
		NextID:     uint32(c.nextID),
		Tables:     c.Entries(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	tmp := c.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := os.Rename(tmp, c.path()); err != nil {
		return fmt.Errorf("failed to install catalog: %w", err)
	}
	return nil
}

// validateName accepts plain file names that do not clash with the
// engine's own files.
func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	case filepath.Base(name) != name, strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q is not a plain file name", ErrInvalidTableName, name)
	case strings.HasPrefix(name, FileName), strings.HasSuffix(name, ".wal"):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidTableName, name)
	}
	return nil
}
