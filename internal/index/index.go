// Package index keeps name-scoped collections of text documents in their own
// sqlite file, apart from the conversation store.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrCollectionNotFound = errors.New("index: collection not found")

const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 64
	DefaultSearchLimit  = 5
)

type Collection struct {
	ID        uint              `gorm:"primaryKey"`
	Name      string            `gorm:"uniqueIndex;not null"`
	Metadata  datatypes.JSONMap `gorm:"not null"`
	CreatedAt time.Time
}

type Document struct {
	ID           uint              `gorm:"primaryKey"`
	CollectionID uint              `gorm:"uniqueIndex:idx_collection_document;not null"`
	DocumentID   string            `gorm:"uniqueIndex:idx_collection_document;not null"`
	Text         string            `gorm:"type:text;not null"`
	Metadata     datatypes.JSONMap `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is a searchable slice of a document's text.
type Chunk struct {
	ID           uint   `gorm:"primaryKey"`
	CollectionID uint   `gorm:"index;not null"`
	DocumentID   uint   `gorm:"index;not null"`
	Position     int    `gorm:"not null"`
	Content      string `gorm:"type:text;not null"`
}

// Documents is the column-oriented listing of one collection.
type Documents struct {
	IDs       []string         `json:"ids"`
	Documents []string         `json:"documents"`
	Metadatas []map[string]any `json:"metadatas"`
}

type Hit struct {
	ID       string         `json:"id"`
	Document string         `json:"document"`
	Snippet  string         `json:"snippet"`
	Metadata map[string]any `json:"metadata"`
	Score    int            `json:"score"`
}

type Store struct {
	db       *gorm.DB
	splitter textsplitter.TextSplitter
	newID    func() string
	logger   *zap.Logger
}

type Option func(*options)

type options struct {
	chunkSize    int
	chunkOverlap int
	newID        func() string
}

// WithChunking sets the splitter's chunk size and overlap, in runes.
func WithChunking(size, overlap int) Option {
	return func(o *options) {
		o.chunkSize, o.chunkOverlap = size, overlap
	}
}

// WithIDGenerator replaces the uuid generator used for documents upserted
// without an id.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

func Open(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	o := options{
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory %q: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	store := &Store{
		db: db,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(o.chunkSize),
			textsplitter.WithChunkOverlap(o.chunkOverlap),
		),
		newID:  o.newID,
		logger: logger,
	}

	if err := db.AutoMigrate(&Collection{}, &Document{}, &Chunk{}); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to migrate index: %w", err), store.Close())
	}
	return store, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateCollection returns the named collection, creating it with metadata
// if it does not exist. Metadata of an existing collection is left as is.
func (s *Store) CreateCollection(ctx context.Context, name string, metadata map[string]any) (*Collection, error) {
	var col Collection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		col, err = getOrCreate(tx, name, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &col, nil
}

func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	if err := s.db.WithContext(ctx).Model(&Collection{}).Order("id").Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

// DeleteCollection removes the collection and all of its documents.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		col, err := find(tx, name)
		if err != nil {
			return err
		}
		if err := tx.Where("collection_id = ?", col.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("collection_id = ?", col.ID).Delete(&Document{}).Error; err != nil {
			return err
		}
		return tx.Delete(&col).Error
	})
}

// Upsert stores text under id in the named collection, replacing any
// previous document with that id. The collection is created if needed and
// an empty id is replaced by a generated one, which is returned.
func (s *Store) Upsert(ctx context.Context, collection, id, text string, metadata map[string]any) (string, error) {
	if id == "" {
		id = s.newID()
	}

	chunks, err := s.split(text)
	if err != nil {
		return "", fmt.Errorf("failed to split document %q: %w", id, err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		col, err := getOrCreate(tx, collection, nil)
		if err != nil {
			return err
		}

		var doc Document
		err = tx.Where("collection_id = ? AND document_id = ?", col.ID, id).First(&doc).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			doc = Document{CollectionID: col.ID, DocumentID: id}
		case err != nil:
			return err
		}
		doc.Text = text
		doc.Metadata = jsonMap(metadata)
		if err := tx.Save(&doc).Error; err != nil {
			return err
		}

		if err := tx.Where("document_id = ?", doc.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		rows := make([]Chunk, 0, len(chunks))
		for i, c := range chunks {
			rows = append(rows, Chunk{CollectionID: col.ID, DocumentID: doc.ID, Position: i, Content: c})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("Upserted document",
		zap.String("collection", collection),
		zap.String("id", id),
		zap.Int("chunks", len(chunks)))
	return id, nil
}

// Get lists every document of the collection in insertion order.
func (s *Store) Get(ctx context.Context, collection string) (*Documents, error) {
	db := s.db.WithContext(ctx)
	col, err := find(db, collection)
	if err != nil {
		return nil, err
	}

	var docs []Document
	if err := db.Where("collection_id = ?", col.ID).Order("id").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", err)
	}

	out := &Documents{
		IDs:       make([]string, 0, len(docs)),
		Documents: make([]string, 0, len(docs)),
		Metadatas: make([]map[string]any, 0, len(docs)),
	}
	for _, d := range docs {
		out.IDs = append(out.IDs, d.DocumentID)
		out.Documents = append(out.Documents, d.Text)
		out.Metadatas = append(out.Metadatas, map[string]any(jsonMap(d.Metadata)))
	}
	return out, nil
}

// Search ranks the collection's documents by how many distinct query terms
// their best chunk contains. Documents matching no term are left out.
func (s *Store) Search(ctx context.Context, collection, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	terms := uniqueTerms(query)
	hits := make([]Hit, 0)
	if len(terms) == 0 {
		return hits, nil
	}

	db := s.db.WithContext(ctx)
	col, err := find(db, collection)
	if err != nil {
		return nil, err
	}

	// Terms are matched in Go: sqlite's lower() only folds ASCII.
	var chunks []Chunk
	if err := db.Where("collection_id = ?", col.ID).
		Order("document_id, position").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("failed to search collection %q: %w", collection, err)
	}

	best := make(map[uint]Hit)
	order := make([]uint, 0)
	for _, c := range chunks {
		score := countTerms(c.Content, terms)
		if score == 0 {
			continue
		}
		prev, seen := best[c.DocumentID]
		if !seen {
			order = append(order, c.DocumentID)
		}
		if !seen || score > prev.Score {
			best[c.DocumentID] = Hit{Snippet: c.Content, Score: score}
		}
	}
	if len(order) == 0 {
		return hits, nil
	}

	var docs []Document
	if err := db.Where("id IN ?", order).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to load matched documents: %w", err)
	}
	for _, d := range docs {
		h := best[d.ID]
		h.ID = d.DocumentID
		h.Document = d.Text
		h.Metadata = jsonMap(d.Metadata)
		best[d.ID] = h
	}

	for _, docID := range order {
		hits = append(hits, best[docID])
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	parts, err := s.splitter.SplitText(text)
	if err != nil {
		return nil, err
	}
	chunks := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			chunks = append(chunks, p)
		}
	}
	return chunks, nil
}

func getOrCreate(tx *gorm.DB, name string, metadata map[string]any) (Collection, error) {
	var col Collection
	err := tx.Where("name = ?", name).
		Attrs(Collection{Name: name, Metadata: jsonMap(metadata)}).
		FirstOrCreate(&col).Error
	if err != nil {
		return Collection{}, fmt.Errorf("failed to get or create collection %q: %w", name, err)
	}
	return col, nil
}

func find(tx *gorm.DB, name string) (Collection, error) {
	var col Collection
	err := tx.Where("name = ?", name).First(&col).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collection{}, ErrCollectionNotFound
	}
	if err != nil {
		return Collection{}, fmt.Errorf("failed to find collection %q: %w", name, err)
	}
	return col, nil
}

func jsonMap(m map[string]any) datatypes.JSONMap {
	if m == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(m)
}

func uniqueTerms(query string) []string {
	seen := make(map[string]bool)
	terms := make([]string, 0)
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

func countTerms(content string, terms []string) int {
	lower := strings.ToLower(content)
	n := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			n++
		}
	}
	return n
}
