// Package search provides a small in-memory full-text index over the Task
// Store's free-text fields, backing GET /tasks?q=. Unlike the teacher's
// on-disk pkg/core/search (file content search) this index is rebuilt from
// the database on startup and never persisted: tasks are short-lived rows,
// and an index that can always be reconstructed from the store needs no
// durability of its own.
package search

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/omnios-bhyve/taskengine/internal/task"
)

// Document is the indexed projection of a task. MetadataText is the
// metadata JSONB blob rendered as plain text so it participates in
// free-text matching the same way error_message does.
type Document struct {
	ID           string `json:"id"`
	Operation    string `json:"operation"`
	Target       string `json:"target"`
	ErrorMessage string `json:"error_message"`
	MetadataText string `json:"metadata_text"`
}

// Index is a process-local bleve index over task Documents. Safe for
// concurrent use; callers hold no lock of their own around Put/Delete.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
}

// New builds an empty in-memory index with a mapping tuned for task
// documents: operation/target are keyword fields (exact/prefix friendly),
// error_message and metadata_text use the standard analyzer for tokenized
// matching.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("search: create index: %w", err)
	}
	return &Index{bleve: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	keyword := func() *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Store = true
		f.Index = true
		f.Analyzer = "keyword"
		return f
	}
	text := func() *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Store = false
		f.Index = true
		f.Analyzer = standard.Name
		return f
	}

	docMapping.AddFieldMappingsAt("operation", keyword())
	docMapping.AddFieldMappingsAt("target", keyword())
	docMapping.AddFieldMappingsAt("error_message", text())
	docMapping.AddFieldMappingsAt("metadata_text", text())

	indexMapping.AddDocumentMapping("task", docMapping)
	indexMapping.DefaultType = "task"
	return indexMapping
}

// Put (re)indexes a task, replacing any prior document with the same id.
// The task engine calls this after a task reaches a terminal status, since
// error_message and metadata are what q= actually searches and both are
// only meaningfully populated once a task finishes; Rebuild covers
// everything still pending or running at startup.
func (i *Index) Put(t task.Task) error {
	doc := Document{
		ID:           t.ID,
		Operation:    t.Operation,
		Target:       t.Target,
		ErrorMessage: t.ErrorMessage,
		MetadataText: string(t.Metadata),
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.bleve.Index(t.ID, doc); err != nil {
		return fmt.Errorf("search: index task %s: %w", t.ID, err)
	}
	return nil
}

// Delete removes a task's document, e.g. after retention purges its row.
func (i *Index) Delete(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.bleve.Delete(id); err != nil {
		return fmt.Errorf("search: delete task %s: %w", id, err)
	}
	return nil
}

// Query runs a free-text query across error_message and metadata_text and
// returns the matching task ids in relevance order. limit caps the number
// of ids returned; 0 or less caps it at 1000.
func (i *Index) Query(q string, limit int) ([]string, error) {
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1000
	}

	mq := bleve.NewDisjunctionQuery(
		newMatchQuery(q, "error_message"),
		newMatchQuery(q, "metadata_text"),
	)
	req := bleve.NewSearchRequest(mq)
	req.Size = limit

	i.mu.RLock()
	result, err := i.bleve.Search(req)
	i.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search: query %q: %w", q, err)
	}

	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

func newMatchQuery(q, field string) query.Query {
	mq := bleve.NewMatchQuery(q)
	mq.SetField(field)
	return mq
}

// Rebuild discards the current index contents and re-indexes every task
// in tasks, used at startup to bring the index in sync with the Task
// Store's current rows before the HTTP surface starts serving q= queries.
func (i *Index) Rebuild(tasks []task.Task) error {
	fresh, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return fmt.Errorf("search: rebuild index: %w", err)
	}

	batch := fresh.NewBatch()
	for _, t := range tasks {
		doc := Document{
			ID:           t.ID,
			Operation:    t.Operation,
			Target:       t.Target,
			ErrorMessage: t.ErrorMessage,
			MetadataText: string(t.Metadata),
		}
		if err := batch.Index(t.ID, doc); err != nil {
			return fmt.Errorf("search: rebuild batch index task %s: %w", t.ID, err)
		}
	}

	if err := fresh.Batch(batch); err != nil {
		return fmt.Errorf("search: rebuild commit batch: %w", err)
	}

	i.mu.Lock()
	old := i.bleve
	i.bleve = fresh
	i.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}
