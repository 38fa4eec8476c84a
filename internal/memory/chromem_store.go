package memory

import (
	"context"
	"encoding/json"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemDB is an embedded chromem-go database holding one or more collections.
// An empty path keeps everything in memory.
type ChromemDB struct {
	db *chromem.DB
}

// NewChromemDB opens a chromem database, persisted under path when non-empty.
func NewChromemDB(path string) (*ChromemDB, error) {
	if path == "" {
		return &ChromemDB{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &ChromemDB{db: db}, nil
}

// Collection returns the named collection, creating it on first use.
func (d *ChromemDB) Collection(name string, dim int) (*ChromemCollection, error) {
	// Embeddings are always supplied by the caller.
	col, err := d.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return &ChromemCollection{col: col, dim: dim}, nil
}

// ChromemCollection adapts a chromem collection to Collection.
// The payload is kept as JSON in the document content; scalar fields are
// mirrored into metadata so equality filters run inside chromem.
type ChromemCollection struct {
	col *chromem.Collection
	dim int
}

// Upsert adds or replaces documents by id.
func (c *ChromemCollection) Upsert(ctx context.Context, points ...Point) error {
	for _, p := range points {
		content, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("serialize payload %s: %w", p.ID, err)
		}
		doc := chromem.Document{
			ID:        p.ID,
			Content:   string(content),
			Embedding: p.Vector,
			Metadata:  flattenPayload(p.Payload),
		}
		if err := c.col.AddDocument(ctx, doc); err != nil {
			return storeError("add document", err)
		}
	}
	return nil
}

// Search ranks documents by cosine similarity.
// chromem requires nResults <= collection size, so lower bounds are applied
// after querying the whole filtered set.
func (c *ChromemCollection) Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Match, error) {
	total := c.col.Count()
	if total == 0 {
		return nil, nil
	}

	n := total
	if len(filter.AtLeast) == 0 && limit > 0 && limit < total {
		n = limit
	}

	results, err := c.col.QueryEmbedding(ctx, vector, n, filter.Equals, nil)
	if err != nil {
		return nil, storeError("chromem query", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		p, err := pointFromResult(r)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(p.Payload) {
			continue
		}
		matches = append(matches, Match{Point: p, Score: r.Similarity})
		if limit > 0 && len(matches) == limit {
			break
		}
	}
	return matches, nil
}

// Scroll returns every matching document. chromem has no listing call, so it
// queries with a fixed unit vector over the whole collection.
func (c *ChromemCollection) Scroll(ctx context.Context, filter Filter, limit int) ([]Point, error) {
	matches, err := c.Search(ctx, c.unitVector(), filter, limit)
	if err != nil {
		return nil, err
	}
	points := make([]Point, len(matches))
	for i, m := range matches {
		points[i] = m.Point
	}
	return points, nil
}

// Delete removes documents by id.
func (c *ChromemCollection) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, ids...); err != nil {
		return storeError("delete documents", err)
	}
	return nil
}

// Close is a no-op; chromem persists on every write.
func (c *ChromemCollection) Close() error {
	return nil
}

func (c *ChromemCollection) unitVector() []float32 {
	dim := c.dim
	if dim <= 0 {
		dim = 1
	}
	v := make([]float32, dim)
	v[0] = 1
	return v
}

func pointFromResult(r chromem.Result) (Point, error) {
	p := Point{ID: r.ID, Vector: r.Embedding}
	if err := json.Unmarshal([]byte(r.Content), &p.Payload); err != nil {
		return Point{}, fmt.Errorf("deserialize payload %s: %w", r.ID, err)
	}
	return p, nil
}

func flattenPayload(payload map[string]any) map[string]string {
	md := make(map[string]string, len(payload))
	for k, v := range payload {
		if _, isList := v.([]any); isList {
			continue
		}
		if _, isList := v.([]string); isList {
			continue
		}
		md[k] = payloadString(payload, k)
	}
	return md
}

var _ Collection = (*ChromemCollection)(nil)
