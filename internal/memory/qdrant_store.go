package memory

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds connection settings for a Qdrant server.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// NewQdrantClient dials Qdrant over gRPC.
func NewQdrantClient(cfg QdrantConfig) (*qdrant.Client, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	return client, nil
}

// QdrantCollection stores points in one Qdrant collection.
// Point ids must be UUIDs.
type QdrantCollection struct {
	client *qdrant.Client
	name   string
	owned  bool
}

// NewQdrantCollection ensures the collection exists with cosine distance
// over dim-sized vectors.
func NewQdrantCollection(ctx context.Context, client *qdrant.Client, name string, dim int) (*QdrantCollection, error) {
	exists, err := client.CollectionExists(ctx, name)
	if err != nil {
		return nil, storeError("check collection "+name, err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, storeError("create collection "+name, err)
		}
	}
	return &QdrantCollection{client: client, name: name}, nil
}

// Upsert writes points and waits for the write to be applied.
func (c *QdrantCollection) Upsert(ctx context.Context, points ...Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload, err := qdrant.TryValueMap(p.Payload)
		if err != nil {
			return fmt.Errorf("encode payload %s: %w", p.ID, err)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: payload,
		})
	}

	_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: c.name,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return storeError("qdrant upsert", err)
	}
	return nil
}

// Search runs a dense vector query with payload filters applied server-side.
func (c *QdrantCollection) Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Match, error) {
	req := &qdrant.QueryPoints{
		CollectionName: c.name,
		Query:          qdrant.NewQueryDense(vector),
		Filter:         qdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}
	if limit > 0 {
		req.Limit = qdrant.PtrOf(uint64(limit))
	}

	scored, err := c.client.Query(ctx, req)
	if err != nil {
		return nil, storeError("qdrant query", err)
	}

	matches := make([]Match, 0, len(scored))
	for _, sp := range scored {
		matches = append(matches, Match{
			Point: Point{
				ID:      sp.GetId().GetUuid(),
				Vector:  denseVector(sp.GetVectors()),
				Payload: payloadFromValues(sp.GetPayload()),
			},
			Score: sp.GetScore(),
		})
	}
	return matches, nil
}

// Scroll pages through matching points.
func (c *QdrantCollection) Scroll(ctx context.Context, filter Filter, limit int) ([]Point, error) {
	const pageSize = 256

	var (
		points []Point
		offset *qdrant.PointId
	)
	for {
		fetch := uint32(pageSize)
		// Scroll offsets are inclusive, so later pages repeat the previous last point.
		if offset != nil {
			fetch++
		}
		got, err := c.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: c.name,
			Filter:         qdrantFilter(filter),
			Offset:         offset,
			Limit:          qdrant.PtrOf(fetch),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, storeError("qdrant scroll", err)
		}
		n := len(got)
		if offset != nil && n > 0 {
			got = got[1:]
		}
		for _, rp := range got {
			points = append(points, Point{
				ID:      rp.GetId().GetUuid(),
				Vector:  denseVector(rp.GetVectors()),
				Payload: payloadFromValues(rp.GetPayload()),
			})
		}
		if limit > 0 && len(points) >= limit {
			return points[:limit], nil
		}
		if n < int(fetch) || len(got) == 0 {
			return points, nil
		}
		offset = got[len(got)-1].GetId()
	}
}

// Delete removes points by id.
func (c *QdrantCollection) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}
	_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: c.name,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return storeError("qdrant delete", err)
	}
	return nil
}

// Close closes the client when this collection owns it.
func (c *QdrantCollection) Close() error {
	if c.owned {
		return c.client.Close()
	}
	return nil
}

func qdrantFilter(f Filter) *qdrant.Filter {
	if len(f.Equals) == 0 && len(f.AtLeast) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(f.Equals)+len(f.AtLeast))
	for k, v := range f.Equals {
		must = append(must, qdrant.NewMatch(k, v))
	}
	for k, v := range f.AtLeast {
		must = append(must, qdrant.NewRange(k, &qdrant.Range{Gte: qdrant.PtrOf(v)}))
	}
	return &qdrant.Filter{Must: must}
}

func denseVector(v *qdrant.VectorsOutput) []float32 {
	out := v.GetVector()
	if out == nil {
		return nil
	}
	if dense := out.GetDense(); dense != nil {
		return dense.GetData()
	}
	return out.GetData()
}

func payloadFromValues(values map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_IntegerValue:
		return float64(kind.IntegerValue)
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = valueToAny(item)
		}
		return list
	case *qdrant.Value_StructValue:
		return payloadFromValues(kind.StructValue.GetFields())
	default:
		return nil
	}
}

var _ Collection = (*QdrantCollection)(nil)
