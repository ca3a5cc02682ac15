// Package qdrant is the Qdrant-backed Record Store implementation: one
// collection per Kernel Memory index, cosine distance, tag values pushed
// down into the point payload as repeated-string fields so the DNF
// filter (package filter) maps directly onto Qdrant's Must/Should
// condition tree instead of falling back to a post-filter.
package qdrant

import (
	"context"
	"encoding/json"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/internal/resilience"
	"github.com/kernelmemory/km/pkg/fn"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/schema"
)

const payloadBlobKey = "_km_payload"

// Store is the sole owner of all Qdrant operations for every Kernel
// Memory index; indexes map 1:1 onto Qdrant collections. Every gRPC
// call runs through a circuit breaker so a wedged or overloaded Qdrant
// instance fails ingestion/retrieval fast instead of piling up blocked
// goroutines behind a dead collaborator.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	breaker     *resilience.Breaker
}

// Option customizes a Store's resilience settings.
type Option func(*Store)

// WithBreakerOpts overrides the circuit breaker's defaults.
func WithBreakerOpts(opts resilience.BreakerOpts) Option {
	return func(s *Store) { s.breaker = resilience.NewBreaker(opts) }
}

// New dials Qdrant at addr over an insecure gRPC channel.
func New(addr string, opts ...Option) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("recordstore/qdrant: dial %s: %w", addr, err)
	}
	s := &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		breaker:     resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// call runs f through the store's breaker, turning a tripped breaker
// into the same error shape as any other failed Qdrant call.
func call[T any](s *Store, ctx context.Context, f func(context.Context) (T, error)) (T, error) {
	return resilience.CallResult(s.breaker, ctx, func(ctx context.Context) fn.Result[T] {
		return fn.FromPair(f(ctx))
	}).Unwrap()
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	list, err := call(s, ctx, func(ctx context.Context) (*pb.ListCollectionsResponse, error) {
		return s.collections.List(ctx, &pb.ListCollectionsRequest{})
	})
	if err != nil {
		return fmt.Errorf("recordstore/qdrant: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == index {
			return nil
		}
	}
	_, err = call(s, ctx, func(ctx context.Context) (*pb.CollectionOperationResponse, error) {
		return s.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: index,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     uint64(vectorSize),
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
	})
	if err != nil {
		return fmt.Errorf("recordstore/qdrant: create collection %s: %w", index, err)
	}
	return nil
}

func (s *Store) ListIndexes(ctx context.Context) ([]string, error) {
	list, err := call(s, ctx, func(ctx context.Context) (*pb.ListCollectionsResponse, error) {
		return s.collections.List(ctx, &pb.ListCollectionsRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore/qdrant: list collections: %w", err)
	}
	out := make([]string, 0, len(list.GetCollections()))
	for _, c := range list.GetCollections() {
		out = append(out, c.GetName())
	}
	return out, nil
}

func (s *Store) DeleteIndex(ctx context.Context, index string) error {
	_, err := call(s, ctx, func(ctx context.Context) (*pb.CollectionOperationResponse, error) {
		return s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: index})
	})
	if err != nil {
		return fmt.Errorf("recordstore/qdrant: delete collection %s: %w", index, err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, index string, record schema.Record) (string, error) {
	payload, err := buildPayload(record)
	if err != nil {
		return "", err
	}
	point := &pb.PointStruct{
		Id:      pointID(record.ID),
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: record.Vector}}},
		Payload: payload,
	}
	wait := true
	_, err = call(s, ctx, func(ctx context.Context) (*pb.PointsOperationResponse, error) {
		return s.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: index,
			Wait:           &wait,
			Points:         []*pb.PointStruct{point},
		})
	})
	if err != nil {
		return "", fmt.Errorf("recordstore/qdrant: upsert into %s: %w", index, err)
	}
	return record.ID, nil
}

func (s *Store) GetSimilar(ctx context.Context, index string, queryVector []float32, f filter.Filter, limit int, minRelevance float32, withEmbeddings bool) ([]recordstore.Match, error) {
	if limit <= 0 {
		limit = 100
	}
	req := &pb.SearchPoints{
		CollectionName: index,
		Vector:         queryVector,
		Limit:          uint64(limit),
		WithPayload:    withPayloadSelector(true),
		WithVectors:    withVectorsSelector(withEmbeddings),
		ScoreThreshold: toCosineScoreThreshold(minRelevance),
		Filter:         toQdrantFilter(f),
	}
	resp, err := call(s, ctx, func(ctx context.Context) (*pb.SearchResponse, error) {
		return s.points.Search(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore/qdrant: search %s: %w", index, err)
	}
	out := make([]recordstore.Match, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		rec, err := recordFromPoint(r.GetId(), r.GetPayload(), r.GetVectors())
		if err != nil {
			return nil, err
		}
		// Qdrant's cosine score is in [-1,1]; normalize to [0,1].
		out = append(out, recordstore.Match{Record: rec, Score: (r.GetScore() + 1) / 2})
	}
	return out, nil
}

func (s *Store) GetList(ctx context.Context, index string, f filter.Filter, limit int, withEmbeddings bool) ([]schema.Record, error) {
	req := &pb.ScrollPoints{
		CollectionName: index,
		Filter:         toQdrantFilter(f),
		WithPayload:    withPayloadSelector(true),
		WithVectors:    withVectorsSelector(withEmbeddings),
	}
	if limit > 0 {
		l := uint32(limit)
		req.Limit = &l
	}
	resp, err := call(s, ctx, func(ctx context.Context) (*pb.ScrollResponse, error) {
		return s.points.Scroll(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore/qdrant: scroll %s: %w", index, err)
	}
	out := make([]schema.Record, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		rec, err := recordFromPoint(p.GetId(), p.GetPayload(), p.GetVectors())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, index string, f filter.Filter) error {
	wait := true
	_, err := call(s, ctx, func(ctx context.Context) (*pb.PointsOperationResponse, error) {
		return s.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: index,
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: toQdrantFilter(f)},
			},
		})
	})
	if err != nil {
		return fmt.Errorf("recordstore/qdrant: delete from %s: %w", index, err)
	}
	return nil
}

// toQdrantFilter maps the DNF filter (OR of ANDs) onto Qdrant's
// Filter.Should (OR) of nested Filter.Must (AND) conditions. A nil
// result means "no filter" — Qdrant treats a nil Filter as "match all".
func toQdrantFilter(f filter.Filter) *pb.Filter {
	conjunctions := f.Conjunctions()
	if len(conjunctions) == 0 {
		return nil
	}
	should := make([]*pb.Condition, 0, len(conjunctions))
	for _, c := range conjunctions {
		must := make([]*pb.Condition, 0, len(c))
		for key, values := range c {
			for _, v := range values {
				must = append(must, fieldMatch(key, v))
			}
		}
		should = append(should, &pb.Condition{
			ConditionOneOf: &pb.Condition_Filter{Filter: &pb.Filter{Must: must}},
		})
	}
	if len(should) == 1 {
		return should[0].GetFilter()
	}
	return &pb.Filter{Should: should}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   "tag." + key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func buildPayload(record schema.Record) (map[string]*pb.Value, error) {
	payload := make(map[string]*pb.Value, len(record.Tags)+1)
	for key, values := range record.Tags {
		list := make([]*pb.Value, len(values))
		for i, v := range values {
			list[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		payload["tag."+key] = &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}
	}
	blob, err := json.Marshal(record.Payload)
	if err != nil {
		return nil, fmt.Errorf("recordstore/qdrant: marshal payload: %w", err)
	}
	payload[payloadBlobKey] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: string(blob)}}
	return payload, nil
}

func recordFromPoint(id *pb.PointId, payload map[string]*pb.Value, vectors *pb.VectorsOutput) (schema.Record, error) {
	tags := schema.NewTagCollection()
	var rawPayload map[string]any
	for key, val := range payload {
		if key == payloadBlobKey {
			if err := json.Unmarshal([]byte(val.GetStringValue()), &rawPayload); err != nil {
				return schema.Record{}, fmt.Errorf("recordstore/qdrant: unmarshal payload: %w", err)
			}
			continue
		}
		tagKey, ok := stripTagPrefix(key)
		if !ok {
			continue
		}
		for _, v := range val.GetListValue().GetValues() {
			tags.Add(tagKey, v.GetStringValue())
		}
	}
	var vec []float32
	if vectors != nil {
		if v := vectors.GetVector(); v != nil {
			vec = v.GetData()
		}
	}
	return schema.Record{
		ID:      idToString(id),
		Vector:  vec,
		Tags:    tags,
		Payload: rawPayload,
	}, nil
}

func stripTagPrefix(key string) (string, bool) {
	const prefix = "tag."
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func idToString(id *pb.PointId) string {
	if id == nil {
		return ""
	}
	return id.GetUuid()
}

func withPayloadSelector(enable bool) *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: enable}}
}

func withVectorsSelector(enable bool) *pb.WithVectorsSelector {
	return &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: enable}}
}

func toCosineScoreThreshold(minRelevance float32) *float32 {
	if minRelevance <= 0 {
		return nil
	}
	// Undo the [0,1] normalization applied to search results to get back
	// to Qdrant's native cosine range before it filters server-side.
	native := minRelevance*2 - 1
	return &native
}

var _ recordstore.RecordStore = (*Store)(nil)
