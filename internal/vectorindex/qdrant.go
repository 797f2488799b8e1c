package vectorindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	payloadChunkID = "chunk_id"
	payloadText    = "text"
)

// pointNamespace seeds deterministic point ids so a re-upsert of the same
// chunk overwrites its point instead of adding a second one.
var pointNamespace = uuid.MustParse("6f1c2a0e-3d5b-4f7e-9a41-2b8c0d9e7f10")

type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	VectorSize uint64
}

// Qdrant stores every namespace in one collection and scopes reads and
// deletes with a keyword filter on the indexNamespace payload field.
type Qdrant struct {
	client     *qdrant.Client
	admin      collectionAdmin
	collection string
	vectorSize uint64

	ensureMu sync.Mutex
	created  bool
}

// collectionAdmin is the part of *qdrant.Client used to bootstrap the
// collection.
type collectionAdmin interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
}

func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}
	return &Qdrant{client: client, admin: client, collection: cfg.Collection, vectorSize: cfg.VectorSize}, nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

// ensureCollection creates the collection on first use. A failed attempt is
// retried by the next call.
func (q *Qdrant) ensureCollection(ctx context.Context) error {
	q.ensureMu.Lock()
	defer q.ensureMu.Unlock()
	if q.created {
		return nil
	}

	exists, err := q.admin.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", q.collection, err)
	}
	if !exists {
		err = q.admin.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.vectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			// Another process may have created it first.
			if again, checkErr := q.admin.CollectionExists(ctx, q.collection); checkErr != nil || !again {
				return fmt.Errorf("creating collection %s: %w", q.collection, err)
			}
		}
	}
	q.created = true
	return nil
}

func pointID(namespace, id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(namespace+"|"+id)).String()
}

func namespaceFilter(namespace string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: MetaNamespace,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: namespace},
					},
				},
			},
		}},
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func (q *Qdrant) Upsert(ctx context.Context, namespace string, records []Record) error {
	ctx, span := tracer.Start(ctx, "Qdrant.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", namespace), attribute.Int("records", len(records)))

	if err := validate(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		payload := make(map[string]*qdrant.Value, len(r.Metadata)+3)
		for k, v := range r.Metadata {
			payload[k] = stringValue(v)
		}
		payload[MetaNamespace] = stringValue(namespace)
		payload[payloadChunkID] = stringValue(r.ID)
		payload[payloadText] = stringValue(r.Text)

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(namespace, r.ID)),
			Vectors: qdrant.NewVectors(r.Embedding...),
			Payload: payload,
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting into %s: %w", q.collection, err)
	}
	return nil
}

func (q *Qdrant) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "Qdrant.Query")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", namespace), attribute.Int("k", topK))

	if topK <= 0 {
		return nil, nil
	}
	if err := q.ensureCollection(ctx); err != nil {
		return nil, err
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         namespaceFilter(namespace),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", q.collection, err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		m := Match{Score: p.Score, Metadata: make(map[string]string)}
		for k, v := range p.Payload {
			s, ok := v.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			switch k {
			case payloadChunkID:
				m.ID = s.StringValue
			case payloadText:
				m.Text = s.StringValue
			default:
				m.Metadata[k] = s.StringValue
			}
		}
		if m.ID != "" {
			matches = append(matches, m)
		}
	}
	span.SetAttributes(attribute.Int("results", len(matches)))
	return matches, nil
}

func (q *Qdrant) DeleteNamespace(ctx context.Context, namespace string) error {
	ctx, span := tracer.Start(ctx, "Qdrant.DeleteNamespace")
	defer span.End()

	if err := q.ensureCollection(ctx); err != nil {
		return err
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: namespaceFilter(namespace)},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}
	return nil
}
