package vectorstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"chronofact/internal/core"
)

// =============================================================================
// QDRANT STORE
// =============================================================================

const (
	hnswM           = 16
	hnswEfConstruct = 100
)

// QdrantConfig selects the Qdrant endpoint. Mode "docker" talks plaintext
// gRPC to a host:port; mode "cloud" adds TLS and an API key.
type QdrantConfig struct {
	Mode   string
	URL    string
	APIKey string
}

// QdrantStore implements Store over the Qdrant gRPC API.
type QdrantStore struct {
	client *qdrant.Client
	logger *zap.Logger
}

// NewQdrantStore connects to Qdrant. The URL may carry a scheme and port;
// the default gRPC port 6334 is assumed when absent.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	host, port, err := splitHostPort(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant url %q: %w", cfg.URL, err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.Mode == "cloud",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: qdrant connect: %v", core.ErrStoreUnavailable, err)
	}

	logger.Info("connected to qdrant",
		zap.String("host", host),
		zap.Int("port", port),
		zap.String("mode", cfg.Mode))

	return &QdrantStore{client: client, logger: logger}, nil
}

func splitHostPort(raw string) (string, int, error) {
	if raw == "" {
		return "localhost", 6334, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, err
	}
	port := 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, err
		}
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("no host in %q", raw)
	}
	return host, port, nil
}

// EnsureCollection creates the collection and its payload indexes if missing.
func (s *QdrantStore) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	exists, err := s.client.CollectionExists(ctx, spec.Name)
	if err != nil {
		return mapGRPCErr("collection exists", err)
	}

	if !exists {
		vectorParams := make(map[string]*qdrant.VectorParams, len(spec.DenseVectors))
		for name, dim := range spec.DenseVectors {
			vectorParams[name] = &qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}
		}

		sparseParams := make(map[string]*qdrant.SparseVectorParams, len(spec.SparseVectors))
		for _, name := range spec.SparseVectors {
			sparseParams[name] = &qdrant.SparseVectorParams{
				Modifier: qdrant.Modifier_Idf.Enum(),
			}
		}

		create := &qdrant.CreateCollection{
			CollectionName: spec.Name,
			VectorsConfig:  qdrant.NewVectorsConfigMap(vectorParams),
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           qdrant.PtrOf(uint64(hnswM)),
				EfConstruct: qdrant.PtrOf(uint64(hnswEfConstruct)),
			},
		}
		if len(sparseParams) > 0 {
			create.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(sparseParams)
		}

		if err := s.client.CreateCollection(ctx, create); err != nil {
			return mapGRPCErr("create collection", err)
		}
		s.logger.Info("created collection", zap.String("collection", spec.Name))
	}

	for _, idx := range spec.Indexes {
		fieldType, err := qdrantFieldType(idx.Type)
		if err != nil {
			return err
		}
		_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: spec.Name,
			FieldName:      idx.Field,
			FieldType:      fieldType,
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			// Re-declaring an existing index is part of the idempotency
			// contract; only real failures surface.
			if status.Code(err) == codes.InvalidArgument || status.Code(err) == codes.AlreadyExists {
				continue
			}
			return mapGRPCErr("create field index", err)
		}
	}

	return nil
}

func qdrantFieldType(t string) (*qdrant.FieldType, error) {
	switch t {
	case IndexKeyword:
		return qdrant.FieldType_FieldTypeKeyword.Enum(), nil
	case IndexFloat:
		return qdrant.FieldType_FieldTypeFloat.Enum(), nil
	case IndexBool:
		return qdrant.FieldType_FieldTypeBool.Enum(), nil
	case IndexDatetime:
		return qdrant.FieldType_FieldTypeDatetime.Enum(), nil
	default:
		return nil, fmt.Errorf("%w: unknown index type %q", core.ErrSchemaMismatch, t)
	}
}

// Upsert writes points, overwriting by id.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		vectors := make(map[string]*qdrant.Vector, len(p.Vectors)+len(p.SparseVectors))
		for name, vec := range p.Vectors {
			vectors[name] = qdrant.NewVector(vec...)
		}
		for name, terms := range p.SparseVectors {
			indices, values := sparseToIndexed(terms)
			vectors[name] = qdrant.NewVectorSparse(indices, values)
		}

		structs = append(structs, &qdrant.PointStruct{
			Id:      pointID(p.ID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(p.Payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         structs,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return mapGRPCErr("upsert", err)
	}
	return nil
}

// Query runs a dense nearest-neighbor search over one named vector.
func (s *QdrantStore) Query(ctx context.Context, q DenseQuery) ([]ScoredPoint, error) {
	res, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.Collection,
		Query:          qdrant.NewQuery(q.Vector...),
		Using:          qdrant.PtrOf(q.Using),
		Filter:         toQdrantFilter(q.Filter),
		Limit:          qdrant.PtrOf(uint64(q.Limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, mapGRPCErr("query", err)
	}

	out := make([]ScoredPoint, 0, len(res))
	for _, sp := range res {
		out = append(out, ScoredPoint{
			Point: Point{
				ID:      pointIDString(sp.GetId()),
				Payload: payloadToMap(sp.GetPayload()),
			},
			Score: float64(sp.GetScore()),
		})
	}
	return out, nil
}

// SparseQuery scores lexically over the named sparse vector. Qdrant applies
// the IDF modifier server-side.
func (s *QdrantStore) SparseQuery(ctx context.Context, q SparseQuery) ([]ScoredPoint, error) {
	indices, values := sparseToIndexed(q.Terms)
	res, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.Collection,
		Query:          qdrant.NewQuerySparse(indices, values),
		Using:          qdrant.PtrOf(q.Using),
		Filter:         toQdrantFilter(q.Filter),
		Limit:          qdrant.PtrOf(uint64(q.Limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, mapGRPCErr("sparse query", err)
	}

	out := make([]ScoredPoint, 0, len(res))
	for _, sp := range res {
		out = append(out, ScoredPoint{
			Point: Point{
				ID:      pointIDString(sp.GetId()),
				Payload: payloadToMap(sp.GetPayload()),
			},
			Score: float64(sp.GetScore()),
		})
	}
	return out, nil
}

// Scroll pages through points matching the filter.
func (s *QdrantStore) Scroll(ctx context.Context, q ScrollQuery) ([]Point, string, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: q.Collection,
		Filter:         toQdrantFilter(q.Filter),
		Limit:          qdrant.PtrOf(uint32(q.Batch)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(q.WithVectors),
	}
	if q.Cursor != "" {
		req.Offset = pointID(q.Cursor)
	}

	// The convenience wrapper drops the next-page offset, so this uses the
	// raw points client.
	resp, err := s.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, "", mapGRPCErr("scroll", err)
	}

	points := make([]Point, 0, len(resp.GetResult()))
	for _, rp := range resp.GetResult() {
		p := Point{
			ID:      pointIDString(rp.GetId()),
			Payload: payloadToMap(rp.GetPayload()),
		}
		if q.WithVectors {
			p.Vectors = vectorsFromOutput(rp.GetVectors())
		}
		points = append(points, p)
	}

	next := ""
	if resp.GetNextPageOffset() != nil {
		next = pointIDString(resp.GetNextPageOffset())
	}
	return points, next, nil
}

// Get fetches points by id. Missing ids are omitted by the server.
func (s *QdrantStore) Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pids := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pids = append(pids, pointID(id))
	}

	resp, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            pids,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(withVectors),
	})
	if err != nil {
		return nil, mapGRPCErr("get", err)
	}

	points := make([]Point, 0, len(resp))
	for _, rp := range resp {
		p := Point{
			ID:      pointIDString(rp.GetId()),
			Payload: payloadToMap(rp.GetPayload()),
		}
		if withVectors {
			p.Vectors = vectorsFromOutput(rp.GetVectors())
		}
		points = append(points, p)
	}
	return points, nil
}

// Delete removes points by id.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pids = append(pids, pointID(id))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return mapGRPCErr("delete", err)
	}
	return nil
}

// SetPayload merges patch into one point's payload.
func (s *QdrantStore) SetPayload(ctx context.Context, collection string, id string, patch map[string]any) error {
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload:        qdrant.NewValueMap(patch),
		PointsSelector: qdrant.NewPointsSelector(pointID(id)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return mapGRPCErr("set payload", err)
	}
	return nil
}

// HealthCheck verifies the Qdrant endpoint answers.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return mapGRPCErr("health check", err)
	}
	return nil
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// pointID maps an application id to a Qdrant point id. Qdrant only accepts
// numbers and UUIDs, so other strings get a deterministic UUID.
func pointID(id string) *qdrant.PointId {
	if num, err := strconv.ParseUint(id, 10, 64); err == nil {
		return qdrant.NewIDNum(num)
	}
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewID(id)
	}
	return qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String())
}

func pointIDString(pid *qdrant.PointId) string {
	if pid == nil {
		return ""
	}
	if u := pid.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(pid.GetNum(), 10)
}

// sparseToIndexed hashes terms to stable u32 indices. Order is fixed so
// repeated calls produce identical requests.
func sparseToIndexed(terms map[string]float64) ([]uint32, []float32) {
	keys := make([]string, 0, len(terms))
	for term := range terms {
		keys = append(keys, term)
	}
	sort.Strings(keys)

	indices := make([]uint32, 0, len(keys))
	values := make([]float32, 0, len(keys))
	for _, term := range keys {
		indices = append(indices, termIndex(term))
		values = append(values, float32(terms[term]))
	}
	return indices, values
}

func termIndex(term string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return h.Sum32()
}

func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f.Empty() {
		return nil
	}
	out := &qdrant.Filter{}
	for _, c := range f.Must {
		if qc := toQdrantCondition(c); qc != nil {
			out.Must = append(out.Must, qc)
		}
	}
	for _, c := range f.Should {
		if qc := toQdrantCondition(c); qc != nil {
			out.Should = append(out.Should, qc)
		}
	}
	for _, c := range f.MustNot {
		if qc := toQdrantCondition(c); qc != nil {
			out.MustNot = append(out.MustNot, qc)
		}
	}
	return out
}

func toQdrantCondition(c Condition) *qdrant.Condition {
	switch {
	case c.Match != nil:
		switch v := c.Match.(type) {
		case string:
			return qdrant.NewMatch(c.Key, v)
		case bool:
			return qdrant.NewMatchBool(c.Key, v)
		case int:
			return qdrant.NewMatchInt(c.Key, int64(v))
		case int64:
			return qdrant.NewMatchInt(c.Key, v)
		default:
			return nil
		}
	case len(c.In) > 0:
		keywords := make([]string, 0, len(c.In))
		for _, v := range c.In {
			if s, ok := v.(string); ok {
				keywords = append(keywords, s)
			}
		}
		if len(keywords) == 0 {
			return nil
		}
		return qdrant.NewMatchKeywords(c.Key, keywords...)
	case c.GTE != nil || c.LTE != nil:
		return qdrant.NewRange(c.Key, &qdrant.Range{Gte: c.GTE, Lte: c.LTE})
	case c.GTETime != nil || c.LTETime != nil:
		rng := &qdrant.DatetimeRange{}
		if c.GTETime != nil {
			rng.Gte = timestamppb.New(*c.GTETime)
		}
		if c.LTETime != nil {
			rng.Lte = timestamppb.New(*c.LTETime)
		}
		return qdrant.NewDatetimeRange(c.Key, rng)
	default:
		return nil
	}
}

func payloadToMap(pl map[string]*qdrant.Value) map[string]any {
	if len(pl) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(pl))
	for k, v := range pl {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, valueToAny(item))
		}
		return out
	case *qdrant.Value_StructValue:
		fields := kind.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for k, item := range fields {
			out[k] = valueToAny(item)
		}
		return out
	default:
		return nil
	}
}

// vectorsFromOutput extracts named dense vectors. Sparse outputs carry
// hashed indices and are skipped.
func vectorsFromOutput(vo *qdrant.VectorsOutput) map[string][]float32 {
	named := vo.GetVectors().GetVectors()
	if len(named) == 0 {
		return nil
	}
	out := make(map[string][]float32, len(named))
	for name, vec := range named {
		if vec.GetIndices() != nil {
			continue
		}
		out[name] = vec.GetData()
	}
	return out
}

// mapGRPCErr converts gRPC status codes into error kinds.
func mapGRPCErr(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: qdrant %s: %v", core.ErrStoreUnavailable, op, err)
	case codes.NotFound:
		return fmt.Errorf("%w: qdrant %s: %v", core.ErrNotFound, op, err)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: qdrant %s: %v", core.ErrSchemaMismatch, op, err)
	default:
		return fmt.Errorf("%w: qdrant %s: %v", core.ErrStoreUnavailable, op, err)
	}
}
