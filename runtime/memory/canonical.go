package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tripsage/tripsage-core/runtime/provider"
)

const (
	vectorIndexM              = 32
	vectorIndexEfConstruction = 180
	dedupCosineThreshold      = 0.95

	// DefaultCollectionName is the collection name used when a deployment
	// does not override it.
	DefaultCollectionName = "memories_turns"

	vectorIndexName = "turn_embedding_index"
	defaultTimeout  = 5 * time.Second
)

// CanonicalAdapter is the authoritative, Mongo-backed memory adapter. It is
// always registered first so TurnCommitted's dedup decision and
// FetchContext's hybrid retrieval run against the user's own unredacted
// data.
type CanonicalAdapter struct {
	coll     collection
	embedder provider.Embedder
	timeout  time.Duration
}

// NewCanonicalAdapter wires coll (expected to have an Atlas Search vector
// index named turn_embedding_index over the "embedding" field, HNSW with
// m=32, ef_construction=180 per spec.md §4.3) and embedder.
func NewCanonicalAdapter(coll *mongodriver.Collection, embedder provider.Embedder) *CanonicalAdapter {
	return &CanonicalAdapter{
		coll:     mongoCollection{coll: coll},
		embedder: embedder,
		timeout:  defaultTimeout,
	}
}

func (a *CanonicalAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

func (a *CanonicalAdapter) Name() string { return "canonical" }

func (a *CanonicalAdapter) Handles(kind IntentKind) bool {
	switch kind {
	case IntentTurnCommitted, IntentSyncSession, IntentBackfillSession, IntentFetchContext:
		return true
	default:
		return false
	}
}

type turnDocument struct {
	ID          bson.ObjectID  `bson:"_id,omitempty"`
	SessionID   string         `bson:"session_id"`
	UserID      string         `bson:"user_id"`
	Role        string         `bson:"role"`
	Content     string         `bson:"content"`
	Attachments []string       `bson:"attachments,omitempty"`
	ToolCalls   []byte         `bson:"tool_calls,omitempty"`
	ToolResults []byte         `bson:"tool_results,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
	PIIScrubbed bool           `bson:"pii_scrubbed"`
	ContentHash string         `bson:"content_hash"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	Embedding   []float32      `bson:"embedding,omitempty"`
}

// TurnCommitted implements the dedup protocol from spec.md §4.3: compute a
// normalized-content hash and an embedding, look for an existing turn with
// a matching hash or cosine similarity >= 0.95, and merge into it instead
// of inserting a duplicate row.
func (a *CanonicalAdapter) TurnCommitted(ctx context.Context, sessionID, userID string, turn *Turn) (Result, error) {
	if turn == nil {
		return Result{}, errors.New("memory: canonical: turn is required")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	hash := normalizedContentHash(turn.Content)

	var embedding []float32
	if turn.Role != TurnRoleTool && a.embedder != nil {
		vectors, err := a.embedder.Embed(ctx, []string{turn.Content})
		if err == nil && len(vectors) == 1 {
			embedding = vectors[0]
		}
	}

	existing, err := a.findDuplicate(ctx, sessionID, hash, embedding)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		merged := mergeMeta(existing.Metadata, turn.Metadata)
		now := time.Now().UTC()
		if err := a.coll.UpdateByID(ctx, existing.ID, bson.M{
			"$set": bson.M{"updated_at": now, "metadata": merged},
		}); err != nil {
			return Result{}, err
		}
		return Result{TurnID: existing.ID.Hex(), Merged: true}, nil
	}

	now := time.Now().UTC()
	doc := turnDocument{
		SessionID:   sessionID,
		UserID:      userID,
		Role:        string(turn.Role),
		Content:     turn.Content,
		Attachments: turn.Attachments,
		ToolCalls:   turn.ToolCalls,
		ToolResults: turn.ToolResults,
		CreatedAt:   now,
		UpdatedAt:   now,
		PIIScrubbed: turn.PIIScrubbed,
		ContentHash: hash,
		Metadata:    turn.Metadata,
		Embedding:   embedding,
	}
	id, err := a.coll.InsertOne(ctx, doc)
	if err != nil {
		return Result{}, err
	}
	return Result{TurnID: id.Hex(), Merged: false}, nil
}

func (a *CanonicalAdapter) findDuplicate(ctx context.Context, sessionID, hash string, embedding []float32) (*turnDocument, error) {
	var byHash turnDocument
	err := a.coll.FindOne(ctx, bson.M{"session_id": sessionID, "content_hash": hash}).Decode(&byHash)
	if err == nil {
		return &byHash, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, nil
	}

	candidates, err := a.vectorSearch(ctx, sessionID, embedding, 5)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if cosineSimilarity(embedding, candidates[i].Embedding) >= dedupCosineThreshold {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// vectorSearch runs a MongoDB Atlas $vectorSearch aggregation over the
// session's turns, returning the k nearest neighbors by embedding.
func (a *CanonicalAdapter) vectorSearch(ctx context.Context, sessionID string, embedding []float32, k int) ([]turnDocument, error) {
	pipeline := bson.A{
		bson.D{{Key: "$vectorSearch", Value: bson.M{
			"index":         vectorIndexName,
			"path":          "embedding",
			"queryVector":   embedding,
			"numCandidates": k * 10,
			"limit":         k,
			"filter":        bson.M{"session_id": sessionID},
		}}},
	}
	return a.coll.Aggregate(ctx, pipeline)
}

func (a *CanonicalAdapter) SyncSession(ctx context.Context, sessionID, userID string) error {
	return a.BackfillSession(ctx, sessionID, userID)
}

// BackfillSession generates embeddings for any turn in the session missing
// one.
func (a *CanonicalAdapter) BackfillSession(ctx context.Context, sessionID, userID string) error {
	if a.embedder == nil {
		return nil
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	docs, err := a.coll.Find(ctx, bson.M{
		"session_id": sessionID,
		"$or":        bson.A{bson.M{"embedding": bson.M{"$exists": false}}, bson.M{"embedding": nil}},
	}, options.Find())
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.Role == string(TurnRoleTool) {
			continue
		}
		vectors, err := a.embedder.Embed(ctx, []string{doc.Content})
		if err != nil || len(vectors) != 1 {
			continue
		}
		if err := a.coll.UpdateByID(ctx, doc.ID, bson.M{"$set": bson.M{"embedding": vectors[0]}}); err != nil {
			return err
		}
	}
	return nil
}

// FetchContext returns the most recent N turns unioned with up to K
// semantically-similar turns beyond that window, K <= limit/2, deduplicated
// and truncated to limit.
func (a *CanonicalAdapter) FetchContext(ctx context.Context, sessionID, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	k := limit / 2
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	recent, err := a.coll.Find(ctx, bson.M{"session_id": sessionID, "role": bson.M{"$ne": string(TurnRoleTool)}}, findOpts)
	if err != nil {
		return nil, err
	}

	seen := make(map[bson.ObjectID]bool, len(recent))
	out := make([]Turn, 0, limit)
	for _, d := range recent {
		seen[d.ID] = true
		out = append(out, toTurn(d))
	}

	if k > 0 && len(recent) > 0 && len(recent[0].Embedding) > 0 {
		neighbors, err := a.vectorSearch(ctx, sessionID, recent[0].Embedding, k)
		if err == nil {
			for _, d := range neighbors {
				if seen[d.ID] || len(out) >= limit {
					continue
				}
				seen[d.ID] = true
				out = append(out, toTurn(d))
			}
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func toTurn(d turnDocument) Turn {
	return Turn{
		ID:          d.ID.Hex(),
		SessionID:   d.SessionID,
		UserID:      d.UserID,
		Role:        TurnRole(d.Role),
		Content:     d.Content,
		Attachments: d.Attachments,
		ToolCalls:   d.ToolCalls,
		ToolResults: d.ToolResults,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		PIIScrubbed: d.PIIScrubbed,
		ContentHash: d.ContentHash,
		Metadata:    d.Metadata,
	}
}

// normalizedContentHash hashes content after trimming whitespace and
// lowercasing, so trivially-different renderings of the same turn (extra
// spaces, case) still collapse under exact-hash dedup.
func normalizedContentHash(content string) string {
	normalized := strings.ToLower(strings.TrimSpace(content))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EnsureIndexes creates the content-hash index the canonical adapter relies
// on for exact-match dedup. Called once at process boot.
func EnsureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "content_hash", Value: 1}},
	})
	if err != nil {
		return err
	}
	// The $vectorSearch index itself (turn_embedding_index, HNSW m=32,
	// ef_construction=180) is an Atlas Search index, provisioned through
	// Atlas rather than Indexes().CreateOne; vectorIndexM and
	// vectorIndexEfConstruction document the contractual parameters from
	// spec.md §4.3 for whichever tool manages that provisioning.
	_ = vectorIndexM
	_ = vectorIndexEfConstruction
	return nil
}

// collection narrows *mongodriver.Collection to the operations the
// canonical adapter needs, so tests can substitute an in-memory fake
// instead of a live Mongo connection.
type collection interface {
	FindOne(ctx context.Context, filter any) singleResult
	InsertOne(ctx context.Context, doc turnDocument) (bson.ObjectID, error)
	UpdateByID(ctx context.Context, id bson.ObjectID, update any) error
	Find(ctx context.Context, filter any, opts ...*options.FindOptionsBuilder) ([]turnDocument, error)
	Aggregate(ctx context.Context, pipeline any) ([]turnDocument, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc turnDocument) (bson.ObjectID, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return bson.ObjectID{}, err
	}
	id, _ := res.InsertedID.(bson.ObjectID)
	return id, nil
}

func (c mongoCollection) UpdateByID(ctx context.Context, id bson.ObjectID, update any) error {
	_, err := c.coll.UpdateByID(ctx, id, update)
	return err
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptionsBuilder) ([]turnDocument, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []turnDocument
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c mongoCollection) Aggregate(ctx context.Context, pipeline any) ([]turnDocument, error) {
	cur, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []turnDocument
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
