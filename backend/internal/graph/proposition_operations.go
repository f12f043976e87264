package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ezra-knowledge/backend/internal/knowledge"
	apperrors "ezra-knowledge/backend/pkg/errors"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// ============================================================================
// Proposition Operations
// ============================================================================

const propositionIndex = "proposition_embeddings"

// fallbackScanLimit bounds the word-overlap scan used without an embedder
const fallbackScanLimit = 500

// returnPropositions finishes a query that has bound p to propositions
const returnPropositions = `
		OPTIONAL MATCH (p)-[:HAS_MENTION]->(m:Mention)
		WITH p, collect(m{.*}) AS mentions
		RETURN p{.*} AS p, mentions
		ORDER BY p.created DESC, p.id ASC
`

// Commit writes entities, then propositions and their mentions, in one
// write transaction
func (r *Repository) Commit(ctx context.Context, batch knowledge.Batch) error {
	if batch.Empty() {
		return nil
	}
	for i := range batch.Propositions {
		if err := batch.Propositions[i].Validate(); err != nil {
			return err
		}
	}

	entities := make([]map[string]interface{}, 0, len(batch.Entities))
	for _, e := range batch.Entities {
		if e.ID == "" {
			return fmt.Errorf("entity without id: %q", e.Name)
		}
		entities = append(entities, map[string]interface{}{
			"id":          e.ID,
			"name":        e.Name,
			"name_norm":   knowledge.NormalizeName(e.Name),
			"name_tokens": knowledge.NameTokens(e.Name),
			"labels":      e.Labels,
			"description": e.Description,
			"embedding":   toVector(e.Embedding),
		})
	}

	props := make([]map[string]interface{}, 0, len(batch.Propositions))
	ids := make([]string, 0, len(batch.Propositions))
	var mentions []map[string]interface{}
	for _, p := range batch.Propositions {
		ids = append(ids, p.ID)
		props = append(props, map[string]interface{}{
			"id":         p.ID,
			"context_id": p.ContextID,
			"text":       p.Text,
			"confidence": p.Confidence,
			"decay":      p.Decay,
			"reasoning":  p.Reasoning,
			"grounding":  p.Grounding,
			"status":     string(p.Status),
			"created":    formatTime(p.Created),
			"revised":    formatTime(p.Revised),
			"embedding":  toVector(p.Embedding),
		})
		for i, m := range p.Mentions {
			mentions = append(mentions, map[string]interface{}{
				"proposition_id": p.ID,
				"position":       i,
				"span":           m.Span,
				"type":           m.Type,
				"role":           string(m.Role),
				"resolved_id":    m.ResolvedID,
			})
		}
	}

	session := r.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		if len(entities) > 0 {
			if _, err := tx.Run(ctx, `
				UNWIND $entities AS e
				MERGE (n:Entity {id: e.id})
				ON CREATE SET n.created = datetime()
				SET n.name = e.name,
				    n.name_norm = e.name_norm,
				    n.name_tokens = e.name_tokens,
				    n.labels = e.labels,
				    n.description = e.description,
				    n.embedding = coalesce(e.embedding, n.embedding)
			`, map[string]interface{}{"entities": entities}); err != nil {
				return nil, fmt.Errorf("failed to write entities: %w", err)
			}
		}

		if _, err := tx.Run(ctx, `
			UNWIND $props AS p
			MERGE (n:Proposition {id: p.id})
			SET n.context_id = p.context_id,
			    n.text = p.text,
			    n.confidence = p.confidence,
			    n.decay = p.decay,
			    n.reasoning = p.reasoning,
			    n.grounding = p.grounding,
			    n.status = p.status,
			    n.created = datetime(p.created),
			    n.revised = datetime(p.revised),
			    n.embedding = p.embedding
		`, map[string]interface{}{"props": props}); err != nil {
			return nil, fmt.Errorf("failed to write propositions: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (n:Proposition)-[:HAS_MENTION]->(m:Mention)
			WHERE n.id IN $ids
			DETACH DELETE m
		`, map[string]interface{}{"ids": ids}); err != nil {
			return nil, fmt.Errorf("failed to replace mentions: %w", err)
		}

		if len(mentions) > 0 {
			if _, err := tx.Run(ctx, `
				UNWIND $mentions AS m
				MATCH (n:Proposition {id: m.proposition_id})
				CREATE (n)-[:HAS_MENTION]->(mn:Mention {
					position: m.position,
					span: m.span,
					type: m.type,
					role: m.role,
					resolved_id: m.resolved_id
				})
				WITH mn, m
				WHERE m.resolved_id <> ''
				MATCH (e:Entity {id: m.resolved_id})
				MERGE (mn)-[:REFERS_TO]->(e)
			`, map[string]interface{}{"mentions": mentions}); err != nil {
				return nil, fmt.Errorf("failed to write mentions: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return apperrors.NewGraphQueryFailed("commit", err)
	}

	r.logger.Debug("Batch committed",
		zap.Int("entities", len(entities)),
		zap.Int("propositions", len(props)),
		zap.Int("mentions", len(mentions)),
	)
	return nil
}

// GetProposition retrieves a proposition with its mentions
func (r *Repository) GetProposition(ctx context.Context, id string) (*knowledge.Proposition, error) {
	props, err := collect(ctx, r, `MATCH (p:Proposition {id: $id})`+returnPropositions,
		map[string]interface{}{"id": id}, propositionFromRecord)
	if err != nil {
		return nil, err
	}
	if len(props) == 0 {
		return nil, knowledge.ErrNotFound
	}
	return &props[0], nil
}

// FindByStatus lists propositions of a status, newest first. An empty
// contextID searches every context.
func (r *Repository) FindByStatus(ctx context.Context, contextID string, status knowledge.Status, limit int) ([]knowledge.Proposition, error) {
	return collect(ctx, r, `
		MATCH (p:Proposition {status: $status})
		WHERE $contextID = '' OR p.context_id = $contextID
		WITH p ORDER BY p.created DESC LIMIT $limit`+returnPropositions,
		map[string]interface{}{"status": string(status), "contextID": contextID, "limit": queryLimit(limit)},
		propositionFromRecord)
}

// FindByContext lists a context's propositions, newest first
func (r *Repository) FindByContext(ctx context.Context, contextID string, limit int) ([]knowledge.Proposition, error) {
	return collect(ctx, r, `
		MATCH (p:Proposition {context_id: $contextID})
		WITH p ORDER BY p.created DESC LIMIT $limit`+returnPropositions,
		map[string]interface{}{"contextID": contextID, "limit": queryLimit(limit)},
		propositionFromRecord)
}

// FindByGrounding lists propositions grounded in a chunk
func (r *Repository) FindByGrounding(ctx context.Context, chunkID string) ([]knowledge.Proposition, error) {
	return collect(ctx, r, `
		MATCH (p:Proposition)
		WHERE $chunkID IN p.grounding`+returnPropositions,
		map[string]interface{}{"chunkID": chunkID},
		propositionFromRecord)
}

// FindByEntities lists a context's propositions mentioning any of the entities
func (r *Repository) FindByEntities(ctx context.Context, contextID string, entityIDs []string, limit int) ([]knowledge.Proposition, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	return collect(ctx, r, `
		MATCH (p:Proposition {context_id: $contextID})-[:HAS_MENTION]->(:Mention)-[:REFERS_TO]->(e:Entity)
		WHERE e.id IN $entityIDs
		WITH DISTINCT p
		ORDER BY p.created DESC LIMIT $limit`+returnPropositions,
		map[string]interface{}{"contextID": contextID, "entityIDs": entityIDs, "limit": queryLimit(limit)},
		propositionFromRecord)
}

// FindSimilar searches the proposition vector index, or scans by word overlap
// when no embedder is configured
func (r *Repository) FindSimilar(ctx context.Context, q knowledge.SimilarQuery) ([]knowledge.ScoredProposition, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	if r.embedder == nil {
		return r.findSimilarByWords(ctx, q, topK)
	}

	vec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// over-fetch so filtering by context still fills topK
	hits, err := collect(ctx, r, `
		CALL db.index.vector.queryNodes($index, $k, $vector) YIELD node AS p, score
		WHERE score >= $minScore AND ($contextID = '' OR p.context_id = $contextID)
		WITH p, score ORDER BY score DESC LIMIT $topK
		OPTIONAL MATCH (p)-[:HAS_MENTION]->(m:Mention)
		WITH p, score, collect(m{.*}) AS mentions
		RETURN p{.*} AS p, mentions, score
		ORDER BY score DESC, p.id ASC
	`, map[string]interface{}{
		"index":     propositionIndex,
		"k":         topK * 4,
		"vector":    toVector(vec),
		"minScore":  indexScoreFromCosine(q.Threshold),
		"contextID": q.ContextID,
		"topK":      topK,
	}, func(record *neo4j.Record) knowledge.ScoredProposition {
		return knowledge.ScoredProposition{
			Proposition: propositionFromRecord(record),
			Score:       cosineFromIndexScore(getFloat64FromRecord(record, "score")),
		}
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (r *Repository) findSimilarByWords(ctx context.Context, q knowledge.SimilarQuery, topK int) ([]knowledge.ScoredProposition, error) {
	var props []knowledge.Proposition
	var err error
	if q.ContextID != "" {
		props, err = r.FindByContext(ctx, q.ContextID, fallbackScanLimit)
	} else {
		props, err = r.FindByStatus(ctx, "", knowledge.StatusActive, fallbackScanLimit)
	}
	if err != nil {
		return nil, err
	}

	var hits []knowledge.ScoredProposition
	for _, p := range props {
		if score := knowledge.WordOverlap(q.Text, p.Text); score >= q.Threshold {
			hits = append(hits, knowledge.ScoredProposition{Proposition: p, Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// CountPropositions counts propositions of a context, or all when contextID is empty
func (r *Repository) CountPropositions(ctx context.Context, contextID string) (int64, error) {
	return r.count(ctx, false, `
		MATCH (p:Proposition)
		WHERE $contextID = '' OR p.context_id = $contextID
		RETURN count(p) AS n
	`, map[string]interface{}{"contextID": contextID})
}

// ClearContext deletes a context's propositions and their mentions
func (r *Repository) ClearContext(ctx context.Context, contextID string) (int64, error) {
	n, err := r.count(ctx, true, `
		MATCH (p:Proposition {context_id: $contextID})
		OPTIONAL MATCH (p)-[:HAS_MENTION]->(m:Mention)
		WITH p, collect(m) AS mentions
		FOREACH (m IN mentions | DETACH DELETE m)
		DETACH DELETE p
		RETURN count(*) AS n
	`, map[string]interface{}{"contextID": contextID})
	if err != nil {
		return 0, err
	}
	r.logger.Info("Context knowledge cleared", zap.String("context_id", contextID), zap.Int64("deleted", n))
	return n, nil
}

// ClearAll deletes every proposition, mention and entity
func (r *Repository) ClearAll(ctx context.Context) (int64, error) {
	n, err := r.count(ctx, true, `
		MATCH (p:Proposition)
		OPTIONAL MATCH (p)-[:HAS_MENTION]->(m:Mention)
		WITH p, collect(m) AS mentions
		FOREACH (m IN mentions | DETACH DELETE m)
		DETACH DELETE p
		RETURN count(*) AS n
	`, nil)
	if err != nil {
		return 0, err
	}
	if _, err := r.count(ctx, true, `
		MATCH (e:Entity)
		DETACH DELETE e
		RETURN count(*) AS n
	`, nil); err != nil {
		return n, err
	}
	r.logger.Warn("All knowledge cleared", zap.Int64("deleted", n))
	return n, nil
}

func queryLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

