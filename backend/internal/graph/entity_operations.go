package graph

import (
	"context"
	"strings"

	"ezra-knowledge/backend/internal/knowledge"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ============================================================================
// Entity Operations
// ============================================================================

const entityIndex = "entity_embeddings"

// GetEntity retrieves an entity by id
func (r *Repository) GetEntity(ctx context.Context, id string) (*knowledge.NamedEntity, error) {
	entities, err := collect(ctx, r, `
		MATCH (e:Entity {id: $id})
		RETURN e{.*} AS e
	`, map[string]interface{}{"id": id}, entityFromRecord)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, knowledge.ErrNotFound
	}
	return &entities[0], nil
}

// FindEntitiesByName matches names case-insensitively
func (r *Repository) FindEntitiesByName(ctx context.Context, name string) ([]knowledge.NamedEntity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	return collect(ctx, r, `
		MATCH (e:Entity)
		WHERE toLower(trim(e.name)) = toLower($name)
		RETURN e{.*} AS e
		ORDER BY e.id ASC
	`, map[string]interface{}{"name": name}, entityFromRecord)
}

// FindEntityCandidates returns entities sharing a normalized name token
func (r *Repository) FindEntityCandidates(ctx context.Context, name string, limit int) ([]knowledge.NamedEntity, error) {
	tokens := knowledge.NameTokens(name)
	if len(tokens) == 0 {
		return nil, nil
	}
	return collect(ctx, r, `
		MATCH (e:Entity)
		WHERE any(t IN e.name_tokens WHERE t IN $tokens)
		RETURN e{.*} AS e
		ORDER BY e.id ASC
		LIMIT $limit
	`, map[string]interface{}{"tokens": tokens, "limit": queryLimit(limit)}, entityFromRecord)
}

// FindSimilarEntities searches the entity vector index
func (r *Repository) FindSimilarEntities(ctx context.Context, vector []float32, topK int, threshold float64) ([]knowledge.ScoredEntity, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}
	return collect(ctx, r, `
		CALL db.index.vector.queryNodes($index, $k, $vector) YIELD node AS e, score
		WHERE score >= $minScore
		RETURN e{.*} AS e, score
		ORDER BY score DESC, e.id ASC
	`, map[string]interface{}{
		"index":    entityIndex,
		"k":        topK,
		"vector":   toVector(vector),
		"minScore": indexScoreFromCosine(threshold),
	}, func(record *neo4j.Record) knowledge.ScoredEntity {
		return knowledge.ScoredEntity{
			Entity: entityFromRecord(record),
			Score:  cosineFromIndexScore(getFloat64FromRecord(record, "score")),
		}
	})
}

// CountEntities counts every stored entity
func (r *Repository) CountEntities(ctx context.Context) (int64, error) {
	return r.count(ctx, false, `MATCH (e:Entity) RETURN count(e) AS n`, nil)
}
