package graph

import (
	"sort"
	"time"

	"ezra-knowledge/backend/internal/knowledge"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ============================================================================
// Helper Functions
// ============================================================================

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getInt64FromRecord(record *neo4j.Record, key string) int64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return i
	}
	if i, ok := val.(int); ok {
		return int64(i)
	}
	return 0
}

func getFloat64FromRecord(record *neo4j.Record, key string) float64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0.0
	}
	if f, ok := val.(float64); ok {
		return f
	}
	if i, ok := val.(int64); ok {
		return float64(i)
	}
	return 0.0
}

func getMapFromRecord(record *neo4j.Record, key string) map[string]interface{} {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	if m, ok := val.(map[string]interface{}); ok {
		return m
	}
	return nil
}

func getMapSliceFromRecord(record *neo4j.Record, key string) []map[string]interface{} {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	list, ok := val.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func getStringFromMap(m map[string]interface{}, key, defaultValue string) string {
	val, ok := m[key]
	if !ok || val == nil {
		return defaultValue
	}
	if str, ok := val.(string); ok {
		return str
	}
	return defaultValue
}

func getFloat64FromMap(m map[string]interface{}, key string, defaultValue float64) float64 {
	val, ok := m[key]
	if !ok || val == nil {
		return defaultValue
	}
	if f, ok := val.(float64); ok {
		return f
	}
	if i, ok := val.(int64); ok {
		return float64(i)
	}
	return defaultValue
}

func getInt64FromMap(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func getStringSliceFromMap(m map[string]interface{}, key string) []string {
	list, ok := m[key].([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func getVectorFromMap(m map[string]interface{}, key string) []float32 {
	list, ok := m[key].([]interface{})
	if !ok || len(list) == 0 {
		return nil
	}
	out := make([]float32, 0, len(list))
	for _, v := range list {
		switch f := v.(type) {
		case float64:
			out = append(out, float32(f))
		case int64:
			out = append(out, float32(f))
		}
	}
	return out
}

func getTimeFromMap(m map[string]interface{}, key string) time.Time {
	switch v := m[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// toVector converts an embedding into the list type the driver stores as
// LIST<FLOAT>; nil stays nil so SET removes the property
func toVector(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// cosineFromIndexScore maps Neo4j's cosine index score, (1+cos)/2, back to
// the cosine similarity the rest of the pipeline uses
func cosineFromIndexScore(score float64) float64 {
	return 2*score - 1
}

// indexScoreFromCosine is the inverse of cosineFromIndexScore
func indexScoreFromCosine(cos float64) float64 {
	return (cos + 1) / 2
}

func propositionFromMaps(p map[string]interface{}, mentions []map[string]interface{}) knowledge.Proposition {
	prop := knowledge.Proposition{
		ID:         getStringFromMap(p, "id", ""),
		ContextID:  getStringFromMap(p, "context_id", ""),
		Text:       getStringFromMap(p, "text", ""),
		Confidence: getFloat64FromMap(p, "confidence", 0),
		Decay:      getFloat64FromMap(p, "decay", 0),
		Reasoning:  getStringFromMap(p, "reasoning", ""),
		Grounding:  getStringSliceFromMap(p, "grounding"),
		Created:    getTimeFromMap(p, "created"),
		Revised:    getTimeFromMap(p, "revised"),
		Status:     knowledge.Status(getStringFromMap(p, "status", string(knowledge.StatusActive))),
		Embedding:  getVectorFromMap(p, "embedding"),
	}
	type positioned struct {
		pos     int64
		mention knowledge.EntityMention
	}
	list := make([]positioned, 0, len(mentions))
	for _, m := range mentions {
		list = append(list, positioned{
			pos: getInt64FromMap(m, "position"),
			mention: knowledge.EntityMention{
				Span:       getStringFromMap(m, "span", ""),
				Type:       getStringFromMap(m, "type", ""),
				Role:       knowledge.ParseRole(getStringFromMap(m, "role", "")),
				ResolvedID: getStringFromMap(m, "resolved_id", ""),
			},
		})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].pos < list[j].pos })
	ordered := make([]knowledge.EntityMention, 0, len(list))
	for _, item := range list {
		ordered = append(ordered, item.mention)
	}
	prop.Mentions = ordered
	return prop
}

func propositionFromRecord(record *neo4j.Record) knowledge.Proposition {
	return propositionFromMaps(getMapFromRecord(record, "p"), getMapSliceFromRecord(record, "mentions"))
}

func entityFromMap(e map[string]interface{}) knowledge.NamedEntity {
	return knowledge.NamedEntity{
		ID:          getStringFromMap(e, "id", ""),
		Name:        getStringFromMap(e, "name", ""),
		Labels:      getStringSliceFromMap(e, "labels"),
		Description: getStringFromMap(e, "description", ""),
		Embedding:   getVectorFromMap(e, "embedding"),
	}
}

func entityFromRecord(record *neo4j.Record) knowledge.NamedEntity {
	return entityFromMap(getMapFromRecord(record, "e"))
}
