package graph

import (
	"context"
	"fmt"

	"ezra-knowledge/backend/internal/conversation"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/internal/window"
	apperrors "ezra-knowledge/backend/pkg/errors"
	"ezra-knowledge/backend/pkg/logger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

var (
	_ knowledge.Store   = (*Repository)(nil)
	_ window.StateStore = (*Repository)(nil)
	_ conversation.Log  = (*Repository)(nil)
)

// Options configures a Repository
type Options struct {
	Database string
	// Dimensions sizes the vector indexes created by EnsureSchema
	Dimensions int
	// Embedder vectorizes similarity queries; without it FindSimilar falls
	// back to word overlap
	Embedder knowledge.Embedder
}

// Repository handles all Neo4j database operations
type Repository struct {
	driver   neo4j.DriverWithContext
	database string
	dims     int
	embedder knowledge.Embedder
	logger   *zap.Logger
}

// Connect opens a driver and verifies connectivity
func Connect(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, apperrors.NewGraphConnectionFailed(uri, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, apperrors.NewGraphConnectionFailed(uri, err)
	}
	return driver, nil
}

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext, opts Options) *Repository {
	return &Repository{
		driver:   driver,
		database: opts.Database,
		dims:     opts.Dimensions,
		embedder: opts.Embedder,
		logger:   logger.Named("graph"),
	}
}

// Close closes the Neo4j driver connection
func (r *Repository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// Ping checks the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

var schemaStatements = []string{
	"CREATE CONSTRAINT proposition_id IF NOT EXISTS FOR (p:Proposition) REQUIRE p.id IS UNIQUE",
	"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
	"CREATE CONSTRAINT analysis_state_context IF NOT EXISTS FOR (s:AnalysisState) REQUIRE s.context_id IS UNIQUE",
	"CREATE CONSTRAINT conversation_id IF NOT EXISTS FOR (c:Conversation) REQUIRE c.id IS UNIQUE",
	"CREATE INDEX proposition_context IF NOT EXISTS FOR (p:Proposition) ON (p.context_id)",
	"CREATE INDEX entity_name_norm IF NOT EXISTS FOR (e:Entity) ON (e.name_norm)",
	"CREATE INDEX message_seq IF NOT EXISTS FOR (m:Message) ON (m.context_id, m.seq)",
}

const vectorIndexTemplate = "CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.embedding) " +
	"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}"

// EnsureSchema creates constraints and, when dimensions are configured, the
// vector indexes
func (r *Repository) EnsureSchema(ctx context.Context) error {
	statements := append([]string(nil), schemaStatements...)
	if r.dims > 0 {
		statements = append(statements,
			fmt.Sprintf(vectorIndexTemplate, propositionIndex, "Proposition", r.dims),
			fmt.Sprintf(vectorIndexTemplate, entityIndex, "Entity", r.dims),
		)
	}

	session := r.writeSession(ctx)
	defer session.Close(ctx)
	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return apperrors.NewGraphQueryFailed(stmt, err)
		}
	}
	r.logger.Info("Graph schema ensured", zap.Int("statements", len(statements)))
	return nil
}

func (r *Repository) readSession(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: r.database})
}

func (r *Repository) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: r.database})
}

// collect runs a read query and maps every record
func collect[T any](ctx context.Context, r *Repository, query string, params map[string]interface{}, mapRecord func(*neo4j.Record) T) ([]T, error) {
	session := r.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var items []T
		for result.Next(ctx) {
			items = append(items, mapRecord(result.Record()))
		}
		return items, result.Err()
	})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed(query, err)
	}
	items, _ := out.([]T)
	return items, nil
}

// count runs a query whose single record carries an integer column "n"
func (r *Repository) count(ctx context.Context, write bool, query string, params map[string]interface{}) (int64, error) {
	session := r.readSession(ctx)
	if write {
		session = r.writeSession(ctx)
	}
	defer session.Close(ctx)

	work := func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			return int64(0), result.Err()
		}
		return getInt64FromRecord(result.Record(), "n"), nil
	}

	var out interface{}
	var err error
	if write {
		out, err = session.ExecuteWrite(ctx, work)
	} else {
		out, err = session.ExecuteRead(ctx, work)
	}
	if err != nil {
		return 0, apperrors.NewGraphQueryFailed(query, err)
	}
	return out.(int64), nil
}
