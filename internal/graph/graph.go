// Package graph projects run plans into Neo4j:
// (:Run)-[:HAS_STEP]->(:Step)-[:DEPENDS_ON]->(:Step), (:Step)-[:USES]->(:Capability).
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/taskforge/internal/executor"
	"go.uber.org/zap"
)

// Store writes run graphs to Neo4j.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a Neo4j graph store. Empty user means no authentication.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints the writes rely on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT run_id IF NOT EXISTS FOR (r:Run) REQUIRE r.id IS UNIQUE`,
		`CREATE CONSTRAINT capability_name IF NOT EXISTS FOR (c:Capability) REQUIRE c.name IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveRun writes the run, its steps, their dependency edges and the
// capabilities they used in one transaction. Saving a run twice replaces
// its steps.
func (s *Store) SaveRun(ctx context.Context, out *executor.Outcome) error {
	if out == nil || out.Plan == nil {
		return fmt.Errorf("save run graph: outcome has no plan")
	}

	steps, edges := []any{}, []any{}
	for _, st := range out.Plan.Steps {
		steps = append(steps, map[string]any{
			"number":      st.Number,
			"description": st.Description,
			"capability":  st.Capability,
			"status":      string(st.Status),
			"error":       st.Error,
		})
		for _, d := range st.Dependencies {
			edges = append(edges, map[string]any{"from": st.Number, "to": d})
		}
	}
	reason := ""
	if out.Failure != nil {
		reason = string(out.Failure.Reason)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		params := map[string]any{
			"id":          out.RunID,
			"goal":        out.Goal,
			"success":     out.Success,
			"reason":      reason,
			"started":     out.StartedAt.UTC(),
			"duration_ms": out.Duration.Milliseconds(),
			"steps":       steps,
			"edges":       edges,
		}
		queries := []string{
			`MERGE (r:Run {id: $id})
			 SET r.goal = $goal, r.success = $success, r.reason = $reason,
			     r.started_at = $started, r.duration_ms = $duration_ms`,
			`MATCH (:Run {id: $id})-[:HAS_STEP]->(old:Step) DETACH DELETE old`,
			`MATCH (r:Run {id: $id})
			 UNWIND $steps AS st
			 CREATE (r)-[:HAS_STEP]->(:Step {run_id: $id, number: st.number,
			     description: st.description, capability: st.capability,
			     status: st.status, error: st.error})`,
			`UNWIND $edges AS e
			 MATCH (a:Step {run_id: $id, number: e.from}), (b:Step {run_id: $id, number: e.to})
			 MERGE (a)-[:DEPENDS_ON]->(b)`,
			`MATCH (s:Step {run_id: $id}) WHERE s.capability <> ''
			 MERGE (c:Capability {name: s.capability})
			 MERGE (s)-[:USES]->(c)`,
		}
		for _, q := range queries {
			if _, err := tx.Run(ctx, q, params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("save run graph: %w", err)
	}
	s.logger.Debug("run graph saved",
		zap.String("run_id", out.RunID),
		zap.Int("steps", len(steps)),
		zap.Int("edges", len(edges)))
	return nil
}

// StepNode is a step as read back from the graph.
type StepNode struct {
	Number      int    `json:"number"`
	Description string `json:"description"`
	Capability  string `json:"capability,omitempty"`
	Status      string `json:"status"`
	DependsOn   []int  `json:"depends_on"`
}

// Steps reads the step DAG of a run, ordered by step number.
func (s *Store) Steps(ctx context.Context, runID string) ([]StepNode, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Run {id: $id})-[:HAS_STEP]->(s:Step)
		 OPTIONAL MATCH (s)-[:DEPENDS_ON]->(d:Step)
		 RETURN s.number AS number, s.description AS description,
		        s.capability AS capability, s.status AS status,
		        collect(d.number) AS deps
		 ORDER BY number`,
		map[string]any{"id": runID})
	if err != nil {
		return nil, fmt.Errorf("read run graph: %w", err)
	}

	var nodes []StepNode
	for result.Next(ctx) {
		rec := result.Record()
		var n StepNode
		if v, ok := rec.Get("number"); ok && v != nil {
			n.Number = int(v.(int64))
		}
		if v, ok := rec.Get("description"); ok && v != nil {
			n.Description = v.(string)
		}
		if v, ok := rec.Get("capability"); ok && v != nil {
			n.Capability = v.(string)
		}
		if v, ok := rec.Get("status"); ok && v != nil {
			n.Status = v.(string)
		}
		n.DependsOn = []int{}
		if v, ok := rec.Get("deps"); ok && v != nil {
			for _, d := range v.([]any) {
				n.DependsOn = append(n.DependsOn, int(d.(int64)))
			}
		}
		sort.Ints(n.DependsOn)
		nodes = append(nodes, n)
	}
	return nodes, result.Err()
}

// CapabilityUsage counts the steps that used each capability, per final status.
func (s *Store) CapabilityUsage(ctx context.Context) (map[string]map[string]int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (s:Step)-[:USES]->(c:Capability)
		 RETURN c.name AS name, s.status AS status, count(s) AS n`, nil)
	if err != nil {
		return nil, fmt.Errorf("capability usage: %w", err)
	}
	usage := make(map[string]map[string]int)
	for result.Next(ctx) {
		rec := result.Record()
		name, _ := rec.Get("name")
		status, _ := rec.Get("status")
		n, _ := rec.Get("n")
		key := name.(string)
		if usage[key] == nil {
			usage[key] = make(map[string]int)
		}
		usage[key][status.(string)] = int(n.(int64))
	}
	return usage, result.Err()
}
