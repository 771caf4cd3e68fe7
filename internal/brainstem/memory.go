package brainstem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ConversationNode is one stored conversation turn in the memory graph.
type ConversationNode struct {
	ID        string
	TraceID   string
	Summary   string
	Content   string
	Timestamp time.Time
	EntityIDs []string
}

// Entity is a named thing the agent has learned about across conversations.
type Entity struct {
	ID           string
	Name         string
	Kind         string
	MentionCount int
	LastSeen     time.Time
}

// Relationship links two entities, optionally scoped to a conversation.
type Relationship struct {
	ID             string
	FromEntityID   string
	ToEntityID     string
	Label          string
	ConversationID string
}

// MemoryQuery parameters for QueryMemory. EntityNames matches by Entity.Name.
type MemoryQuery struct {
	EntityNames []string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// MemoryQueryResult is the ranked output of QueryMemory.
type MemoryQueryResult struct {
	Conversations []ConversationNode
	Entities      []Entity
}

// MemoryGraph is the contract the orchestrator and reflection pipeline use
// to read and write long-term context. Implementations may be backed by a
// graph database; InMemoryGraph below is a reference implementation used
// in tests and for small deployments.
type MemoryGraph interface {
	CreateConversation(ctx context.Context, node ConversationNode) (string, error)
	CreateEntity(ctx context.Context, e Entity) (string, error)
	CreateRelationship(ctx context.Context, r Relationship) (string, error)
	QueryMemory(ctx context.Context, q MemoryQuery) (MemoryQueryResult, error)
}

// InMemoryGraph is a process-local MemoryGraph backed by plain maps,
// guarded by a RWMutex in the teacher's style for in-process stores (see
// internal/observability's in-memory event store).
type InMemoryGraph struct {
	mu            sync.RWMutex
	conversations map[string]ConversationNode
	entities      map[string]Entity
	entitiesByName map[string]string
	relationships map[string]Relationship
	seq           int
}

// NewInMemoryGraph constructs an empty InMemoryGraph.
func NewInMemoryGraph() *InMemoryGraph {
	return &InMemoryGraph{
		conversations:  make(map[string]ConversationNode),
		entities:       make(map[string]Entity),
		entitiesByName: make(map[string]string),
		relationships:  make(map[string]Relationship),
	}
}

func (g *InMemoryGraph) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%06d", prefix, g.seq)
}

// CreateConversation implements MemoryGraph.
func (g *InMemoryGraph) CreateConversation(ctx context.Context, node ConversationNode) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		node.ID = g.nextID("conv")
	}
	if node.Timestamp.IsZero() {
		return "", fmt.Errorf("memory: conversation timestamp is required")
	}
	g.conversations[node.ID] = node
	return node.ID, nil
}

// CreateEntity implements MemoryGraph, merging into an existing entity with
// the same name rather than duplicating it.
func (g *InMemoryGraph) CreateEntity(ctx context.Context, e Entity) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existingID, ok := g.entitiesByName[e.Name]; ok {
		existing := g.entities[existingID]
		existing.MentionCount++
		if e.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = e.LastSeen
		}
		g.entities[existingID] = existing
		return existingID, nil
	}
	if e.ID == "" {
		e.ID = g.nextID("ent")
	}
	if e.MentionCount == 0 {
		e.MentionCount = 1
	}
	g.entities[e.ID] = e
	g.entitiesByName[e.Name] = e.ID
	return e.ID, nil
}

// CreateRelationship implements MemoryGraph.
func (g *InMemoryGraph) CreateRelationship(ctx context.Context, r Relationship) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entities[r.FromEntityID]; !ok {
		return "", fmt.Errorf("memory: unknown from_entity_id %q", r.FromEntityID)
	}
	if _, ok := g.entities[r.ToEntityID]; !ok {
		return "", fmt.Errorf("memory: unknown to_entity_id %q", r.ToEntityID)
	}
	if r.ID == "" {
		r.ID = g.nextID("rel")
	}
	g.relationships[r.ID] = r
	return r.ID, nil
}

// QueryMemory implements MemoryGraph's relevance-scoring search: recency
// contributes up to 0.4, entity-match up to 0.4, and average entity
// importance up to 0.2, capped at 1.0 — see spec §4.12.
func (g *InMemoryGraph) QueryMemory(ctx context.Context, q MemoryQuery) (MemoryQueryResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	wanted := make(map[string]struct{}, len(q.EntityNames))
	for _, name := range q.EntityNames {
		wanted[name] = struct{}{}
	}

	since := q.Since
	until := q.Until
	if until.IsZero() {
		until = time.Now()
	}
	rangeSeconds := until.Sub(since).Seconds()
	if rangeSeconds <= 0 {
		rangeSeconds = 1
	}

	type scored struct {
		node  ConversationNode
		score float64
	}
	var candidates []scored

	for _, node := range g.conversations {
		if !since.IsZero() && node.Timestamp.Before(since) {
			continue
		}
		if node.Timestamp.After(until) {
			continue
		}

		age := until.Sub(node.Timestamp).Seconds()
		recencyScore := 0.4 * math.Max(0, (rangeSeconds-age)/rangeSeconds)

		entityScore := 0.2
		matched := 0
		for _, eid := range node.EntityIDs {
			if ent, ok := g.entities[eid]; ok {
				if _, want := wanted[ent.Name]; want {
					matched++
				}
			}
		}
		if len(wanted) > 0 && len(node.EntityIDs) > 0 {
			entityScore = 0.4 * (float64(matched) / float64(len(node.EntityIDs)))
		}

		importanceSum := 0.0
		importanceCount := 0
		for _, eid := range node.EntityIDs {
			if ent, ok := g.entities[eid]; ok {
				importanceSum += math.Min(float64(ent.MentionCount)/100.0, 1.0)
				importanceCount++
			}
		}
		importanceScore := 0.0
		if importanceCount > 0 {
			importanceScore = 0.2 * (importanceSum / float64(importanceCount))
		}

		total := recencyScore + entityScore + importanceScore
		if total > 1.0 {
			total = 1.0
		}
		candidates = append(candidates, scored{node: node, score: total})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].node.Timestamp.After(candidates[j].node.Timestamp)
	})

	limit := q.Limit
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	result := MemoryQueryResult{}
	for _, c := range candidates[:limit] {
		result.Conversations = append(result.Conversations, c.node)
	}
	for name := range wanted {
		if id, ok := g.entitiesByName[name]; ok {
			result.Entities = append(result.Entities, g.entities[id])
		}
	}
	return result, nil
}
