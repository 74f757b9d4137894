package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"saas-chatbot-widget/internal/logger"
	"saas-chatbot-widget/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

var ErrAgentNotFound = errors.New("agent not found")

// DefaultMissTTL is how long an unknown agent id is remembered as missing.
const DefaultMissTTL = 30 * time.Second

// CanonicalAgentID returns the lowercase hex form of an agent id, or
// ErrAgentNotFound when it is not an ObjectID.
func CanonicalAgentID(agentID string) (string, error) {
	oid, err := primitive.ObjectIDFromHex(agentID)
	if err != nil {
		return "", ErrAgentNotFound
	}
	return oid.Hex(), nil
}

// AgentRepository loads agent widget configuration.
type AgentRepository interface {
	FindAgent(ctx context.Context, agentID string) (*models.Agent, error)
	FindAgents(ctx context.Context, agentIDs []string) ([]models.Agent, error)
}

type MongoAgentRepository struct {
	collection *mongo.Collection
}

func NewMongoAgentRepository(db *mongo.Database) *MongoAgentRepository {
	return &MongoAgentRepository{collection: db.Collection("agents")}
}

func (r *MongoAgentRepository) FindAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	objectID, err := primitive.ObjectIDFromHex(agentID)
	if err != nil {
		return nil, ErrAgentNotFound
	}

	var agent models.Agent
	err = r.collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&agent)
	if err == mongo.ErrNoDocuments {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find agent %s: %w", agentID, err)
	}
	return &agent, nil
}

func (r *MongoAgentRepository) FindAgents(ctx context.Context, agentIDs []string) ([]models.Agent, error) {
	objectIDs := make([]primitive.ObjectID, 0, len(agentIDs))
	for _, id := range agentIDs {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			objectIDs = append(objectIDs, oid)
		}
	}
	if len(objectIDs) == 0 {
		return nil, nil
	}

	cursor, err := r.collection.Find(ctx, bson.M{"_id": bson.M{"$in": objectIDs}})
	if err != nil {
		return nil, fmt.Errorf("find agents: %w", err)
	}
	defer cursor.Close(ctx)

	var agents []models.Agent
	if err := cursor.All(ctx, &agents); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return agents, nil
}

// AgentConfigService serves agent configuration from an in-memory cache
// kept fresh by Refresh. Unknown ids are remembered for missTTL so repeated
// lookups do not reach the repository.
type AgentConfigService struct {
	repo    AgentRepository
	missTTL time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	agents map[string]*models.Agent
	misses map[string]time.Time
}

func NewAgentConfigService(repo AgentRepository) *AgentConfigService {
	return &AgentConfigService{
		repo:    repo,
		missTTL: DefaultMissTTL,
		now:     time.Now,
		agents:  make(map[string]*models.Agent),
		misses:  make(map[string]time.Time),
	}
}

// Get returns the agent, loading it on a cache miss. Ids are matched in
// canonical form, so upper and lower case hex name the same agent.
func (s *AgentConfigService) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	id, err := CanonicalAgentID(agentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.RLock()
	agent, ok := s.agents[id]
	missUntil, missed := s.misses[id]
	s.mu.RUnlock()
	if ok {
		return agent, nil
	}
	if missed && now.Before(missUntil) {
		return nil, ErrAgentNotFound
	}

	agent, err = s.repo.FindAgent(ctx, id)
	if errors.Is(err, ErrAgentNotFound) {
		s.mu.Lock()
		s.misses[id] = now.Add(s.missTTL)
		s.mu.Unlock()
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.agents[id] = agent
	delete(s.misses, id)
	s.mu.Unlock()
	return agent, nil
}

// Refresh reloads every cached agent. Agents deleted since they were
// cached are evicted; on a failed query the cache is left untouched.
func (s *AgentConfigService) Refresh(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	if len(ids) == 0 {
		return nil
	}

	agents, err := s.repo.FindAgents(ctx, ids)
	if err != nil {
		return err
	}

	fresh := make(map[string]*models.Agent, len(agents))
	for i := range agents {
		fresh[agents[i].ID.Hex()] = &agents[i]
	}

	now := s.now()
	s.mu.Lock()
	for _, id := range ids {
		if agent, ok := fresh[id]; ok {
			s.agents[id] = agent
		} else {
			delete(s.agents, id)
		}
	}
	for id, until := range s.misses {
		if !now.Before(until) {
			delete(s.misses, id)
		}
	}
	s.mu.Unlock()

	logger.Debug("Agent cache refreshed", "agents", len(fresh), "evicted", len(ids)-len(fresh))
	return nil
}

// Invalidate drops one agent, or its remembered miss, from the cache.
func (s *AgentConfigService) Invalidate(agentID string) {
	id, err := CanonicalAgentID(agentID)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.agents, id)
	delete(s.misses, id)
	s.mu.Unlock()
}

func (s *AgentConfigService) Cached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}
