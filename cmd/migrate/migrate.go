package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"saas-chatbot-widget/internal/config"
	"saas-chatbot-widget/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func usage() {
	fmt.Println("Usage: go run ./cmd/migrate <command>")
	fmt.Println("Commands:")
	fmt.Println("  indexes            - Create MongoDB indexes for agents and widget events")
	fmt.Println("  seed-agent <file>  - Insert or replace an agent from a JSON file")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	command := os.Args[1]

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	client, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch command {
	case "indexes":
		if err := config.CreateIndexes(ctx, client, cfg.DBName); err != nil {
			log.Fatalf("Index creation failed: %v", err)
		}
		fmt.Println("Indexes created successfully!")

	case "seed-agent":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		id, err := seedAgent(ctx, client.Database(cfg.DBName), os.Args[2])
		if err != nil {
			log.Fatalf("Seeding agent failed: %v", err)
		}
		fmt.Printf("Agent %s saved\n", id)

	default:
		fmt.Printf("Unknown command: %s\n", command)
		usage()
		os.Exit(1)
	}
}

// seedAgent upserts the agent described by the JSON file at path.
func seedAgent(ctx context.Context, db *mongo.Database, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	agent, err := parseAgent(data, time.Now().UTC())
	if err != nil {
		return "", err
	}

	_, err = db.Collection("agents").ReplaceOne(ctx,
		bson.M{"_id": agent.ID},
		agent,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return "", fmt.Errorf("save agent: %w", err)
	}
	return agent.ID.Hex(), nil
}

// parseAgent decodes and validates an agent document, assigning an id
// and timestamps when missing.
func parseAgent(data []byte, now time.Time) (*models.Agent, error) {
	var agent models.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("decode agent: %w", err)
	}
	if agent.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if err := agent.ValidatePopups(); err != nil {
		return nil, fmt.Errorf("invalid popups: %w", err)
	}

	if agent.ID.IsZero() {
		agent.ID = primitive.NewObjectID()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	return &agent, nil
}
