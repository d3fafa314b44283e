package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"convoflow/engine/internal/config"
	"convoflow/engine/internal/logging"
	"convoflow/engine/internal/repository"
	"convoflow/engine/internal/workflow"
	"convoflow/engine/pkg/models"
)

// Seeds a demo subscription-sales workflow: greet the contact, let the
// AI qualify them, open a payment ritual, then either activate or wind
// down depending on how the payment resolves.
func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	existing, err := store.ListWorkflows(ctx)
	if err != nil {
		log.Fatalf("Failed to list workflows: %v", err)
	}
	for _, wf := range existing {
		if wf.Name == "subscription-sales" {
			logger.Info("Demo workflow already present, skipping", "id", wf.ID, "version", wf.Version)
			return
		}
	}

	wf := demoWorkflow()
	if err := workflow.Validate(wf); err != nil {
		log.Fatalf("Demo workflow is invalid: %v", err)
	}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		log.Fatalf("Failed to create workflow: %v", err)
	}
	logger.Info("Seeded demo workflow", "id", wf.ID, "name", wf.Name)
}

func demoWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:        uuid.New().String(),
		Name:      "subscription-sales",
		Version:   1,
		CreatedAt: time.Now().UTC(),
		Nodes: []models.Node{
			{
				ID:    "greet",
				Kind:  models.NodeSendMessage,
				Entry: true,
				Config: map[string]string{
					"template": "Hi! I'm the Convoflow assistant. Want to hear about our premium plan?",
				},
			},
			{
				ID:   "qualify",
				Kind: models.NodeAIResponse,
				Config: map[string]string{
					"template":    "The contact said: {{last_user_message}}. Pitch the premium plan and detect whether they want to buy.",
					"await_reply": "true",
				},
			},
			{
				ID:   "relay_pitch",
				Kind: models.NodeChannelRelay,
			},
			{
				ID:   "collect_payment",
				Kind: models.NodePaymentRitual,
				Config: map[string]string{
					"tier":        "premium",
					"price_minor": "4900",
				},
			},
			{
				ID:   "activate",
				Kind: models.NodeSendMessage,
				Config: map[string]string{
					"template": "Payment received. Your premium plan is active, enjoy!",
				},
			},
			{
				ID:   "abandon",
				Kind: models.NodeSendMessage,
				Config: map[string]string{
					"template": "No payment arrived in time. Reply whenever you want to pick this up again.",
				},
			},
			{
				ID:   "done",
				Kind: models.NodeTerminate,
			},
		},
		Edges: []models.Edge{
			{From: "greet", To: "qualify", Outcome: models.OutcomeSent},
			{From: "greet", To: "done", Outcome: models.OutcomeDefault},
			{From: "qualify", To: "collect_payment", Outcome: "intent_detected:purchase"},
			{From: "qualify", To: "relay_pitch", Outcome: models.OutcomeDefault},
			{From: "relay_pitch", To: "qualify", Outcome: models.OutcomeSent},
			{From: "relay_pitch", To: "done", Outcome: models.OutcomeDefault},
			{From: "collect_payment", To: "activate", Outcome: models.OutcomeConfirmed},
			{From: "collect_payment", To: "abandon", Outcome: models.OutcomeExpired},
			{From: "collect_payment", To: "abandon", Outcome: models.OutcomeDefault},
			{From: "activate", To: "done", Outcome: models.OutcomeDefault},
			{From: "abandon", To: "done", Outcome: models.OutcomeDefault},
		},
	}
}
