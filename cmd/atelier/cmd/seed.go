package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/repository"
	"github.com/atelier-ai/atelier/pkg/models"
)

var seedAdminEmail string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create an admin user and a sample workflow template",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeed(cmd.Context())
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedAdminEmail, "admin-email", "admin@localhost",
		"email for the seeded admin user")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level)
	defer logger.Sync()

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	store := repository.NewPostgresStore(pool)

	admin, err := store.GetUserBySubject(ctx, "seed-admin")
	if errors.Is(err, repository.ErrNotFound) {
		admin = &models.User{
			Subject: "seed-admin",
			Email:   seedAdminEmail,
			Role:    models.RoleAdmin,
		}
		if err := store.CreateUser(ctx, admin); err != nil {
			return fmt.Errorf("create admin user: %w", err)
		}
		logger.Info("created admin user", "email", seedAdminEmail, "id", admin.ID)
	} else if err != nil {
		return fmt.Errorf("lookup admin user: %w", err)
	} else {
		logger.Info("admin user already present", "id", admin.ID)
	}

	existing, err := store.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	for _, w := range existing {
		if w.Name == "Text to Image" {
			logger.Info("sample workflow already present", "id", w.ID)
			return nil
		}
	}

	sample := &models.Workflow{
		Name:        "Text to Image",
		Description: "Basic text-to-image pipeline with a configurable prompt and seed.",
		Status:      models.WorkflowPublished,
		OwnerID:     admin.ID,
		Graph: map[string]any{
			"3": map[string]any{
				"class_type": "KSampler",
				"inputs": map[string]any{
					"seed":  "seed_value",
					"steps": 20,
					"cfg":   "cfg_value",
				},
			},
			"6": map[string]any{
				"class_type": "CLIPTextEncode",
				"inputs": map[string]any{
					"text": "positive_prompt",
				},
			},
		},
		InputFields: map[string]models.FieldSpec{
			"positive_prompt": {
				Kind:    models.FieldTextarea,
				Label:   "Prompt",
				Default: "a lighthouse at dusk, oil painting",
			},
			"seed_value": {
				Kind:    models.FieldNumber,
				Label:   "Seed",
				Default: "42",
			},
			"cfg_value": {
				Kind:    models.FieldFloat,
				Label:   "CFG Scale",
				Default: "7.5",
			},
		},
	}
	if err := store.CreateWorkflow(ctx, sample); err != nil {
		return fmt.Errorf("create sample workflow: %w", err)
	}
	logger.Info("created sample workflow", "id", sample.ID, "name", sample.Name)
	return nil
}
