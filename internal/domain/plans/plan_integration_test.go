//go:build integration

package plans

import (
	"context"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunapay/subs-api/pkg/db"
)

var testPlansDB *db.DB
var testPlansRepo Repository

func TestMain(m *testing.M) {
	if err := godotenv.Load("../../../.env.test"); err != nil {
		log.Println("Warning: .env.test file not found for plan integration tests.")
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		log.Fatal("TEST_DATABASE_URL environment variable is not set for plan integration tests")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var err error
	testPlansDB, err = db.New(db.Config{
		DSN:             dbURL,
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		log.Fatalf("Unable to connect to test database: %v\n", err)
	}
	defer testPlansDB.Close()

	if err := testPlansDB.RunMigrations(); err != nil {
		log.Fatalf("Unable to migrate test database: %v\n", err)
	}

	testPlansRepo = NewRepositoryImpl(testPlansDB.Pool, logger)

	os.Exit(m.Run())
}

func TestRepositoryImpl_SeedDefaultPlans_Integration(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testPlansRepo.SeedDefaultPlans(ctx))

	plans, err := testPlansRepo.ListActivePlans(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(plans), 2)

	byName := map[string]string{}
	for _, p := range plans {
		byName[p.Name] = p.Price
		assert.True(t, p.IsActive)
	}
	assert.Equal(t, "499.00", byName["monthly"])
	assert.Equal(t, "4990.00", byName["yearly"])

	t.Run("Seeding twice is a no-op", func(t *testing.T) {
		require.NoError(t, testPlansRepo.SeedDefaultPlans(ctx))

		var count int
		err := testPlansDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM plans WHERE name IN ('monthly', 'yearly')").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("Active listing carries exact decimal prices", func(t *testing.T) {
		plans, err := testPlansRepo.ListActivePlans(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, plans)
		for _, p := range plans {
			assert.Regexp(t, `^\d+\.\d{2}$`, p.Price)
			assert.Positive(t, p.PeriodDays)
		}
	})
}
