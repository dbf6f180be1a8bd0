package container_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/efo-mapper/internal/core/coretest"
	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/infra/openai"
	"github.com/jinford/efo-mapper/internal/platform/config"
	"github.com/jinford/efo-mapper/internal/platform/container"
	"github.com/jinford/efo-mapper/internal/platform/database"
	"github.com/jinford/efo-mapper/internal/platform/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		OpenAI: config.OpenAIConfig{
			EmbeddingModel:     "text-embedding-3-small",
			EmbeddingDimension: 8,
			BatchModel:         "gpt-4o-2024-08-06",
			BatchMaxTokens:     1000,
		},
		Match: config.MatchConfig{
			TopN:             5,
			PromptTopN:       3,
			EmbedConcurrency: 2,
			CohortSource:     "az_exwas",
		},
		Batch: config.BatchConfig{
			MaxPrompts: 10,
			JobTimeout: time.Hour,
			MaxRetries: 0,
		},
		Log: config.LogConfig{Level: slog.LevelInfo, Format: "text"},
	}
}

func TestNewContainerWithDB_Wiring(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.MaxBatchCost = 1.5

	c, err := container.NewContainerWithDB(cfg, &database.Database{},
		container.WithContainerLogger(logger.Discard()),
		container.WithContainerEmbedder(coretest.NewFakeEmbedder(8)),
		container.WithContainerBatchService(coretest.NewFakeBatchService()),
	)
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Pipeline)
	assert.NotNil(t, c.Orchestrator)
	assert.NotNil(t, c.Repos.Jobs)
	assert.Nil(t, c.Transactions)
	assert.Equal(t, 10, c.Orchestrator.MaxBatchSize())

	_, err = c.Costs.CheckLimit(2)
	assert.Error(t, err)
	_, err = c.Costs.CheckLimit(1)
	assert.NoError(t, err)
}

func TestNewContainerWithDB_MissingAPIKey(t *testing.T) {
	c, err := container.NewContainerWithDB(testConfig(), &database.Database{},
		container.WithContainerLogger(logger.Discard()),
	)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.BatchService.Submit(context.Background(), disambiguation.BatchSubmission{})
	assert.ErrorIs(t, err, disambiguation.ErrServiceUnavailable)
	assert.ErrorIs(t, err, openai.ErrAPIKeyNotSet)

	_, err = c.BatchService.Status(context.Background(), "batch_1")
	assert.ErrorIs(t, err, openai.ErrAPIKeyNotSet)

	_, err = c.Completer()
	assert.ErrorIs(t, err, openai.ErrAPIKeyNotSet)
}

type stubCompleter struct{}

func (stubCompleter) Complete(context.Context, string, int, disambiguation.BatchItem) (string, error) {
	return `{"efo_id":"EFO_1","confidence":5}`, nil
}

func TestServiceContainer_Completer(t *testing.T) {
	c, err := container.NewContainerWithDB(testConfig(), &database.Database{},
		container.WithContainerLogger(logger.Discard()),
		container.WithContainerCompleter(stubCompleter{}),
	)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Completer()
	require.NoError(t, err)
	assert.Equal(t, stubCompleter{}, got)

	cfg := testConfig()
	cfg.OpenAI.APIKey = "sk-test"
	c2, err := container.NewContainerWithDB(cfg, &database.Database{}, container.WithContainerLogger(logger.Discard()))
	require.NoError(t, err)
	defer c2.Close()

	first, err := c2.Completer()
	require.NoError(t, err)
	second, err := c2.Completer()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestNewContainerWithDB_InvalidPricingFile(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.PricingFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := container.NewContainerWithDB(cfg, &database.Database{}, container.WithContainerLogger(logger.Discard()))
	assert.ErrorContains(t, err, "価格設定")
}
