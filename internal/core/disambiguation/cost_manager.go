package disambiguation

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelPricing はモデルごとの価格情報
type ModelPricing struct {
	InputPricePer1kTokens  float64 `yaml:"input_price_per_1k_tokens"`
	OutputPricePer1kTokens float64 `yaml:"output_price_per_1k_tokens"`
	// BatchDiscount はバッチ API の割引率 (0.5 なら半額)
	BatchDiscount float64 `yaml:"batch_discount"`
	Provider      string  `yaml:"provider"`
	Description   string  `yaml:"description"`
}

// PricingConfig は価格設定ファイルの構造
type PricingConfig struct {
	Models       map[string]ModelPricing `yaml:"models"`
	DefaultModel string                  `yaml:"default_model"`
	CostLimits   struct {
		MaxBatchCost     float64 `yaml:"max_batch_cost"`
		WarningThreshold float64 `yaml:"warning_threshold"`
	} `yaml:"cost_limits"`
}

// DefaultPricing は価格設定ファイルがない場合の既定値
func DefaultPricing() *PricingConfig {
	return &PricingConfig{
		Models: map[string]ModelPricing{
			"gpt-4o-2024-08-06": {
				InputPricePer1kTokens:  0.0025,
				OutputPricePer1kTokens: 0.010,
				BatchDiscount:          0.5,
				Provider:               "openai",
			},
			"gpt-4o-mini": {
				InputPricePer1kTokens:  0.00015,
				OutputPricePer1kTokens: 0.0006,
				BatchDiscount:          0.5,
				Provider:               "openai",
			},
		},
		DefaultModel: "gpt-4o-2024-08-06",
	}
}

// CostManager はバッチ判定のコストを見積もる
type CostManager struct {
	mu     sync.RWMutex
	config *PricingConfig
}

// NewCostManager は価格設定ファイルから CostManager を作成する。パスが空なら既定値を使う
func NewCostManager(configPath string) (*CostManager, error) {
	if configPath == "" {
		return NewCostManagerWithConfig(DefaultPricing()), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing config: %w", err)
	}

	var config PricingConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse pricing config: %w", err)
	}

	return NewCostManagerWithConfig(&config), nil
}

// NewCostManagerWithConfig は設定を直接指定して CostManager を作成する
func NewCostManagerWithConfig(config *PricingConfig) *CostManager {
	return &CostManager{config: config}
}

// CalculateCost はトークン使用量からバッチ割引後のコスト (USD) を計算する
func (cm *CostManager) CalculateCost(model string, usage TokenUsage) (float64, error) {
	pricing, err := cm.GetModelPricing(model)
	if err != nil {
		return 0, err
	}

	inputCost := float64(usage.PromptTokens) / 1000.0 * pricing.InputPricePer1kTokens
	outputCost := float64(usage.ResponseTokens) / 1000.0 * pricing.OutputPricePer1kTokens

	cost := inputCost + outputCost
	if pricing.BatchDiscount > 0 && pricing.BatchDiscount < 1 {
		cost *= 1 - pricing.BatchDiscount
	}
	return cost, nil
}

// SetMaxBatchCost はバッチ1回あたりのコスト上限を上書きする。0 以下なら何もしない
func (cm *CostManager) SetMaxBatchCost(limit float64) {
	if limit <= 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.config.CostLimits.MaxBatchCost = limit
}

// CheckLimit は見積もりコストが上限を超えていればエラーを返す。警告閾値を超えた場合は true を返す
func (cm *CostManager) CheckLimit(cost float64) (warn bool, err error) {
	cm.mu.RLock()
	limits := cm.config.CostLimits
	cm.mu.RUnlock()

	if limits.MaxBatchCost > 0 && cost > limits.MaxBatchCost {
		return true, fmt.Errorf("estimated cost exceeds limit: $%.4f > $%.4f", cost, limits.MaxBatchCost)
	}
	return limits.WarningThreshold > 0 && cost >= limits.WarningThreshold, nil
}

// GetModelPricing はモデルの価格情報を返す
func (cm *CostManager) GetModelPricing(model string) (ModelPricing, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	pricing, ok := cm.config.Models[model]
	if !ok {
		return ModelPricing{}, fmt.Errorf("pricing not found for model: %s", model)
	}
	return pricing, nil
}
