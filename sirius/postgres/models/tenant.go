package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/SiriusScan/code-audit/sirius"
)

// TenantConfig holds a tenant's plan and prepaid credits. CreditsBalance is
// only mutated through the ledger package.
type TenantConfig struct {
	TenantID       string         `gorm:"primaryKey;size:64" json:"tenant_id"`
	CreditsBalance int64          `gorm:"not null;default:0" json:"credits_balance"`
	Plan           sirius.Plan    `gorm:"not null;size:20;default:free" json:"plan"`
	LLMConfig      datatypes.JSON `json:"llm_config,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (TenantConfig) TableName() string {
	return "tenant_configs"
}

// LLMConfig holds per-tenant feature flags granted on top of the plan.
type LLMConfig struct {
	DeepCodeVision bool     `json:"deep_code_vision,omitempty"`
	CustomRules    bool     `json:"custom_rules,omitempty"`
	ModelTiers     []string `json:"model_tiers,omitempty"`
}

func (t *TenantConfig) DecodeLLMConfig() (LLMConfig, error) {
	var c LLMConfig
	if len(t.LLMConfig) == 0 {
		return c, nil
	}
	err := json.Unmarshal(t.LLMConfig, &c)
	return c, err
}

func (t *TenantConfig) EncodeLLMConfig(c LLMConfig) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	t.LLMConfig = datatypes.JSON(b)
	return nil
}
