package models

import "time"

// FilterResult is the outcome of the transaction filter
type FilterResult struct {
	ShouldProcess   bool     `json:"should_process"`
	FilteredReasons []string `json:"filtered_reasons"`
	RiskScore       float64  `json:"risk_score"`
}

// Risk levels
const (
	RiskLevelCritical = "CRITICAL"
	RiskLevelHigh     = "HIGH"
	RiskLevelMedium   = "MEDIUM"
	RiskLevelLow      = "LOW"
	RiskLevelInfo     = "INFO"
)

// Risk types, in alert titling priority order
const (
	RiskTypeBlacklist          = "BLACKLIST"
	RiskTypeHighValue          = "HIGH_VALUE"
	RiskTypeSuspiciousContract = "SUSPICIOUS_CONTRACT"
	RiskTypeGeneral            = "GENERAL"
)

// RiskResult is the outcome of heuristic risk analysis
type RiskResult struct {
	RiskDetected bool     `json:"risk_detected"`
	RiskScore    float64  `json:"risk_score"`
	RiskLevel    string   `json:"risk_level"`
	RiskType     string   `json:"risk_type,omitempty"`
	RiskFactors  []string `json:"risk_factors"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// AlertStatusActive is the only status this collector emits
const AlertStatusActive = "ACTIVE"

// RiskAlert is published to the alerts topic
type RiskAlert struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Level           string                 `json:"level"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	TransactionHash string                 `json:"transaction_hash,omitempty"`
	Address         string                 `json:"address,omitempty"`
	Network         string                 `json:"network"`
	RiskScore       float64                `json:"risk_score"`
	RiskFactors     []string               `json:"risk_factors"`
	Metadata        map[string]interface{} `json:"metadata"`
	Timestamp       time.Time              `json:"timestamp"`
	Status          string                 `json:"status"`
}

// HighRiskRecord is an entry of the per-network high risk index
type HighRiskRecord struct {
	Hash        string    `json:"hash"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Value       string    `json:"value"`
	RiskScore   float64   `json:"risk_score"`
	RiskType    string    `json:"risk_type"`
	RiskLevel   string    `json:"risk_level"`
	Network     string    `json:"network"`
	Timestamp   time.Time `json:"timestamp"`
}
