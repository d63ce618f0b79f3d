package models

// CommonsStats is the commons-wide health summary
type CommonsStats struct {
	TotalItems         int            `json:"total_items"`
	TotalPending       int            `json:"total_pending"`
	GrowthRate24h      int            `json:"growth_rate_24h"`
	GrowthRate7d       int            `json:"growth_rate_7d"`
	RetrievalVolume24h int            `json:"retrieval_volume_24h"`
	DomainsCovered     int            `json:"domains_covered"`
	Categories         map[string]int `json:"categories"`
}

// TopItem is a high-signal item in an organization summary
type TopItem struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	RetrievalCount int    `json:"retrieval_count"`
	HelpfulCount   int    `json:"helpful_count"`
}

// OrgStats summarises one tenant's participation in the commons
type OrgStats struct {
	ContributionsTotal       int       `json:"contributions_total"`
	ContributionsPending     int       `json:"contributions_pending"`
	ContributionsApproved24h int       `json:"contributions_approved_24h"`
	RetrievalsByOthers       int       `json:"retrievals_by_others"`
	HelpfulCount             int       `json:"helpful_count"`
	NotHelpfulCount          int       `json:"not_helpful_count"`
	TopItems                 []TopItem `json:"top_items"`
}

// UserStats summarises a single agent's contribution footprint
type UserStats struct {
	AgentID                 string  `json:"agent_id"`
	AgentContributions      int     `json:"agent_contributions"`
	AgentRetrievalsReceived int     `json:"agent_retrievals_received"`
	AgentHelpfulRatio       float64 `json:"agent_helpful_ratio"`
}
