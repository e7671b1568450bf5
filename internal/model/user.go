package model

import "time"

type Reputation string

const (
	ReputationExcellent Reputation = "Excellent"
	ReputationGreat     Reputation = "Great"
	ReputationGood      Reputation = "Good"
	ReputationFair      Reputation = "Fair"
	ReputationPoor      Reputation = "Poor"
	ReputationNew       Reputation = "New"
)

// ReputationFor maps an average rating to its tier. Users without reviews
// are "New".
func ReputationFor(avg float64, reviews int) Reputation {
	switch {
	case reviews == 0:
		return ReputationNew
	case avg >= 4:
		return ReputationExcellent
	case avg >= 3:
		return ReputationGreat
	case avg >= 2:
		return ReputationGood
	case avg >= 1:
		return ReputationFair
	default:
		return ReputationPoor
	}
}

type User struct {
	ID                    string     `json:"id"`
	DisplayName           string     `json:"displayName"`
	Credits               int        `json:"credits"`
	TotalSessionsTeaching int        `json:"totalSessionsTeaching"`
	TotalSessionsLearning int        `json:"totalSessionsLearning"`
	ReviewCount           int        `json:"reviewCount"`
	AverageRating         float64    `json:"averageRating"`
	Reputation            Reputation `json:"reputation"`
	SkillsOffered         []string   `json:"skillsOffered,omitempty"`
	SkillsWanted          []string   `json:"skillsWanted,omitempty"`
	Location              string     `json:"location,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
}

// CreditTransaction is an immutable ledger line. Amount is signed.
type CreditTransaction struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	SessionID  string    `json:"sessionId,omitempty"`
	Amount     int       `json:"amount"`
	Reason     string    `json:"reason"`
	NewBalance int       `json:"newBalance"`
	CreatedAt  time.Time `json:"timestamp"`
}

type Review struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	ReviewerID string    `json:"reviewerId"`
	RevieweeID string    `json:"revieweeId"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

const (
	MinRating = 1
	MaxRating = 5
)
