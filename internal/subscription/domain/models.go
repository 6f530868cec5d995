// Package domain contains subscription models and the status state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
	PlanOnetime Plan = "onetime"
)

func (p Plan) Valid() bool {
	switch p {
	case PlanMonthly, PlanYearly, PlanOnetime:
		return true
	default:
		return false
	}
}

// Paid reports whether the plan is a recurring paid plan.
func (p Plan) Paid() bool {
	return p == PlanMonthly || p == PlanYearly
}

// Term returns the period end for a plan starting at start.
func (p Plan) Term(start time.Time) time.Time {
	switch p {
	case PlanMonthly:
		return start.AddDate(0, 1, 0)
	case PlanYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(10, 0, 0)
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusExpiring  Status = "expiring"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusDisputed  Status = "disputed"
)

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Live statuses still entitle the account to its plan.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusExpiring
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusCancelled},
	StatusActive:    {StatusCancelled, StatusExpired, StatusExpiring, StatusDisputed},
	StatusExpiring:  {StatusExpired, StatusCancelled, StatusDisputed},
	StatusCancelled: {StatusDisputed},
	StatusExpired:   {StatusDisputed},
	StatusDisputed:  {},
}

// CanTransition reports whether from may move to to. Staying put is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type GrantSchedule string

const (
	// GrantUpfront means the whole allotment was granted at purchase.
	GrantUpfront GrantSchedule = "upfront"
	// GrantMonthly means the distribution job grants one slice per month.
	GrantMonthly GrantSchedule = "monthly"
)

type Subscription struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	AccountID     string        `gorm:"type:text;not null" json:"account_id"`
	Plan          Plan          `gorm:"type:text;not null" json:"plan"`
	ProductID     string        `gorm:"type:text;not null" json:"product_id"`
	Status        Status        `gorm:"type:text;not null" json:"status"`
	StartAt       time.Time     `gorm:"not null" json:"start_at"`
	EndAt         time.Time     `gorm:"not null" json:"end_at"`
	ExternalID    string        `gorm:"type:text;not null" json:"external_id"`
	Credits       int64         `gorm:"not null" json:"credits"`
	GrantSchedule GrantSchedule `gorm:"type:text;not null" json:"grant_schedule"`
	LastGrantedAt *time.Time    `json:"last_granted_at,omitempty"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// CoversAt reports whether the subscription is live and its period contains at.
func (s Subscription) CoversAt(at time.Time) bool {
	return s.Status.Live() && !s.StartAt.After(at) && s.EndAt.After(at)
}

// OnetimeExternalID is the synthesized identifier for one-time purchases.
func OnetimeExternalID(orderID string) string {
	return "onetime_" + orderID
}
