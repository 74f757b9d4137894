package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Widget event types
const (
	EventVisitRecorded         = "visit_recorded"
	EventPopupDisplayed        = "popup_displayed"
	EventPopupDismissed        = "popup_dismissed"
	EventPopupCountdownElapsed = "popup_countdown_elapsed"
)

// WidgetEvent is an analytics record written by the worker.
type WidgetEvent struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	EventID      string             `bson:"event_id" json:"event_id"`
	Type         string             `bson:"type" json:"type"`
	AgentID      string             `bson:"agent_id" json:"agent_id"`
	AnonymousID  string             `bson:"anonymous_id" json:"anonymous_id"`
	SessionID    string             `bson:"session_id" json:"session_id"`
	IsReturnUser bool               `bson:"is_return_user" json:"is_return_user"`
	PopupID      string             `bson:"popup_id,omitempty" json:"popup_id,omitempty"`
	Trigger      string             `bson:"trigger,omitempty" json:"trigger,omitempty"`
	Redisplay    bool               `bson:"redisplay,omitempty" json:"redisplay,omitempty"`
	Host         string             `bson:"host,omitempty" json:"host,omitempty"`
	UserIP       string             `bson:"user_ip,omitempty" json:"user_ip,omitempty"`
	UserAgent    string             `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	Timestamp    time.Time          `bson:"timestamp" json:"timestamp"`
}
