package models

import (
	"errors"
	"fmt"
	"time"

	"saas-chatbot-widget/internal/popup"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Agent is a configured chatbot persona embedded on a customer site.
type Agent struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name           string             `bson:"name" json:"name"`
	Status         string             `bson:"status,omitempty" json:"status,omitempty"` // "active" (default) or "disabled"
	Branding       Branding           `bson:"branding" json:"branding"`
	AllowedDomains []string           `bson:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	Popups         []popup.Definition `bson:"popups" json:"popups"`
	CreatedAt      time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `bson:"updated_at" json:"updated_at"`
}

type Branding struct {
	LogoURL        string   `bson:"logo_url" json:"logo_url"`
	ThemeColor     string   `bson:"theme_color" json:"theme_color"`
	WelcomeMessage string   `bson:"welcome_message" json:"welcome_message"`
	PreQuestions   []string `bson:"pre_questions" json:"pre_questions"`
	AllowEmbedding bool     `bson:"allow_embedding" json:"allow_embedding"`
	ShowPoweredBy  bool     `bson:"show_powered_by,omitempty" json:"show_powered_by,omitempty"`
	WidgetPosition string   `bson:"widget_position,omitempty" json:"widget_position,omitempty"`
}

// IsActive treats a missing status as active.
func (a *Agent) IsActive() bool {
	return a.Status == "" || a.Status == "active"
}

// WidgetAgent is the public slice of an agent returned to the widget.
type WidgetAgent struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	ThemeColor     string             `json:"theme_color"`
	LogoURL        string             `json:"logo_url,omitempty"`
	WelcomeMessage string             `json:"welcome_message"`
	PreQuestions   []string           `json:"pre_questions,omitempty"`
	WidgetPosition string             `json:"widget_position,omitempty"`
	ShowPoweredBy  bool               `json:"show_powered_by"`
	Popups         []popup.Definition `json:"popups"`
}

func (a *Agent) Widget() WidgetAgent {
	popups := a.Popups
	if popups == nil {
		popups = []popup.Definition{}
	}
	return WidgetAgent{
		ID:             a.ID.Hex(),
		Name:           a.Name,
		ThemeColor:     a.Branding.ThemeColor,
		LogoURL:        a.Branding.LogoURL,
		WelcomeMessage: a.Branding.WelcomeMessage,
		PreQuestions:   a.Branding.PreQuestions,
		WidgetPosition: a.Branding.WidgetPosition,
		ShowPoweredBy:  a.Branding.ShowPoweredBy,
		Popups:         popups,
	}
}

// ValidatePopups checks every popup has an id, a known trigger and a known
// content type, and that ids are unique.
func (a *Agent) ValidatePopups() error {
	var errs []error
	seen := make(map[string]bool, len(a.Popups))
	for i, p := range a.Popups {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("popup %d: missing id", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("popup %q: duplicate id", p.ID))
		}
		seen[p.ID] = true
		if _, err := p.ParsedTrigger(); err != nil {
			errs = append(errs, fmt.Errorf("popup %q: %w", p.ID, err))
		}
		if err := p.ContentType.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("popup %q: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}
