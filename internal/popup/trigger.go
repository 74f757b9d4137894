// Package popup decides when the widget's marketing popups are shown:
// it evaluates each configured popup's trigger, persists shown/expiry state
// per visitor and hands fired popups to a display callback.
package popup

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnknownTrigger     = errors.New("popup: unknown trigger")
	ErrUnknownContentType = errors.New("popup: unknown content type")
)

type TriggerKind string

const (
	KindFirstVisit  TriggerKind = "first_visit"
	KindReturnVisit TriggerKind = "return_visit"
	KindExitIntent  TriggerKind = "exit_intent"
	KindTimeDelay   TriggerKind = "time_delay"
	KindScrollDepth TriggerKind = "scroll_depth"
)

// Trigger is one of FirstVisit, ReturnVisit, ExitIntent, TimeDelay or
// ScrollDepth.
type Trigger interface {
	Kind() TriggerKind
	isTrigger()
}

type FirstVisit struct{}

type ReturnVisit struct{}

type ExitIntent struct{}

// TimeDelay fires once Seconds have elapsed since the widget loaded.
type TimeDelay struct{ Seconds float64 }

// ScrollDepth fires once the page is scrolled to at least Percent.
type ScrollDepth struct{ Percent float64 }

func (FirstVisit) Kind() TriggerKind  { return KindFirstVisit }
func (ReturnVisit) Kind() TriggerKind { return KindReturnVisit }
func (ExitIntent) Kind() TriggerKind  { return KindExitIntent }
func (TimeDelay) Kind() TriggerKind   { return KindTimeDelay }
func (ScrollDepth) Kind() TriggerKind { return KindScrollDepth }

func (FirstVisit) isTrigger()  {}
func (ReturnVisit) isTrigger() {}
func (ExitIntent) isTrigger()  {}
func (TimeDelay) isTrigger()   {}
func (ScrollDepth) isTrigger() {}

// ParseTrigger builds a Trigger from its configured name and value. The
// value is ignored for triggers that take none.
func ParseTrigger(kind string, value float64) (Trigger, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = 0
	}

	switch TriggerKind(kind) {
	case KindFirstVisit:
		return FirstVisit{}, nil
	case KindReturnVisit:
		return ReturnVisit{}, nil
	case KindExitIntent:
		return ExitIntent{}, nil
	case KindTimeDelay:
		return TimeDelay{Seconds: math.Max(value, 0)}, nil
	case KindScrollDepth:
		return ScrollDepth{Percent: math.Min(math.Max(value, 0), 100)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, kind)
	}
}

type ContentType string

const (
	ContentDiscount     ContentType = "discount"
	ContentAnnouncement ContentType = "announcement"
	ContentVideo        ContentType = "video"
	ContentLink         ContentType = "link"
)

func (c ContentType) Validate() error {
	switch c {
	case ContentDiscount, ContentAnnouncement, ContentVideo, ContentLink:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownContentType, string(c))
	}
}

// Definition is a popup as configured on an agent.
type Definition struct {
	ID           string      `bson:"id" json:"id"`
	Trigger      string      `bson:"trigger" json:"trigger"`
	TriggerValue float64     `bson:"trigger_value" json:"trigger_value"`
	ContentType  ContentType `bson:"content_type" json:"content_type"`

	// Rendering only
	Title        string `bson:"title,omitempty" json:"title,omitempty"`
	Message      string `bson:"message,omitempty" json:"message,omitempty"`
	DiscountCode string `bson:"discount_code,omitempty" json:"discount_code,omitempty"`
	VideoURL     string `bson:"video_url,omitempty" json:"video_url,omitempty"`
	LinkURL      string `bson:"link_url,omitempty" json:"link_url,omitempty"`
	ButtonText   string `bson:"button_text,omitempty" json:"button_text,omitempty"`
}

// ParsedTrigger returns the definition's trigger.
func (d Definition) ParsedTrigger() (Trigger, error) {
	return ParseTrigger(d.Trigger, d.TriggerValue)
}

// HasCountdown reports whether a shown popup expires and becomes eligible
// again. Only discount offers carry a countdown.
func (d Definition) HasCountdown() bool {
	return d.ContentType == ContentDiscount
}

// ScrollPercent converts a scroll position into the percentage of the
// scrollable height. A page that cannot scroll counts as fully scrolled.
func ScrollPercent(scrollTop, scrollHeight, viewportHeight float64) float64 {
	scrollable := scrollHeight - viewportHeight
	if scrollable <= 0 {
		return 100
	}
	pct := scrollTop / scrollable * 100
	return math.Min(math.Max(pct, 0), 100)
}
