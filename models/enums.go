package models

import (
	"database/sql/driver"
	"fmt"
)

// DelayType selects the base time a step's delay is measured from.
type DelayType string

const (
	DelayAbsolute      DelayType = "absolute"
	DelayAfterJoin     DelayType = "after_join"
	DelayAfterPrevious DelayType = "after_previous"
)

var delayTypes = []DelayType{DelayAbsolute, DelayAfterJoin, DelayAfterPrevious}

func ParseDelayType(s string) (DelayType, error) { return parseEnum("delay type", s, delayTypes) }

func (t *DelayType) Scan(src interface{}) error { return scanEnum("delay type", src, t, delayTypes) }
func (t DelayType) Value() (driver.Value, error) { return string(t), nil }

// DelayUnit is the unit of a step's delay value. Days are fixed 24h spans.
type DelayUnit string

const (
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
	UnitDays    DelayUnit = "days"
)

var delayUnits = []DelayUnit{UnitMinutes, UnitHours, UnitDays}

func ParseDelayUnit(s string) (DelayUnit, error) { return parseEnum("delay unit", s, delayUnits) }

func (u *DelayUnit) Scan(src interface{}) error { return scanEnum("delay unit", src, u, delayUnits) }
func (u DelayUnit) Value() (driver.Value, error) { return string(u), nil }

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFinished  CampaignStatus = "finished"
)

var campaignStatuses = []CampaignStatus{
	CampaignDraft, CampaignRunning, CampaignScheduled,
	CampaignPaused, CampaignCancelled, CampaignFinished,
}

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignRunning, CampaignCancelled},
	CampaignScheduled: {CampaignScheduled, CampaignRunning, CampaignPaused, CampaignCancelled, CampaignDraft},
	CampaignRunning:   {CampaignFinished, CampaignPaused, CampaignCancelled},
	CampaignPaused:    {CampaignScheduled, CampaignRunning, CampaignCancelled},
}

func ParseCampaignStatus(s string) (CampaignStatus, error) {
	return parseEnum("campaign status", s, campaignStatuses)
}

// CanTransitionTo reports whether a campaign in status s may move to next.
// Finished and cancelled campaigns are terminal.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesOf lists the statuses from which a campaign may move to next.
func SourcesOf(next CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for _, s := range campaignStatuses {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

func (s *CampaignStatus) Scan(src interface{}) error {
	return scanEnum("campaign status", src, s, campaignStatuses)
}
func (s CampaignStatus) Value() (driver.Value, error) { return string(s), nil }

type CampaignType string

const (
	CampaignRegular CampaignType = "regular"
	CampaignOptin   CampaignType = "optin"
)

var campaignTypes = []CampaignType{CampaignRegular, CampaignOptin}

func ParseCampaignType(s string) (CampaignType, error) {
	return parseEnum("campaign type", s, campaignTypes)
}

func (t *CampaignType) Scan(src interface{}) error {
	return scanEnum("campaign type", src, t, campaignTypes)
}
func (t CampaignType) Value() (driver.Value, error) { return string(t), nil }

type SubscriberStatus string

const (
	SubscriberEnabled     SubscriberStatus = "enabled"
	SubscriberDisabled    SubscriberStatus = "disabled"
	SubscriberBlocklisted SubscriberStatus = "blocklisted"
)

var subscriberStatuses = []SubscriberStatus{SubscriberEnabled, SubscriberDisabled, SubscriberBlocklisted}

func ParseSubscriberStatus(s string) (SubscriberStatus, error) {
	return parseEnum("subscriber status", s, subscriberStatuses)
}

func (s *SubscriberStatus) Scan(src interface{}) error {
	return scanEnum("subscriber status", src, s, subscriberStatuses)
}
func (s SubscriberStatus) Value() (driver.Value, error) { return string(s), nil }

// SubscriptionStatus is the state of a subscriber's membership in one list.
type SubscriptionStatus string

const (
	SubscriptionUnconfirmed  SubscriptionStatus = "unconfirmed"
	SubscriptionConfirmed    SubscriptionStatus = "confirmed"
	SubscriptionUnsubscribed SubscriptionStatus = "unsubscribed"
)

var subscriptionStatuses = []SubscriptionStatus{
	SubscriptionUnconfirmed, SubscriptionConfirmed, SubscriptionUnsubscribed,
}

func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	return parseEnum("subscription status", s, subscriptionStatuses)
}

func (s *SubscriptionStatus) Scan(src interface{}) error {
	return scanEnum("subscription status", src, s, subscriptionStatuses)
}
func (s SubscriptionStatus) Value() (driver.Value, error) { return string(s), nil }

type ListType string

const (
	ListPublic    ListType = "public"
	ListPrivate   ListType = "private"
	ListTemporary ListType = "temporary"
)

var listTypes = []ListType{ListPublic, ListPrivate, ListTemporary}

func ParseListType(s string) (ListType, error) { return parseEnum("list type", s, listTypes) }

func (t *ListType) Scan(src interface{}) error { return scanEnum("list type", src, t, listTypes) }
func (t ListType) Value() (driver.Value, error) { return string(t), nil }

type ListOptin string

const (
	OptinSingle ListOptin = "single"
	OptinDouble ListOptin = "double"
)

var listOptins = []ListOptin{OptinSingle, OptinDouble}

func ParseListOptin(s string) (ListOptin, error) { return parseEnum("list optin", s, listOptins) }

func (o *ListOptin) Scan(src interface{}) error { return scanEnum("list optin", src, o, listOptins) }
func (o ListOptin) Value() (driver.Value, error) { return string(o), nil }

type TemplateType string

const (
	TemplateCampaign TemplateType = "campaign"
	TemplateTx       TemplateType = "tx"
)

var templateTypes = []TemplateType{TemplateCampaign, TemplateTx}

func ParseTemplateType(s string) (TemplateType, error) {
	return parseEnum("template type", s, templateTypes)
}

func (t *TemplateType) Scan(src interface{}) error {
	return scanEnum("template type", src, t, templateTypes)
}
func (t TemplateType) Value() (driver.Value, error) { return string(t), nil }

// DeliveryState tracks retries of a progress record's pending step.
type DeliveryState string

const (
	DeliveryPending      DeliveryState = "pending"
	DeliveryRetrying     DeliveryState = "retrying"
	DeliveryDeadLettered DeliveryState = "dead_lettered"
)

var deliveryStates = []DeliveryState{DeliveryPending, DeliveryRetrying, DeliveryDeadLettered}

func ParseDeliveryState(s string) (DeliveryState, error) {
	return parseEnum("delivery state", s, deliveryStates)
}

func (d *DeliveryState) Scan(src interface{}) error {
	return scanEnum("delivery state", src, d, deliveryStates)
}
func (d DeliveryState) Value() (driver.Value, error) { return string(d), nil }

func parseEnum[T ~string](kind, s string, allowed []T) (T, error) {
	for _, v := range allowed {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid %s %q", kind, s)
}

func scanEnum[T ~string](kind string, src interface{}, dst *T, allowed []T) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		return fmt.Errorf("invalid %s: NULL", kind)
	default:
		return fmt.Errorf("invalid %s: unsupported type %T", kind, src)
	}
	parsed, err := parseEnum(kind, raw, allowed)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}
