package services

import (
	"fmt"
	"time"

	"dripmail/models"
)

// StepDelay converts a step's (value, unit) pair to a fixed duration.
// Days are 24h spans, not calendar days.
func StepDelay(step *models.SequenceEmail) (time.Duration, error) {
	if step.DelayValue == nil || step.DelayUnit == nil {
		return 0, fmt.Errorf("step %d (%s): %w: missing value or unit", step.ID, step.DelayType, ErrInvalidDelay)
	}
	value := time.Duration(*step.DelayValue)
	if value < 0 {
		return 0, fmt.Errorf("step %d: %w: negative value %d", step.ID, ErrInvalidDelay, *step.DelayValue)
	}

	switch *step.DelayUnit {
	case models.UnitMinutes:
		return value * time.Minute, nil
	case models.UnitHours:
		return value * time.Hour, nil
	case models.UnitDays:
		return value * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("step %d: %w: unit %q", step.ID, ErrInvalidDelay, *step.DelayUnit)
	}
}

// ComputeNextSend returns when step is due for the subscriber behind
// progress. The result is never earlier than now.
func ComputeNextSend(progress *models.SubscriberSequenceProgress, step *models.SequenceEmail, isFirstStep bool, now time.Time) (time.Time, error) {
	var next time.Time

	switch step.DelayType {
	case models.DelayAbsolute:
		if step.SendAt == nil {
			return now, nil
		}
		next = *step.SendAt

	case models.DelayAfterJoin:
		d, err := StepDelay(step)
		if err != nil {
			return time.Time{}, err
		}
		next = progress.JoinedAt.Add(d)

	case models.DelayAfterPrevious:
		d, err := StepDelay(step)
		if err != nil {
			return time.Time{}, err
		}
		base := now
		switch {
		case isFirstStep:
			base = progress.JoinedAt
		case progress.LastEmailSentAt != nil:
			base = *progress.LastEmailSentAt
		}
		next = base.Add(d)

	default:
		return time.Time{}, fmt.Errorf("step %d: %w: delay type %q", step.ID, ErrInvalidDelay, step.DelayType)
	}

	if next.Before(now) {
		return now, nil
	}
	return next, nil
}
