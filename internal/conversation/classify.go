package conversation

import (
	"errors"
	"slices"
	"strings"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
)

// ClassifyRule maps a transport error to an ErrorType. A rule matches when the HTTP status of the
// error is one of StatusCodes, or when the lowercased error text contains one of Patterns.
type ClassifyRule struct {
	Type        models.ErrorType `yaml:"type"`
	StatusCodes []int            `yaml:"statusCodes"`
	Patterns    []string         `yaml:"patterns"`
	// Message replaces the default user-facing text for Type, if set.
	Message string `yaml:"message"`
}

// Classifier sorts transport errors into rate-limit, plan-restriction and generic failures. Status
// codes are checked before text patterns, and rules are checked in order.
type Classifier struct {
	rules    []ClassifyRule
	messages map[models.ErrorType]string
}

var defaultRules = []ClassifyRule{
	{
		Type:        models.ErrorTypeRateLimit,
		StatusCodes: []int{429},
		Patterns:    []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "quota"},
	},
	{
		Type:        models.ErrorTypePlanRestriction,
		StatusCodes: []int{402, 403},
		Patterns: []string{
			"your plan", "current plan", "free plan", "free tier", "upgrade", "subscription",
			"not available on your", "not available for your", "insufficient credits", "does not have access",
		},
	},
}

var defaultMessages = map[models.ErrorType]string{
	models.ErrorTypeRateLimit: "You have hit the rate limit for this model. Please wait a moment and try again.",
	models.ErrorTypePlanRestriction: "This model is not available on your current plan. " +
		"Please choose a different model.",
	models.ErrorTypeGeneric: "Something went wrong while generating a response. Please try again.",
}

// NewClassifier creates a Classifier. The given rules are checked before the built-in ones.
func NewClassifier(rules ...ClassifyRule) Classifier {
	msgs := make(map[models.ErrorType]string, len(defaultMessages))
	for k, v := range defaultMessages {
		msgs[k] = v
	}
	for _, r := range rules {
		if r.Message != "" {
			msgs[r.Type] = r.Message
		}
	}

	return Classifier{
		rules:    append(slices.Clone(rules), defaultRules...),
		messages: msgs,
	}
}

// Classify returns the ErrorType of err and the message shown to the user in its place.
func (c Classifier) Classify(err error) (models.ErrorType, string) {
	if c.messages == nil {
		c = NewClassifier()
	}

	t := c.classify(err)
	msg, ok := c.messages[t]
	if !ok {
		msg = c.messages[models.ErrorTypeGeneric]
	}
	return t, msg
}

func (c Classifier) classify(err error) models.ErrorType {
	if err == nil {
		return models.ErrorTypeGeneric
	}

	var se interface{ HTTPStatus() int }
	if errors.As(err, &se) {
		code := se.HTTPStatus()
		for _, r := range c.rules {
			if slices.Contains(r.StatusCodes, code) {
				return r.Type
			}
		}
	}

	text := strings.ToLower(err.Error())
	for _, r := range c.rules {
		for _, p := range r.Patterns {
			if p != "" && strings.Contains(text, strings.ToLower(p)) {
				return r.Type
			}
		}
	}

	return models.ErrorTypeGeneric
}
