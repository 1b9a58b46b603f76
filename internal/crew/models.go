package crew

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MarketStrategy is the output of the marketing strategy task.
type MarketStrategy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tactics     []string `json:"tactics"`
	Channels    []string `json:"channels"`
	KPIs        []string `json:"kpis"`
}

func (m *MarketStrategy) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("name is required")
	}
	return nil
}

// CampaignDevelopment is the output of the campaign development task.
type CampaignDevelopment struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Audience    string `json:"audience"`
	Channel     string `json:"channel"`
}

func (c *CampaignDevelopment) validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(c.Audience) == "" {
		errs = append(errs, errors.New("audience is required"))
	}
	if strings.TrimSpace(c.Channel) == "" {
		errs = append(errs, errors.New("channel is required"))
	}
	return errors.Join(errs...)
}

const (
	maxTitleLen = 100
	minBodyLen  = 50
)

// ContentProduction is the final marketing copy.
type ContentProduction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

func (c *ContentProduction) validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if n := utf8.RuneCountInString(c.Title); n == 0 || n > maxTitleLen {
		errs = append(errs, fmt.Errorf("title must be 1-%d characters, got %d", maxTitleLen, n))
	}
	if n := utf8.RuneCountInString(c.Body); n < minBodyLen {
		errs = append(errs, fmt.Errorf("body must be at least %d characters, got %d", minBodyLen, n))
	}
	return errors.Join(errs...)
}

type validator interface{ validate() error }

// schemas maps an output name to a constructor for its target type.
var schemas = map[string]func() validator{
	"market_strategy":      func() validator { return &MarketStrategy{} },
	"campaign_development": func() validator { return &CampaignDevelopment{} },
	"content_production":   func() validator { return &ContentProduction{} },
}

// checkOutput decodes raw into the named schema and validates it.
func checkOutput(schema, raw string) error {
	newTarget, ok := schemas[schema]
	if !ok {
		return fmt.Errorf("unknown output schema %q", schema)
	}
	target := newTarget()
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("decode %s: %w", schema, err)
	}
	if err := target.validate(); err != nil {
		return fmt.Errorf("validate %s: %w", schema, err)
	}
	return nil
}
