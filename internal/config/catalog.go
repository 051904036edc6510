package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

// Catalog is the static account and campaign definition seeded into the
// store at startup.
type Catalog struct {
	Accounts  []AccountSpec  `yaml:"accounts"`
	Campaigns []CampaignSpec `yaml:"campaigns"`
}

type AccountSpec struct {
	ID         string        `yaml:"id"`
	Channel    string        `yaml:"channel"`
	Identity   string        `yaml:"identity"`
	DailyQuota int           `yaml:"daily_quota"`
	Timezone   string        `yaml:"timezone"`
	Open       string        `yaml:"open"`
	Close      string        `yaml:"close"`
	Weekdays   []string      `yaml:"weekdays"`
	SpacingMin time.Duration `yaml:"spacing_min"`
	SpacingMax time.Duration `yaml:"spacing_max"`
}

type CampaignSpec struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	Account    string     `yaml:"account"`
	MaxRetries int        `yaml:"max_retries"`
	Steps      []StepSpec `yaml:"steps"`
}

type StepSpec struct {
	Action   string        `yaml:"action"`
	Delay    time.Duration `yaml:"delay"`
	AwaitAck bool          `yaml:"await_ack"`
	Template string        `yaml:"template"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Catalog{}, errors.New("catalog: payload is empty")
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("catalog: decode: %w", err)
	}
	if err := c.validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// LoadCatalogFile reads the catalog at path.
func LoadCatalogFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c Catalog) validate() error {
	var errs []error

	accounts := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("catalog: account #%d: missing id", i+1))
			continue
		}
		if accounts[a.ID] {
			errs = append(errs, fmt.Errorf("catalog: account %s: duplicate id", a.ID))
		}
		accounts[a.ID] = true
		if _, err := a.Account(); err != nil {
			errs = append(errs, err)
		}
	}

	campaigns := make(map[string]bool, len(c.Campaigns))
	for i, cs := range c.Campaigns {
		if cs.ID == "" {
			errs = append(errs, fmt.Errorf("catalog: campaign #%d: missing id", i+1))
			continue
		}
		if campaigns[cs.ID] {
			errs = append(errs, fmt.Errorf("catalog: campaign %s: duplicate id", cs.ID))
		}
		campaigns[cs.ID] = true
		if !accounts[cs.Account] {
			errs = append(errs, fmt.Errorf("catalog: campaign %s: unknown account %q", cs.ID, cs.Account))
		}
		if _, err := cs.Campaign(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Account converts the catalog entry into a store account. Weekdays
// default to the working week and the window to the whole day.
func (a AccountSpec) Account() (model.Account, error) {
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return model.Account{}, fmt.Errorf("catalog: account %s: timezone: %w", a.ID, err)
		}
	}

	open, err := parseClock(a.Open, 0)
	if err != nil {
		return model.Account{}, fmt.Errorf("catalog: account %s: open: %w", a.ID, err)
	}
	closing, err := parseClock(a.Close, 24*60)
	if err != nil {
		return model.Account{}, fmt.Errorf("catalog: account %s: close: %w", a.ID, err)
	}
	if open >= closing {
		return model.Account{}, fmt.Errorf("catalog: account %s: open %s is not before close %s", a.ID, a.Open, a.Close)
	}

	days := model.WorkingWeek
	if len(a.Weekdays) > 0 {
		days = 0
		for _, name := range a.Weekdays {
			d, ok := weekdayNames[strings.ToLower(name)]
			if !ok {
				return model.Account{}, fmt.Errorf("catalog: account %s: unknown weekday %q", a.ID, name)
			}
			days |= model.WeekdaysOf(d)
		}
	}

	if a.DailyQuota <= 0 {
		return model.Account{}, fmt.Errorf("catalog: account %s: daily_quota must be > 0", a.ID)
	}
	if a.SpacingMin < 0 || a.SpacingMax < a.SpacingMin {
		return model.Account{}, fmt.Errorf("catalog: account %s: spacing %s-%s", a.ID, a.SpacingMin, a.SpacingMax)
	}

	health := model.HealthActive
	if a.Identity == "" {
		health = model.HealthNeedsReattach
	}

	return model.Account{
		ID:          a.ID,
		Channel:     a.Channel,
		Identity:    a.Identity,
		DailyQuota:  a.DailyQuota,
		Timezone:    a.Timezone,
		OpenMinute:  open,
		CloseMinute: closing,
		Weekdays:    days,
		SpacingMin:  a.SpacingMin,
		SpacingMax:  a.SpacingMax,
		Health:      health,
	}, nil
}

func (cs CampaignSpec) Campaign() (model.Campaign, error) {
	if len(cs.Steps) == 0 {
		return model.Campaign{}, fmt.Errorf("catalog: campaign %s: no steps", cs.ID)
	}

	steps := make([]model.Step, 0, len(cs.Steps))
	for i, s := range cs.Steps {
		action := model.ActionKind(s.Action)
		if !action.Valid() {
			return model.Campaign{}, fmt.Errorf("catalog: campaign %s: step %d: unknown action %q", cs.ID, i+1, s.Action)
		}
		if s.Delay < 0 {
			return model.Campaign{}, fmt.Errorf("catalog: campaign %s: step %d: negative delay", cs.ID, i+1)
		}
		if action.NeedsContent() && strings.TrimSpace(s.Template) == "" {
			return model.Campaign{}, fmt.Errorf("catalog: campaign %s: step %d: %s needs a template", cs.ID, i+1, action)
		}
		steps = append(steps, model.Step{
			Action:   action,
			Delay:    s.Delay,
			AwaitAck: s.AwaitAck,
			Template: s.Template,
		})
	}

	return model.Campaign{
		ID:         cs.ID,
		Name:       cs.Name,
		AccountID:  cs.Account,
		Steps:      steps,
		MaxRetries: cs.MaxRetries,
	}, nil
}

// parseClock turns "HH:MM" into minutes after midnight. "24:00" is allowed
// as a closing time.
func parseClock(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}
