package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// GroupPolicy is the per-group moderation configuration. Policies are
// immutable after load; engines only read them.
type GroupPolicy struct {
	GroupID                 int64  `yaml:"group_id"`
	WarningTopicID          int    `yaml:"warning_topic_id"`
	Enforce                 bool   `yaml:"enforce"`
	WarningThreshold        int    `yaml:"warning_threshold"`
	WarningTimeThresholdMin int    `yaml:"warning_time_threshold_minutes"`
	ChallengeEnabled        bool   `yaml:"challenge_enabled"`
	ChallengeTimeoutSec     int    `yaml:"challenge_timeout_seconds"`
	ProbationHours          int    `yaml:"probation_hours"`
	ViolationThreshold      int    `yaml:"violation_threshold"`
	RulesLink               string `yaml:"rules_link"`
}

func (p *GroupPolicy) ChallengeTimeout() time.Duration {
	return time.Duration(p.ChallengeTimeoutSec) * time.Second
}

func (p *GroupPolicy) WarningTimeThreshold() time.Duration {
	return time.Duration(p.WarningTimeThresholdMin) * time.Minute
}

func (p *GroupPolicy) ProbationDuration() time.Duration {
	return time.Duration(p.ProbationHours) * time.Hour
}

func (p *GroupPolicy) validate() error {
	if p.GroupID >= 0 {
		return fmt.Errorf("group_id must be negative, got %d", p.GroupID)
	}
	if p.WarningThreshold <= 0 {
		return fmt.Errorf("warning_threshold must be positive, got %d", p.WarningThreshold)
	}
	if p.WarningTimeThresholdMin <= 0 {
		return fmt.Errorf("warning_time_threshold_minutes must be positive, got %d", p.WarningTimeThresholdMin)
	}
	if p.ChallengeTimeoutSec < 10 || p.ChallengeTimeoutSec > 600 {
		return fmt.Errorf("challenge_timeout_seconds must be within [10, 600], got %d", p.ChallengeTimeoutSec)
	}
	if p.ProbationHours < 0 {
		return fmt.Errorf("probation_hours must be non-negative, got %d", p.ProbationHours)
	}
	if p.ViolationThreshold <= 0 {
		return fmt.Errorf("violation_threshold must be positive, got %d", p.ViolationThreshold)
	}
	return nil
}

func defaultGroupPolicy() GroupPolicy {
	return GroupPolicy{
		WarningThreshold:        3,
		WarningTimeThresholdMin: 180,
		ChallengeTimeoutSec:     120,
		ProbationHours:          72,
		ViolationThreshold:      3,
	}
}

// DefaultLinkAllowlist covers domains considered safe for probation
// users to link to. Entries match exactly or as strict subdomains.
var DefaultLinkAllowlist = []string{
	"docs.python.org",
	"github.com",
	"gitlab.com",
	"bitbucket.org",
	"stackoverflow.com",
	"pypi.org",
	"go.dev",
	"pkg.go.dev",
	"wikipedia.org",
	"telegram.org",
	"t.me",
}

// GroupRegistry provides O(1) policy lookup by group id and iteration
// over all monitored groups.
type GroupRegistry struct {
	groups        map[int64]*GroupPolicy
	linkAllowlist map[string]struct{}
}

func NewGroupRegistry(policies []GroupPolicy, linkAllowlist []string) (*GroupRegistry, error) {
	r := &GroupRegistry{
		groups:        make(map[int64]*GroupPolicy, len(policies)),
		linkAllowlist: make(map[string]struct{}, len(linkAllowlist)),
	}
	for i := range policies {
		p := policies[i]
		if err := p.validate(); err != nil {
			return nil, errors.WithMessage(err, "invalid group policy")
		}
		if _, ok := r.groups[p.GroupID]; ok {
			return nil, fmt.Errorf("duplicate group_id: %d", p.GroupID)
		}
		r.groups[p.GroupID] = &p
		log.WithFields(log.Fields{
			"group_id":      p.GroupID,
			"warning_topic": p.WarningTopicID,
		}).Info("registered group")
	}
	if len(linkAllowlist) == 0 {
		linkAllowlist = DefaultLinkAllowlist
	}
	for _, domain := range linkAllowlist {
		r.linkAllowlist[domain] = struct{}{}
	}
	return r, nil
}

// LoadGroupRegistry parses the groups YAML file. Missing per-group
// fields inherit the built-in defaults.
func LoadGroupRegistry(path string) (*GroupRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "read groups file")
	}

	var file struct {
		Groups        []map[string]interface{} `yaml:"groups"`
		LinkAllowlist []string                 `yaml:"link_allowlist"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.WithMessage(err, "unmarshal groups file")
	}

	policies := make([]GroupPolicy, 0, len(file.Groups))
	for _, entry := range file.Groups {
		p := defaultGroupPolicy()
		blob, err := yaml.Marshal(entry)
		if err != nil {
			return nil, errors.WithMessage(err, "remarshal group entry")
		}
		if err := yaml.Unmarshal(blob, &p); err != nil {
			return nil, errors.WithMessage(err, "unmarshal group entry")
		}
		policies = append(policies, p)
	}
	return NewGroupRegistry(policies, file.LinkAllowlist)
}

func (r *GroupRegistry) Get(groupID int64) *GroupPolicy {
	return r.groups[groupID]
}

func (r *GroupRegistry) IsMonitored(groupID int64) bool {
	_, ok := r.groups[groupID]
	return ok
}

func (r *GroupRegistry) AllGroups() []*GroupPolicy {
	policies := make([]*GroupPolicy, 0, len(r.groups))
	for _, p := range r.groups {
		policies = append(policies, p)
	}
	return policies
}

// LinkAllowlist returns the configured domain suffix set.
func (r *GroupRegistry) LinkAllowlist() map[string]struct{} {
	return r.linkAllowlist
}
