// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package authz enforces the two privileged-identity checks the
// original jukebox hardcoded as a SPECIAL_PEOPLE list: voting down
// any track regardless of who queued it, and deleting any nest
// regardless of ownership. Both are modeled as a single "admin" role
// in a small Casbin RBAC policy.
package authz

import (
	"fmt"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	_ "embed"

	"github.com/nestbox-fm/nestbox/internal/config"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

const (
	adminRole = "admin"

	// ObjQueue and ObjNest are the two objects the enforcer ever
	// checks; nestbox has no broader permission surface than this.
	ObjQueue = "queue"
	ObjNest  = "nest"

	// ActVoteOverride lets an identity's downvote remove a track
	// outright instead of just decrementing its score.
	ActVoteOverride = "vote_override"
	// ActDeleteAny lets an identity delete a nest it did not create.
	ActDeleteAny = "delete_any"
)

// Enforcer wraps a Casbin SyncedEnforcer seeded with nestbox's fixed
// two-permission policy, plus the configured privileged identities.
type Enforcer struct {
	e *casbin.SyncedEnforcer
}

// New builds an Enforcer from cfg. Model and policy are read from the
// configured paths when present, falling back to the embedded
// defaults; cfg.PrivilegedIdentities are then granted the admin role
// on top of whatever the policy source already grants.
func New(cfg config.AuthzConfig) (*Enforcer, error) {
	m, err := loadModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("authz: load model: %w", err)
	}

	enf, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: new enforcer: %w", err)
	}
	enf.EnableAutoSave(false)

	policy := embeddedPolicy
	if cfg.PolicyPath != "" && fileExists(cfg.PolicyPath) {
		raw, err := os.ReadFile(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("authz: read policy: %w", err)
		}
		policy = string(raw)
	}
	if err := loadCSVPolicy(enf, policy); err != nil {
		return nil, fmt.Errorf("authz: load policy: %w", err)
	}

	e := &Enforcer{e: enf}
	for _, identity := range cfg.PrivilegedIdentities {
		if identity == "" {
			continue
		}
		if err := e.Grant(identity); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func loadModel(path string) (model.Model, error) {
	if path != "" && fileExists(path) {
		return model.NewModelFromFile(path)
	}
	return model.NewModelFromString(embeddedModel)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func loadCSVPolicy(enf *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) < 2 {
			continue
		}
		ptype, rule := fields[0], fields[1:]
		switch ptype {
		case "p":
			if len(rule) >= 3 {
				if _, err := enf.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
					return fmt.Errorf("add policy %v: %w", rule, err)
				}
			}
		case "g":
			if len(rule) >= 2 {
				if _, err := enf.AddGroupingPolicy(rule[0], rule[1]); err != nil {
					return fmt.Errorf("add grouping policy %v: %w", rule, err)
				}
			}
		}
	}
	return nil
}

// Grant assigns the admin role to identity, making it pass both
// CanVoteOverride and CanDeleteAnyNest.
func (e *Enforcer) Grant(identity string) error {
	if _, err := e.e.AddGroupingPolicy(identity, adminRole); err != nil {
		return fmt.Errorf("authz: grant %s: %w", identity, err)
	}
	return nil
}

// Revoke removes identity's admin role.
func (e *Enforcer) Revoke(identity string) error {
	if _, err := e.e.RemoveGroupingPolicy(identity, adminRole); err != nil {
		return fmt.Errorf("authz: revoke %s: %w", identity, err)
	}
	return nil
}

// CanVoteOverride reports whether identity's downvote removes a
// track outright regardless of who queued it.
func (e *Enforcer) CanVoteOverride(identity string) bool {
	return e.enforce(identity, ObjQueue, ActVoteOverride)
}

// CanDeleteAnyNest reports whether identity may delete a nest it did
// not create.
func (e *Enforcer) CanDeleteAnyNest(identity string) bool {
	return e.enforce(identity, ObjNest, ActDeleteAny)
}

func (e *Enforcer) enforce(subject, object, action string) bool {
	allowed, err := e.e.Enforce(subject, object, action)
	if err != nil {
		return false
	}
	return allowed
}
