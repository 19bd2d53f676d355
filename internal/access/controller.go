// Package access enforces team-based access to server configurations and
// cleans up what a revocation leaves behind: individual connected accounts
// whose user lost access, and bundle entries pointing at configurations
// their owner can no longer use. Cleaners are idempotent and never
// re-create what they removed.
package access

import (
	"context"
	"log/slog"

	"mcpgate/internal/domain"
)

// Controller answers access questions and runs the orphan cleaners.
type Controller struct {
	identity domain.IdentityRepository
	accounts domain.AccountRepository
	bundles  domain.BundleRepository
}

func NewController(identity domain.IdentityRepository, accounts domain.AccountRepository, bundles domain.BundleRepository) *Controller {
	return &Controller{identity: identity, accounts: accounts, bundles: bundles}
}

// MayUse reports whether the user may use the configuration: at least one
// of the user's teams in the configuration's organization must be in the
// configuration's allowed list. An empty allowed list admits nobody.
func (c *Controller) MayUse(ctx context.Context, userID string, cfg *domain.MCPServerConfiguration) (bool, error) {
	if len(cfg.AllowedTeams) == 0 {
		return false, nil
	}
	teams, err := c.identity.ListUserTeams(ctx, userID, cfg.OrganizationID)
	if err != nil {
		return false, domain.WrapError(domain.KindStorage, err, "listing teams for user %s", userID)
	}
	allowed := make(map[string]bool, len(cfg.AllowedTeams))
	for _, id := range cfg.AllowedTeams {
		allowed[id] = true
	}
	for _, id := range teams {
		if allowed[id] {
			return true, nil
		}
	}
	return false, nil
}

// CleanupReport summarizes one cleaner run for the admin log. Subject
// names what triggered the run: the configuration, user or server id.
type CleanupReport struct {
	Trigger           string   `json:"trigger"`
	Subject           string   `json:"subject"`
	DeletedAccountIDs []string `json:"deleted_account_ids,omitempty"`
	UpdatedBundleIDs  []string `json:"updated_bundle_ids,omitempty"`
}

func (r *CleanupReport) log() {
	slog.Info("access cleanup finished",
		"trigger", r.Trigger,
		"subject", r.Subject,
		"deleted_accounts", len(r.DeletedAccountIDs),
		"updated_bundles", len(r.UpdatedBundleIDs))
}

// OnConfigurationAllowedTeamsChanged removes what the new team list no
// longer covers: individual accounts whose user lost access, and the
// configuration's entry in bundles whose owner lost access.
func (c *Controller) OnConfigurationAllowedTeamsChanged(ctx context.Context, cfg *domain.MCPServerConfiguration) (*CleanupReport, error) {
	report := &CleanupReport{Trigger: "configuration_allowed_teams_changed", Subject: cfg.ID}

	accounts, err := c.accounts.ListConnectedAccounts(ctx, cfg.ID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "listing accounts for configuration %s", cfg.ID)
	}
	for _, account := range accounts {
		if account.Ownership.Type != domain.OwnershipIndividual {
			continue
		}
		ok, err := c.MayUse(ctx, account.Ownership.UserID, cfg)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		if err := c.accounts.DeleteConnectedAccount(ctx, account.ID); err != nil {
			return nil, domain.WrapError(domain.KindStorage, err, "deleting account %s", account.ID)
		}
		report.DeletedAccountIDs = append(report.DeletedAccountIDs, account.ID)
	}

	bundles, err := c.bundles.ListBundlesReferencing(ctx, cfg.OrganizationID, cfg.ID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "listing bundles referencing %s", cfg.ID)
	}
	for _, bundle := range bundles {
		ok, err := c.MayUse(ctx, bundle.UserID, cfg)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		if err := c.scrubBundle(ctx, bundle, report, func(id string) bool { return id != cfg.ID }); err != nil {
			return nil, err
		}
	}

	report.log()
	return report, nil
}

// OnConfigurationDeleted scrubs the deleted configuration out of every
// bundle in the organization. Its accounts die by database cascade.
func (c *Controller) OnConfigurationDeleted(ctx context.Context, organizationID, cfgID string) (*CleanupReport, error) {
	report := &CleanupReport{Trigger: "configuration_deleted", Subject: cfgID}

	bundles, err := c.bundles.ListBundlesReferencing(ctx, organizationID, cfgID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "listing bundles referencing %s", cfgID)
	}
	for _, bundle := range bundles {
		if err := c.scrubBundle(ctx, bundle, report, func(id string) bool { return id != cfgID }); err != nil {
			return nil, err
		}
	}

	report.log()
	return report, nil
}

// OnUserRemovedFromTeam walks the organization's configurations and, for
// each one the user can no longer use, deletes the user's individual
// account and drops the configuration from the user's bundles.
func (c *Controller) OnUserRemovedFromTeam(ctx context.Context, userID, organizationID string) (*CleanupReport, error) {
	report := &CleanupReport{Trigger: "user_removed_from_team", Subject: userID}

	cfgs, err := c.accounts.ListMCPServerConfigurations(ctx, organizationID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "listing configurations for org %s", organizationID)
	}
	lost := map[string]bool{}
	for _, cfg := range cfgs {
		ok, err := c.MayUse(ctx, userID, cfg)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		lost[cfg.ID] = true

		account, err := c.accounts.GetConnectedAccount(ctx, cfg.ID, domain.IndividualOwnership(userID))
		if err != nil {
			return nil, domain.WrapError(domain.KindStorage, err, "loading account for configuration %s", cfg.ID)
		}
		if account == nil {
			continue
		}
		if err := c.accounts.DeleteConnectedAccount(ctx, account.ID); err != nil {
			return nil, domain.WrapError(domain.KindStorage, err, "deleting account %s", account.ID)
		}
		report.DeletedAccountIDs = append(report.DeletedAccountIDs, account.ID)
	}

	bundles, err := c.bundles.ListBundlesByUser(ctx, userID, organizationID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "listing bundles for user %s", userID)
	}
	for _, bundle := range bundles {
		if err := c.scrubBundle(ctx, bundle, report, func(id string) bool { return !lost[id] }); err != nil {
			return nil, err
		}
	}

	report.log()
	return report, nil
}

// OnServerDeleted scrubs bundles of configuration ids that no longer
// resolve. The configurations, accounts and tools themselves die by
// database cascade when the server row goes.
func (c *Controller) OnServerDeleted(ctx context.Context, organizationID, serverID string) (*CleanupReport, error) {
	report := &CleanupReport{Trigger: "server_deleted", Subject: serverID}

	cfgs, err := c.accounts.ListMCPServerConfigurations(ctx, organizationID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "listing configurations for org %s", organizationID)
	}
	existing := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		existing[cfg.ID] = true
	}

	bundles, err := c.bundles.ListBundles(ctx, organizationID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "listing bundles for org %s", organizationID)
	}
	for _, bundle := range bundles {
		if err := c.scrubBundle(ctx, bundle, report, func(id string) bool { return existing[id] }); err != nil {
			return nil, err
		}
	}

	report.log()
	return report, nil
}

// scrubBundle rewrites the bundle's configuration list keeping only ids the
// predicate accepts, preserving order and dropping duplicates. Bundles that
// are already clean are left untouched.
func (c *Controller) scrubBundle(ctx context.Context, bundle *domain.MCPServerBundle, report *CleanupReport, keep func(string) bool) error {
	seen := map[string]bool{}
	kept := make([]string, 0, len(bundle.MCPServerConfigurationIDs))
	for _, id := range bundle.MCPServerConfigurationIDs {
		if !keep(id) || seen[id] {
			continue
		}
		seen[id] = true
		kept = append(kept, id)
	}
	if len(kept) == len(bundle.MCPServerConfigurationIDs) {
		return nil
	}
	if err := c.bundles.UpdateBundleConfigurations(ctx, bundle.ID, kept); err != nil {
		return domain.WrapError(domain.KindStorage, err, "updating bundle %s", bundle.ID)
	}
	report.UpdatedBundleIDs = append(report.UpdatedBundleIDs, bundle.ID)
	return nil
}
