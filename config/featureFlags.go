package config

import (
	"strings"

	"bitbucket.org/mmdatafocus/crm_auditor/utils"
)

// parseRuleList reads a rule switch list such as
// DISABLED_RULES="missed_calls,additional_phone_missing".
//
// Rule names are case-insensitive; they are stored lower-cased.
func parseRuleList(raw string) []string {
	parts := utils.SplitAndTrim(raw)
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(p))
	}
	return utils.UniqueSlice(out)
}

// RuleDisabled reports whether rule is in DisabledRules.
func (c *Config) RuleDisabled(rule string) bool {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return false
	}
	for _, r := range c.DisabledRules {
		if strings.EqualFold(r, rule) {
			return true
		}
	}
	return false
}
