// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package verify

import (
	"encoding/json"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"opm/pkg/pm"
)

// defaultOrphanRules is used when state/orphan-policy.json is absent.
var defaultOrphanRules = []pm.OrphanRule{
	{Pattern: "*.pyc", Category: pm.OrphanLeftover, Action: pm.OrphanRemove},
	{Pattern: "__pycache__/**", Category: pm.OrphanLeftover, Action: pm.OrphanRemove},
	{Pattern: "*.log", Category: pm.OrphanLeftover, Action: pm.OrphanRemove},
	{Pattern: ".DS_Store", Category: pm.OrphanLeftover, Action: pm.OrphanRemove},
	{Pattern: "etc/*.local", Category: pm.OrphanUser, Action: pm.OrphanPreserve},
	{Pattern: "var/lib/*/user/**", Category: pm.OrphanUser, Action: pm.OrphanPreserve},
	{Pattern: "*.tmp", Category: pm.OrphanTemp, Action: pm.OrphanRemove},
	{Pattern: "*~", Category: pm.OrphanTemp, Action: pm.OrphanRemove},
	{Pattern: "*.part", Category: pm.OrphanTemp, Action: pm.OrphanRemove},
	{Pattern: "**/.Trash/**", Category: pm.OrphanSystem, Action: pm.OrphanPreserve},
}

// OrphanClassifier maps a relative path to a category and default action
// using an ordered list of glob rules: first match wins, and an unmatched
// path always falls back to OrphanUnknown/OrphanPreserve, never removed
// automatically.
type OrphanClassifier struct {
	rules []pm.OrphanRule
}

// NewOrphanClassifier builds a classifier from an explicit rule list.
func NewOrphanClassifier(rules []pm.OrphanRule) *OrphanClassifier {
	return &OrphanClassifier{rules: rules}
}

// LoadOrphanClassifier reads state/orphan-policy.json at path; a missing
// file falls back to defaultOrphanRules.
func LoadOrphanClassifier(path string) (*OrphanClassifier, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewOrphanClassifier(defaultOrphanRules), nil
	}
	if err != nil {
		return nil, pm.ErrStorageIO(err)
	}
	var rules []pm.OrphanRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, pm.ErrPackageValidation("orphan_policy_parse", err)
	}
	return NewOrphanClassifier(rules), nil
}

// Classify returns the category and action for relPath. A path matching no
// rule is OrphanUnknown with OrphanPreserve, matching the invariant that
// unknown orphans are never auto-removed.
func (c *OrphanClassifier) Classify(relPath string) (pm.OrphanCategory, pm.OrphanAction) {
	for _, rule := range c.rules {
		if ok, err := doublestar.Match(rule.Pattern, relPath); err == nil && ok {
			return rule.Category, rule.Action
		}
	}
	return pm.OrphanUnknown, pm.OrphanPreserve
}
