// Package config loads srxops settings, parses device inventories and runs
// post-upgrade validation scripts.
//
// # Settings
//
// Load reads an optional YAML file over DefaultConfig and applies
// SRXOPS_* environment overrides, where nested keys are joined with
// underscores:
//
//	database:
//	  path: /var/lib/srxops/srxops.db
//	worker:
//	  max_concurrent: 5
//	  hard_budget: 30m
//	upgrade:
//	  validation_script: /etc/srxops/upgrade_check.star
//
//	SRXOPS_WORKER_MAX_CONCURRENT=10 srxops serve
//
// The result is validated with struct tags before use. Helper methods map
// each section onto the options of the engine, store, oracle and lease
// packages.
//
// # Inventories
//
// LoadInventory accepts CUE files or packages, YAML documents and the CSV
// spreadsheet export. CUE and YAML entries are checked against the #Device
// schema, and every entry is checked with validator tags. Problems are
// collected with file positions rather than stopping at the first one:
//
//	devices: {
//		"srx-branch-01": {mgmt_ip: "192.0.2.10", region: "west", site: "Branch 12"}
//	}
//
// Import applies a valid inventory to a device store, creating new devices
// and refreshing existing ones matched by management address.
//
// # Validation scripts
//
// ScriptCheck implements engine.UpgradeCheck with a Starlark script:
//
//	issues = []
//	if post["tunnels"] < pre["tunnels"]:
//	    issues.append("lost VPN tunnels on " + hostname)
//
// Scripts run with a timeout and an execution step limit.
package config
