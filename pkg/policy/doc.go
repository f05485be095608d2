// Package policy gates configuration changes and firmware upgrades with
// Open Policy Agent (OPA) Rego policies.
//
// # Gates
//
// Two kinds of policy are evaluated:
//
//  1. Change policies see the set commands, the candidate diff and the device,
//     and run after the candidate is loaded but before commit confirmed.
//  2. Readiness policies see facts, storage and alarms, and run in the first
//     upgrade phase.
//
// Every policy exposes a deny set. Each element is either a string or an
// object with message, severity and an optional command:
//
//	package srxops.change.ntp
//
//	deny contains violation if {
//	    some cmd in input.commands
//	    startswith(cmd, "delete system ntp")
//	    violation := {"message": "NTP must stay configured", "severity": "high"}
//	}
//
// Violations of severity high or critical block the operation. Lower
// severities are returned as warnings.
//
// # Loading
//
// Built-in policies are always loaded. Additional policies are read from
// .rego, .json or .yaml files; the kind of a bare .rego file is taken from its
// package name (srxops.change.* or srxops.readiness.*). Engine.Watch reloads
// them with fsnotify when files change.
package policy
