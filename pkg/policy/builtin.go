package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		managementLockoutPolicy(),
		destructiveDeletePolicy(),
		rootAuthenticationPolicy(),
		changeSizePolicy(),
		changeDescriptionPolicy(),
		storageHeadroomPolicy(),
		majorAlarmsPolicy(),
		targetVersionPolicy(),
		minorAlarmsPolicy(),
	}
}

// managementLockoutPolicy blocks commands that remove the services this
// system manages the device through.
func managementLockoutPolicy() Policy {
	return Policy{
		Name:        "management-lockout",
		Description: "Blocks removal of SSH or NETCONF services and management interface addressing",
		Kind:        KindChange,
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "management"},
		Rego: `package srxops.change.lockout

deny contains violation if {
	some cmd in input.commands
	regex.match("^(delete|deactivate)\\s+system\\s+services(\\s+(ssh|netconf))?\\s*$", cmd)
	violation := {
		"message": sprintf("'%s' would remove the management service", [cmd]),
		"severity": "critical",
		"command": cmd,
	}
}

deny contains violation if {
	some cmd in input.commands
	regex.match("^(delete|deactivate)\\s+interfaces\\s+(fxp0|ge-0/0/0)(\\s+unit\\s+0)?\\s*$", cmd)
	violation := {
		"message": sprintf("'%s' would remove the management interface", [cmd]),
		"severity": "critical",
		"command": cmd,
	}
}`,
	}
}

// destructiveDeletePolicy blocks deletes of whole configuration hierarchies.
func destructiveDeletePolicy() Policy {
	return Policy{
		Name:        "destructive-delete",
		Description: "Blocks deletion of top level configuration hierarchies",
		Kind:        KindChange,
		Severity:    SeverityHigh,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package srxops.change.destructive

top_level := {"security", "interfaces", "system", "routing-options", "protocols", "policy-options", "routing-instances"}

deny contains violation if {
	some cmd in input.commands
	trim_space(cmd) == "delete"
	violation := {
		"message": "bare 'delete' would erase the entire configuration",
		"severity": "critical",
		"command": cmd,
	}
}

deny contains violation if {
	some cmd in input.commands
	parts := split(trim_space(cmd), " ")
	count(parts) == 2
	parts[0] == "delete"
	top_level[parts[1]]
	violation := {
		"message": sprintf("'%s' would delete the whole %s hierarchy", [cmd, parts[1]]),
		"severity": "high",
		"command": cmd,
	}
}`,
	}
}

// rootAuthenticationPolicy protects the root login.
func rootAuthenticationPolicy() Policy {
	return Policy{
		Name:        "root-authentication",
		Description: "Blocks deletion of root authentication",
		Kind:        KindChange,
		Severity:    SeverityHigh,
		Enabled:     true,
		Tags:        []string{"safety", "auth"},
		Rego: `package srxops.change.rootauth

deny contains violation if {
	some cmd in input.commands
	startswith(cmd, "delete system root-authentication")
	violation := {
		"message": "root authentication must not be deleted",
		"severity": "high",
		"command": cmd,
	}
}`,
	}
}

// changeSizePolicy flags unusually large batches.
func changeSizePolicy() Policy {
	return Policy{
		Name:        "change-size",
		Description: "Warns when a single change carries more than 200 commands",
		Kind:        KindChange,
		Severity:    SeverityMedium,
		Enabled:     true,
		Tags:        []string{"review"},
		Rego: `package srxops.change.size

deny contains violation if {
	count(input.commands) > 200
	violation := {
		"message": sprintf("change has %d commands; consider splitting it", [count(input.commands)]),
		"severity": "medium",
	}
}`,
	}
}

// changeDescriptionPolicy asks for a commit comment.
func changeDescriptionPolicy() Policy {
	return Policy{
		Name:        "change-description",
		Description: "Warns when a change has no description",
		Kind:        KindChange,
		Severity:    SeverityLow,
		Enabled:     true,
		Tags:        []string{"review"},
		Rego: `package srxops.change.description

deny contains violation if {
	trim_space(input.description) == ""
	violation := {
		"message": "change has no description; the commit log will be empty",
		"severity": "low",
	}
}`,
	}
}

// storageHeadroomPolicy requires free space for the firmware image.
func storageHeadroomPolicy() Policy {
	return Policy{
		Name:        "storage-headroom",
		Description: "Blocks upgrades when any filesystem is 90% used or more",
		Kind:        KindReadiness,
		Severity:    SeverityHigh,
		Enabled:     true,
		Tags:        []string{"upgrade", "storage"},
		Rego: `package srxops.readiness.storage

deny contains violation if {
	some fs in input.storage
	fs.used_percent >= 90
	violation := {
		"message": sprintf("%s (%s) is %v%% used", [fs.name, fs.mounted_on, fs.used_percent]),
		"severity": "high",
	}
}`,
	}
}

// majorAlarmsPolicy blocks upgrades on a device that is already unhealthy.
func majorAlarmsPolicy() Policy {
	return Policy{
		Name:        "major-alarms",
		Description: "Blocks upgrades while major alarms are active",
		Kind:        KindReadiness,
		Severity:    SeverityHigh,
		Enabled:     true,
		Tags:        []string{"upgrade", "alarms"},
		Rego: `package srxops.readiness.alarms

deny contains violation if {
	some alarm in input.alarms
	lower(alarm.class) == "major"
	violation := {
		"message": sprintf("major alarm active: %s", [alarm.description]),
		"severity": "high",
	}
}`,
	}
}

// targetVersionPolicy rejects upgrades to the running version.
func targetVersionPolicy() Policy {
	return Policy{
		Name:        "target-version",
		Description: "Blocks upgrades to the version already running",
		Kind:        KindReadiness,
		Severity:    SeverityHigh,
		Enabled:     true,
		Tags:        []string{"upgrade"},
		Rego: `package srxops.readiness.version

deny contains violation if {
	input.target_version == input.current_version
	violation := {
		"message": sprintf("device already runs %s", [input.current_version]),
		"severity": "high",
	}
}

deny contains violation if {
	input.target_version == ""
	violation := {
		"message": "no target version given",
		"severity": "high",
	}
}`,
	}
}

// minorAlarmsPolicy surfaces minor alarms as warnings.
func minorAlarmsPolicy() Policy {
	return Policy{
		Name:        "minor-alarms",
		Description: "Reports minor alarms before an upgrade",
		Kind:        KindReadiness,
		Severity:    SeverityLow,
		Enabled:     true,
		Tags:        []string{"upgrade", "alarms"},
		Rego: `package srxops.readiness.minor

deny contains violation if {
	some alarm in input.alarms
	lower(alarm.class) == "minor"
	violation := {
		"message": sprintf("minor alarm active: %s", [alarm.description]),
		"severity": "low",
	}
}`,
	}
}
