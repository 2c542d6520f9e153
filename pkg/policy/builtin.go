package policy

// GetBuiltinPolicies returns the built-in admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		instanceTypePolicy(),
		packageNamePolicy(),
	}
}

// instanceTypePolicy restricts provisioning to the configured instance
// types. An empty allowlist admits everything.
func instanceTypePolicy() Policy {
	return Policy{
		Name:        "instance-type-allowlist",
		Description: "Restricts provisioning to the configured instance types",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package pkgsmoke.policies.instance_type

import rego.v1

deny contains violation if {
	count(input.allowed_instance_types) > 0
	not input.request.instance_type in input.allowed_instance_types
	violation := {
		"message": sprintf("instance type %q is not in the allowed set", [input.request.instance_type]),
		"severity": "error",
	}
}

deny contains violation if {
	input.request.instance_type == ""
	violation := {
		"message": "instance type must not be empty",
		"severity": "error",
	}
}
`,
	}
}

// packageNamePolicy rejects explicit package names that could not come
// from a catalog listing, which keeps shell metacharacters out of the
// remote install command.
func packageNamePolicy() Policy {
	return Policy{
		Name:        "package-name",
		Description: "Rejects explicit package names with unexpected characters",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package pkgsmoke.policies.package_name

import rego.v1

deny contains violation if {
	input.request.package != ""
	not regex.match("^[A-Za-z0-9_+.-]+$", input.request.package)
	violation := {
		"message": sprintf("package name %q contains unexpected characters", [input.request.package]),
		"severity": "error",
	}
}

deny contains violation if {
	count(input.request.package) > 64
	violation := {
		"message": sprintf("package name %q is too long", [input.request.package]),
		"severity": "error",
	}
}
`,
	}
}
