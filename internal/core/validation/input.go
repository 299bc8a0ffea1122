package validation

import (
	"fmt"
	"strings"
)

// =============================================================================
// Name Validation
// =============================================================================

// maxNameLength bounds project, group and extension names. The limit leaves
// headroom for provisioners that embed names into DNS labels.
const maxNameLength = 63

// ValidateName checks that an identifier is a DNS-safe slug: lowercase
// letters, digits and hyphens, starting and ending with an alphanumeric.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("must not be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("must be at most %d characters", maxNameLength)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-':
			if i == 0 || i == len(name)-1 {
				return fmt.Errorf("must not start or end with a hyphen")
			}
		default:
			return fmt.Errorf("contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateImageRef checks a container image reference for obvious problems.
// Full reference grammar is the registry's concern; this rejects only input
// that could never resolve.
func ValidateImageRef(image string) error {
	if image == "" {
		return fmt.Errorf("must not be empty")
	}
	if strings.ContainsAny(image, " \t\n") {
		return fmt.Errorf("must not contain whitespace")
	}
	return nil
}

// =============================================================================
// Request Field Validation
// =============================================================================

// ValidateCreateDeploymentFields validates a deploy request. Returns the
// offending field name and a message, or empty strings when valid. The group
// may be empty; it defaults downstream.
func ValidateCreateDeploymentFields(project, group, image string) (field, message string) {
	if err := ValidateName(project); err != nil {
		return "project", fmt.Sprintf("project %s", err)
	}
	if group != "" {
		if err := ValidateName(group); err != nil {
			return "deployment_group", fmt.Sprintf("deployment_group %s", err)
		}
	}
	if err := ValidateImageRef(image); err != nil {
		return "image", fmt.Sprintf("image %s", err)
	}
	return "", ""
}

// ValidateEnableExtensionFields validates an extension enable request.
func ValidateEnableExtensionFields(project, extensionType, name string) (field, message string) {
	if err := ValidateName(project); err != nil {
		return "project", fmt.Sprintf("project %s", err)
	}
	if err := ValidateName(extensionType); err != nil {
		return "extension_type", fmt.Sprintf("extension_type %s", err)
	}
	if err := ValidateName(name); err != nil {
		return "extension_name", fmt.Sprintf("extension_name %s", err)
	}
	return "", ""
}
