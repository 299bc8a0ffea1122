// Package validation provides pure validation functions for API handlers.
//
// This package contains the functional core logic for validating API requests
// before they reach the registries. All functions are pure (no I/O, no side
// effects).
//
// # Functions
//
//   - ValidateCreateDeploymentFields: required fields for a deploy request
//   - ValidateEnableExtensionFields: required fields for enabling an extension
//   - ValidateName: shape check for project/group/extension identifiers
//   - ValidateImageRef: shape check for container image references
//
// # Usage
//
// The API handlers use these functions to validate requests before processing:
//
//	if field, msg := validation.ValidateCreateDeploymentFields(project, image); field != "" {
//	    // Return 400 Bad Request with msg
//	}
package validation
