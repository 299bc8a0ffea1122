package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Name Validation Tests
// =============================================================================

func TestValidateName(t *testing.T) {
	valid := []string{"p1", "my-project", "staging", "a", "app-2"}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), "name %q", name)
	}

	invalid := []string{"", "My-Project", "has space", "-leading", "trailing-", "under_score", strings.Repeat("a", 64)}
	for _, name := range invalid {
		assert.Error(t, ValidateName(name), "name %q", name)
	}
}

func TestValidateImageRef(t *testing.T) {
	assert.NoError(t, ValidateImageRef("registry.example.com/app:v1"))
	assert.NoError(t, ValidateImageRef("app@sha256:abc"))
	assert.Error(t, ValidateImageRef(""))
	assert.Error(t, ValidateImageRef("app v1"))
}

// =============================================================================
// Request Field Validation Tests
// =============================================================================

func TestValidateCreateDeploymentFields(t *testing.T) {
	field, msg := ValidateCreateDeploymentFields("p1", "default", "app:v1")
	assert.Empty(t, field)
	assert.Empty(t, msg)

	field, _ = ValidateCreateDeploymentFields("", "default", "app:v1")
	assert.Equal(t, "project", field)

	field, _ = ValidateCreateDeploymentFields("p1", "Bad Group", "app:v1")
	assert.Equal(t, "deployment_group", field)

	field, _ = ValidateCreateDeploymentFields("p1", "", "")
	assert.Equal(t, "image", field)

	// Empty group is fine; it defaults downstream.
	field, _ = ValidateCreateDeploymentFields("p1", "", "app:v1")
	assert.Empty(t, field)
}

func TestValidateEnableExtensionFields(t *testing.T) {
	field, _ := ValidateEnableExtensionFields("p1", "postgres", "main-db")
	assert.Empty(t, field)

	field, _ = ValidateEnableExtensionFields("p1", "", "main-db")
	assert.Equal(t, "extension_type", field)

	field, _ = ValidateEnableExtensionFields("p1", "postgres", "")
	assert.Equal(t, "extension_name", field)
}
