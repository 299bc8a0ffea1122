package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDeploymentCreation(t *testing.T) {
	res := ValidateDeploymentCreation(2, 10)
	assert.True(t, res.Ok())
	assert.NoError(t, res.Error())

	res = ValidateDeploymentCreation(10, 10)
	assert.False(t, res.Ok())
	require.Error(t, res.Error())
	assert.Contains(t, res.Reason, "10/10")

	res = ValidateDeploymentCreation(11, 10)
	assert.False(t, res.Ok())
}

func TestValidateDeploymentCreation_DisabledQuota(t *testing.T) {
	assert.True(t, ValidateDeploymentCreation(1000, 0).Ok())
	assert.True(t, ValidateDeploymentCreation(1000, -1).Ok())
}
