package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagetest/internal/cloud"
	"imagetest/pkg/errkind"
)

func TestRequire(t *testing.T) {
	t.Setenv("IMAGETEST_SET_VAR", "value")

	assert.NoError(t, Require())
	assert.NoError(t, Require("IMAGETEST_SET_VAR"))

	err := Require("IMAGETEST_SET_VAR", "IMAGETEST_UNSET_VAR")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.ConfigMissing))
	assert.Contains(t, err.Error(), "IMAGETEST_UNSET_VAR", "the error must name the missing variable")
}

func TestRequireForVariant(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "id")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("AWS_BUCKET", "bucket")

	assert.NoError(t, RequireForVariant(cloud.VariantAWS))
	assert.NoError(t, RequireForVariant(cloud.VariantNone))

	// Azure credentials are not set in this test.
	err := RequireForVariant(cloud.VariantAzure)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.ConfigMissing))
}

func TestCredentialEnvScoping(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "id")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("AWS_BUCKET", "bucket")
	t.Setenv("UNRELATED_SECRET", "must-not-leak")

	env := CredentialEnv(cloud.VariantAWS)

	assert.Equal(t, "id", env["AWS_ACCESS_KEY_ID"])
	assert.Equal(t, "secret", env["AWS_SECRET_ACCESS_KEY"])
	assert.NotContains(t, env, "UNRELATED_SECRET")
	assert.NotContains(t, env, "AZURE_SECRET")
}

func TestBaseEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("HOME", "/home/tester")
	t.Setenv("SHELL", "/bin/bash")

	env := BaseEnv()
	assert.Equal(t, "/usr/bin", env["PATH"])
	assert.Equal(t, "/home/tester", env["HOME"])
	assert.Len(t, env, 2, "only PATH and HOME are forwarded")
}

func TestComposeURL(t *testing.T) {
	t.Setenv("COMPOSE_URL", "")
	assert.Equal(t, DefaultComposeURL, ComposeURL())

	t.Setenv("COMPOSE_URL", "http://composer:4000")
	assert.Equal(t, "http://composer:4000", ComposeURL())
}
