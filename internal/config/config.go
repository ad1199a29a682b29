// Package config resolves the harness's environment-driven
// configuration: the compose endpoint and the per-provider credential
// sets. A missing required variable is reported by name as a
// ConfigMissing error, which the harness turns into a Setup-phase
// failure rather than a crash.
package config

import (
	"os"

	"imagetest/internal/cloud"
	"imagetest/pkg/errkind"
)

// DefaultComposeURL is used when COMPOSE_URL is unset.
const DefaultComposeURL = "http://localhost:4000"

// RequiredVars lists the credential and target variables each cloud
// variant needs before its scenario can run.
var RequiredVars = map[cloud.Variant][]string{
	cloud.VariantNone: nil,
	cloud.VariantAWS: {
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"AWS_REGION",
		"AWS_BUCKET",
	},
	cloud.VariantAzure: {
		"AZURE_SUBSCRIPTION_ID",
		"AZURE_TENANT",
		"AZURE_CLIENT_ID",
		"AZURE_SECRET",
		"AZURE_RESOURCE_GROUP",
		"AZURE_STORAGE_ACCOUNT",
		"AZURE_STORAGE_CONTAINER",
	},
	cloud.VariantOpenStack: {
		"OS_AUTH_URL",
		"OS_USERNAME",
		"OS_PASSWORD",
		"OS_PROJECT_NAME",
	},
}

// Require checks that every named variable is present and non-empty,
// returning ConfigMissing with the first absent name.
func Require(vars ...string) error {
	for _, v := range vars {
		if os.Getenv(v) == "" {
			return errkind.New(errkind.KindConfigMissing, "required environment variable %s is not set", v)
		}
	}
	return nil
}

// RequireForVariant checks the credential set of one cloud variant.
func RequireForVariant(variant cloud.Variant) error {
	return Require(RequiredVars[variant]...)
}

// CredentialEnv collects the variant's variables plus the minimal base
// environment a provider CLI needs, as an explicit map. This is the only
// way ambient environment reaches a child process: named, on purpose.
func CredentialEnv(variant cloud.Variant) map[string]string {
	env := BaseEnv()
	for _, v := range RequiredVars[variant] {
		if val := os.Getenv(v); val != "" {
			env[v] = val
		}
	}
	return env
}

// BaseEnv returns the explicitly forwarded base environment: PATH so
// provider CLIs resolve, HOME because they keep their config there.
func BaseEnv() map[string]string {
	env := map[string]string{}
	if path := os.Getenv("PATH"); path != "" {
		env["PATH"] = path
	}
	if home := os.Getenv("HOME"); home != "" {
		env["HOME"] = home
	}
	return env
}

// ComposeURL returns the build engine endpoint.
func ComposeURL() string {
	if url := os.Getenv("COMPOSE_URL"); url != "" {
		return url
	}
	return DefaultComposeURL
}
