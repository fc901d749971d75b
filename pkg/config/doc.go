// Package config loads tenantgate configuration from TENANTGATE_* environment
// variables and the YAML route table used by the authorization relay.
//
// All settings have working defaults except the identity provider client
// (issuer, client ID/secret, redirect URL) and the workspace service URL,
// which must be provided. LoadConfig validates the result before returning.
package config
