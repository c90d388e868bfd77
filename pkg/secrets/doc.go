// Package secrets resolves the env bundle injected into services that
// reference one: doppler, plain env files, or age-encrypted env files.
package secrets
