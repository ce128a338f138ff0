// Package testutil provides a mock clock, PKCE pairs, redirect parsing and
// small assertion helpers shared by the tests of this module.
package testutil
