// Package util provides utility functions for the engagement engine.
package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand; IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateEnrollmentID generates a unique enrollment ID with "enr_" prefix.
func GenerateEnrollmentID() string {
	return GenerateRandomID("enr_", 32)
}

// GenerateStepExecutionID generates a unique step execution ID with "step_" prefix.
func GenerateStepExecutionID() string {
	return GenerateRandomID("step_", 32)
}

// GenerateRunID generates a unique execution log entry ID with "run_" prefix.
func GenerateRunID() string {
	return GenerateRandomID("run_", 32)
}
