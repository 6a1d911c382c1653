package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionDefault(t *testing.T) {
	// release builds override it with -ldflags "-X main.Version=..."
	assert.NotEmpty(t, Version)
}
