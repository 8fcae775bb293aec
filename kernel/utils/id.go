package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID returns a random 128-bit hex identifier.
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// SimNodeID names the i-th node of a simulated mesh.
func SimNodeID(i int) string {
	return fmt.Sprintf("sim-%03d-%s", i, GenerateID()[:6])
}
