package batch

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// InstanceID identifies this process in the journal (hostname-pid-random).
func InstanceID() string {
	host, _ := os.Hostname()

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}

// NewRunID returns a fresh identifier for one batch run.
func NewRunID() string {
	return uuid.NewString()
}
