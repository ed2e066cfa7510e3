package lock

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	hashiuuid "github.com/hashicorp/go-uuid"
)

// newProcessID identifies one Locker instance. It prefixes every token the
// Locker issues so the holder of a lease can be traced back to a process.
func newProcessID() string {
	id, err := hashiuuid.GenerateUUID()
	if err == nil {
		return id
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// newToken returns an owner token unique to a single acquisition attempt.
// Two acquisitions by the same process never share a token.
func newToken(processID string) string {
	return processID + ":" + uuid.NewString()
}
