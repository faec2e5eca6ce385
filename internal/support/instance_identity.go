package support

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const envInstanceID = "PROXYPOOL_INSTANCE_ID"

var (
	instanceIDOnce  sync.Once
	instanceIDValue string
)

// GetInstanceID identifies this process when it competes with other instances
// for the shared refresh lock.
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		value := strings.TrimSpace(GetEnv(envInstanceID, ""))
		if value == "" {
			hostname, _ := os.Hostname()
			value = fmt.Sprintf("%s-%d-%d", strings.TrimSpace(hostname), os.Getpid(), time.Now().UnixNano())
		}
		instanceIDValue = value
	})
	return instanceIDValue
}
