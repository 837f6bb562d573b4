package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on identity/security
// boundaries (e.g. only trust identity headers protected by verified TLS on the actor
// protocol between the executor and state-store shards).
//
// Production and a fully-configured shard TLS bundle (ACTOR_TLS_CERT/ACTOR_TLS_KEY/
// ACTOR_TLS_ROOT_CA) both force strict mode, so a mis-set FLOWENGINE_ENV cannot
// silently weaken the trust boundary between shard actors.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		hasActorTLS := strings.TrimSpace(os.Getenv("ACTOR_TLS_CERT")) != "" &&
			strings.TrimSpace(os.Getenv("ACTOR_TLS_KEY")) != "" &&
			strings.TrimSpace(os.Getenv("ACTOR_TLS_ROOT_CA")) != ""
		strictIdentityModeValue = env == Production || hasActorTLS
	})
	return strictIdentityModeValue
}
