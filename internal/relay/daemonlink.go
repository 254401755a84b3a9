package relay

import (
	"net"
	"strconv"
	"time"

	"github.com/hcom-sh/hcom/internal/store"
)

// daemonFailLimit is how many consecutive unreachable probes it takes
// before the recorded daemon port is considered dead and cleared.
const daemonFailLimit = 3

// probeTimeout for validating the daemon port; longer than a wake ping
// because a false negative here triggers a direct publish.
const probeTimeout = 100 * time.Millisecond

// HandledByDaemon reports whether a live daemon owns the relay. The
// recorded port is validated by an actual connect; transient failures
// are tolerated up to the limit so a briefly busy daemon does not
// cause a publish stampede from every CLI process at once.
func HandledByDaemon(st *store.Store) bool {
	port, _ := st.KVGet(store.KeyDaemonPort)
	if port == "" {
		return false
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", port), probeTimeout)
	if err == nil {
		conn.Close()
		st.KVDelete(store.KeyDaemonFailCount)
		return true
	}

	fails, ierr := st.KVIncr(store.KeyDaemonFailCount)
	if ierr == nil && fails >= daemonFailLimit {
		st.KVDelete(store.KeyDaemonPort)
		st.KVDelete(store.KeyDaemonFailCount)
	}
	return false
}

// NotifyDaemon pings the daemon's trigger port to schedule an
// immediate push. Returns false when no daemon is listening.
func NotifyDaemon(st *store.Store) bool {
	port, _ := st.KVGet(store.KeyDaemonPort)
	if port == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", port), 50*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// RegisterDaemonPort records the daemon trigger port and owning pid.
func RegisterDaemonPort(st *store.Store, port, pid int) {
	st.KVSet(store.KeyDaemonPort, strconv.Itoa(port))
	st.KVSet(store.KeyDaemonPID, strconv.Itoa(pid))
	st.KVDelete(store.KeyDaemonFailCount)
}

// UnregisterDaemonPort clears daemon bookkeeping on clean shutdown.
func UnregisterDaemonPort(st *store.Store) {
	st.KVDelete(store.KeyDaemonPort)
	st.KVDelete(store.KeyDaemonPID)
	st.KVDelete(store.KeyDaemonFailCount)
}
