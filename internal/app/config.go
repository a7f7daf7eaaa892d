package app

import (
	"strconv"
	"strings"
	"time"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/lockstep"
	"lockstep-net/server/internal/telemetry"
)

// Settings is the node configuration read from the environment.
type Settings struct {
	NodeID      control.ClientID
	Host        bool
	ListenAddr  string
	HostURL     string
	PeerURLs    []string
	Clients     []lockstep.ClientInfo
	Mode        lockstep.Mode
	Lockstep    lockstep.Config
	TickRate    int
	RecordPath  string
	LogJSONPath string
	EnablePprof bool
}

// DefaultSettings describes a standalone host on :8080.
func DefaultSettings() Settings {
	return Settings{
		NodeID:     control.HostID,
		Host:       true,
		ListenAddr: ":8080",
		Clients:    []lockstep.ClientInfo{{ID: control.HostID, Name: "host"}},
		Mode:       lockstep.ModeCentral,
		Lockstep:   lockstep.DefaultConfig(),
		TickRate:   38,
	}
}

// LoadSettings overlays LOCKSTEP_* variables read through getenv onto the
// defaults. Invalid values are logged and ignored.
func LoadSettings(getenv func(string) string, logger telemetry.Logger) Settings {
	if logger == nil {
		logger = telemetry.Discard
	}
	s := DefaultSettings()

	readInt := func(key string, apply func(int)) {
		raw := getenv(key)
		if raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			logger.Printf("invalid %s=%q: %v", key, raw, err)
			return
		}
		apply(value)
	}
	readBool := func(key string, apply func(bool)) {
		raw := getenv(key)
		if raw == "" {
			return
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			logger.Printf("invalid %s=%q: %v", key, raw, err)
			return
		}
		apply(value)
	}

	readInt("LOCKSTEP_NODE_ID", func(v int) {
		s.NodeID = control.ClientID(v)
		s.Host = s.NodeID == control.HostID
	})
	readBool("LOCKSTEP_HOST", func(v bool) { s.Host = v })
	if raw := getenv("LOCKSTEP_LISTEN_ADDR"); raw != "" {
		s.ListenAddr = raw
	}
	s.HostURL = getenv("LOCKSTEP_HOST_URL")
	for _, raw := range strings.Split(getenv("LOCKSTEP_PEERS"), ",") {
		if url := strings.TrimSpace(raw); url != "" {
			s.PeerURLs = append(s.PeerURLs, url)
		}
	}
	if raw := getenv("LOCKSTEP_CLIENTS"); raw != "" {
		if clients, err := parseClients(raw); err != nil {
			logger.Printf("invalid LOCKSTEP_CLIENTS=%q: %v", raw, err)
		} else {
			s.Clients = clients
		}
	}
	if raw := getenv("LOCKSTEP_MODE"); raw != "" {
		if mode, err := lockstep.ParseMode(raw); err != nil {
			logger.Printf("invalid LOCKSTEP_MODE=%q: %v", raw, err)
		} else {
			s.Mode = mode
		}
	}
	readInt("LOCKSTEP_BACKLOG", func(v int) { s.Lockstep.BacklogDepth = int32(v) })
	readInt("LOCKSTEP_TARGET_FPS", func(v int) { s.Lockstep.TargetFPS = int32(v) })
	readInt("LOCKSTEP_CONTROL_RATE", func(v int) { s.Lockstep.ControlRate = int32(v) })
	readInt("LOCKSTEP_ASYNC_MAX_WAIT_MS", func(v int) { s.Lockstep.AsyncMaxWait = time.Duration(v) * time.Millisecond })
	readInt("LOCKSTEP_REQUEST_INTERVAL_MS", func(v int) { s.Lockstep.RequestRetryInterval = time.Duration(v) * time.Millisecond })
	readInt("LOCKSTEP_TICK_RATE", func(v int) { s.TickRate = v })
	s.RecordPath = getenv("LOCKSTEP_RECORD_PATH")
	s.LogJSONPath = getenv("LOCKSTEP_LOG_JSON")
	readBool("ENABLE_PPROF", func(v bool) { s.EnablePprof = v })
	return s
}

// parseClients reads "id[:name]" entries separated by commas.
func parseClients(raw string) ([]lockstep.ClientInfo, error) {
	var clients []lockstep.ClientInfo
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idPart, name, _ := strings.Cut(entry, ":")
		id, err := strconv.Atoi(idPart)
		if err != nil {
			return nil, err
		}
		clients = append(clients, lockstep.ClientInfo{ID: control.ClientID(id), Name: name})
	}
	return clients, nil
}
