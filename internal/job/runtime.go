package job

import "time"

// RuntimeMeta is the cached metadata of an installed runtime. It is written
// to the status store under the runtime key the first time a runtime is
// installed and consulted on every subsequent job.
type RuntimeMeta struct {
	Name         string    `json:"name"`
	MemoryMB     int       `json:"memory_mb"`
	EnvVersion   string    `json:"env_version"`
	Preinstalls  []string  `json:"preinstalls,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ActivationID string    `json:"activation_id,omitempty"`
}

// Compatible reports whether a runtime's execution environment matches the
// local library version.
func (m *RuntimeMeta) Compatible() bool {
	return m.EnvVersion == Version
}
