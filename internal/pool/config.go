package pool

import "time"

// Config describes one named pool of probe connections.
type Config struct {
	ID             string `json:"id" yaml:"id" validate:"required"`
	Name           string `json:"name" yaml:"name"`
	Priority       string `json:"priority" yaml:"priority" validate:"required,oneof=high normal low"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections" validate:"min=1,max=100"`
	DelayMS        int    `json:"delay_ms" yaml:"delay_ms" validate:"min=0"`
	Enabled        bool   `json:"enabled" yaml:"enabled"`
}

// Delay is the pause inserted between consecutive probe attempts of
// a job running under this pool.
func (c Config) Delay() time.Duration {
	return time.Duration(c.DelayMS) * time.Millisecond
}
