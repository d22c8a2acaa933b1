package models

import (
	"strings"
	"time"
)

// Connection is a saved SSH destination.
type Connection struct {
	Name      string    `gorm:"primaryKey" json:"name" yaml:"name" validate:"required"`
	Hostname  string    `json:"hostname" yaml:"hostname" validate:"required,hostname|ip"`
	Port      int       `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Username  string    `json:"username" yaml:"username" validate:"required"`
	Aliases   string    `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	HostKeys  string    `json:"host_keys,omitempty" yaml:"host_keys,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// AliasList splits the comma separated aliases.
func (c *Connection) AliasList() []string {
	var out []string
	for _, a := range strings.Split(c.Aliases, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Matches reports whether name is the connection name or one of its aliases.
func (c *Connection) Matches(name string) bool {
	if strings.EqualFold(c.Name, name) {
		return true
	}
	for _, a := range c.AliasList() {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}
