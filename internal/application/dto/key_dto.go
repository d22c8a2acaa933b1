package dto

import (
	"github.com/turtacn/keyagent/internal/domain/models"
)

// KeyListResponse lists the merged local and device keys.
type KeyListResponse struct {
	Keys   []models.KeyInfo `json:"keys" yaml:"keys"`
	Online bool             `json:"online" yaml:"online"`
}

// NewKeyListResponse projects records for output.
func NewKeyListResponse(records []*models.KeyRecord, online bool) *KeyListResponse {
	infos := make([]models.KeyInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, r.Info())
	}
	return &KeyListResponse{Keys: infos, Online: online}
}

// StatusResponse summarizes the agent for the local API and the CLI.
type StatusResponse struct {
	Device    models.DeviceStatus `json:"device" yaml:"device"`
	Online    bool                `json:"online" yaml:"online"`
	LocalKeys int                 `json:"local_keys" yaml:"local_keys"`
}
