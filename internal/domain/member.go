package domain

import "time"

// ConnectionID identifies one physical signaling connection.
type ConnectionID string

// DeviceEndpoint is one connected device in a room.
// No transport or lifecycle logic here.
type DeviceEndpoint struct {
	ConnectionID ConnectionID `json:"connectionId"`
	UserID       UserID       `json:"userId"`
	DeviceClass  DeviceClass  `json:"deviceClass"`
	ConnectedAt  time.Time    `json:"connectedAt"`
}

// NewDeviceEndpoint avoids raw literals in adapters and keeps construction obvious.
func NewDeviceEndpoint(id ConnectionID, claims Claims, at time.Time) DeviceEndpoint {
	return DeviceEndpoint{
		ConnectionID: id,
		UserID:       claims.UserID,
		DeviceClass:  claims.DeviceClass,
		ConnectedAt:  at,
	}
}
