package domain

// RoomInfo is a read-only summary of one room.
type RoomInfo struct {
	UserID  UserID `json:"userId"`
	Devices int    `json:"devices"`
	Sources int    `json:"sources"`
}
