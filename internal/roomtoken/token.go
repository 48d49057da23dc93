// Package roomtoken mints ZEGOCLOUD token04 room tokens for conversation participants.
package roomtoken

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ZEGOCLOUD/zego_server_assistant/token/go/src/token04"
)

// DefaultTTL is used when the issuer is created with a non-positive TTL.
const DefaultTTL = time.Hour

// roomPayload is the token04 room payload.
type roomPayload struct {
	RoomID       string      `json:"RoomId"`
	Privilege    map[int]int `json:"Privilege"`
	StreamIDList []string    `json:"StreamIdList,omitempty"`
}

// Issuer signs tokens that let a participant log in and publish in one room.
type Issuer struct {
	appID  uint32
	secret string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer validates the credentials. The server secret must be 32 characters.
func NewIssuer(appID uint32, serverSecret string, ttl time.Duration) (*Issuer, error) {
	if appID == 0 || serverSecret == "" {
		return nil, fmt.Errorf("roomtoken: app_id and server_secret required")
	}
	if len(serverSecret) != 32 {
		return nil, fmt.Errorf("roomtoken: server_secret must be 32 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{appID: appID, secret: serverSecret, ttl: ttl, now: time.Now}, nil
}

// AppID returns the ZEGOCLOUD application the tokens are for.
func (i *Issuer) AppID() uint32 { return i.appID }

// Issue returns a token for userID in roomID and its expiry. Every participant of a
// conversation may publish.
func (i *Issuer) Issue(userID, roomID string) (string, time.Time, error) {
	payload, err := json.Marshal(roomPayload{
		RoomID: roomID,
		Privilege: map[int]int{
			token04.PrivilegeKeyLogin:   token04.PrivilegeEnable,
			token04.PrivilegeKeyPublish: token04.PrivilegeEnable,
		},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("roomtoken: marshal payload: %w", err)
	}
	seconds := int64(i.ttl / time.Second)
	tok, err := token04.GenerateToken04(i.appID, userID, i.secret, seconds, string(payload))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("roomtoken: generate: %w", err)
	}
	return tok, i.now().Add(i.ttl).UTC(), nil
}
