package identity

import (
	"fmt"

	"github.com/google/uuid"
)

type Kind string

const (
	KindAPIKey    Kind = "api_key"
	KindUser      Kind = "user"
	KindAnonymous Kind = "anonymous"
)

// Identity is the typed caller identity every gate keys its decisions on.
type Identity struct {
	Kind    Kind
	ID      string
	OwnerID uuid.UUID
	Roles   []string
}

// Key returns the stable counter-store key form of the identity,
// e.g. "key:<id>", "user:<id>", "ip:10.0.0.5".
func (i *Identity) Key() string {
	switch i.Kind {
	case KindAPIKey:
		return fmt.Sprintf("key:%s", i.ID)
	case KindUser:
		return fmt.Sprintf("user:%s", i.ID)
	default:
		return fmt.Sprintf("ip:%s", i.ID)
	}
}

func (i *Identity) IsAnonymous() bool {
	return i.Kind == KindAnonymous
}
