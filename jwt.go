package feedsync

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// viewer identity extracted from the platform jwt. the server verifies
// the signature; the client only needs the claims to drive
// reconciliation (own-message skip, read receipts) and to reject
// mutations before any cache write when there is no viewer at all.
type ByJwt struct {
	UserId   Id
	UserName string
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdClaim, ok := claims["user_id"]; ok {
		if userIdStr, ok := userIdClaim.(string); ok {
			if userId, err := ParseId(userIdStr); err == nil {
				byJwt.UserId = userId
			}
		}
	}
	if userNameClaim, ok := claims["user_name"]; ok {
		if userName, ok := userNameClaim.(string); ok {
			byJwt.UserName = userName
		}
	}

	if byJwt.UserId.IsZero() {
		return nil, errors.New("jwt does not have a user_id")
	}

	return byJwt, nil
}
