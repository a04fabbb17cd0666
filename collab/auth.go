package collab

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity attached to a room connection. The token is issued by the
// embedding application's identity provider; the core only reads claims.
type RoomAuth struct {
	ByJwt      string
	AppVersion string
}

func (self *RoomAuth) UserId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.UserId, nil
}

type ByJwt struct {
	UserId   Id
	UserName string
}

// reads the identity claims without verifying the signature.
// clients use this for display only; the relay verifies when a key is set.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return byJwtFromClaims(token.Claims.(gojwt.MapClaims))
}

func ParseByJwt(jwt string, secret []byte) (*ByJwt, error) {
	token, err := gojwt.Parse(
		jwt,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("bad claims")
	}
	return byJwtFromClaims(claims)
}

func byJwtFromClaims(claims gojwt.MapClaims) (*ByJwt, error) {
	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"]; ok {
		if userId, err := ParseId(userIdStr.(string)); err == nil {
			byJwt.UserId = userId
		}
	}
	if userName, ok := claims["user_name"]; ok {
		byJwt.UserName = userName.(string)
	}

	if byJwt.UserId.IsZero() {
		return nil, errors.New("token is missing user_id")
	}

	return byJwt, nil
}

// used by collabctl and tests. Production tokens come from the identity provider.
func MintByJwt(userId Id, userName string, secret []byte) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   userId.String(),
		"user_name": userName,
		"iat":       time.Now().Unix(),
	})
	return token.SignedString(secret)
}
