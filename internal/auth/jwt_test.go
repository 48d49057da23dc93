package auth

import (
	"testing"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	tok, err := svc.Generate("user-1", "Ana", RoleLearner)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != "user-1" || claims.DisplayName != "Ana" || claims.Role != RoleLearner {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestValidateRejects(t *testing.T) {
	svc := NewJWTService("secret", 1)
	other, _ := NewJWTService("other", 1).Generate("user-1", "", RoleLearner)
	expired, _ := NewJWTService("secret", -1).Generate("user-1", "", RoleLearner)
	noUser, _ := svc.Generate("", "", RoleLearner)

	for name, tok := range map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": other,
		"expired":      expired,
		"no user":      noUser,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Validate(tok); err != ErrInvalidToken {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}
