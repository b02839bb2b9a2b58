package model

import "testing"

func TestValidateUsername(t *testing.T) {
	t.Parallel()

	type tcase struct {
		name      string
		expectErr error
	}

	tcases := map[string]tcase{
		"simple":       {name: "johndoe", expectErr: nil},
		"with_hyphen":  {name: "john-doe_99", expectErr: nil},
		"empty":        {name: "", expectErr: ErrUsernameEmpty},
		"too_long":     {name: "240433252080542468109190329288548", expectErr: ErrUsernameTooLong},
		"spaces":       {name: "john doe", expectErr: ErrUsernameInvalidChars},
		"injection":    {name: "' OR '1'='1", expectErr: ErrUsernameInvalidChars},
		"path_escape":  {name: "../../etc/passwd", expectErr: ErrUsernameInvalidChars},
		"control_char": {name: "john\x00doe", expectErr: ErrUsernameInvalidChars},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			if got := ValidateUsername(tc.name); got != tc.expectErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tc.name, got, tc.expectErr)
			}
		})
	}
}

func TestValidateGroupName(t *testing.T) {
	t.Parallel()

	if err := ValidateGroupName("team-backend"); err != nil {
		t.Errorf("ValidateGroupName(team-backend) = %v, want nil", err)
	}
	if err := ValidateGroupName(""); err != ErrGroupNameEmpty {
		t.Errorf("ValidateGroupName(empty) = %v, want ErrGroupNameEmpty", err)
	}
	if err := ValidateGroupName("has space"); err != ErrGroupNameInvalidChars {
		t.Errorf("ValidateGroupName(has space) = %v, want ErrGroupNameInvalidChars", err)
	}
}
