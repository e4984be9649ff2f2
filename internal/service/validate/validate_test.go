package validate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/glavbuh/internal/models"
)

func TestStruct(t *testing.T) {
	ptr := func(s string) *string { return &s }

	tests := []struct {
		name   string
		in     any
		fields map[string]string
	}{
		{"valid login", models.LoginCredentials{Email: "a@b.ua", Password: "x"}, nil},
		{"bad email", models.LoginCredentials{Email: "nope", Password: "x"}, map[string]string{"email": "email"}},
		{"empty login", models.LoginCredentials{}, map[string]string{"email": "required", "password": "required"}},
		{"short register password", models.RegisterData{Email: "a@b.ua", Password: "12345"}, map[string]string{"password": "min"}},
		{"valid register", models.RegisterData{Email: "a@b.ua", Password: "123456"}, nil},
		{"activation code too short", models.EmailVerification{Email: "a@b.ua", Code: "123"}, map[string]string{"code": "len"}},
		{"activation code not numeric", models.EmailVerification{Email: "a@b.ua", Code: "12345a"}, map[string]string{"code": "numeric"}},
		{"valid activation", models.EmailVerification{Email: "a@b.ua", Code: "123456"}, nil},
		{"federated without redirect", models.FederatedCode{Code: "c"}, map[string]string{"redirect_uri": "required"}},
		{"profile unknown user type", models.ProfileUpdate{UserType: ptr("alien")}, map[string]string{"user_type": "oneof"}},
		{"profile empty", models.ProfileUpdate{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.in)

			if tt.fields == nil {
				require.NoError(t, err)
				return
			}

			var fe *FieldsError
			require.ErrorAs(t, err, &fe)
			require.Equal(t, tt.fields, fe.Fields)
		})
	}
}

func TestFieldsError_Error(t *testing.T) {
	err := &FieldsError{Fields: map[string]string{"password": "required", "email": "email"}}

	require.Equal(t, "validation failed: email: email, password: required", err.Error())
}
