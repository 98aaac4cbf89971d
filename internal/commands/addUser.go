package commands

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"parley/internal/auth"
	"parley/internal/models"
)

type registrar interface {
	Register(req auth.RegistrationRequest) (models.User, error)
}

// AddUser creates username with a random password and prints the
// credentials to out.
func AddUser(svc registrar, username string, out io.Writer) error {
	password, err := randomPassword()
	if err != nil {
		return err
	}

	user, err := svc.Register(auth.RegistrationRequest{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}

	fmt.Fprintf(out, "\nUser Created Successfully!\n")
	fmt.Fprintf(out, "User ID:   %d\n", user.ID)
	fmt.Fprintf(out, "Username:  %s\n", user.Username)
	fmt.Fprintf(out, "Password:  %s\n\n", password)
	fmt.Fprintln(out, "Please share these credentials with the user.")
	return nil
}

func randomPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
