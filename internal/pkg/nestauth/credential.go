package nestauth

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Credential is the refresh-token/access-token pair owned by the
// Manager. ExpiresAt is always derived from now+expires_in at the
// moment a token response is accepted.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ValidAt reports whether the access token can be used at the given
// instant, allowing for the expiry skew.
func (c Credential) ValidAt(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-skew))
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens when stringified
func (c Credential) String() string {
	return fmt.Sprintf("accessToken [%s]  refreshToken [%s]  expiresAt [%s]",
		hashOf(c.AccessToken), hashOf(c.RefreshToken), c.ExpiresAt)
}

// Version of the credential that we marshal/unmarshal to the
// snapshot file
type credentialMarshal struct {
	RefreshToken string    `json:"refresh_token"`
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"last_update"`
}

// SaveSnapshot writes the credential to fileName via a temp file and
// rename, so an external reader never observes a partial write.
func SaveSnapshot(fileName string, cred Credential, now time.Time) error {
	cm := credentialMarshal{
		RefreshToken: cred.RefreshToken,
		AccessToken:  cred.AccessToken,
		ExpiresAt:    cred.ExpiresAt,
		UpdatedAt:    now,
	}

	tmp, err := os.CreateTemp(filepath.Dir(fileName), filepath.Base(fileName)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "opening credential snapshot %s for write", fileName)
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cm); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "saving credential snapshot to %s", fileName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing credential snapshot %s", fileName)
	}

	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return errors.Wrapf(err, "setting mode on credential snapshot %s", fileName)
	}

	if err := os.Rename(tmp.Name(), fileName); err != nil {
		return errors.Wrapf(err, "replacing credential snapshot %s", fileName)
	}

	return nil
}

// LoadSnapshot reads a previously saved credential. It is only used
// as a crash-recovery seed when no refresh token was supplied by the
// host at start-up.
func LoadSnapshot(fileName string) (Credential, error) {
	cm := credentialMarshal{}

	file, err := os.Open(fileName)
	if err != nil {
		return Credential{}, errors.Wrapf(err, "opening credential snapshot %s for read", fileName)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cm); err != nil {
		return Credential{}, errors.Wrapf(err, "loading credential snapshot from %s", fileName)
	}

	return Credential{
		RefreshToken: cm.RefreshToken,
		AccessToken:  cm.AccessToken,
		ExpiresAt:    cm.ExpiresAt,
	}, nil
}
