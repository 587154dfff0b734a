package storage

import (
	"fmt"

	"github.com/nimbusid/rp-broker/security"
)

// EncryptRpSecrets encrypts the sensitive fields of a record in place.
// SECURITY: Covers client secrets, resource-owner credentials, registration
// access tokens, and all cached token values. Non-secret metadata stays
// plaintext so records remain inspectable.
//
// Shared by storage backends so every implementation protects the same field
// set. Callers must pass a copy; the record is modified in place.
func EncryptRpSecrets(rp *Rp, enc *security.Encryptor) error {
	return transformRpSecrets(rp, enc.Encrypt, "encrypt")
}

// DecryptRpSecrets decrypts the sensitive fields of a record in place.
func DecryptRpSecrets(rp *Rp, enc *security.Encryptor) error {
	return transformRpSecrets(rp, enc.Decrypt, "decrypt")
}

func transformRpSecrets(rp *Rp, transform func(string) (string, error), verb string) error {
	var err error
	apply := func(field *string, name string) {
		if err != nil || *field == "" {
			return
		}
		var v string
		if v, err = transform(*field); err != nil {
			err = fmt.Errorf("failed to %s %s: %w", verb, name, err)
			return
		}
		*field = v
	}

	apply(&rp.ClientSecret, "client secret")
	apply(&rp.ClientRegistrationAccessToken, "registration access token")
	apply(&rp.UserSecret, "user secret")
	if rp.Pat != nil {
		apply(&rp.Pat.Token, "pat")
		apply(&rp.Pat.RefreshToken, "pat refresh token")
	}
	if rp.OauthToken != nil {
		apply(&rp.OauthToken.Token, "oauth token")
		apply(&rp.OauthToken.RefreshToken, "oauth refresh token")
	}
	if rp.Rpt != nil {
		apply(&rp.Rpt.Token, "rpt")
		apply(&rp.Rpt.Pct, "pct")
	}

	return err
}
