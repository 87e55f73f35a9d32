/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package awscreds materializes AWS credentials from a referenced opaque
// Secret and scrubs them from the operator's environment when the
// surrounding operation finishes.
package awscreds

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Secret data keys. Values are stored base64-encoded by Kubernetes and
// arrive decoded through the client.
const (
	KeyAccessKeyID     = "AWS_ACCESS_KEY_ID"
	KeySecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	KeySessionToken    = "AWS_SESSION_TOKEN"
)

var (
	// ErrSecretNotFound means the referenced credentials Secret does not exist.
	ErrSecretNotFound = errors.New("credentials secret not found")
	// ErrSecretMalformed means the Secret exists but is missing the access
	// key or secret key entries.
	ErrSecretMalformed = errors.New("credentials secret malformed")
)

// IsNotFound reports whether err stems from a missing credentials Secret.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSecretNotFound)
}

// IsMalformed reports whether err stems from a malformed credentials Secret.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrSecretMalformed)
}

// Credentials holds a loaded set of AWS credentials.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	exported []string
}

// Load reads the named opaque Secret from the resource's namespace. The
// two error sentinels let callers distinguish a missing Secret from a
// malformed one when composing status messages.
func Load(ctx context.Context, reader client.Reader, namespace, secretName string) (*Credentials, error) {
	secret := &corev1.Secret{}
	key := types.NamespacedName{Namespace: namespace, Name: secretName}
	if err := reader.Get(ctx, key, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errors.Wrapf(ErrSecretNotFound, "%s/%s", namespace, secretName)
		}
		return nil, errors.Wrapf(err, "reading secret %s/%s", namespace, secretName)
	}

	accessKey := string(secret.Data[KeyAccessKeyID])
	secretKey := string(secret.Data[KeySecretAccessKey])
	if accessKey == "" || secretKey == "" {
		return nil, errors.Wrapf(ErrSecretMalformed,
			"%s/%s must contain %s and %s", namespace, secretName, KeyAccessKeyID, KeySecretAccessKey)
	}

	return &Credentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    string(secret.Data[KeySessionToken]),
	}, nil
}

// Env returns the credential variables as a child-process environment
// overlay. The session token entry is omitted when absent.
func (c *Credentials) Env() []string {
	env := []string{
		fmt.Sprintf("%s=%s", KeyAccessKeyID, c.AccessKeyID),
		fmt.Sprintf("%s=%s", KeySecretAccessKey, c.SecretAccessKey),
	}
	if c.SessionToken != "" {
		env = append(env, fmt.Sprintf("%s=%s", KeySessionToken, c.SessionToken))
	}
	return env
}

// Export mirrors the credentials into the operator's own environment for
// toolchain paths that read ambient variables. Every Export must be paired
// with a deferred Scrub.
func (c *Credentials) Export() {
	os.Setenv(KeyAccessKeyID, c.AccessKeyID)
	os.Setenv(KeySecretAccessKey, c.SecretAccessKey)
	c.exported = []string{KeyAccessKeyID, KeySecretAccessKey}
	if c.SessionToken != "" {
		os.Setenv(KeySessionToken, c.SessionToken)
		c.exported = append(c.exported, KeySessionToken)
	}
}

// Scrub removes any exported variables from the process environment and
// zeroes the in-memory copies. Safe to call multiple times and on a nil
// receiver, so it can be deferred unconditionally.
func (c *Credentials) Scrub() {
	if c == nil {
		return
	}
	for _, key := range c.exported {
		os.Unsetenv(key)
	}
	c.exported = nil
	c.AccessKeyID = ""
	c.SecretAccessKey = ""
	c.SessionToken = ""
}
