// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package auth defines the enhanced-authentication provider contract the
// session client uses during MQTT 5 CONNECT/AUTH exchanges.
package auth

import (
	"errors"
	"os"
)

// ErrUnexpected is returned by a Provider when asked to perform an exchange
// it does not support.
var ErrUnexpected = errors.New("unexpected authentication exchange")

// Values carries the values sent to or received from the server in a
// CONNECT or AUTH packet's authentication method/data properties.
type Values struct {
	AuthenticationMethod string
	AuthenticationData   []byte
}

// Provider implements enhanced authentication (MQTT 5 §4.12).
type Provider interface {
	// InitiateAuthExchange is called when a new connection is being
	// established, or when the provider itself requests reauthentication on
	// a live connection (reauthentication is true in that case).
	InitiateAuthExchange(reauthentication bool) (*Values, error)

	// ContinueAuthExchange is called on receipt of an AUTH packet with
	// reason code 0x18 (Continue authentication).
	ContinueAuthExchange(values *Values) (*Values, error)

	// AuthSuccess is called after a successful authentication exchange.
	// requestReauthentication may be called at any later point to trigger a
	// reauthentication on the live connection.
	AuthSuccess(requestReauthentication func())
}

// ServiceAccountToken implements Provider by reading a Kubernetes service
// account token from disk for each initial authentication; it does not
// support reauthentication or multi-step exchanges.
type ServiceAccountToken struct {
	filename string
}

// NewServiceAccountToken creates a token-file-backed auth provider.
func NewServiceAccountToken(filename string) *ServiceAccountToken {
	return &ServiceAccountToken{filename: filename}
}

func (sat *ServiceAccountToken) InitiateAuthExchange(reauthentication bool) (*Values, error) {
	if reauthentication {
		return nil, ErrUnexpected
	}

	token, err := os.ReadFile(sat.filename)
	if err != nil {
		return nil, err
	}
	return &Values{AuthenticationMethod: "K8S-SAT", AuthenticationData: token}, nil
}

func (*ServiceAccountToken) ContinueAuthExchange(*Values) (*Values, error) {
	return nil, ErrUnexpected
}

func (*ServiceAccountToken) AuthSuccess(func()) {}
