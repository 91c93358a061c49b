// Package testutil provides shared fixtures for tests across packages:
// throwaway RSA service-account keys and credential bundles. It depends only
// on stdlib so any package (including package main) can use it.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"sync"
)

// TestIssuer is the service-account email used by fixture bundles.
const TestIssuer = "robot@test-project.iam.gserviceaccount.com"

// TestKeyID is the private_key_id used by fixture bundles.
const TestKeyID = "0123456789abcdef"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
	keyErr  error
)

// RSAKey returns a process-wide 2048-bit RSA key. Generated once because key
// generation dominates test runtime otherwise.
func RSAKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		testKey, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})

	if keyErr != nil {
		panic("testutil: generating RSA key: " + keyErr.Error())
	}

	return testKey
}

// PrivateKeyPEM returns RSAKey encoded as a PKCS#8 PEM block. Each call
// returns a fresh slice because stores zero the slice they are handed.
func PrivateKeyPEM() []byte {
	der, err := x509.MarshalPKCS8PrivateKey(RSAKey())
	if err != nil {
		panic("testutil: marshaling key: " + err.Error())
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// ServiceAccountJSON returns a service-account credential bundle pointing
// at tokenURI.
func ServiceAccountJSON(tokenURI string) []byte {
	bundle := map[string]string{
		"type":           "service_account",
		"client_email":   TestIssuer,
		"private_key_id": TestKeyID,
		"private_key":    string(PrivateKeyPEM()),
		"token_uri":      tokenURI,
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		panic("testutil: marshaling bundle: " + err.Error())
	}

	return data
}
