// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// loadSigningKey loads the private key referenced by cfg as a signing JWK.
// RSA (PKCS1, PKCS8), ECDSA (SEC 1, PKCS8) and Ed25519 (PKCS8) keys are supported.
func loadSigningKey(cfg SigningKeyConfig) (jose.JSONWebKey, error) {
	keyPEM, err := os.ReadFile(cfg.Path) // #nosec G304 - path is provided by the operator via the configuration file
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("failed to read signing key: %w", err)
	}

	signer, err := parseSigningKey(keyPEM)
	if err != nil {
		return jose.JSONWebKey{}, err
	}

	jwk := jose.JSONWebKey{
		Key:       signer,
		KeyID:     cfg.KeyID,
		Algorithm: cfg.Algorithm,
		Use:       "sig",
	}
	if jwk.KeyID == "" {
		if jwk.KeyID, err = deriveKeyID(signer); err != nil {
			return jose.JSONWebKey{}, err
		}
	}
	if jwk.Algorithm == "" {
		if jwk.Algorithm, err = deriveAlgorithm(signer); err != nil {
			return jose.JSONWebKey{}, err
		}
	}
	return jwk, nil
}

func parseSigningKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from signing key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("signing key does not implement crypto.Signer")
	}
	return signer, nil
}

// deriveKeyID computes the RFC 7638 thumbprint of the public key.
func deriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

func deriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return string(jose.RS256), nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return string(jose.ES256), nil
		case elliptic.P384():
			return string(jose.ES384), nil
		case elliptic.P521():
			return string(jose.ES512), nil
		}
		return "", fmt.Errorf("unsupported EC curve: %s", k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return string(jose.EdDSA), nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}
