// Copyright 2024 The pipewatch Authors
// This file is part of the pipewatch library.
//
// The pipewatch library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pipewatch library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pipewatch library. If not, see <http://www.gnu.org/licenses/>.

package cosigner

import (
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stackflow-labs/pipewatch/chain"
	"github.com/stackflow-labs/pipewatch/params"
)

// KMSAPI is the slice of the AWS KMS client the signer needs.
type KMSAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSConfig locates the signing key.
type KMSConfig struct {
	KeyID    string
	Region   string
	Endpoint string
}

// NewKMSSigner builds a signer backed by an AWS KMS asymmetric secp256k1
// key. The public key is fetched lazily on first EnsureReady.
func NewKMSSigner(ctx context.Context, cfg KMSConfig, network params.Network) (Signer, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &CoSignerError{Msg: "loading AWS config", Err: err}
	}
	client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewKMSSignerFromAPI(client, cfg.KeyID, network), nil
}

// NewKMSSignerFromAPI builds a KMS signer over an existing client.
func NewKMSSignerFromAPI(api KMSAPI, keyID string, network params.Network) Signer {
	return &kmsSigner{api: api, keyID: keyID, network: network}
}

type kmsSigner struct {
	api     KMSAPI
	keyID   string
	network params.Network

	mu        sync.Mutex
	pub       *btcec.PublicKey
	principal string
}

func (s *kmsSigner) Enabled() bool { return true }

func (s *kmsSigner) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// EnsureReady fetches and caches the KMS public key, deriving our principal.
// A failed fetch is retried on the next call.
func (s *kmsSigner) EnsureReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub != nil {
		return nil
	}
	out, err := s.api.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(s.keyID)})
	if err != nil {
		return &CoSignerError{Msg: "KMS GetPublicKey", Err: err}
	}
	if out == nil || len(out.PublicKey) == 0 {
		return &CoSignerError{Msg: "KMS returned no public key"}
	}
	pub, err := parseSPKI(out.PublicKey)
	if err != nil {
		return &CoSignerError{Msg: "parsing KMS public key", Err: err}
	}
	s.pub = pub
	s.principal = chain.AddressFromPublicKey(pub, s.network.AddressVersion()).String()
	log.Infof("KMS signer ready: key %s signs as %s", s.keyID, s.principal)
	return nil
}

// SignDigest signs through KMS and converts the DER signature to the
// recoverable RSV form: s is normalized to the lower half of the curve order
// and the recovery id is found by trying each candidate against the known
// public key.
func (s *kmsSigner) SignDigest(ctx context.Context, digest [32]byte) ([]byte, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	out, err := s.api.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest[:],
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, &CoSignerError{Msg: "KMS Sign", Err: err}
	}
	if out == nil || len(out.Signature) == 0 {
		return nil, &CoSignerError{Msg: "KMS returned no signature"}
	}
	r, sv, err := parseDERSignature(out.Signature)
	if err != nil {
		return nil, &CoSignerError{Msg: "parsing KMS signature", Err: err}
	}

	// low-S normalization; recovery cannot reproduce the key otherwise
	n := btcec.S256().N
	halfN := new(big.Int).Rsh(n, 1)
	if sv.Cmp(halfN) > 0 {
		sv = new(big.Int).Sub(n, sv)
	}

	sig := make([]byte, chain.RSVSignatureLen)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:64])
	for v := byte(0); v <= 3; v++ {
		sig[64] = v
		pub, err := chain.RecoverRSV(sig, digest[:])
		if err == nil && pub.IsEqual(s.pub) {
			return sig, nil
		}
	}
	return nil, &CoSignerError{Msg: "no recovery id reproduces the KMS public key"}
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// parseSPKI extracts the secp256k1 point from the DER SubjectPublicKeyInfo
// KMS returns.
func parseSPKI(der []byte) (*btcec.PublicKey, error) {
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(spki.PublicKey.Bytes)
}

type derSignature struct {
	R, S *big.Int
}

func parseDERSignature(der []byte) (*big.Int, *big.Int, error) {
	var sig derSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, err
	}
	return sig.R, sig.S, nil
}
